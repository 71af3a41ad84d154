package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/mapleboard/credits-backend/pkg/db/models"
	"github.com/mapleboard/credits-backend/pkg/logger"
)

const defaultAuditBatchSize = 500

type accountLister interface {
	ListAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Account, error)
}

type transactionAuditor interface {
	SumForAccount(ctx context.Context, accountID uuid.UUID) (int64, error)
	LatestForAccount(ctx context.Context, accountID uuid.UUID) (*models.Transaction, error)
}

type currencyGetter interface {
	GetCurrency(ctx context.Context, code string) (*models.Currency, error)
}

// BalanceAuditJobParams configures the nightly ledger reconciliation.
type BalanceAuditJobParams struct {
	Logger     *logger.Logger
	Accounts   accountLister
	Txns       transactionAuditor
	Currencies currencyGetter
	BatchSize  int
}

// NewBalanceAuditJob constructs the balance reconciliation job. It verifies,
// account by account, that the stored balance equals the currency's starting
// balance plus the signed sum of the transaction log, and that the newest
// transaction's snapshot agrees with the stored balance. Drift is reported,
// never repaired; a mismatched row needs human eyes.
func NewBalanceAuditJob(params BalanceAuditJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Accounts == nil {
		return nil, fmt.Errorf("account lister required")
	}
	if params.Txns == nil {
		return nil, fmt.Errorf("transaction auditor required")
	}
	if params.Currencies == nil {
		return nil, fmt.Errorf("currency getter required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultAuditBatchSize
	}
	return &balanceAuditJob{
		logg:       params.Logger,
		accounts:   params.Accounts,
		txns:       params.Txns,
		currencies: params.Currencies,
		batchSize:  batch,
	}, nil
}

type balanceAuditJob struct {
	logg       *logger.Logger
	accounts   accountLister
	txns       transactionAuditor
	currencies currencyGetter
	batchSize  int
}

func (j *balanceAuditJob) Name() string { return "balance-audit" }

func (j *balanceAuditJob) Run(ctx context.Context) error {
	starting := map[string]int64{}
	var audited int
	var drift error

	cursor := uuid.Nil
	for {
		batch, err := j.accounts.ListAfter(ctx, cursor, j.batchSize)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			if err := j.auditAccount(ctx, &batch[i], starting); err != nil {
				drift = multierr.Append(drift, err)
			}
			audited++
		}
		cursor = batch[len(batch)-1].ID
		if len(batch) < j.batchSize {
			break
		}
	}

	logCtx := j.logg.WithField(ctx, "audited", audited)
	if drift != nil {
		j.logg.Error(logCtx, "balance audit found drift", drift)
		return drift
	}
	j.logg.Info(logCtx, "balance audit clean")
	return nil
}

func (j *balanceAuditJob) auditAccount(ctx context.Context, account *models.Account, starting map[string]int64) error {
	base, ok := starting[account.CurrencyCode]
	if !ok {
		currency, err := j.currencies.GetCurrency(ctx, account.CurrencyCode)
		if err != nil {
			return fmt.Errorf("account %s: load currency %s: %w", account.ID, account.CurrencyCode, err)
		}
		base = currency.StartingBalance
		starting[account.CurrencyCode] = base
	}

	sum, err := j.txns.SumForAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("account %s: sum transactions: %w", account.ID, err)
	}
	if expected := base + sum; account.Balance != expected {
		return fmt.Errorf("account %s: balance %d, transaction log implies %d", account.ID, account.Balance, expected)
	}

	latest, err := j.txns.LatestForAccount(ctx, account.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("account %s: load chain head: %w", account.ID, err)
	}
	if latest.BalanceAfter != account.Balance {
		return fmt.Errorf("account %s: chain head snapshot %d disagrees with balance %d", account.ID, latest.BalanceAfter, account.Balance)
	}
	return nil
}
