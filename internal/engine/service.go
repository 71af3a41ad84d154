package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mapleboard/credits-backend/internal/accounts"
	"github.com/mapleboard/credits-backend/internal/currencies"
	"github.com/mapleboard/credits-backend/internal/transactions"
	"github.com/mapleboard/credits-backend/pkg/config"
	"github.com/mapleboard/credits-backend/pkg/db"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	"github.com/mapleboard/credits-backend/pkg/enums"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"github.com/mapleboard/credits-backend/pkg/logger"
	"github.com/mapleboard/credits-backend/pkg/metrics"
)

// CacheInvalidator drops cached read views after a balance mutation. The
// engine treats invalidation as best-effort; a failed drop only shortens
// cache freshness, it never fails the mutation.
type CacheInvalidator interface {
	InvalidateBalance(ctx context.Context, userID, currencyCode string)
	InvalidateEntity(ctx context.Context, kind enums.EntityKind, entityID string)
}

// CreditInput describes one balance increase.
type CreditInput struct {
	UserID            string                `validate:"required"`
	CurrencyCode      string                `validate:"required"`
	Amount            int64                 `validate:"gt=0"`
	Type              enums.TransactionType `validate:"required"`
	Description       string                `validate:"required"`
	RelatedEntityKind *enums.EntityKind
	RelatedEntityID   *string
	IdempotencyKey    string
}

// DebitInput describes one balance decrease. Amount is the positive magnitude
// to remove.
type DebitInput struct {
	UserID            string                `validate:"required"`
	CurrencyCode      string                `validate:"required"`
	Amount            int64                 `validate:"gt=0"`
	Type              enums.TransactionType `validate:"required"`
	Description       string                `validate:"required"`
	RelatedEntityKind *enums.EntityKind
	RelatedEntityID   *string
	IdempotencyKey    string
}

// TransferInput moves Amount from one user to another in the same currency.
type TransferInput struct {
	FromUserID        string                `validate:"required"`
	ToUserID          string                `validate:"required"`
	CurrencyCode      string                `validate:"required"`
	Amount            int64                 `validate:"gt=0"`
	Type              enums.TransactionType `validate:"required"`
	Description       string                `validate:"required"`
	RelatedEntityKind *enums.EntityKind
	RelatedEntityID   *string
	IdempotencyKey    string
}

// Result reports one applied (or replayed) mutation.
type Result struct {
	Transaction *models.Transaction
	Replayed    bool
}

// TransferResult reports both legs of a transfer.
type TransferResult struct {
	Debit    *models.Transaction
	Credit   *models.Transaction
	Replayed bool
}

// Service is the ledger engine: the only writer of accounts and transactions.
// Every mutation applies the balance change and appends its log row in one
// database transaction.
type Service interface {
	Credit(ctx context.Context, input CreditInput) (*Result, error)
	Debit(ctx context.Context, input DebitInput) (*Result, error)
	Transfer(ctx context.Context, input TransferInput) (*TransferResult, error)
}

type service struct {
	db          *db.Client
	accounts    accounts.Service
	txns        transactions.Repository
	currencies  currencies.Service
	cfg         config.LedgerConfig
	validate    *validator.Validate
	logger      *logger.Logger
	metrics     *metrics.LedgerMetrics
	invalidator CacheInvalidator
}

// Option customizes optional engine collaborators.
type Option func(*service)

// WithMetrics attaches engine metrics.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(s *service) { s.metrics = m }
}

// WithCacheInvalidator attaches a read-cache invalidator.
func WithCacheInvalidator(inv CacheInvalidator) Option {
	return func(s *service) { s.invalidator = inv }
}

// NewService wires the ledger engine.
func NewService(
	client *db.Client,
	accountStore accounts.Service,
	txnRepo transactions.Repository,
	registry currencies.Service,
	cfg config.LedgerConfig,
	logg *logger.Logger,
	opts ...Option,
) (Service, error) {
	if client == nil {
		return nil, fmt.Errorf("db client required")
	}
	if accountStore == nil {
		return nil, fmt.Errorf("account store required")
	}
	if txnRepo == nil {
		return nil, fmt.Errorf("transaction repository required")
	}
	if registry == nil {
		return nil, fmt.Errorf("currency registry required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	svc := &service{
		db:         client,
		accounts:   accountStore,
		txns:       txnRepo,
		currencies: registry,
		cfg:        cfg,
		validate:   validator.New(),
		logger:     logg,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *service) Credit(ctx context.Context, input CreditInput) (*Result, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid credit input")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction type")
	}
	return s.apply(ctx, "credit", mutation{
		userID:         input.UserID,
		currencyCode:   input.CurrencyCode,
		signedAmount:   input.Amount,
		txnType:        input.Type,
		description:    input.Description,
		entityKind:     input.RelatedEntityKind,
		entityID:       input.RelatedEntityID,
		idempotencyKey: input.IdempotencyKey,
	})
}

func (s *service) Debit(ctx context.Context, input DebitInput) (*Result, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid debit input")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction type")
	}
	return s.apply(ctx, "debit", mutation{
		userID:         input.UserID,
		currencyCode:   input.CurrencyCode,
		signedAmount:   -input.Amount,
		txnType:        input.Type,
		description:    input.Description,
		entityKind:     input.RelatedEntityKind,
		entityID:       input.RelatedEntityID,
		idempotencyKey: input.IdempotencyKey,
	})
}

// Transfer runs the debit leg first, then the credit leg. If the credit leg
// cannot land after the debit committed, a compensating credit restores the
// source balance before the error surfaces. A retry after compensation debits
// the source afresh instead of replaying the reversed debit, so the credit
// leg is always backed by funds actually held.
func (s *service) Transfer(ctx context.Context, input TransferInput) (*TransferResult, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transfer input")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction type")
	}
	if input.FromUserID == input.ToUserID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transfer endpoints must differ")
	}

	var debitKey, creditKey string
	if input.IdempotencyKey != "" {
		debitKey = input.IdempotencyKey + ":debit"
		creditKey = input.IdempotencyKey + ":credit"
	}

	debitRes, err := s.apply(ctx, "transfer", mutation{
		userID:         input.FromUserID,
		currencyCode:   input.CurrencyCode,
		signedAmount:   -input.Amount,
		txnType:        input.Type,
		description:    input.Description,
		entityKind:     input.RelatedEntityKind,
		entityID:       input.RelatedEntityID,
		idempotencyKey: debitKey,
	})
	if err != nil {
		return nil, err
	}

	creditRes, err := s.apply(ctx, "transfer", mutation{
		userID:         input.ToUserID,
		currencyCode:   input.CurrencyCode,
		signedAmount:   input.Amount,
		txnType:        input.Type,
		description:    input.Description,
		entityKind:     input.RelatedEntityKind,
		entityID:       input.RelatedEntityID,
		idempotencyKey: creditKey,
	})
	if err != nil {
		if compErr := s.compensate(ctx, input, debitRes.Transaction); compErr != nil {
			s.logger.Error(ctx, "transfer compensation failed; source account debited without credit leg", compErr)
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, compErr, "transfer failed and compensation failed")
		}
		return nil, err
	}

	return &TransferResult{
		Debit:    debitRes.Transaction,
		Credit:   creditRes.Transaction,
		Replayed: debitRes.Replayed && creditRes.Replayed,
	}, nil
}

// compensate credits the debited amount back, referencing the orphaned debit
// row so the reversal is traceable and idempotent.
func (s *service) compensate(ctx context.Context, input TransferInput, debit *models.Transaction) error {
	kind := enums.EntityKindTransaction
	debitID := debit.ID.String()
	_, err := s.apply(ctx, "transfer_compensation", mutation{
		userID:         input.FromUserID,
		currencyCode:   input.CurrencyCode,
		signedAmount:   input.Amount,
		txnType:        enums.TransactionTypeAdjustment,
		description:    "transfer reversal",
		entityKind:     &kind,
		entityID:       &debitID,
		idempotencyKey: "reversal:" + debitID,
	})
	return err
}

type mutation struct {
	userID         string
	currencyCode   string
	signedAmount   int64
	txnType        enums.TransactionType
	description    string
	entityKind     *enums.EntityKind
	entityID       *string
	idempotencyKey string
}

// apply is the single write path: resolve the account, then retry the
// CAS-plus-append transaction until it lands or the budget runs out.
func (s *service) apply(ctx context.Context, operation string, m mutation) (*Result, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveDuration(operation, time.Since(start))
	}()

	ctx = s.logger.WithFields(ctx, map[string]any{
		"user_id":   m.userID,
		"currency":  m.currencyCode,
		"operation": operation,
	})

	account, err := s.accounts.GetOrCreate(ctx, m.userID, m.currencyCode)
	if err != nil {
		return nil, err
	}

	if m.idempotencyKey != "" {
		prior, writeKey, err := s.resolveIdempotency(ctx, account.ID, m.idempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return &Result{Transaction: prior, Replayed: true}, nil
		}
		m.idempotencyKey = writeKey
	}

	currency, err := s.currencies.GetCurrency(ctx, m.currencyCode)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.IncRetry(operation)
			account, err = s.accounts.GetByID(ctx, account.ID)
			if err != nil {
				return nil, err
			}
		}

		result, err := s.attempt(ctx, account, currency, m)
		if err == nil {
			s.invalidate(ctx, m)
			return result, nil
		}
		if pkgerrors.HasCode(err, pkgerrors.CodeVersionConflict) {
			continue
		}
		if db.IsUniqueViolation(err, "") && m.idempotencyKey != "" {
			// a concurrent duplicate landed first; hand back its row
			prior, findErr := s.txns.FindByIdempotencyKey(ctx, account.ID, m.idempotencyKey)
			if findErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "reload replayed transaction")
			}
			return &Result{Transaction: prior, Replayed: true}, nil
		}
		return nil, err
	}

	s.metrics.IncContention(operation)
	s.logger.Warn(ctx, "retry budget exhausted under contention")
	return nil, pkgerrors.New(pkgerrors.CodeContention, "account under contention").
		WithDetails(map[string]any{"account_id": account.ID, "attempts": s.cfg.MaxRetries + 1})
}

// resolveIdempotency maps a key to either the transaction it replays or the
// key a fresh write must use. A prior row that a compensating transaction has
// since offset no longer holds its funds and cannot satisfy a replay; the
// write key is then scoped to the newest compensation, so each compensated
// round gets exactly one re-application.
func (s *service) resolveIdempotency(ctx context.Context, accountID uuid.UUID, key string) (*models.Transaction, string, error) {
	writeKey := key
	for {
		prior, err := s.txns.FindByIdempotencyKey(ctx, accountID, writeKey)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, writeKey, nil
		}
		if err != nil {
			return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "idempotency lookup")
		}

		reversal, err := s.txns.FindReversalFor(ctx, prior)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return prior, "", nil
		}
		if err != nil {
			return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reversal lookup")
		}
		writeKey = key + ":" + reversal.ID.String()
	}
}

// attempt runs one CAS-plus-append round inside a database transaction.
func (s *service) attempt(ctx context.Context, account *models.Account, currency *models.Currency, m mutation) (*Result, error) {
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	newBalance := account.Balance + m.signedAmount
	if newBalance < 0 && !currency.AllowNegative {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientBalance, "balance would go negative").
			WithDetails(map[string]any{
				"balance":   account.Balance,
				"requested": -m.signedAmount,
			})
	}

	txn := &models.Transaction{
		ID:                uuid.New(),
		AccountID:         account.ID,
		Type:              m.txnType,
		Amount:            m.signedAmount,
		BalanceAfter:      newBalance,
		Description:       m.description,
		RelatedEntityKind: m.entityKind,
		RelatedEntityID:   m.entityID,
		CreatedAt:         time.Now().UTC(),
	}
	if m.idempotencyKey != "" {
		key := m.idempotencyKey
		txn.IdempotencyKey = &key
	}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.accounts.Repo().WithTx(tx).CompareAndSwapBalance(ctx, account.ID, account.Version, newBalance); err != nil {
			return err
		}
		return s.txns.WithTx(tx).Append(ctx, txn)
	})
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeVersionConflict) || db.IsUniqueViolation(err, "") {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply ledger mutation")
	}
	return &Result{Transaction: txn}, nil
}

func (s *service) invalidate(ctx context.Context, m mutation) {
	if s.invalidator == nil {
		return
	}
	s.invalidator.InvalidateBalance(ctx, m.userID, m.currencyCode)
	if m.entityKind != nil && m.entityID != nil {
		s.invalidator.InvalidateEntity(ctx, *m.entityKind, *m.entityID)
	}
}
