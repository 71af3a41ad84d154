package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
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
)

// memLedger is a mutex-guarded single-account store. It keeps the CAS
// semantics of the real repositories while letting goroutines interleave
// freely, which the shared sqlite fixture cannot offer.
type memLedger struct {
	mu       sync.Mutex
	currency models.Currency
	account  models.Account
	txns     []models.Transaction
}

func newMemLedger(balance int64) *memLedger {
	return &memLedger{
		currency: models.Currency{Code: "credits", Name: "Credits", IsActive: true},
		account: models.Account{
			ID:           uuid.New(),
			UserID:       "race",
			CurrencyCode: "credits",
			Balance:      balance,
		},
	}
}

func (l *memLedger) snapshot() models.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account
}

func (l *memLedger) logTotals() (int64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for _, txn := range l.txns {
		sum += txn.Amount
	}
	return sum, len(l.txns)
}

type memAccounts struct{ ledger *memLedger }

func (m *memAccounts) GetOrCreate(ctx context.Context, userID, currencyCode string) (*models.Account, error) {
	account := m.ledger.snapshot()
	return &account, nil
}

func (m *memAccounts) Get(ctx context.Context, userID, currencyCode string) (*models.Account, error) {
	account := m.ledger.snapshot()
	return &account, nil
}

func (m *memAccounts) GetByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	account := m.ledger.snapshot()
	return &account, nil
}

func (m *memAccounts) Repo() accounts.Repository {
	return &memAccountRepo{ledger: m.ledger}
}

type memAccountRepo struct{ ledger *memLedger }

func (r *memAccountRepo) WithTx(tx *gorm.DB) accounts.Repository { return r }

func (r *memAccountRepo) Insert(ctx context.Context, account *models.Account) error { return nil }

func (r *memAccountRepo) FindByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	account := r.ledger.snapshot()
	return &account, nil
}

func (r *memAccountRepo) FindByUserAndCurrency(ctx context.Context, userID, currencyCode string) (*models.Account, error) {
	account := r.ledger.snapshot()
	return &account, nil
}

func (r *memAccountRepo) CompareAndSwapBalance(ctx context.Context, accountID uuid.UUID, expectedVersion, newBalance int64) error {
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()
	if r.ledger.account.Version != expectedVersion {
		return pkgerrors.New(pkgerrors.CodeVersionConflict, "stale account version")
	}
	r.ledger.account.Balance = newBalance
	r.ledger.account.Version++
	return nil
}

func (r *memAccountRepo) ListAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Account, error) {
	return nil, nil
}

type memTxnRepo struct{ ledger *memLedger }

func (r *memTxnRepo) WithTx(tx *gorm.DB) transactions.Repository { return r }

func (r *memTxnRepo) Append(ctx context.Context, txn *models.Transaction) error {
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()
	r.ledger.txns = append(r.ledger.txns, *txn)
	return nil
}

func (r *memTxnRepo) FindByID(ctx context.Context, txnID uuid.UUID) (*models.Transaction, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *memTxnRepo) FindByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*models.Transaction, error) {
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()
	for i := range r.ledger.txns {
		txn := r.ledger.txns[i]
		if txn.IdempotencyKey != nil && *txn.IdempotencyKey == key {
			return &txn, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memTxnRepo) ListForAccount(ctx context.Context, accountID uuid.UUID, filter transactions.ListFilter, offset, limit int) ([]models.Transaction, error) {
	return nil, nil
}

func (r *memTxnRepo) CountForAccount(ctx context.Context, accountID uuid.UUID, filter transactions.ListFilter) (int64, error) {
	return 0, nil
}

func (r *memTxnRepo) SumForAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	sum, _ := r.ledger.logTotals()
	return sum, nil
}

func (r *memTxnRepo) LatestForAccount(ctx context.Context, accountID uuid.UUID) (*models.Transaction, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *memTxnRepo) ListRecentByType(ctx context.Context, accountID uuid.UUID, txnType enums.TransactionType, since time.Time, limit int) ([]models.Transaction, error) {
	return nil, nil
}

func (r *memTxnRepo) AggregateForEntity(ctx context.Context, kind enums.EntityKind, entityID string) (int64, int64, error) {
	return 0, 0, nil
}

func (r *memTxnRepo) FindReversalFor(ctx context.Context, original *models.Transaction) (*models.Transaction, error) {
	return nil, gorm.ErrRecordNotFound
}

type memCurrencies struct{ ledger *memLedger }

func (m *memCurrencies) GetCurrency(ctx context.Context, code string) (*models.Currency, error) {
	currency := m.ledger.currency
	return &currency, nil
}

func (m *memCurrencies) ListActiveCurrencies(ctx context.Context) ([]models.Currency, error) {
	return nil, nil
}

func (m *memCurrencies) IsActive(ctx context.Context, code string) (bool, error) {
	return true, nil
}

func (m *memCurrencies) Create(ctx context.Context, input currencies.CreateCurrencyInput) (*models.Currency, error) {
	return nil, nil
}

func (m *memCurrencies) SetActive(ctx context.Context, code string, active bool) error { return nil }

func (m *memCurrencies) SetAllowNegative(ctx context.Context, code string, allow bool) error {
	return nil
}

func setupRaceEngine(t *testing.T, ledger *memLedger, cfg config.LedgerConfig) Service {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	client, err := db.NewWithConn(conn)
	require.NoError(t, err)

	svc, err := NewService(client,
		&memAccounts{ledger: ledger},
		&memTxnRepo{ledger: ledger},
		&memCurrencies{ledger: ledger},
		cfg,
		logger.New(logger.Options{ServiceName: "engine-race-test", Output: io.Discard}))
	require.NoError(t, err)
	return svc
}

func TestConcurrentMutationsReconcile(t *testing.T) {
	ledger := newMemLedger(0)
	svc := setupRaceEngine(t, ledger, config.LedgerConfig{MaxRetries: 100})
	ctx := context.Background()

	const workers = 8
	const opsPerWorker = 25

	errs := make(chan error, workers*opsPerWorker)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				var err error
				if i%2 == 0 {
					_, err = svc.Credit(ctx, CreditInput{
						UserID: "race", CurrencyCode: "credits", Amount: 7,
						Type: enums.TransactionTypeGrant, Description: "concurrent credit",
					})
				} else {
					_, err = svc.Debit(ctx, DebitInput{
						UserID: "race", CurrencyCode: "credits", Amount: 3,
						Type: enums.TransactionTypePurchase, Description: "concurrent debit",
					})
				}
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	applied := 0
	for err := range errs {
		if err == nil {
			applied++
			continue
		}
		require.True(t,
			pkgerrors.HasCode(err, pkgerrors.CodeInsufficientBalance) || pkgerrors.HasCode(err, pkgerrors.CodeContention),
			"unexpected failure: %v", err)
	}
	require.Positive(t, applied)

	account := ledger.snapshot()
	sum, count := ledger.logTotals()
	require.Equal(t, sum, account.Balance, "balance must equal the signed sum of the log")
	require.Equal(t, applied, count, "every applied mutation must appear exactly once in the log")
	require.EqualValues(t, count, account.Version, "every applied mutation must bump the version once")
	require.GreaterOrEqual(t, account.Balance, int64(0))
}

func TestConcurrentDebitsOverdrawExactlyOnce(t *testing.T) {
	ledger := newMemLedger(100)
	svc := setupRaceEngine(t, ledger, defaultLedgerConfig())
	ctx := context.Background()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, DebitInput{
				UserID: "race", CurrencyCode: "credits", Amount: 60,
				Type: enums.TransactionTypePurchase, Description: "racing debit",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case pkgerrors.HasCode(err, pkgerrors.CodeInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded, "exactly one debit must land")
	require.Equal(t, 1, insufficient, "the loser must see insufficient balance")

	account := ledger.snapshot()
	require.EqualValues(t, 40, account.Balance)
	sum, count := ledger.logTotals()
	require.EqualValues(t, -60, sum)
	require.Equal(t, 1, count)
}
