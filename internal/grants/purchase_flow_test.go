package grants

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mapleboard/credits-backend/internal/accounts"
	"github.com/mapleboard/credits-backend/internal/currencies"
	"github.com/mapleboard/credits-backend/internal/engine"
	"github.com/mapleboard/credits-backend/internal/shop"
	"github.com/mapleboard/credits-backend/internal/transactions"
	"github.com/mapleboard/credits-backend/pkg/config"
	"github.com/mapleboard/credits-backend/pkg/db"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	"github.com/mapleboard/credits-backend/pkg/enums"
	"github.com/mapleboard/credits-backend/pkg/logger"
)

// purchaseFlowFixture runs the whole purchase path against real services, so
// retries exercise the ledger rather than hand-rolled fakes.
type purchaseFlowFixture struct {
	accounts accounts.Service
	txnRepo  transactions.Repository
	txns     transactions.Service
	engine   engine.Service
	shop     shop.Service
	logger   *logger.Logger
}

func setupPurchaseFlow(t *testing.T) *purchaseFlowFixture {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS currencies (
  code TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  allow_negative INTEGER NOT NULL DEFAULT 0,
  starting_balance INTEGER NOT NULL DEFAULT 0,
  minor_unit INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  currency_code TEXT NOT NULL,
  balance INTEGER NOT NULL DEFAULT 0,
  version INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (user_id, currency_code)
);`,
		`CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  type TEXT NOT NULL,
  amount INTEGER NOT NULL,
  balance_after INTEGER NOT NULL,
  description TEXT NOT NULL,
  related_entity_kind TEXT,
  related_entity_id TEXT,
  idempotency_key TEXT,
  created_at DATETIME
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_account_idem
  ON transactions (account_id, idempotency_key)
  WHERE idempotency_key IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS shop_items (
  id TEXT PRIMARY KEY,
  sku TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  price_amount INTEGER NOT NULL,
  currency_code TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  stock INTEGER,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS inventory_items (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  shop_item_id TEXT NOT NULL,
  source_transaction_id TEXT NOT NULL UNIQUE,
  granted_at DATETIME
);`,
		`DELETE FROM inventory_items`,
		`DELETE FROM shop_items`,
		`DELETE FROM transactions`,
		`DELETE FROM accounts`,
		`DELETE FROM currencies`,
	} {
		require.NoError(t, conn.Exec(ddl).Error)
	}

	require.NoError(t, conn.Create(&models.Currency{
		Code: "credits", Name: "Credits", IsActive: true,
	}).Error)

	client, err := db.NewWithConn(conn)
	require.NoError(t, err)
	logg := logger.New(logger.Options{ServiceName: "grants-flow-test", Output: io.Discard})

	currencySvc, err := currencies.NewService(currencies.NewRepository(conn))
	require.NoError(t, err)
	accountSvc, err := accounts.NewService(accounts.NewRepository(conn), currencySvc)
	require.NoError(t, err)
	txnRepo := transactions.NewRepository(conn)
	txnSvc, err := transactions.NewService(txnRepo)
	require.NoError(t, err)
	ledger, err := engine.NewService(client, accountSvc, txnRepo, currencySvc,
		config.LedgerConfig{MaxRetries: 5, AttemptTimeout: 3 * time.Second}, logg)
	require.NoError(t, err)
	shopSvc, err := shop.NewService(client, shop.NewRepository(conn), currencySvc)
	require.NoError(t, err)

	return &purchaseFlowFixture{
		accounts: accountSvc,
		txnRepo:  txnRepo,
		txns:     txnSvc,
		engine:   ledger,
		shop:     shopSvc,
		logger:   logg,
	}
}

// flakyShop fails the first deliveries, then behaves.
type flakyShop struct {
	shop.Service
	failures int
}

func (f *flakyShop) Grant(ctx context.Context, userID string, itemID, sourceTxnID uuid.UUID) (*models.InventoryItem, error) {
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("inventory store unavailable")
	}
	return f.Service.Grant(ctx, userID, itemID, sourceTxnID)
}

func TestPurchaseRetryAfterRefundChargesAgain(t *testing.T) {
	f := setupPurchaseFlow(t)
	ctx := context.Background()

	item, err := f.shop.CreateItem(ctx, shop.CreateItemInput{
		SKU: "flow-badge", Name: "Flow Badge", PriceAmount: 30, CurrencyCode: "credits",
	})
	require.NoError(t, err)

	_, err = f.engine.Credit(ctx, engine.CreditInput{
		UserID: "buyer", CurrencyCode: "credits", Amount: 100,
		Type: enums.TransactionTypeGrant, Description: "seed",
	})
	require.NoError(t, err)

	flaky := &flakyShop{Service: f.shop, failures: 1}
	svc, err := NewService(f.engine, f.accounts, f.txns, flaky,
		config.CheckinConfig{RewardAmount: 10, CurrencyCode: "credits"}, f.logger)
	require.NoError(t, err)

	input := PurchaseInput{UserID: "buyer", ItemID: item.ID, IdempotencyKey: "order:buyer:1"}

	// delivery fails, the payment is refunded in full
	_, err = svc.Purchase(ctx, input)
	require.Error(t, err)

	account, err := f.accounts.Get(ctx, "buyer", "credits")
	require.NoError(t, err)
	require.EqualValues(t, 100, account.Balance, "failed purchase must leave the buyer whole")

	// the retry must charge afresh, not ride the refunded payment
	res, err := svc.Purchase(ctx, input)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.NotNil(t, res.Inventory)

	account, err = f.accounts.Get(ctx, "buyer", "credits")
	require.NoError(t, err)
	require.EqualValues(t, 70, account.Balance, "the delivered item must be paid for exactly once")

	sum, err := f.txnRepo.SumForAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, account.Balance, sum)

	inventory, err := f.shop.ListInventory(ctx, "buyer")
	require.NoError(t, err)
	require.Len(t, inventory, 1)

	// replaying the completed purchase delivers nothing new and charges nothing
	replay, err := svc.Purchase(ctx, input)
	require.NoError(t, err)
	require.True(t, replay.Replayed)

	account, err = f.accounts.Get(ctx, "buyer", "credits")
	require.NoError(t, err)
	require.EqualValues(t, 70, account.Balance)
}
