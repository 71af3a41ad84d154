package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mapleboard/credits-backend/internal/accounts"
	"github.com/mapleboard/credits-backend/internal/engine"
	"github.com/mapleboard/credits-backend/internal/shop"
	"github.com/mapleboard/credits-backend/internal/transactions"
	"github.com/mapleboard/credits-backend/pkg/config"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	"github.com/mapleboard/credits-backend/pkg/enums"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"github.com/mapleboard/credits-backend/pkg/logger"
)

const dayFormat = "2006-01-02"

// CheckInResult reports a daily check-in attempt. AlreadyCheckedIn means the
// reward for today had been claimed before this call.
type CheckInResult struct {
	Transaction      *models.Transaction
	Streak           int
	AlreadyCheckedIn bool
}

// TipInput sends credits from one member to another, optionally pinned to the
// post that earned the tip.
type TipInput struct {
	FromUserID     string
	ToUserID       string
	CurrencyCode   string
	Amount         int64
	PostID         *string
	IdempotencyKey string
}

// TipResult reports both legs of a delivered tip.
type TipResult struct {
	Debit    *models.Transaction
	Credit   *models.Transaction
	Replayed bool
}

// PurchaseInput buys one unit of a shop item.
type PurchaseInput struct {
	UserID         string
	ItemID         uuid.UUID
	IdempotencyKey string
}

// PurchaseResult reports the payment and the delivered inventory.
type PurchaseResult struct {
	Transaction *models.Transaction
	Inventory   *models.InventoryItem
	Replayed    bool
}

// RefundResult reports the offsetting transaction for a refunded one.
type RefundResult struct {
	Transaction     *models.Transaction
	AlreadyRefunded bool
}

// Service implements the product-facing grant flows on top of the ledger
// engine. Every flow derives a deterministic idempotency key so retried
// requests cannot double-spend or double-reward.
type Service interface {
	CheckIn(ctx context.Context, userID string) (*CheckInResult, error)
	Tip(ctx context.Context, input TipInput) (*TipResult, error)
	Purchase(ctx context.Context, input PurchaseInput) (*PurchaseResult, error)
	Refund(ctx context.Context, txnID uuid.UUID, reason string) (*RefundResult, error)
}

type service struct {
	engine   engine.Service
	accounts accounts.Service
	txns     transactions.Service
	shop     shop.Service
	cfg      config.CheckinConfig
	logger   *logger.Logger
	now      func() time.Time
}

// NewService wires the grant flows.
func NewService(
	ledger engine.Service,
	accountStore accounts.Service,
	txnLog transactions.Service,
	shopSvc shop.Service,
	cfg config.CheckinConfig,
	logg *logger.Logger,
) (Service, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger engine required")
	}
	if accountStore == nil {
		return nil, fmt.Errorf("account store required")
	}
	if txnLog == nil {
		return nil, fmt.Errorf("transaction log required")
	}
	if shopSvc == nil {
		return nil, fmt.Errorf("shop service required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.RewardAmount <= 0 {
		return nil, fmt.Errorf("check-in reward must be positive")
	}
	return &service{
		engine:   ledger,
		accounts: accountStore,
		txns:     txnLog,
		shop:     shopSvc,
		cfg:      cfg,
		logger:   logg,
		now:      time.Now,
	}, nil
}

// CheckIn credits the daily reward at most once per UTC day. The day boundary
// lives in the idempotency key, so replays inside the same day return the
// original row and a second reward is structurally impossible.
func (s *service) CheckIn(ctx context.Context, userID string) (*CheckInResult, error) {
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	today := s.now().UTC()
	key := fmt.Sprintf("checkin:%s:%s", userID, today.Format(dayFormat))

	res, err := s.engine.Credit(ctx, engine.CreditInput{
		UserID:         userID,
		CurrencyCode:   s.cfg.CurrencyCode,
		Amount:         s.cfg.RewardAmount,
		Type:           enums.TransactionTypeCheckin,
		Description:    "daily check-in reward",
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	streak, err := s.streak(ctx, userID, today)
	if err != nil {
		// the reward landed; a broken streak read should not undo that
		s.logger.Error(ctx, "streak computation failed", err)
		streak = 1
	}

	return &CheckInResult{
		Transaction:      res.Transaction,
		Streak:           streak,
		AlreadyCheckedIn: res.Replayed,
	}, nil
}

// streak counts consecutive UTC days with a check-in, ending today.
func (s *service) streak(ctx context.Context, userID string, today time.Time) (int, error) {
	account, err := s.accounts.Get(ctx, userID, s.cfg.CurrencyCode)
	if err != nil {
		return 0, err
	}

	window := s.cfg.StreakWindow
	if window <= 0 {
		window = 366
	}
	since := today.AddDate(0, 0, -window)
	rows, err := s.txns.RecentByType(ctx, account.ID, enums.TransactionTypeCheckin, since, window+1)
	if err != nil {
		return 0, err
	}

	days := make(map[string]bool, len(rows))
	for _, row := range rows {
		days[row.CreatedAt.UTC().Format(dayFormat)] = true
	}

	streak := 0
	for day := today; days[day.Format(dayFormat)]; day = day.AddDate(0, 0, -1) {
		streak++
	}
	return streak, nil
}

// Tip transfers credits between members. Tipping yourself is rejected before
// any balance is touched.
func (s *service) Tip(ctx context.Context, input TipInput) (*TipResult, error) {
	if input.FromUserID == input.ToUserID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cannot tip yourself")
	}

	transferInput := engine.TransferInput{
		FromUserID:     input.FromUserID,
		ToUserID:       input.ToUserID,
		CurrencyCode:   input.CurrencyCode,
		Amount:         input.Amount,
		Type:           enums.TransactionTypeTip,
		Description:    "member tip",
		IdempotencyKey: input.IdempotencyKey,
	}
	if input.PostID != nil {
		kind := enums.EntityKindPost
		transferInput.RelatedEntityKind = &kind
		transferInput.RelatedEntityID = input.PostID
	}

	res, err := s.engine.Transfer(ctx, transferInput)
	if err != nil {
		return nil, err
	}
	return &TipResult{Debit: res.Debit, Credit: res.Credit, Replayed: res.Replayed}, nil
}

// Purchase charges for a shop item, then delivers it. If delivery fails after
// payment committed, a compensating refund restores the buyer's balance.
func (s *service) Purchase(ctx context.Context, input PurchaseInput) (*PurchaseResult, error) {
	if input.UserID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	item, err := s.shop.GetItem(ctx, input.ItemID)
	if err != nil {
		return nil, err
	}
	if !item.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "item is not for sale").
			WithDetails(map[string]any{"item_id": item.ID})
	}

	kind := enums.EntityKindShopItem
	itemID := item.ID.String()
	payment, err := s.engine.Debit(ctx, engine.DebitInput{
		UserID:            input.UserID,
		CurrencyCode:      item.CurrencyCode,
		Amount:            item.PriceAmount,
		Type:              enums.TransactionTypePurchase,
		Description:       fmt.Sprintf("purchase %s", item.SKU),
		RelatedEntityKind: &kind,
		RelatedEntityID:   &itemID,
		IdempotencyKey:    input.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	// Grant is idempotent on the payment transaction, so a replayed payment
	// resumes delivery instead of charging twice.
	inventory, err := s.shop.Grant(ctx, input.UserID, item.ID, payment.Transaction.ID)
	if err != nil {
		if refundErr := s.refundPayment(ctx, input.UserID, item, payment.Transaction); refundErr != nil {
			s.logger.Error(ctx, "purchase refund failed; payment stands without delivery", refundErr)
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, refundErr, "delivery and refund both failed")
		}
		return nil, err
	}

	return &PurchaseResult{
		Transaction: payment.Transaction,
		Inventory:   inventory,
		Replayed:    payment.Replayed,
	}, nil
}

func (s *service) refundPayment(ctx context.Context, userID string, item *models.ShopItem, payment *models.Transaction) error {
	kind := enums.EntityKindTransaction
	paymentID := payment.ID.String()
	_, err := s.engine.Credit(ctx, engine.CreditInput{
		UserID:            userID,
		CurrencyCode:      item.CurrencyCode,
		Amount:            item.PriceAmount,
		Type:              enums.TransactionTypeRefund,
		Description:       fmt.Sprintf("refund for undelivered %s", item.SKU),
		RelatedEntityKind: &kind,
		RelatedEntityID:   &paymentID,
		IdempotencyKey:    "refund:" + paymentID,
	})
	return err
}

// Refund appends an offsetting transaction for the given one. The original
// row is never touched; refunding twice replays the first refund.
func (s *service) Refund(ctx context.Context, txnID uuid.UUID, reason string) (*RefundResult, error) {
	original, err := s.txns.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if original.Type == enums.TransactionTypeRefund {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cannot refund a refund")
	}
	if original.Amount == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "nothing to refund")
	}

	account, err := s.accounts.GetByID(ctx, original.AccountID)
	if err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "refund"
	}
	kind := enums.EntityKindTransaction
	originalID := original.ID.String()
	key := "refund:" + originalID

	var res *engine.Result
	if original.Amount < 0 {
		res, err = s.engine.Credit(ctx, engine.CreditInput{
			UserID:            account.UserID,
			CurrencyCode:      account.CurrencyCode,
			Amount:            -original.Amount,
			Type:              enums.TransactionTypeRefund,
			Description:       reason,
			RelatedEntityKind: &kind,
			RelatedEntityID:   &originalID,
			IdempotencyKey:    key,
		})
	} else {
		res, err = s.engine.Debit(ctx, engine.DebitInput{
			UserID:            account.UserID,
			CurrencyCode:      account.CurrencyCode,
			Amount:            original.Amount,
			Type:              enums.TransactionTypeRefund,
			Description:       reason,
			RelatedEntityKind: &kind,
			RelatedEntityID:   &originalID,
			IdempotencyKey:    key,
		})
	}
	if err != nil {
		return nil, err
	}

	return &RefundResult{Transaction: res.Transaction, AlreadyRefunded: res.Replayed}, nil
}
