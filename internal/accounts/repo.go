package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mapleboard/credits-backend/internal/repo"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
	"gorm.io/gorm"
)

// Repository manages persistence for balance accounts. CompareAndSwapBalance is
// the sole mutation primitive; business rules about legal amounts live in the
// ledger engine.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, account *models.Account) error
	FindByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	FindByUserAndCurrency(ctx context.Context, userID, currencyCode string) (*models.Account, error)
	CompareAndSwapBalance(ctx context.Context, accountID uuid.UUID, expectedVersion, newBalance int64) error
	ListAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Account, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns an account repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: repo.NewBase(tx)}
}

func (r *repository) Insert(ctx context.Context, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	return r.base.DB(ctx).Create(account).Error
}

func (r *repository) FindByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := r.base.DB(ctx).
		Where("id = ?", accountID).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindByUserAndCurrency(ctx context.Context, userID, currencyCode string) (*models.Account, error) {
	var account models.Account
	if err := r.base.DB(ctx).
		Where("user_id = ? AND currency_code = ?", userID, currencyCode).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// CompareAndSwapBalance writes newBalance only if the row still carries
// expectedVersion, bumping the version in the same statement. A zero-row update
// means another writer won the race.
func (r *repository) CompareAndSwapBalance(ctx context.Context, accountID uuid.UUID, expectedVersion, newBalance int64) error {
	res := r.base.DB(ctx).
		Model(&models.Account{}).
		Where("id = ? AND version = ?", accountID, expectedVersion).
		Updates(map[string]any{
			"balance":    newBalance,
			"version":    expectedVersion + 1,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeVersionConflict, "stale account version").
			WithDetails(map[string]any{"account_id": accountID, "expected_version": expectedVersion})
	}
	return nil
}

// ListAfter pages through accounts keyset-style, ordered by id. Used by the
// balance audit job.
func (r *repository) ListAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Account, error) {
	query := r.base.DB(ctx).Order("id ASC").Limit(limit)
	if afterID != uuid.Nil {
		query = query.Where("id > ?", afterID)
	}
	var accounts []models.Account
	if err := query.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}
