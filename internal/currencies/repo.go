package currencies

import (
	"context"

	"github.com/mapleboard/credits-backend/internal/repo"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	"gorm.io/gorm"
)

// Repository manages persistence for currency definitions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	GetByCode(ctx context.Context, code string) (*models.Currency, error)
	ListActive(ctx context.Context) ([]models.Currency, error)
	Create(ctx context.Context, currency *models.Currency) error
	SetActive(ctx context.Context, code string, active bool) error
	SetAllowNegative(ctx context.Context, code string, allow bool) error
	CountNegativeAccounts(ctx context.Context, code string) (int64, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns a currency repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: repo.NewBase(tx)}
}

func (r *repository) GetByCode(ctx context.Context, code string) (*models.Currency, error) {
	var currency models.Currency
	if err := r.base.DB(ctx).
		Where("code = ?", code).
		First(&currency).Error; err != nil {
		return nil, err
	}
	return &currency, nil
}

func (r *repository) ListActive(ctx context.Context) ([]models.Currency, error) {
	var currencies []models.Currency
	if err := r.base.DB(ctx).
		Where("is_active = ?", true).
		Order("code ASC").
		Find(&currencies).Error; err != nil {
		return nil, err
	}
	return currencies, nil
}

func (r *repository) Create(ctx context.Context, currency *models.Currency) error {
	return r.base.DB(ctx).Create(currency).Error
}

func (r *repository) SetActive(ctx context.Context, code string, active bool) error {
	return r.base.DB(ctx).
		Model(&models.Currency{}).
		Where("code = ?", code).
		Update("is_active", active).Error
}

func (r *repository) SetAllowNegative(ctx context.Context, code string, allow bool) error {
	return r.base.DB(ctx).
		Model(&models.Currency{}).
		Where("code = ?", code).
		Update("allow_negative", allow).Error
}

func (r *repository) CountNegativeAccounts(ctx context.Context, code string) (int64, error) {
	var count int64
	if err := r.base.DB(ctx).
		Model(&models.Account{}).
		Where("currency_code = ? AND balance < 0", code).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
