package shop

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mapleboard/credits-backend/internal/repo"
	"github.com/mapleboard/credits-backend/pkg/db/models"
	pkgerrors "github.com/mapleboard/credits-backend/pkg/errors"
)

// Repository persists the shop catalog and member inventory.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	GetItem(ctx context.Context, itemID uuid.UUID) (*models.ShopItem, error)
	GetItemBySKU(ctx context.Context, sku string) (*models.ShopItem, error)
	ListActiveItems(ctx context.Context) ([]models.ShopItem, error)
	CreateItem(ctx context.Context, item *models.ShopItem) error
	SetItemActive(ctx context.Context, itemID uuid.UUID, active bool) error
	DecrementStock(ctx context.Context, itemID uuid.UUID) error
	InsertInventory(ctx context.Context, item *models.InventoryItem) error
	ListInventory(ctx context.Context, userID string) ([]models.InventoryItem, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns a shop repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: repo.NewBase(tx)}
}

func (r *repository) GetItem(ctx context.Context, itemID uuid.UUID) (*models.ShopItem, error) {
	var item models.ShopItem
	if err := r.base.DB(ctx).
		Where("id = ?", itemID).
		First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) GetItemBySKU(ctx context.Context, sku string) (*models.ShopItem, error) {
	var item models.ShopItem
	if err := r.base.DB(ctx).
		Where("sku = ?", sku).
		First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) ListActiveItems(ctx context.Context) ([]models.ShopItem, error) {
	var items []models.ShopItem
	if err := r.base.DB(ctx).
		Where("is_active = ?", true).
		Order("sku ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) CreateItem(ctx context.Context, item *models.ShopItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return r.base.DB(ctx).Create(item).Error
}

func (r *repository) SetItemActive(ctx context.Context, itemID uuid.UUID, active bool) error {
	return r.base.DB(ctx).
		Model(&models.ShopItem{}).
		Where("id = ?", itemID).
		Update("is_active", active).Error
}

// DecrementStock takes one unit guarded in SQL, so concurrent purchases cannot
// drive stock below zero. Unlimited items (NULL stock) pass through untouched.
func (r *repository) DecrementStock(ctx context.Context, itemID uuid.UUID) error {
	res := r.base.DB(ctx).
		Model(&models.ShopItem{}).
		Where("id = ? AND (stock IS NULL OR stock > 0)", itemID).
		Update("stock", gorm.Expr("CASE WHEN stock IS NULL THEN NULL ELSE stock - 1 END"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "item out of stock").
			WithDetails(map[string]any{"item_id": itemID})
	}
	return nil
}

func (r *repository) InsertInventory(ctx context.Context, item *models.InventoryItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return r.base.DB(ctx).Create(item).Error
}

func (r *repository) ListInventory(ctx context.Context, userID string) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	if err := r.base.DB(ctx).
		Where("user_id = ?", userID).
		Order("granted_at DESC, id DESC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
