package models

import (
	"time"

	"github.com/google/uuid"
)

// ShopItem is a purchasable catalog entry priced in a ledger currency.
// Stock is nil for unlimited items.
type ShopItem struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	SKU          string    `gorm:"column:sku;not null;uniqueIndex:uq_shop_items_sku"`
	Name         string    `gorm:"column:name;not null"`
	PriceAmount  int64     `gorm:"column:price_amount;not null"`
	CurrencyCode string    `gorm:"column:currency_code;not null"`
	IsActive     bool      `gorm:"column:is_active;not null;default:true"`
	Stock        *int      `gorm:"column:stock"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name.
func (ShopItem) TableName() string {
	return "shop_items"
}
