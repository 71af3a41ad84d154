package models

import (
	"time"

	"github.com/google/uuid"
)

// InventoryItem records a shop item granted to a member, linked back to the
// purchase transaction that paid for it.
type InventoryItem struct {
	ID                  uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	UserID              string    `gorm:"column:user_id;not null;index:idx_inventory_items_user"`
	ShopItemID          uuid.UUID `gorm:"column:shop_item_id;type:uuid;not null"`
	SourceTransactionID uuid.UUID `gorm:"column:source_transaction_id;type:uuid;not null;uniqueIndex:uq_inventory_source_txn"`
	GrantedAt           time.Time `gorm:"column:granted_at;autoCreateTime"`
}

// TableName pins the table name.
func (InventoryItem) TableName() string {
	return "inventory_items"
}
