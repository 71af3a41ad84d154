package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mapleboard/credits-backend/pkg/enums"
)

// Transaction is an immutable record of one balance mutation. Amount is signed
// in minor units (positive credit, negative debit); BalanceAfter snapshots the
// account balance the moment this row was applied. Corrections are new
// offsetting rows, never edits.
type Transaction struct {
	ID                uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	AccountID         uuid.UUID             `gorm:"column:account_id;type:uuid;not null;index:idx_transactions_account_created,priority:1"`
	Type              enums.TransactionType `gorm:"column:type;not null"`
	Amount            int64                 `gorm:"column:amount;not null"`
	BalanceAfter      int64                 `gorm:"column:balance_after;not null"`
	Description       string                `gorm:"column:description;not null"`
	RelatedEntityKind *enums.EntityKind     `gorm:"column:related_entity_kind"`
	RelatedEntityID   *string               `gorm:"column:related_entity_id"`
	IdempotencyKey    *string               `gorm:"column:idempotency_key"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime;index:idx_transactions_account_created,priority:2"`
}

// TableName pins the table name.
func (Transaction) TableName() string {
	return "transactions"
}
