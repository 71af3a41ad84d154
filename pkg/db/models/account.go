package models

import (
	"time"

	"github.com/google/uuid"
)

// Account holds one balance per (user, currency). Version is the optimistic
// concurrency token: every balance write must name the version it read.
type Account struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	UserID       string    `gorm:"column:user_id;not null;uniqueIndex:uq_accounts_user_currency,priority:1"`
	CurrencyCode string    `gorm:"column:currency_code;not null;uniqueIndex:uq_accounts_user_currency,priority:2"`
	Balance      int64     `gorm:"column:balance;not null;default:0"`
	Version      int64     `gorm:"column:version;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name.
func (Account) TableName() string {
	return "accounts"
}
