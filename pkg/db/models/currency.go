package models

import "time"

// Currency defines a denomination members can hold. Rows are configured by
// operators and are immutable once referenced by an account, except for the
// is_active toggle.
type Currency struct {
	Code            string    `gorm:"column:code;primaryKey"`
	Name            string    `gorm:"column:name;not null"`
	IsActive        bool      `gorm:"column:is_active;not null;default:true"`
	AllowNegative   bool      `gorm:"column:allow_negative;not null;default:false"`
	StartingBalance int64     `gorm:"column:starting_balance;not null;default:0"`
	MinorUnit       int32     `gorm:"column:minor_unit;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name.
func (Currency) TableName() string {
	return "currencies"
}
