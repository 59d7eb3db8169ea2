package models

import (
	"time"

	"github.com/google/uuid"
)

// CreditWallet holds the spendable generation credits for a user.
type CreditWallet struct {
	UserID              uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	CreditsBalance      int       `gorm:"column:credits_balance;not null;default:0"`
	MonthlyAllowance    int       `gorm:"column:monthly_allowance;not null;default:0"`
	LastRefillReference *string   `gorm:"column:last_refill_reference"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
