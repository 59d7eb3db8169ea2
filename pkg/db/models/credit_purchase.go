package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// CreditPurchase records a one-off credit pack bought through checkout.
type CreditPurchase struct {
	StripeSessionID string               `gorm:"column:stripe_session_id;primaryKey"`
	UserID          uuid.UUID            `gorm:"column:user_id;type:uuid;not null"`
	PackageID       string               `gorm:"column:package_id;not null"`
	Credits         int                  `gorm:"column:credits;not null"`
	AmountPaid      decimal.Decimal      `gorm:"column:amount_paid;type:numeric(12,2);not null;default:0"`
	Currency        string               `gorm:"column:currency;not null;default:usd"`
	PaymentIntentID *string              `gorm:"column:payment_intent_id"`
	Status          enums.PurchaseStatus `gorm:"column:status;type:purchase_status_enum;not null"`
	CompletedAt     *time.Time           `gorm:"column:completed_at"`
	CreatedAt       time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
