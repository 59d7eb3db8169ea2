package models

import (
	"time"

	"github.com/google/uuid"
)

// StripeCustomer links a payment-provider customer to an account.
type StripeCustomer struct {
	StripeCustomerID string    `gorm:"column:stripe_customer_id;primaryKey"`
	UserID           uuid.UUID `gorm:"column:user_id;type:uuid;not null"`
	Email            string    `gorm:"column:email;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}
