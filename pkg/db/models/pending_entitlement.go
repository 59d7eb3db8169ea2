package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// PendingEntitlement parks a paid entitlement for an email with no account yet.
type PendingEntitlement struct {
	Email                string                  `gorm:"column:email;primaryKey"`
	Plan                 enums.Plan              `gorm:"column:plan;type:plan_enum;not null"`
	Tier                 enums.Tier              `gorm:"column:tier;type:tier_enum;not null"`
	Status               enums.EntitlementStatus `gorm:"column:status;type:entitlement_status_enum;not null"`
	CreditsToGrant       int                     `gorm:"column:credits_to_grant;not null;default:0"`
	StripeCustomerID     string                  `gorm:"column:stripe_customer_id;not null"`
	StripeSubscriptionID *string                 `gorm:"column:stripe_subscription_id"`
	CurrentPeriodEnd     *time.Time              `gorm:"column:current_period_end"`
	Reason               string                  `gorm:"column:reason;not null"`
	ClaimedAt            *time.Time              `gorm:"column:claimed_at"`
	ClaimedBy            *uuid.UUID              `gorm:"column:claimed_by;type:uuid"`
	CreatedAt            time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
