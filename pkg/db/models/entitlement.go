package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// Entitlement is the per-user plan record. Rows are upserted, never deleted.
// LastEventAt is the creation time of the newest Stripe event applied to it.
type Entitlement struct {
	UserID               uuid.UUID               `gorm:"column:user_id;type:uuid;primaryKey"`
	Plan                 enums.Plan              `gorm:"column:plan;type:plan_enum;not null;default:free"`
	Tier                 enums.Tier              `gorm:"column:tier;type:tier_enum;not null;default:free"`
	Status               enums.EntitlementStatus `gorm:"column:status;type:entitlement_status_enum;not null;default:inactive"`
	CurrentPeriodEnd     *time.Time              `gorm:"column:current_period_end"`
	GraceUntil           *time.Time              `gorm:"column:grace_until"`
	DowngradedAt         *time.Time              `gorm:"column:downgraded_at"`
	IsBlocked            bool                    `gorm:"column:is_blocked;not null;default:false"`
	BlockedReason        *string                 `gorm:"column:blocked_reason"`
	StripeCustomerID     *string                 `gorm:"column:stripe_customer_id"`
	StripeSubscriptionID *string                 `gorm:"column:stripe_subscription_id"`
	LastEventAt          *time.Time              `gorm:"column:last_event_at"`
	CreatedAt            time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

// InGrace reports whether a cancellation is pending at the given instant.
func (e Entitlement) InGrace(now time.Time) bool {
	return e.GraceUntil != nil && e.GraceUntil.After(now)
}

// IsActivePaid reports whether the user currently holds a live paid plan.
func (e Entitlement) IsActivePaid() bool {
	return !e.IsBlocked && e.Plan.IsPaid() && e.GraceUntil == nil && e.Status != enums.EntitlementInactive
}

// Stale reports whether an event created at t predates one already applied.
// Events without a creation time are never stale.
func (e Entitlement) Stale(t *time.Time) bool {
	return t != nil && e.LastEventAt != nil && t.Before(*e.LastEventAt)
}

// Observe advances LastEventAt to t when t is newer.
func (e *Entitlement) Observe(t *time.Time) {
	if t == nil || e.Stale(t) {
		return
	}
	at := t.UTC()
	e.LastEventAt = &at
}
