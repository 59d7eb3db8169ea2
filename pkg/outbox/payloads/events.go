package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// AccountProvisionedEvent asks the notification service to send the
// passwordless setup link to a payer whose account was created on their behalf.
type AccountProvisionedEvent struct {
	UserID           uuid.UUID `json:"user_id"`
	Email            string    `json:"email"`
	StripeCustomerID string    `json:"stripe_customer_id"`
	SetupURL         string    `json:"setup_url"`
	SetupExpiresAt   time.Time `json:"setup_expires_at"`
}

// EntitlementChangedEvent is emitted whenever a user's plan or tier moves.
type EntitlementChangedEvent struct {
	UserID          uuid.UUID               `json:"user_id"`
	PreviousPlan    enums.Plan              `json:"previous_plan"`
	Plan            enums.Plan              `json:"plan"`
	PreviousTier    enums.Tier              `json:"previous_tier"`
	Tier            enums.Tier              `json:"tier"`
	Status          enums.EntitlementStatus `json:"status"`
	GraceUntil      *time.Time              `json:"grace_until,omitempty"`
	CreditsBalance  int                     `json:"credits_balance"`
	Reason          string                  `json:"reason"`
	SourceReference string                  `json:"source_reference,omitempty"`
}

// AccountBlockedEvent reports that a refunded or disputed purchase blocked the account.
type AccountBlockedEvent struct {
	UserID      uuid.UUID `json:"user_id"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id"`
	SessionID   string    `json:"session_id,omitempty"`
	BlockedAt   time.Time `json:"blocked_at"`
}
