package entitlements

import (
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
	"github.com/storyframe/storyframe-backend/pkg/outbox/payloads"
)

// Free is the implicit entitlement of a user with no row yet.
func Free(ent *models.Entitlement) models.Entitlement {
	if ent != nil {
		return *ent
	}
	return models.Entitlement{
		Plan:   enums.PlanFree,
		Tier:   enums.TierFree,
		Status: enums.EntitlementInactive,
	}
}

// Changed reports whether the plan-facing fields moved.
func Changed(prev, next models.Entitlement) bool {
	return prev.Plan != next.Plan || prev.Tier != next.Tier || prev.IsBlocked != next.IsBlocked
}

// ChangedEvent builds the entitlement_changed outbox event for a transition.
func ChangedEvent(prev, next models.Entitlement, balance int, reason, reference string) outbox.DomainEvent {
	return outbox.DomainEvent{
		EventType:     enums.EventEntitlementChanged,
		AggregateType: enums.AggregateEntitlement,
		AggregateID:   next.UserID,
		Actor:         &outbox.ActorRef{Source: reason, UserID: &next.UserID, Reference: reference},
		Data: payloads.EntitlementChangedEvent{
			UserID:          next.UserID,
			PreviousPlan:    prev.Plan,
			Plan:            next.Plan,
			PreviousTier:    prev.Tier,
			Tier:            next.Tier,
			Status:          next.Status,
			GraceUntil:      next.GraceUntil,
			CreditsBalance:  balance,
			Reason:          reason,
			SourceReference: reference,
		},
	}
}
