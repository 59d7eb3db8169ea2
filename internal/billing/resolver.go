package billing

import (
	"strings"
	"time"

	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// Provider subscription statuses that end paid access.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusUnpaid            = "unpaid"
	StatusIncompleteExpired = "incomplete_expired"
	StatusExpired           = "expired"
)

// SubscriptionSnapshot is the subset of a provider subscription the resolver reads.
type SubscriptionSnapshot struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	PriceIDs          []string
	CurrentPeriodEnd  *time.Time
}

// Resolution is the entitlement a subscription implies.
type Resolution struct {
	Tier           enums.Tier
	Plan           enums.Plan
	Status         enums.EntitlementStatus
	ProviderStatus string
	IsPaid         bool
	IsDowngrading  bool
	CreditGrant    int
	PeriodEnd      *time.Time
}

// Resolver derives plan, tier, and grant from subscription snapshots.
type Resolver struct {
	catalog Catalog
}

func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Catalog exposes the price table the resolver was built with.
func (r *Resolver) Catalog() Catalog {
	return r.catalog
}

// Resolve never fails: unknown prices resolve to free with a zero grant.
func (r *Resolver) Resolve(sub SubscriptionSnapshot) Resolution {
	status := strings.ToLower(strings.TrimSpace(sub.Status))
	tier := r.catalog.TierForPrices(sub.PriceIDs)

	return Resolution{
		Tier:           tier,
		Plan:           tier.Narrow(),
		Status:         MapStatus(status),
		ProviderStatus: status,
		IsPaid:         tier.IsPaid(),
		IsDowngrading:  IsDowngrading(status, sub.CancelAtPeriodEnd),
		CreditGrant:    r.catalog.GrantFor(tier),
		PeriodEnd:      sub.CurrentPeriodEnd,
	}
}

// IsDowngrading is independent of tier: a scheduled cancellation counts.
func IsDowngrading(status string, cancelAtPeriodEnd bool) bool {
	if cancelAtPeriodEnd {
		return true
	}
	switch status {
	case StatusCanceled, StatusUnpaid, StatusIncompleteExpired, StatusExpired:
		return true
	}
	return false
}

// MapStatus narrows provider statuses to the entitlement status enum.
func MapStatus(status string) enums.EntitlementStatus {
	switch status {
	case StatusActive, StatusPastDue:
		return enums.EntitlementActive
	case StatusTrialing:
		return enums.EntitlementTrialing
	default:
		return enums.EntitlementInactive
	}
}
