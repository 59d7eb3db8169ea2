package enums

import "fmt"

// Plan is the stored plan column on entitlements. Tier narrows onto it.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStandard Plan = "standard"
	PlanPremium  Plan = "premium"
)

var validPlans = []Plan{
	PlanFree,
	PlanStandard,
	PlanPremium,
}

// String implements fmt.Stringer.
func (p Plan) String() string {
	return string(p)
}

// IsValid reports whether the value is a known Plan.
func (p Plan) IsValid() bool {
	for _, candidate := range validPlans {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsPaid reports whether the plan is any subscription tier.
func (p Plan) IsPaid() bool {
	return p == PlanStandard || p == PlanPremium
}

// ParsePlan converts raw input into a Plan.
func ParsePlan(value string) (Plan, error) {
	for _, candidate := range validPlans {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan %q", value)
}

// Tier is the richer subscription variant resolved from price ids. It is kept
// alongside Plan so the community tier survives persistence.
type Tier string

const (
	TierFree               Tier = "free"
	TierStandard           Tier = "standard"
	TierPremium            Tier = "premium"
	TierUnlimitedCommunity Tier = "unlimited_community"
)

// tierRank orders tiers for upgrade/downgrade detection.
var tierRank = map[Tier]int{
	TierFree:               0,
	TierStandard:           1,
	TierPremium:            2,
	TierUnlimitedCommunity: 3,
}

func (t Tier) String() string {
	return string(t)
}

func (t Tier) IsValid() bool {
	_, ok := tierRank[t]
	return ok
}

func (t Tier) IsPaid() bool {
	return t.IsValid() && t != TierFree
}

// Rank returns the precedence of the tier; unknown tiers rank as free.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Narrow maps the tier onto the stored plan enum.
func (t Tier) Narrow() Plan {
	switch t {
	case TierStandard:
		return PlanStandard
	case TierPremium, TierUnlimitedCommunity:
		return PlanPremium
	default:
		return PlanFree
	}
}

// ParseTier converts raw input into a Tier.
func ParseTier(value string) (Tier, error) {
	t := Tier(value)
	if !t.IsValid() {
		return "", fmt.Errorf("invalid tier %q", value)
	}
	return t, nil
}

// EntitlementStatus mirrors the subscription lifecycle as the app sees it.
type EntitlementStatus string

const (
	EntitlementActive   EntitlementStatus = "active"
	EntitlementTrialing EntitlementStatus = "trialing"
	EntitlementInactive EntitlementStatus = "inactive"
)

func (s EntitlementStatus) String() string {
	return string(s)
}

func (s EntitlementStatus) IsValid() bool {
	switch s {
	case EntitlementActive, EntitlementTrialing, EntitlementInactive:
		return true
	}
	return false
}
