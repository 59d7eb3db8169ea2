package billing

import (
	"sort"
	"strings"

	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// TierRule binds a set of provider price ids to a tier and its monthly credit grant.
type TierRule struct {
	Tier     enums.Tier
	PriceIDs []string
	Grant    int
}

// Catalog is the injected price-to-tier table. Rules are held in descending
// tier precedence so the first match across a subscription's items wins.
type Catalog struct {
	rules   []TierRule
	byPrice map[string]enums.Tier
	grants  map[enums.Tier]int
}

// NewCatalog builds a catalog; a price listed under several tiers resolves to the highest.
func NewCatalog(rules ...TierRule) Catalog {
	sorted := make([]TierRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Tier.IsPaid() {
			continue
		}
		sorted = append(sorted, rule)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Tier.Rank() > sorted[j].Tier.Rank()
	})

	c := Catalog{
		rules:   sorted,
		byPrice: map[string]enums.Tier{},
		grants:  map[enums.Tier]int{enums.TierFree: 0},
	}
	for _, rule := range sorted {
		if _, ok := c.grants[rule.Tier]; !ok {
			c.grants[rule.Tier] = rule.Grant
		}
		for _, id := range rule.PriceIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, taken := c.byPrice[id]; !taken {
				c.byPrice[id] = rule.Tier
			}
		}
	}
	return c
}

// CatalogFromConfig maps the billing env config onto a catalog.
func CatalogFromConfig(cfg config.BillingConfig) Catalog {
	return NewCatalog(
		TierRule{Tier: enums.TierUnlimitedCommunity, PriceIDs: cfg.UnlimitedCommunityPrices, Grant: cfg.UnlimitedCommunityCredits},
		TierRule{Tier: enums.TierPremium, PriceIDs: cfg.PremiumPriceIDs, Grant: cfg.PremiumCredits},
		TierRule{Tier: enums.TierStandard, PriceIDs: cfg.StandardPriceIDs, Grant: cfg.StandardCredits},
	)
}

// TierForPrices returns the highest-precedence tier matched by any price id.
// No match resolves to free.
func (c Catalog) TierForPrices(priceIDs []string) enums.Tier {
	best := enums.TierFree
	for _, id := range priceIDs {
		tier, ok := c.byPrice[strings.TrimSpace(id)]
		if !ok {
			continue
		}
		if tier.Rank() > best.Rank() {
			best = tier
		}
	}
	return best
}

// GrantFor returns the monthly credit grant for a tier.
func (c Catalog) GrantFor(tier enums.Tier) int {
	return c.grants[tier]
}

// DefaultGrantForPlan is the refill fallback when only the stored plan is known.
// Premium resolves to the premium grant, never the community constant.
func (c Catalog) DefaultGrantForPlan(plan enums.Plan) int {
	switch plan {
	case enums.PlanStandard:
		return c.grants[enums.TierStandard]
	case enums.PlanPremium:
		return c.grants[enums.TierPremium]
	default:
		return 0
	}
}
