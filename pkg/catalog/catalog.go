package catalog

import (
	"fmt"
)

// Catalog is the read-only, versioned plan table. Entries are never mutated
// in place; a price change ships as a new plan id so historical
// subscriptions keep their original semantics.
type Catalog struct {
	plans map[string]*Plan
	burst map[Tier]map[Resource]BurstLimits
}

// NewCatalog builds a catalog from the given plans and per-tier burst
// schedule. It rejects limit vectors containing negative bounded values.
func NewCatalog(plans []*Plan, burst map[Tier]map[Resource]BurstLimits) (*Catalog, error) {
	byID := make(map[string]*Plan, len(plans))
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan with empty id")
		}
		if _, exists := byID[p.ID]; exists {
			return nil, fmt.Errorf("duplicate plan id: %s", p.ID)
		}
		for resource, limit := range p.Limits {
			if !limit.IsUnlimited() && limit.Value() < 0 {
				return nil, fmt.Errorf("plan %s: negative limit for %s", p.ID, resource)
			}
		}
		byID[p.ID] = p
	}
	return &Catalog{plans: byID, burst: burst}, nil
}

// Get looks up a plan by id
func (c *Catalog) Get(planID string) (*Plan, error) {
	plan, ok := c.plans[planID]
	if !ok {
		return nil, &InvalidPlanError{PlanID: planID}
	}
	return plan, nil
}

// Plans returns all catalog entries
func (c *Catalog) Plans() []*Plan {
	out := make([]*Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	return out
}

// Burst returns the fixed hourly/daily caps for a tier and resource.
// Tiers or resources absent from the schedule have no burst caps.
func (c *Catalog) Burst(tier Tier, resource Resource) BurstLimits {
	if limits, ok := c.burst[tier]; ok {
		if b, ok := limits[resource]; ok {
			return b
		}
	}
	return BurstLimits{Hourly: Unlimited(), Daily: Unlimited()}
}

// Default returns the production catalog. Plan ids are versioned; a price
// change creates e.g. "pro-v2" rather than editing "pro-v1".
func Default() *Catalog {
	plans := []*Plan{
		{
			ID:                "free-v1",
			Tier:              TierFree,
			Name:              "Free",
			MonthlyPriceCents: 0,
			YearlyPriceCents:  0,
			Limits: ResourceLimits{
				ResourceVideoGenerations: Bounded(3),
				ResourceImageGenerations: Bounded(10),
				ResourceStorageMB:        Bounded(500),
				ResourceAPIRequests:      Bounded(1000),
			},
		},
		{
			ID:                "pro-v1",
			Tier:              TierPro,
			Name:              "Pro",
			MonthlyPriceCents: 2900,  // $29/month
			YearlyPriceCents:  29000, // $290/year
			Limits: ResourceLimits{
				ResourceVideoGenerations: Bounded(20),
				ResourceImageGenerations: Bounded(200),
				ResourceStorageMB:        Bounded(10 * 1024),
				ResourceAPIRequests:      Bounded(50000),
			},
		},
		{
			ID:                "business-v1",
			Tier:              TierBusiness,
			Name:              "Business",
			MonthlyPriceCents: 9900,  // $99/month
			YearlyPriceCents:  99000, // $990/year
			Limits: ResourceLimits{
				ResourceVideoGenerations: Bounded(100),
				ResourceImageGenerations: Unlimited(),
				ResourceStorageMB:        Bounded(100 * 1024),
				ResourceAPIRequests:      Unlimited(),
			},
		},
	}

	// Burst caps are independent of the monthly plan vector
	burst := map[Tier]map[Resource]BurstLimits{
		TierFree: {
			ResourceVideoGenerations: {Hourly: Bounded(1), Daily: Bounded(2)},
			ResourceImageGenerations: {Hourly: Bounded(5), Daily: Bounded(10)},
			ResourceAPIRequests:      {Hourly: Bounded(100), Daily: Bounded(500)},
		},
		TierPro: {
			ResourceVideoGenerations: {Hourly: Bounded(5), Daily: Bounded(10)},
			ResourceImageGenerations: {Hourly: Bounded(30), Daily: Bounded(100)},
			ResourceAPIRequests:      {Hourly: Bounded(2000), Daily: Bounded(10000)},
		},
		TierBusiness: {
			ResourceVideoGenerations: {Hourly: Bounded(20), Daily: Bounded(50)},
			ResourceImageGenerations: {Hourly: Bounded(200), Daily: Bounded(1000)},
			ResourceAPIRequests:      {Hourly: Bounded(10000), Daily: Bounded(50000)},
		},
	}

	c, err := NewCatalog(plans, burst)
	if err != nil {
		// The default catalog is static; a validation failure is a bug
		panic(err)
	}
	return c
}
