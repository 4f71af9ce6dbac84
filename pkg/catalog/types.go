// Package catalog defines the versioned plan table: tiers, billing cycles,
// per-resource limit vectors and the fixed burst schedule.
package catalog

import (
	"encoding/json"
	"fmt"
)

// Resource identifies a metered resource type
type Resource string

const (
	ResourceVideoGenerations Resource = "video_generations"
	ResourceImageGenerations Resource = "image_generations"
	ResourceStorageMB        Resource = "storage_mb"
	ResourceAPIRequests      Resource = "api_requests"
)

// Resources lists every metered resource in a stable order
func Resources() []Resource {
	return []Resource{
		ResourceVideoGenerations,
		ResourceImageGenerations,
		ResourceStorageMB,
		ResourceAPIRequests,
	}
}

// Tier represents a plan tier label
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// BillingCycle represents the billing cadence of a subscription
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether the cycle is a known cadence
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// unlimitedSentinel is the storage/wire encoding for an unlimited limit.
// It never appears outside the conversion helpers below.
const unlimitedSentinel int64 = -1

// Limit is a resource limit: either a bounded non-negative count or unlimited.
// The -1 convention from the storage layer is converted at the boundary only.
type Limit struct {
	unlimited bool
	n         int64
}

// Unlimited returns the unlimited limit
func Unlimited() Limit {
	return Limit{unlimited: true}
}

// Bounded returns a bounded limit of n. n must be >= 0.
func Bounded(n int64) Limit {
	return Limit{n: n}
}

// IsUnlimited reports whether the limit is unlimited
func (l Limit) IsUnlimited() bool {
	return l.unlimited
}

// Value returns the bounded value. Callers must check IsUnlimited first;
// the value for an unlimited limit is meaningless.
func (l Limit) Value() int64 {
	return l.n
}

// Sentinel encodes the limit for storage: -1 for unlimited, n otherwise
func (l Limit) Sentinel() int64 {
	if l.unlimited {
		return unlimitedSentinel
	}
	return l.n
}

// LimitFromSentinel decodes a storage value into a Limit
func LimitFromSentinel(v int64) Limit {
	if v < 0 {
		return Unlimited()
	}
	return Bounded(v)
}

// String renders the limit for display, with unlimited as a label
func (l Limit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", l.n)
}

// MarshalJSON encodes the limit using the -1 sentinel
func (l Limit) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Sentinel())
}

// UnmarshalJSON decodes the limit from the -1 sentinel encoding
func (l *Limit) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = LimitFromSentinel(v)
	return nil
}

// ResourceLimits maps each metered resource to its limit
type ResourceLimits map[Resource]Limit

// Plan is one immutable catalog entry. Changing a price or limit creates a
// new plan id; live subscriptions keep referencing the version they bought.
type Plan struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`
	Name string `json:"name"`

	// Prices are in cents per cycle
	MonthlyPriceCents int64          `json:"monthly_price_cents"`
	YearlyPriceCents  int64          `json:"yearly_price_cents"`
	Limits            ResourceLimits `json:"limits"`
}

// PriceCents returns the plan price for the given billing cycle
func (p *Plan) PriceCents(cycle BillingCycle) int64 {
	if cycle == CycleYearly {
		return p.YearlyPriceCents
	}
	return p.MonthlyPriceCents
}

// Limit returns the limit vector entry for a resource. Resources absent
// from the vector are unlimited.
func (p *Plan) Limit(resource Resource) Limit {
	if l, ok := p.Limits[resource]; ok {
		return l
	}
	return Unlimited()
}

// BurstLimits holds the fixed per-tier hourly and daily caps applied on top
// of the plan's monthly vector, guarding against bursts under a high
// monthly cap.
type BurstLimits struct {
	Hourly Limit
	Daily  Limit
}

// InvalidPlanError indicates a plan id not present in the catalog
type InvalidPlanError struct {
	PlanID string
}

func (e *InvalidPlanError) Error() string {
	return "invalid plan: " + e.PlanID
}

// IsInvalidPlan checks if an error is an invalid plan error
func IsInvalidPlan(err error) bool {
	_, ok := err.(*InvalidPlanError)
	return ok
}
