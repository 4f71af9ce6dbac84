// Package proration computes the credit/charge split for mid-cycle plan or
// cadence changes.
//
// Daily rates use a flat 30-day month and 365-day year rather than calendar
// day counts. The approximation is deliberate and load-bearing: it matches
// the amounts historically charged, so changing it would change financial
// outputs for existing accounts.
package proration

import (
	"math"
	"time"

	"github.com/subledger/subledger/pkg/catalog"
	"github.com/subledger/subledger/pkg/subscription"
)

// FeatureChange describes one resource limit that differs between plans,
// with unlimited rendered as a label rather than a sentinel
type FeatureChange struct {
	Resource catalog.Resource `json:"resource"`
	From     string           `json:"from"`
	To       string           `json:"to"`
}

// Preview is the result of a plan-change preview. Amounts are in cents;
// ProratedAmountCents may be negative, representing a future credit rather
// than an immediate charge.
type Preview struct {
	CurrentPlanID       string               `json:"current_plan_id"`
	NewPlanID           string               `json:"new_plan_id"`
	NewCycle            catalog.BillingCycle `json:"new_cycle"`
	DaysRemaining       int64                `json:"days_remaining"`
	CreditCents         int64                `json:"credit_cents"`
	ChargeCents         int64                `json:"charge_cents"`
	ProratedAmountCents int64                `json:"prorated_amount_cents"`
	FeatureChanges      []FeatureChange      `json:"feature_changes"`
}

// Calculator computes plan-change previews against the plan catalog
type Calculator struct {
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewCalculator creates a new proration calculator
func NewCalculator(cat *catalog.Catalog) *Calculator {
	return &Calculator{catalog: cat, now: time.Now}
}

// WithClock overrides the calculator's clock, for tests
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// daysPerCycle returns the flat day count used for daily rates
func daysPerCycle(cycle catalog.BillingCycle) float64 {
	if cycle == catalog.CycleYearly {
		return 365
	}
	return 30
}

// PreviewChange computes the credit for unused current-period time and the
// charge for the new plan over the same whole-days-remaining count.
func (c *Calculator) PreviewChange(sub *subscription.Subscription, newPlanID string, newCycle catalog.BillingCycle) (*Preview, error) {
	currentPlan, err := c.catalog.Get(sub.PlanID)
	if err != nil {
		return nil, err
	}
	newPlan, err := c.catalog.Get(newPlanID)
	if err != nil {
		return nil, err
	}

	daysRemaining := int64(sub.CurrentPeriodEnd.Sub(c.now()).Hours() / 24)
	if daysRemaining < 0 {
		daysRemaining = 0
	}

	currentDailyRate := float64(currentPlan.PriceCents(sub.Cycle)) / daysPerCycle(sub.Cycle)
	newDailyRate := float64(newPlan.PriceCents(newCycle)) / daysPerCycle(newCycle)

	credit := int64(math.Round(currentDailyRate * float64(daysRemaining)))
	charge := int64(math.Round(newDailyRate * float64(daysRemaining)))

	return &Preview{
		CurrentPlanID:       sub.PlanID,
		NewPlanID:           newPlanID,
		NewCycle:            newCycle,
		DaysRemaining:       daysRemaining,
		CreditCents:         credit,
		ChargeCents:         charge,
		ProratedAmountCents: charge - credit,
		FeatureChanges:      diffLimits(currentPlan, newPlan),
	}, nil
}

// diffLimits emits one entry per resource whose limit differs between plans
func diffLimits(from, to *catalog.Plan) []FeatureChange {
	var changes []FeatureChange
	for _, resource := range catalog.Resources() {
		fromLimit := from.Limit(resource)
		toLimit := to.Limit(resource)
		if fromLimit == toLimit {
			continue
		}
		changes = append(changes, FeatureChange{
			Resource: resource,
			From:     fromLimit.String(),
			To:       toLimit.String(),
		})
	}
	return changes
}
