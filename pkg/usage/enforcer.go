package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/subledger/subledger/pkg/catalog"
	"github.com/subledger/subledger/pkg/observability"
	"github.com/subledger/subledger/pkg/subscription"
)

// Enforcer checks attempted usage against plan limits and appends accepted
// usage to the ledger.
//
// The monthly check-then-append is not atomic against concurrent calls for
// the same account and resource; bounded over-admission under high
// concurrency is accepted (a soft quota) rather than serializing all
// recording behind a lock. The burst windows go through the shared Counter
// so multiple instances see one view.
type Enforcer struct {
	subs    subscription.Store
	ledger  Ledger
	catalog *catalog.Catalog
	counter Counter
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEnforcer creates a new quota enforcer
func NewEnforcer(subs subscription.Store, ledger Ledger, cat *catalog.Catalog, counter Counter, logger *observability.Logger, metrics *observability.Metrics) *Enforcer {
	return &Enforcer{
		subs:    subs,
		ledger:  ledger,
		catalog: cat,
		counter: counter,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// WithClock overrides the enforcer's clock, for tests
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// RecordUsage checks the monthly, daily and hourly windows and, if all
// pass, appends a ledger row stamped with the subscription's current
// period start.
func (e *Enforcer) RecordUsage(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64, metadata map[string]string) (*Record, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	sub, err := e.subs.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Usable() {
		return nil, &subscription.NoActiveSubscriptionError{AccountID: accountID}
	}

	plan, err := e.catalog.Get(sub.PlanID)
	if err != nil {
		return nil, err
	}

	if err := e.checkMonthly(ctx, sub, plan, resource, quantity); err != nil {
		return nil, err
	}
	if err := e.checkBurst(ctx, sub, plan, resource, quantity); err != nil {
		return nil, err
	}

	rec := &Record{
		AccountID:      accountID,
		SubscriptionID: sub.ID,
		Resource:       resource,
		Quantity:       quantity,
		Metadata:       metadata,
		PeriodStart:    sub.CurrentPeriodStart,
	}
	if err := e.ledger.Append(ctx, rec); err != nil {
		return nil, err
	}

	e.advanceCounters(ctx, accountID, resource, quantity)

	if e.metrics != nil {
		e.metrics.UsageRecordsTotal.WithLabelValues(string(resource)).Inc()
	}
	return rec, nil
}

// checkMonthly enforces the plan's resource vector over the current period
func (e *Enforcer) checkMonthly(ctx context.Context, sub *subscription.Subscription, plan *catalog.Plan, resource catalog.Resource, quantity int64) error {
	limit := plan.Limit(resource)
	if limit.IsUnlimited() {
		return nil
	}

	current, err := e.ledger.SumForPeriod(ctx, sub.AccountID, resource, sub.CurrentPeriodStart)
	if err != nil {
		return err
	}
	if current+quantity > limit.Value() {
		return e.reject(WindowMonthly, resource, limit.Value(), current)
	}
	return nil
}

// checkBurst enforces the fixed per-tier hourly and daily caps. The shared
// counter is consulted first; on counter failure the check falls back to
// trailing ledger sums rather than failing the request.
func (e *Enforcer) checkBurst(ctx context.Context, sub *subscription.Subscription, plan *catalog.Plan, resource catalog.Resource, quantity int64) error {
	burst := e.catalog.Burst(plan.Tier, resource)
	checks := []struct {
		window Window
		limit  catalog.Limit
	}{
		{WindowHourly, burst.Hourly},
		{WindowDaily, burst.Daily},
	}
	for _, check := range checks {
		window, limit := check.window, check.limit
		if limit.IsUnlimited() {
			continue
		}
		current, err := e.windowCount(ctx, sub.AccountID, resource, window)
		if err != nil {
			return err
		}
		if current+quantity > limit.Value() {
			return e.reject(window, resource, limit.Value(), current)
		}
	}
	return nil
}

func (e *Enforcer) windowCount(ctx context.Context, accountID int64, resource catalog.Resource, window Window) (int64, error) {
	count, err := e.counter.Current(ctx, accountID, resource, window)
	if err == nil {
		return count, nil
	}
	e.logger.WithError(err).
		WithField("account_id", accountID).
		Warn("shared counter unavailable, falling back to ledger sums")
	return e.ledger.SumSince(ctx, accountID, resource, e.windowStart(window))
}

func (e *Enforcer) windowStart(window Window) time.Time {
	return e.now().UTC().Add(-window.Duration())
}

// advanceCounters is best-effort: the ledger row is already committed, so a
// counter failure only widens the burst window's over-admission bound.
func (e *Enforcer) advanceCounters(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64) {
	for _, window := range []Window{WindowHourly, WindowDaily} {
		if _, err := e.counter.Add(ctx, accountID, resource, window, quantity); err != nil {
			e.logger.WithError(err).
				WithField("account_id", accountID).
				WithField("window", string(window)).
				Warn("failed to advance shared counter")
		}
	}
}

func (e *Enforcer) reject(window Window, resource catalog.Resource, limit, current int64) error {
	if e.metrics != nil {
		e.metrics.QuotaRejectionsTotal.WithLabelValues(string(window), string(resource)).Inc()
	}
	return &QuotaExceededError{
		Window:   window,
		Resource: resource,
		Limit:    limit,
		Current:  current,
	}
}

// GetUsageSummary aggregates all resources for the current period,
// returning used/limit/percent per resource. Percent is capped at 100 and
// reported as 0 for unlimited resources.
func (e *Enforcer) GetUsageSummary(ctx context.Context, accountID int64) (*Summary, error) {
	sub, err := e.subs.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	plan, err := e.catalog.Get(sub.PlanID)
	if err != nil {
		return nil, err
	}

	sums, err := e.ledger.SumAllForPeriod(ctx, accountID, sub.CurrentPeriodStart)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		AccountID:   accountID,
		PlanID:      sub.PlanID,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
	}
	for _, resource := range catalog.Resources() {
		limit := plan.Limit(resource)
		used := sums[resource]
		percent := 0
		if !limit.IsUnlimited() && limit.Value() > 0 {
			percent = int(used * 100 / limit.Value())
			if percent > 100 {
				percent = 100
			}
		}
		summary.Resources = append(summary.Resources, ResourceUsage{
			Resource: resource,
			Used:     used,
			Limit:    limit,
			Percent:  percent,
		})
	}
	return summary, nil
}
