// Package billing is the façade over the subscription lifecycle: checkout,
// plan changes, cancellation, usage recording and webhook intake. Handlers
// call this package only; the stores and the processor client never leak
// past it.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/subledger/subledger/pkg/catalog"
	"github.com/subledger/subledger/pkg/invoices"
	"github.com/subledger/subledger/pkg/observability"
	"github.com/subledger/subledger/pkg/payments"
	"github.com/subledger/subledger/pkg/proration"
	"github.com/subledger/subledger/pkg/subscription"
	"github.com/subledger/subledger/pkg/usage"
)

// UsageRecorder is the slice of the quota enforcer the façade needs
type UsageRecorder interface {
	RecordUsage(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64, metadata map[string]string) (*usage.Record, error)
	GetUsageSummary(ctx context.Context, accountID int64) (*usage.Summary, error)
}

// EventProcessor applies one verified webhook event body
type EventProcessor interface {
	Process(ctx context.Context, raw []byte) error
}

// Overview is the single-call account billing snapshot
type Overview struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Plan         *catalog.Plan              `json:"plan"`
	Usage        *usage.Summary             `json:"usage"`
	Invoices     []*invoices.Invoice        `json:"invoices"`

	// NextInvoiceCents estimates the next renewal charge; zero when the
	// subscription will not renew
	NextInvoiceCents int64 `json:"next_invoice_cents"`
}

// Service defines the billing operations exposed to handlers
type Service interface {
	// StartCheckout opens a hosted checkout session for a new subscription.
	// Accounts with a live subscription get AlreadySubscribedError; the
	// subscription row itself is created later by webhook reconciliation.
	StartCheckout(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle, successURL, cancelURL string) (*payments.CheckoutSession, error)

	// PreviewChange computes the proration for a prospective plan change
	// without touching the processor
	PreviewChange(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*proration.Preview, error)

	// ChangePlan moves a live subscription to a new plan/cycle. The
	// processor is updated first; the local row commits second.
	ChangePlan(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*subscription.Subscription, error)

	// CancelAtPeriodEnd schedules cancellation at the period boundary.
	// Access continues until then.
	CancelAtPeriodEnd(ctx context.Context, accountID int64) (*subscription.Subscription, error)

	// Reactivate clears a pending cancellation before the period ends
	Reactivate(ctx context.Context, accountID int64) (*subscription.Subscription, error)

	// RecordUsage checks quotas and appends a usage ledger row
	RecordUsage(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64, metadata map[string]string) (*usage.Record, error)

	// GetUsageSummary returns current-period usage per resource
	GetUsageSummary(ctx context.Context, accountID int64) (*usage.Summary, error)

	// GetOverview returns the full billing snapshot for an account
	GetOverview(ctx context.Context, accountID int64) (*Overview, error)

	// ListInvoices returns the account's invoice mirror rows, newest first
	ListInvoices(ctx context.Context, accountID int64, limit int) ([]*invoices.Invoice, error)

	// ListPlans returns the plan catalog
	ListPlans() []*catalog.Plan

	// HandleWebhook verifies the processor signature and applies the event
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

// Engine implements Service
type Engine struct {
	subs          subscription.Store
	enforcer      UsageRecorder
	calculator    *proration.Calculator
	processor     payments.Client
	invoices      invoices.Store
	events        EventProcessor
	catalog       *catalog.Catalog
	webhookSecret string
	logger        *observability.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewEngine creates the billing engine
func NewEngine(
	subs subscription.Store,
	enforcer UsageRecorder,
	calculator *proration.Calculator,
	processor payments.Client,
	invoiceStore invoices.Store,
	events EventProcessor,
	cat *catalog.Catalog,
	webhookSecret string,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		subs:          subs,
		enforcer:      enforcer,
		calculator:    calculator,
		processor:     processor,
		invoices:      invoiceStore,
		events:        events,
		catalog:       cat,
		webhookSecret: webhookSecret,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

// WithClock overrides the engine's clock, for tests
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// StartCheckout opens a hosted checkout session for a new subscription
func (e *Engine) StartCheckout(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle, successURL, cancelURL string) (*payments.CheckoutSession, error) {
	if _, err := e.catalog.Get(planID); err != nil {
		return nil, err
	}
	if !cycle.Valid() {
		cycle = catalog.CycleMonthly
	}

	existing, err := e.subs.Get(ctx, accountID)
	if err == nil && existing.Status.Usable() {
		return nil, &subscription.AlreadySubscribedError{AccountID: accountID}
	}
	if err != nil && !subscription.IsNoActiveSubscription(err) {
		return nil, err
	}

	session, err := e.processor.CreateCheckoutSession(ctx, &payments.CheckoutSessionRequest{
		AccountID:      accountID,
		PlanID:         planID,
		Cycle:          cycle,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithField("account_id", accountID).
		WithField("plan_id", planID).
		Info("checkout session created")
	return session, nil
}

// PreviewChange computes the proration for a prospective plan change
func (e *Engine) PreviewChange(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*proration.Preview, error) {
	sub, err := e.liveSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}

	preview, err := e.calculator.PreviewChange(sub, newPlanID, newCycle)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ProrationPreviewsTotal.Inc()
	}
	return preview, nil
}

// ChangePlan moves a live subscription to a new plan/cycle. The processor
// call happens before the local write: on timeout the local row is left
// untouched and the next subscription.updated webhook converges both sides.
func (e *Engine) ChangePlan(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*subscription.Subscription, error) {
	if _, err := e.catalog.Get(newPlanID); err != nil {
		return nil, err
	}
	if !newCycle.Valid() {
		newCycle = catalog.CycleMonthly
	}

	sub, err := e.liveSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sub.PlanID == newPlanID && sub.Cycle == newCycle {
		return sub, nil
	}

	if err := e.processorCall(ctx, "update_subscription_plan", func(ctx context.Context) error {
		return e.processor.UpdateSubscriptionPlan(ctx, sub.ProcessorSubID, newPlanID, newCycle)
	}); err != nil {
		e.countPlanChange("failed")
		return nil, err
	}

	updated, err := e.subs.UpdatePlan(ctx, accountID, newPlanID, newCycle)
	if err != nil {
		// Processor-side change went through; the webhook will repair the
		// local row
		e.logger.WithError(err).WithField("account_id", accountID).
			Error("plan change committed at processor but local update failed")
		e.countPlanChange("failed")
		return nil, err
	}
	e.countPlanChange("success")

	e.logger.WithField("account_id", accountID).
		WithField("from_plan", sub.PlanID).
		WithField("to_plan", newPlanID).
		Info("plan changed")
	return updated, nil
}

// CancelAtPeriodEnd schedules cancellation at the period boundary
func (e *Engine) CancelAtPeriodEnd(ctx context.Context, accountID int64) (*subscription.Subscription, error) {
	return e.setCancelFlag(ctx, accountID, true)
}

// Reactivate clears a pending cancellation before the period ends
func (e *Engine) Reactivate(ctx context.Context, accountID int64) (*subscription.Subscription, error) {
	return e.setCancelFlag(ctx, accountID, false)
}

func (e *Engine) setCancelFlag(ctx context.Context, accountID int64, cancel bool) (*subscription.Subscription, error) {
	sub, err := e.liveSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd == cancel {
		return sub, nil
	}

	if err := e.processorCall(ctx, "set_cancel_at_period_end", func(ctx context.Context) error {
		return e.processor.SetCancelAtPeriodEnd(ctx, sub.ProcessorSubID, cancel)
	}); err != nil {
		return nil, err
	}
	return e.subs.SetCancelAtPeriodEnd(ctx, accountID, cancel)
}

// RecordUsage checks quotas and appends a usage ledger row
func (e *Engine) RecordUsage(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64, metadata map[string]string) (*usage.Record, error) {
	return e.enforcer.RecordUsage(ctx, accountID, resource, quantity, metadata)
}

// GetUsageSummary returns current-period usage per resource
func (e *Engine) GetUsageSummary(ctx context.Context, accountID int64) (*usage.Summary, error) {
	return e.enforcer.GetUsageSummary(ctx, accountID)
}

// GetOverview returns the full billing snapshot for an account
func (e *Engine) GetOverview(ctx context.Context, accountID int64) (*Overview, error) {
	sub, err := e.subs.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	plan, err := e.catalog.Get(sub.PlanID)
	if err != nil {
		return nil, err
	}

	overview := &Overview{Subscription: sub, Plan: plan}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		summary, err := e.enforcer.GetUsageSummary(gctx, accountID)
		if err != nil {
			return err
		}
		overview.Usage = summary
		return nil
	})
	g.Go(func() error {
		list, err := e.invoices.ListByAccount(gctx, accountID, 12)
		if err != nil {
			return err
		}
		overview.Invoices = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if sub.Status.Usable() && !sub.CancelAtPeriodEnd {
		overview.NextInvoiceCents = plan.PriceCents(sub.Cycle)
	}
	return overview, nil
}

// ListInvoices returns the account's invoice mirror rows, newest first
func (e *Engine) ListInvoices(ctx context.Context, accountID int64, limit int) ([]*invoices.Invoice, error) {
	return e.invoices.ListByAccount(ctx, accountID, limit)
}

// ListPlans returns the plan catalog
func (e *Engine) ListPlans() []*catalog.Plan {
	return e.catalog.Plans()
}

// HandleWebhook verifies the processor signature over the raw payload and
// applies the event
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := payments.VerifySignature(payload, signatureHeader, e.webhookSecret,
		payments.DefaultSignatureTolerance, e.now()); err != nil {
		return err
	}
	return e.events.Process(ctx, payload)
}

// liveSubscription returns the account's subscription if it is usable
func (e *Engine) liveSubscription(ctx context.Context, accountID int64) (*subscription.Subscription, error) {
	sub, err := e.subs.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Usable() {
		return nil, &subscription.NoActiveSubscriptionError{AccountID: accountID}
	}
	return sub, nil
}

// processorCall times one processor operation
func (e *Engine) processorCall(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := e.now()
	err := fn(ctx)
	if e.metrics != nil {
		e.metrics.ProcessorCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
	return err
}

func (e *Engine) countPlanChange(outcome string) {
	if e.metrics != nil {
		e.metrics.PlanChangesTotal.WithLabelValues(outcome).Inc()
	}
}
