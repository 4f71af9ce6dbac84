// Package reconcile consumes the payment processor's event stream and
// drives the subscription state machine.
//
// Every event is persisted to the billing_events audit table first, keyed
// by the processor's event id. The table's uniqueness constraint is the
// sole serialization point for concurrent deliveries: processing is
// idempotent by construction, not by locking. Unknown event types are
// audited and acknowledged without effect so the processor never retries
// them forever.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subledger/subledger/pkg/invoices"
	"github.com/subledger/subledger/pkg/notify"
	"github.com/subledger/subledger/pkg/observability"
	"github.com/subledger/subledger/pkg/payments"
	"github.com/subledger/subledger/pkg/subscription"
)

// Outcome labels used for webhook metrics
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeFailed    = "failed"
)

// Reconciler applies processor events to local state
type Reconciler struct {
	subs      subscription.Store
	invoices  invoices.Store
	notify    notify.Store
	audit     AuditStore
	customers payments.CustomerCache
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewReconciler creates a new webhook reconciler. customers may be nil when
// no processor client is wired.
func NewReconciler(subs subscription.Store, inv invoices.Store, notifier notify.Store, audit AuditStore, customers payments.CustomerCache, logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		subs:      subs,
		invoices:  inv,
		notify:    notifier,
		audit:     audit,
		customers: customers,
		logger:    logger,
		metrics:   metrics,
	}
}

// Process handles one verified event body. Errors indicate storage
// failures and must surface as 5xx so the processor redelivers; duplicate
// and unknown events are successful no-ops.
func (r *Reconciler) Process(ctx context.Context, raw []byte) error {
	ev, err := ParseEvent(raw)
	if err != nil {
		return err
	}

	log := r.logger.WithField("event_id", ev.ExternalID).WithField("kind", string(ev.Kind))

	auditRow := &BillingEvent{
		ExternalEventID: ev.ExternalID,
		Kind:            string(ev.Kind),
		Payload:         ev.Raw,
	}
	if err := r.audit.Insert(ctx, auditRow); err != nil {
		if !errors.Is(err, ErrDuplicateEvent) {
			return err
		}
		// A prior delivery won the insert race. If it also finished
		// applying the effect this is a pure duplicate; if it failed
		// mid-flight (audit row present, processed=false) this redelivery
		// picks the work back up.
		existing, getErr := r.audit.Get(ctx, ev.ExternalID)
		if getErr != nil {
			return getErr
		}
		if existing.Processed {
			log.Debug("duplicate event, skipping")
			r.count(ev, outcomeDuplicate)
			return nil
		}
		log.Warn("redelivery of unprocessed event, re-applying")
	}

	if ev.Kind == KindUnknown {
		log.WithField("processor_type", ev.ProcessorType).Info("unknown event type audited without effect")
		if err := r.audit.MarkProcessed(ctx, ev.ExternalID); err != nil {
			return err
		}
		r.count(ev, outcomeIgnored)
		return nil
	}

	if err := r.apply(ctx, ev); err != nil {
		log.WithError(err).Error("failed to apply event")
		r.count(ev, outcomeFailed)
		return err
	}

	if err := r.audit.MarkProcessed(ctx, ev.ExternalID); err != nil {
		return err
	}
	r.count(ev, outcomeProcessed)
	return nil
}

func (r *Reconciler) count(ev *Event, outcome string) {
	if r.metrics != nil {
		r.metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), outcome).Inc()
	}
}

func (r *Reconciler) apply(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case KindCheckoutCompleted:
		return r.applyCheckoutCompleted(ctx, ev)
	case KindSubscriptionUpdated:
		return r.applySubscriptionUpdated(ctx, ev)
	case KindSubscriptionDeleted:
		return r.subs.MarkCanceled(ctx, ev.Subscription.ID)
	case KindInvoicePaid:
		return r.applyInvoicePaid(ctx, ev)
	case KindInvoicePaymentFailed:
		return r.applyInvoicePaymentFailed(ctx, ev)
	default:
		return fmt.Errorf("unhandled event kind %s", ev.Kind)
	}
}

// applyCheckoutCompleted materializes the subscription row. The account
// only ever requested a checkout; this confirmation from the processor is
// what creates the subscription.
func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, ev *Event) error {
	payload := ev.Checkout

	accountID, err := payload.AccountID()
	if err != nil {
		return err
	}
	planID := payload.Metadata["plan_id"]
	if planID == "" {
		return fmt.Errorf("checkout payload has no plan id")
	}

	// Remember the processor customer so a later checkout by the same
	// account reuses it
	if r.customers != nil && payload.Customer != "" {
		r.customers.CacheCustomer(accountID, payload.Customer)
	}

	sub := &subscription.Subscription{
		AccountID:          accountID,
		PlanID:             planID,
		Cycle:              cycleFromMetadata(payload.Metadata),
		Status:             subscription.StatusActive,
		CurrentPeriodStart: time.Unix(payload.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(payload.CurrentPeriodEnd, 0).UTC(),
		ProcessorSubID:     payload.Subscription,
		ProcessorCustomer:  payload.Customer,
	}
	err = r.subs.Create(ctx, sub)
	if subscription.IsAlreadySubscribed(err) {
		// A different event id for the same completed checkout, e.g. a
		// processor-side replay. The singleton invariant held; nothing to do.
		r.logger.WithField("account_id", accountID).Info("subscription already exists, checkout event is a no-op")
		return nil
	}
	return err
}

func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, ev *Event) error {
	payload := ev.Subscription
	return r.subs.ApplyProcessorStatus(ctx,
		payload.ID,
		statusFromProcessor(payload.Status),
		time.Unix(payload.CurrentPeriodStart, 0).UTC(),
		time.Unix(payload.CurrentPeriodEnd, 0).UTC(),
		payload.CancelAtPeriodEnd,
	)
}

// applyInvoicePaid upserts the local invoice mirror. Paying an invoice
// does not change subscription status.
func (r *Reconciler) applyInvoicePaid(ctx context.Context, ev *Event) error {
	payload := ev.Invoice

	// Out-of-order defense: if the invoice arrives before the checkout
	// event created the subscription, fail so the processor redelivers
	// after the subscription exists.
	sub, err := r.subs.GetByProcessorID(ctx, payload.Subscription)
	if err != nil {
		return err
	}

	paidAt := ev.CreatedAt
	return r.invoices.Upsert(ctx, &invoices.Invoice{
		AccountID:         sub.AccountID,
		SubscriptionID:    sub.ID,
		ExternalInvoiceID: payload.ID,
		AmountCents:       payload.AmountDue,
		Currency:          payload.Currency,
		Status:            invoices.StatusPaid,
		PaidAt:            &paidAt,
	})
}

func (r *Reconciler) applyInvoicePaymentFailed(ctx context.Context, ev *Event) error {
	payload := ev.Invoice

	sub, err := r.subs.GetByProcessorID(ctx, payload.Subscription)
	if err != nil {
		return err
	}

	if err := r.subs.MarkPastDue(ctx, payload.Subscription); err != nil {
		return err
	}

	if err := r.invoices.Upsert(ctx, &invoices.Invoice{
		AccountID:         sub.AccountID,
		SubscriptionID:    sub.ID,
		ExternalInvoiceID: payload.ID,
		AmountCents:       payload.AmountDue,
		Currency:          payload.Currency,
		Status:            invoices.StatusOpen,
	}); err != nil {
		return err
	}

	// Keyed by the event id so a redelivery that re-runs this apply (e.g.
	// after a crash before MarkProcessed) cannot notify twice
	n, err := r.notify.Create(ctx, sub.AccountID, notify.KindPaymentFailed, ev.ExternalID,
		"Payment failed",
		"We could not collect payment for your subscription. Please update your payment method to keep your plan.")
	if err != nil {
		return err
	}
	if n != nil && r.metrics != nil {
		r.metrics.NotificationsTotal.WithLabelValues(string(notify.KindPaymentFailed)).Inc()
	}
	return nil
}
