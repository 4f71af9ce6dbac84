package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subledger/subledger/pkg/catalog"
	"github.com/subledger/subledger/pkg/invoices"
	"github.com/subledger/subledger/pkg/notify"
	"github.com/subledger/subledger/pkg/observability"
	"github.com/subledger/subledger/pkg/subscription"
)

// customerCache is a map-backed payments.CustomerCache
type customerCache map[int64]string

func (c customerCache) CacheCustomer(accountID int64, customerID string) { c[accountID] = customerID }
func (c customerCache) CachedCustomer(accountID int64) (string, bool) {
	customerID, ok := c[accountID]
	return customerID, ok
}

type fixture struct {
	db         *sql.DB
	reconciler *Reconciler
	subs       *subscription.PostgresStore
	invoices   *invoices.PostgresStore
	notify     *notify.PostgresStore
	audit      *PostgresAuditStore
	customers  customerCache
}

func setup(t *testing.T) *fixture {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			plan_id TEXT NOT NULL,
			cycle TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_start TIMESTAMP NOT NULL,
			current_period_end TIMESTAMP NOT NULL,
			cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
			processor_subscription_id TEXT,
			processor_customer_id TEXT,
			canceled_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE UNIQUE INDEX ux_subscriptions_live_account
			ON subscriptions(account_id) WHERE status != 'canceled';

		CREATE TABLE invoices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			subscription_id INTEGER NOT NULL,
			external_invoice_id TEXT NOT NULL UNIQUE,
			amount_cents INTEGER NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			line_items TEXT,
			paid_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE notifications (
			id TEXT PRIMARY KEY,
			account_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			external_event_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE billing_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_event_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			payload BLOB,
			processed INTEGER NOT NULL DEFAULT 0,
			processed_at TIMESTAMP,
			received_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	subs := subscription.NewPostgresStore(db, catalog.Default())
	invoiceStore := invoices.NewPostgresStore(db)
	notifyStore := notify.NewPostgresStore(db)
	audit := NewPostgresAuditStore(db)
	customers := customerCache{}

	return &fixture{
		db:         db,
		reconciler: NewReconciler(subs, invoiceStore, notifyStore, audit, customers, logger, nil),
		subs:       subs,
		invoices:   invoiceStore,
		notify:     notifyStore,
		audit:      audit,
		customers:  customers,
	}
}

var testPeriodStart = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func checkoutEvent(eventID string, accountID int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {
			"id": "cs_1",
			"customer": "cus_1",
			"subscription": "sub_ext_1",
			"client_reference_id": "%d",
			"metadata": {"plan_id": "pro-v1", "cycle": "monthly"},
			"current_period_start": %d,
			"current_period_end": %d
		}}
	}`, eventID, testPeriodStart.Unix(), accountID,
		testPeriodStart.Unix(), testPeriodStart.AddDate(0, 1, 0).Unix()))
}

func subscriptionEvent(eventID, processorType, status string, cancelAtPeriodEnd bool) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"created": %d,
		"data": {"object": {
			"id": "sub_ext_1",
			"status": %q,
			"current_period_start": %d,
			"current_period_end": %d,
			"cancel_at_period_end": %t,
			"metadata": {"plan_id": "pro-v1", "cycle": "monthly"}
		}}
	}`, eventID, processorType, testPeriodStart.Unix(), status,
		testPeriodStart.AddDate(0, 1, 0).Unix(), testPeriodStart.AddDate(0, 2, 0).Unix(),
		cancelAtPeriodEnd))
}

func invoiceEvent(eventID, processorType, invoiceID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"created": %d,
		"data": {"object": {
			"id": %q,
			"customer": "cus_1",
			"subscription": "sub_ext_1",
			"amount_due": 2900,
			"currency": "usd",
			"status": "open"
		}}
	}`, eventID, processorType, testPeriodStart.Unix(), invoiceID))
}

func (f *fixture) countRows(t *testing.T, table, where string, args ...interface{}) int {
	t.Helper()
	var count int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE "+where, args...).Scan(&count))
	return count
}

func TestCheckoutCompletedCreatesSubscription(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))

	sub, err := f.subs.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, "pro-v1", sub.PlanID)
	assert.Equal(t, "sub_ext_1", sub.ProcessorSubID)
	assert.Equal(t, "cus_1", sub.ProcessorCustomer)
	assert.True(t, sub.CurrentPeriodStart.Equal(testPeriodStart))

	audit, err := f.audit.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, audit.Processed)
	assert.NotNil(t, audit.ProcessedAt)
}

func TestDuplicateEventIDIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	}

	assert.Equal(t, 1, f.countRows(t, "subscriptions", "account_id = 42"))
	assert.Equal(t, 1, f.countRows(t, "billing_events", "external_event_id = 'evt_1'"))
}

func TestDuplicateCheckoutDifferentEventIDKeepsSingleton(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_2", 42)))

	assert.Equal(t, 1, f.countRows(t, "subscriptions", "account_id = 42 AND status != 'canceled'"))
	// Both events were audited
	assert.Equal(t, 2, f.countRows(t, "billing_events", "processed = 1"))
}

func TestSubscriptionUpdatedOverwritesState(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	require.NoError(t, f.reconciler.Process(ctx,
		subscriptionEvent("evt_2", "customer.subscription.updated", "active", true)))

	sub, err := f.subs.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.True(t, sub.CurrentPeriodStart.Equal(testPeriodStart.AddDate(0, 1, 0)))
}

func TestSubscriptionDeletedCancels(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	require.NoError(t, f.reconciler.Process(ctx,
		subscriptionEvent("evt_2", "customer.subscription.deleted", "canceled", false)))

	sub, err := f.subs.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)
	assert.NotNil(t, sub.CanceledAt)
}

func TestPastDueRecoversToActive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	require.NoError(t, f.reconciler.Process(ctx,
		invoiceEvent("evt_2", "invoice.payment_failed", "in_1")))
	require.NoError(t, f.reconciler.Process(ctx,
		subscriptionEvent("evt_3", "customer.subscription.updated", "active", false)))

	sub, err := f.subs.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
}

func TestInvoicePaidUpsertsMirror(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	require.NoError(t, f.reconciler.Process(ctx, invoiceEvent("evt_2", "invoice.paid", "in_1")))
	// Redelivery under a fresh event id must not duplicate the mirror row
	require.NoError(t, f.reconciler.Process(ctx, invoiceEvent("evt_3", "invoice.paid", "in_1")))

	assert.Equal(t, 1, f.countRows(t, "invoices", "external_invoice_id = 'in_1'"))

	list, err := f.invoices.ListByAccount(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, invoices.StatusPaid, list[0].Status)
	assert.NotNil(t, list[0].PaidAt)

	// Paying an invoice never changes subscription status
	sub, err := f.subs.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
}

func TestInvoicePaymentFailedScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	require.NoError(t, f.reconciler.Process(ctx,
		invoiceEvent("evt_2", "invoice.payment_failed", "in_1")))

	sub, err := f.subs.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)

	// Exactly one notification, even after a duplicate delivery
	require.NoError(t, f.reconciler.Process(ctx,
		invoiceEvent("evt_2", "invoice.payment_failed", "in_1")))
	notifications, err := f.notify.ListByAccount(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, notify.KindPaymentFailed, notifications[0].Kind)
}

func TestRedeliveryAfterPartialApplyNotifiesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	require.NoError(t, f.reconciler.Process(ctx,
		invoiceEvent("evt_2", "invoice.payment_failed", "in_1")))

	// A crash between applying the effects and marking the audit row leaves
	// processed=false; the redelivery re-runs the apply path
	_, err := f.db.Exec("UPDATE billing_events SET processed = 0, processed_at = NULL WHERE external_event_id = 'evt_2'")
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Process(ctx,
		invoiceEvent("evt_2", "invoice.payment_failed", "in_1")))

	// Re-applying is safe: still one notification and one invoice row
	notifications, err := f.notify.ListByAccount(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, 1, f.countRows(t, "invoices", "external_invoice_id = 'in_1'"))

	audit, err := f.audit.Get(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, audit.Processed)
}

func TestCheckoutCompletedCachesCustomer(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.reconciler.Process(context.Background(), checkoutEvent("evt_1", 42)))

	customerID, ok := f.customers.CachedCustomer(42)
	require.True(t, ok)
	assert.Equal(t, "cus_1", customerID)
}

func TestUnknownEventTypeAuditedWithoutEffect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	raw := []byte(`{"id":"evt_9","type":"customer.tax_id.created","created":1700000000,"data":{"object":{}}}`)
	require.NoError(t, f.reconciler.Process(ctx, raw))

	audit, err := f.audit.Get(ctx, "evt_9")
	require.NoError(t, err)
	assert.Equal(t, string(KindUnknown), audit.Kind)
	assert.True(t, audit.Processed)
	assert.Equal(t, 0, f.countRows(t, "subscriptions", "1=1"))
}

func TestMalformedEnvelopeIsAnError(t *testing.T) {
	f := setup(t)

	assert.Error(t, f.reconciler.Process(context.Background(), []byte(`{not json`)))
	assert.Error(t, f.reconciler.Process(context.Background(), []byte(`{"type":"invoice.paid"}`)))
}

func TestInvoiceBeforeCheckoutFailsForRedelivery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Out-of-order: the invoice's subscription does not exist yet
	err := f.reconciler.Process(ctx, invoiceEvent("evt_2", "invoice.paid", "in_1"))
	require.Error(t, err)

	// The processor redelivers after the checkout landed; the unprocessed
	// audit row does not block the re-application
	require.NoError(t, f.reconciler.Process(ctx, checkoutEvent("evt_1", 42)))
	require.NoError(t, f.reconciler.Process(ctx, invoiceEvent("evt_2", "invoice.paid", "in_1")))

	assert.Equal(t, 1, f.countRows(t, "invoices", "external_invoice_id = 'in_1'"))
	audit, err := f.audit.Get(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, audit.Processed)
}

func TestAuditPruneKeepsUnprocessedRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.audit.WithClock(func() time.Time { return fixed })

	require.NoError(t, f.audit.Insert(ctx, &BillingEvent{ExternalEventID: "evt_old_done", Kind: "invoice_paid"}))
	require.NoError(t, f.audit.MarkProcessed(ctx, "evt_old_done"))
	require.NoError(t, f.audit.Insert(ctx, &BillingEvent{ExternalEventID: "evt_old_pending", Kind: "invoice_paid"}))

	pruned, err := f.audit.PruneBefore(ctx, fixed.AddDate(0, 6, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
	assert.Equal(t, 1, f.countRows(t, "billing_events", "external_event_id = 'evt_old_pending'"))
}

func TestParseEventKinds(t *testing.T) {
	ev, err := ParseEvent(checkoutEvent("evt_1", 7))
	require.NoError(t, err)
	assert.Equal(t, KindCheckoutCompleted, ev.Kind)
	require.NotNil(t, ev.Checkout)
	accountID, err := ev.Checkout.AccountID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), accountID)

	ev, err = ParseEvent(subscriptionEvent("evt_2", "customer.subscription.deleted", "canceled", false))
	require.NoError(t, err)
	assert.Equal(t, KindSubscriptionDeleted, ev.Kind)
	require.NotNil(t, ev.Subscription)

	ev, err = ParseEvent([]byte(`{"id":"evt_3","type":"charge.refunded","created":1,"data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ev.Kind)
}
