package reconcile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/subledger/subledger/pkg/catalog"
	"github.com/subledger/subledger/pkg/subscription"
)

// EventKind is the tagged-union discriminator for processor events. The
// processor's duck-typed payloads are mapped to one explicit kind at this
// boundary; structural access never leaks past it.
type EventKind string

const (
	KindCheckoutCompleted    EventKind = "checkout_completed"
	KindSubscriptionUpdated  EventKind = "subscription_updated"
	KindSubscriptionDeleted  EventKind = "subscription_deleted"
	KindInvoicePaid          EventKind = "invoice_paid"
	KindInvoicePaymentFailed EventKind = "invoice_payment_failed"
	KindUnknown              EventKind = "unknown"
)

// kindByProcessorType maps the processor's event type strings
var kindByProcessorType = map[string]EventKind{
	"checkout.session.completed":    KindCheckoutCompleted,
	"customer.subscription.updated": KindSubscriptionUpdated,
	"customer.subscription.deleted": KindSubscriptionDeleted,
	"invoice.paid":                  KindInvoicePaid,
	"invoice.payment_failed":        KindInvoicePaymentFailed,
}

// CheckoutPayload is the decoded object of a checkout-completed event
type CheckoutPayload struct {
	SessionID          string            `json:"id"`
	Customer           string            `json:"customer"`
	Subscription       string            `json:"subscription"`
	ClientReferenceID  string            `json:"client_reference_id"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
}

// AccountID resolves the owning account from the checkout payload
func (p *CheckoutPayload) AccountID() (int64, error) {
	ref := p.ClientReferenceID
	if ref == "" {
		ref = p.Metadata["account_id"]
	}
	if ref == "" {
		return 0, fmt.Errorf("checkout payload has no account reference")
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed account reference %q", ref)
	}
	return id, nil
}

// SubscriptionPayload is the decoded object of a subscription event
type SubscriptionPayload struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// InvoicePayload is the decoded object of an invoice event
type InvoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

// Event is one parsed processor event. Exactly one payload pointer is set
// for known kinds; unknown kinds carry only the raw object.
type Event struct {
	ExternalID    string
	ProcessorType string
	Kind          EventKind
	CreatedAt     time.Time
	Raw           json.RawMessage

	Checkout     *CheckoutPayload
	Subscription *SubscriptionPayload
	Invoice      *InvoicePayload
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a raw processor event body into the tagged union.
// Unknown event types parse successfully as KindUnknown; malformed
// envelopes or known-kind objects that fail to decode are errors.
func ParseEvent(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed event envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("event has no id")
	}

	ev := &Event{
		ExternalID:    env.ID,
		ProcessorType: env.Type,
		Kind:          KindUnknown,
		CreatedAt:     time.Unix(env.Created, 0).UTC(),
		Raw:           raw,
	}
	kind, known := kindByProcessorType[env.Type]
	if !known {
		return ev, nil
	}
	ev.Kind = kind

	switch kind {
	case KindCheckoutCompleted:
		payload := &CheckoutPayload{}
		if err := json.Unmarshal(env.Data.Object, payload); err != nil {
			return nil, fmt.Errorf("malformed checkout payload: %w", err)
		}
		ev.Checkout = payload
	case KindSubscriptionUpdated, KindSubscriptionDeleted:
		payload := &SubscriptionPayload{}
		if err := json.Unmarshal(env.Data.Object, payload); err != nil {
			return nil, fmt.Errorf("malformed subscription payload: %w", err)
		}
		ev.Subscription = payload
	case KindInvoicePaid, KindInvoicePaymentFailed:
		payload := &InvoicePayload{}
		if err := json.Unmarshal(env.Data.Object, payload); err != nil {
			return nil, fmt.Errorf("malformed invoice payload: %w", err)
		}
		ev.Invoice = payload
	}
	return ev, nil
}

// statusFromProcessor maps the processor's status vocabulary onto the local
// state machine
func statusFromProcessor(status string) subscription.Status {
	switch status {
	case "trialing":
		return subscription.StatusTrialing
	case "past_due", "unpaid":
		return subscription.StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return subscription.StatusCanceled
	default:
		return subscription.StatusActive
	}
}

// cycleFromMetadata reads the billing cycle stamped into processor
// metadata at checkout/update time, defaulting to monthly
func cycleFromMetadata(metadata map[string]string) catalog.BillingCycle {
	cycle := catalog.BillingCycle(metadata["cycle"])
	if !cycle.Valid() {
		return catalog.CycleMonthly
	}
	return cycle
}
