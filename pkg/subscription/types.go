// Package subscription persists the per-account subscription state machine.
// At most one non-canceled subscription exists per account, enforced by a
// partial unique index rather than application checks.
package subscription

import (
	"fmt"
	"time"

	"github.com/subledger/subledger/pkg/catalog"
)

// Status represents the status of a subscription
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Usable reports whether a subscription in this status may record usage
// and change plans. Past-due subscriptions keep access until the processor
// sends the terminal cancellation event.
func (s Status) Usable() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// Subscription is the durable record of one account's subscription. At most
// one non-canceled row exists per account; canceled rows remain for history.
type Subscription struct {
	ID                 int64                `json:"id"`
	AccountID          int64                `json:"account_id"`
	PlanID             string               `json:"plan_id"`
	Cycle              catalog.BillingCycle `json:"cycle"`
	Status             Status               `json:"status"`
	CurrentPeriodStart time.Time            `json:"current_period_start"`
	CurrentPeriodEnd   time.Time            `json:"current_period_end"`
	CancelAtPeriodEnd  bool                 `json:"cancel_at_period_end"`
	ProcessorSubID     string               `json:"processor_subscription_id,omitempty"`
	ProcessorCustomer  string               `json:"processor_customer_id,omitempty"`
	CanceledAt         *time.Time           `json:"canceled_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// NoActiveSubscriptionError indicates the account has no usable subscription
type NoActiveSubscriptionError struct {
	AccountID int64
}

func (e *NoActiveSubscriptionError) Error() string {
	return fmt.Sprintf("no active subscription for account %d", e.AccountID)
}

// IsNoActiveSubscription checks if an error is a no-active-subscription error
func IsNoActiveSubscription(err error) bool {
	_, ok := err.(*NoActiveSubscriptionError)
	return ok
}

// AlreadySubscribedError indicates the account already has a live
// subscription, e.g. on a duplicate checkout attempt
type AlreadySubscribedError struct {
	AccountID int64
}

func (e *AlreadySubscribedError) Error() string {
	return fmt.Sprintf("account %d already has an active subscription", e.AccountID)
}

// IsAlreadySubscribed checks if an error is an already-subscribed error
func IsAlreadySubscribed(err error) bool {
	_, ok := err.(*AlreadySubscribedError)
	return ok
}
