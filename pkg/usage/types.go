// Package usage meters resource consumption against plan limits. The
// ledger is append-only; summaries and quota checks are sums over it, with
// shared counters accelerating the trailing burst windows.
package usage

import (
	"fmt"
	"time"

	"github.com/subledger/subledger/pkg/catalog"
)

// Window identifies a quota enforcement window
type Window string

const (
	WindowHourly  Window = "hourly"
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// Duration returns the trailing duration of a burst window. Only hourly and
// daily windows are trailing; the monthly window is anchored at the
// subscription's current period start.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowHourly:
		return time.Hour
	case WindowDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Record is one immutable usage ledger row. The period-start attribution is
// fixed at recording time so period rollover never moves historical usage.
type Record struct {
	ID             int64             `json:"id"`
	AccountID      int64             `json:"account_id"`
	SubscriptionID int64             `json:"subscription_id"`
	Resource       catalog.Resource  `json:"resource"`
	Quantity       int64             `json:"quantity"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	PeriodStart    time.Time         `json:"period_start"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ResourceUsage is one row of a usage summary
type ResourceUsage struct {
	Resource catalog.Resource `json:"resource"`
	Used     int64            `json:"used"`
	Limit    catalog.Limit    `json:"limit"`
	// Percent is capped at 100 and always 0 for unlimited resources
	Percent int `json:"percent"`
}

// Summary aggregates current-period usage for every resource of a plan
type Summary struct {
	AccountID   int64           `json:"account_id"`
	PlanID      string          `json:"plan_id"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Resources   []ResourceUsage `json:"resources"`
}

// QuotaExceededError carries the window, resource and counts the caller
// needs to render a precise upgrade prompt
type QuotaExceededError struct {
	Window   Window
	Resource catalog.Resource
	Limit    int64
	Current  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded for %s: %d of %d used",
		e.Window, e.Resource, e.Current, e.Limit)
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	_, ok := err.(*QuotaExceededError)
	return ok
}
