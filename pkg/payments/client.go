// Package payments is the boundary to the external payment processor. The
// engine never trusts local state over the processor: plan changes are
// pushed here before the local row commits, and a timeout means "unknown
// state, reconcile on the next webhook" rather than rollback.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/subledger/subledger/pkg/catalog"
)

// CheckoutSessionRequest asks the processor to open a hosted checkout.
// IdempotencyKey guards at-least-once retries of session creation.
type CheckoutSessionRequest struct {
	AccountID      int64
	PlanID         string
	Cycle          catalog.BillingCycle
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is the processor's hosted checkout handle
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client defines the calls the engine makes against the processor
type Client interface {
	// CreateCheckoutSession opens a hosted checkout for a new subscription
	CreateCheckoutSession(ctx context.Context, req *CheckoutSessionRequest) (*CheckoutSession, error)

	// UpdateSubscriptionPlan moves the processor-side subscription to the
	// price backing the given plan/cycle, with proration enabled
	UpdateSubscriptionPlan(ctx context.Context, processorSubID, planID string, cycle catalog.BillingCycle) error

	// SetCancelAtPeriodEnd flips the processor-side cancellation flag
	SetCancelAtPeriodEnd(ctx context.Context, processorSubID string, cancel bool) error
}

// CustomerCache remembers account to processor-customer mappings. The
// reconciler populates it from checkout confirmations; checkout session
// creation consults it so returning accounts reuse their existing customer
// record instead of minting a new one.
type CustomerCache interface {
	CacheCustomer(accountID int64, customerID string)
	CachedCustomer(accountID int64) (string, bool)
}

// PaymentError is a processor-side failure surfaced to the caller. The
// engine never retries these automatically.
type PaymentError struct {
	Code    string
	Message string
}

func (e *PaymentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment processor error (%s): %s", e.Code, e.Message)
	}
	return "payment processor error: " + e.Message
}

// IsPaymentError checks if an error is a processor-side payment error
func IsPaymentError(err error) bool {
	_, ok := err.(*PaymentError)
	return ok
}

// PriceResolver maps a plan id and cycle to the processor's price reference
type PriceResolver struct {
	prices map[string]string
}

// NewPriceResolver creates a resolver from "planID:cycle" -> price ref pairs
func NewPriceResolver(prices map[string]string) *PriceResolver {
	return &PriceResolver{prices: prices}
}

// Resolve returns the processor price reference for a plan and cycle
func (r *PriceResolver) Resolve(planID string, cycle catalog.BillingCycle) (string, error) {
	key := planID + ":" + string(cycle)
	ref, ok := r.prices[key]
	if !ok {
		return "", fmt.Errorf("no processor price configured for %s", key)
	}
	return ref, nil
}

// StripeClient implements Client against the Stripe HTTP API
type StripeClient struct {
	apiKey     string
	baseURL    string
	prices     *PriceResolver
	httpClient *http.Client

	// customers caches account -> processor customer lookups; entries are
	// small and the working set is bounded by active accounts
	customers *lru.Cache[int64, string]
}

// NewStripeClient creates a new Stripe-backed processor client
func NewStripeClient(apiKey string, prices *PriceResolver, timeout time.Duration) (*StripeClient, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	customers, err := lru.New[int64, string](4096)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer cache: %w", err)
	}
	return &StripeClient{
		apiKey:     apiKey,
		baseURL:    "https://api.stripe.com/v1",
		prices:     prices,
		httpClient: &http.Client{Timeout: timeout},
		customers:  customers,
	}, nil
}

// WithBaseURL overrides the API base URL, for tests
func (c *StripeClient) WithBaseURL(baseURL string) *StripeClient {
	c.baseURL = baseURL
	return c
}

// CreateCheckoutSession opens a hosted checkout for a new subscription
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, req *CheckoutSessionRequest) (*CheckoutSession, error) {
	priceRef, err := c.prices.Resolve(req.PlanID, req.Cycle)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", priceRef)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("client_reference_id", fmt.Sprintf("%d", req.AccountID))
	form.Set("metadata[account_id]", fmt.Sprintf("%d", req.AccountID))
	form.Set("metadata[plan_id]", req.PlanID)
	form.Set("metadata[cycle]", string(req.Cycle))
	if customerID, ok := c.customers.Get(req.AccountID); ok {
		form.Set("customer", customerID)
	}

	var session CheckoutSession
	if err := c.post(ctx, "/checkout/sessions", form, req.IdempotencyKey, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSubscriptionPlan moves the subscription to a new price with
// proration enabled processor-side
func (c *StripeClient) UpdateSubscriptionPlan(ctx context.Context, processorSubID, planID string, cycle catalog.BillingCycle) error {
	priceRef, err := c.prices.Resolve(planID, cycle)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("items[0][price]", priceRef)
	form.Set("proration_behavior", "create_prorations")
	form.Set("metadata[plan_id]", planID)
	form.Set("metadata[cycle]", string(cycle))

	return c.post(ctx, "/subscriptions/"+processorSubID, form, "", nil)
}

// SetCancelAtPeriodEnd flips the processor-side cancellation flag
func (c *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, processorSubID string, cancel bool) error {
	form := url.Values{}
	form.Set("cancel_at_period_end", fmt.Sprintf("%t", cancel))
	return c.post(ctx, "/subscriptions/"+processorSubID, form, "", nil)
}

// post issues one form-encoded API call and decodes the response into out
func (c *StripeClient) post(ctx context.Context, path string, form url.Values, idempotencyKey string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build processor request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Includes timeouts: the processor may or may not have applied the
		// change; the next webhook reconciles either way
		return fmt.Errorf("processor call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read processor response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
			return &PaymentError{Code: apiErr.Error.Code, Message: apiErr.Error.Message}
		}
		return &PaymentError{Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode processor response: %w", err)
		}
	}
	return nil
}

// CacheCustomer records an account -> processor customer mapping
func (c *StripeClient) CacheCustomer(accountID int64, customerID string) {
	c.customers.Add(accountID, customerID)
}

// CachedCustomer returns the cached processor customer for an account
func (c *StripeClient) CachedCustomer(accountID int64) (string, bool) {
	return c.customers.Get(accountID)
}
