package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subledger/subledger/pkg/billing"
	"github.com/subledger/subledger/pkg/catalog"
	"github.com/subledger/subledger/pkg/invoices"
	"github.com/subledger/subledger/pkg/observability"
	"github.com/subledger/subledger/pkg/payments"
	"github.com/subledger/subledger/pkg/proration"
	"github.com/subledger/subledger/pkg/subscription"
	"github.com/subledger/subledger/pkg/usage"
)

type mockService struct {
	StartCheckoutFunc     func(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle, successURL, cancelURL string) (*payments.CheckoutSession, error)
	PreviewChangeFunc     func(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*proration.Preview, error)
	ChangePlanFunc        func(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*subscription.Subscription, error)
	CancelAtPeriodEndFunc func(ctx context.Context, accountID int64) (*subscription.Subscription, error)
	ReactivateFunc        func(ctx context.Context, accountID int64) (*subscription.Subscription, error)
	RecordUsageFunc       func(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64, metadata map[string]string) (*usage.Record, error)
	GetUsageSummaryFunc   func(ctx context.Context, accountID int64) (*usage.Summary, error)
	GetOverviewFunc       func(ctx context.Context, accountID int64) (*billing.Overview, error)
	ListInvoicesFunc      func(ctx context.Context, accountID int64, limit int) ([]*invoices.Invoice, error)
	HandleWebhookFunc     func(ctx context.Context, payload []byte, signatureHeader string) error
}

func (m *mockService) StartCheckout(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle, successURL, cancelURL string) (*payments.CheckoutSession, error) {
	return m.StartCheckoutFunc(ctx, accountID, planID, cycle, successURL, cancelURL)
}

func (m *mockService) PreviewChange(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*proration.Preview, error) {
	return m.PreviewChangeFunc(ctx, accountID, newPlanID, newCycle)
}

func (m *mockService) ChangePlan(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*subscription.Subscription, error) {
	return m.ChangePlanFunc(ctx, accountID, newPlanID, newCycle)
}

func (m *mockService) CancelAtPeriodEnd(ctx context.Context, accountID int64) (*subscription.Subscription, error) {
	return m.CancelAtPeriodEndFunc(ctx, accountID)
}

func (m *mockService) Reactivate(ctx context.Context, accountID int64) (*subscription.Subscription, error) {
	return m.ReactivateFunc(ctx, accountID)
}

func (m *mockService) RecordUsage(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64, metadata map[string]string) (*usage.Record, error) {
	return m.RecordUsageFunc(ctx, accountID, resource, quantity, metadata)
}

func (m *mockService) GetUsageSummary(ctx context.Context, accountID int64) (*usage.Summary, error) {
	return m.GetUsageSummaryFunc(ctx, accountID)
}

func (m *mockService) GetOverview(ctx context.Context, accountID int64) (*billing.Overview, error) {
	return m.GetOverviewFunc(ctx, accountID)
}

func (m *mockService) ListInvoices(ctx context.Context, accountID int64, limit int) ([]*invoices.Invoice, error) {
	return m.ListInvoicesFunc(ctx, accountID, limit)
}

func (m *mockService) ListPlans() []*catalog.Plan {
	return catalog.Default().Plans()
}

func (m *mockService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	return m.HandleWebhookFunc(ctx, payload, signatureHeader)
}

func newTestServer(t *testing.T, service billing.Service) *httptest.Server {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	handlers := NewBillingHandlers(service, logger)
	router := NewRouter(handlers, observability.NewHealthChecker(nil, nil), nil, logger)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListPlans(t *testing.T) {
	server := newTestServer(t, &mockService{})

	resp, err := http.Get(server.URL + "/api/v1/plans")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var plans []*catalog.Plan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plans))
	assert.Len(t, plans, 3)
}

func TestStartCheckoutConflict(t *testing.T) {
	service := &mockService{
		StartCheckoutFunc: func(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle, successURL, cancelURL string) (*payments.CheckoutSession, error) {
			return nil, &subscription.AlreadySubscribedError{AccountID: accountID}
		},
	}
	server := newTestServer(t, service)

	resp := postJSON(t, server.URL+"/api/v1/accounts/1/checkout", checkoutRequest{PlanID: "pro-v1", Cycle: catalog.CycleMonthly})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartCheckoutInvalidPlan(t *testing.T) {
	service := &mockService{
		StartCheckoutFunc: func(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle, successURL, cancelURL string) (*payments.CheckoutSession, error) {
			return nil, &catalog.InvalidPlanError{PlanID: planID}
		},
	}
	server := newTestServer(t, service)

	resp := postJSON(t, server.URL+"/api/v1/accounts/1/checkout", checkoutRequest{PlanID: "nope-v1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartCheckoutCreated(t *testing.T) {
	service := &mockService{
		StartCheckoutFunc: func(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle, successURL, cancelURL string) (*payments.CheckoutSession, error) {
			assert.Equal(t, int64(7), accountID)
			return &payments.CheckoutSession{ID: "cs_1", URL: "https://processor/checkout/cs_1"}, nil
		},
	}
	server := newTestServer(t, service)

	resp := postJSON(t, server.URL+"/api/v1/accounts/7/checkout", checkoutRequest{PlanID: "pro-v1", Cycle: catalog.CycleMonthly})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var session payments.CheckoutSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.Equal(t, "cs_1", session.ID)
}

func TestRecordUsageQuotaExceeded(t *testing.T) {
	service := &mockService{
		RecordUsageFunc: func(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64, metadata map[string]string) (*usage.Record, error) {
			return nil, &usage.QuotaExceededError{
				Window:   usage.WindowMonthly,
				Resource: resource,
				Limit:    20,
				Current:  20,
			}
		},
	}
	server := newTestServer(t, service)

	resp := postJSON(t, server.URL+"/api/v1/accounts/1/usage", recordUsageRequest{
		Resource: catalog.ResourceVideoGenerations,
		Quantity: 1,
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body quotaExceededResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, usage.WindowMonthly, body.Window)
	assert.Equal(t, int64(20), body.Limit)
	assert.Equal(t, int64(20), body.Current)
}

func TestRecordUsageAccepted(t *testing.T) {
	service := &mockService{
		RecordUsageFunc: func(ctx context.Context, accountID int64, resource catalog.Resource, quantity int64, metadata map[string]string) (*usage.Record, error) {
			return &usage.Record{ID: 9, AccountID: accountID, Resource: resource, Quantity: quantity}, nil
		},
	}
	server := newTestServer(t, service)

	resp := postJSON(t, server.URL+"/api/v1/accounts/1/usage", recordUsageRequest{
		Resource: catalog.ResourceImageGenerations,
		Quantity: 2,
		Metadata: map[string]string{"job_id": "j-1"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	service := &mockService{
		GetOverviewFunc: func(ctx context.Context, accountID int64) (*billing.Overview, error) {
			return nil, &subscription.NoActiveSubscriptionError{AccountID: accountID}
		},
	}
	server := newTestServer(t, service)

	resp, err := http.Get(server.URL + "/api/v1/accounts/1/subscription")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChangePlanPaymentError(t *testing.T) {
	service := &mockService{
		ChangePlanFunc: func(ctx context.Context, accountID int64, newPlanID string, newCycle catalog.BillingCycle) (*subscription.Subscription, error) {
			return nil, &payments.PaymentError{Code: "card_declined", Message: "declined"}
		},
	}
	server := newTestServer(t, service)

	resp := postJSON(t, server.URL+"/api/v1/accounts/1/subscription/change", planChangeRequest{PlanID: "business-v1"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestInvalidAccountIDIsBadRequest(t *testing.T) {
	server := newTestServer(t, &mockService{})

	resp, err := http.Get(server.URL + "/api/v1/accounts/abc/subscription")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookSignatureFailureIs400(t *testing.T) {
	service := &mockService{
		HandleWebhookFunc: func(ctx context.Context, payload []byte, signatureHeader string) error {
			return &payments.SignatureError{Reason: "no matching signature"}
		},
	}
	server := newTestServer(t, service)

	resp := postJSON(t, server.URL+"/webhooks/payments", map[string]string{"id": "evt_1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookStorageFailureIs500(t *testing.T) {
	service := &mockService{
		HandleWebhookFunc: func(ctx context.Context, payload []byte, signatureHeader string) error {
			return errors.New("db down")
		},
	}
	server := newTestServer(t, service)

	resp := postJSON(t, server.URL+"/webhooks/payments", map[string]string{"id": "evt_1"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWebhookAccepted(t *testing.T) {
	var gotHeader string
	var gotPayload []byte
	service := &mockService{
		HandleWebhookFunc: func(ctx context.Context, payload []byte, signatureHeader string) error {
			gotHeader = signatureHeader
			gotPayload = payload
			return nil
		},
	}
	server := newTestServer(t, service)

	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/webhooks/payments", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t=1,v1=abc", gotHeader)
	assert.Equal(t, body, gotPayload)

	var decoded map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.True(t, decoded["received"])
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t, &mockService{})

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
