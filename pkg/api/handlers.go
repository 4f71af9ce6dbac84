// Package api exposes the billing engine over HTTP. Handlers translate
// between wire requests and the billing façade; typed domain errors map to
// status codes here and nowhere else.
package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/subledger/subledger/pkg/billing"
	"github.com/subledger/subledger/pkg/catalog"
	"github.com/subledger/subledger/pkg/httputil"
	"github.com/subledger/subledger/pkg/observability"
	"github.com/subledger/subledger/pkg/payments"
	"github.com/subledger/subledger/pkg/subscription"
	"github.com/subledger/subledger/pkg/usage"
)

// maxWebhookBody bounds processor webhook payloads
const maxWebhookBody = 1 << 20

// BillingHandlers handles billing-related HTTP requests
type BillingHandlers struct {
	service billing.Service
	logger  *observability.Logger
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(service billing.Service, logger *observability.Logger) *BillingHandlers {
	return &BillingHandlers{service: service, logger: logger}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.ListPlans).Methods("GET")

	router.HandleFunc("/accounts/{id}/checkout", h.StartCheckout).Methods("POST")
	router.HandleFunc("/accounts/{id}/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/accounts/{id}/subscription/change", h.ChangePlan).Methods("POST")
	router.HandleFunc("/accounts/{id}/subscription/change/preview", h.PreviewChange).Methods("POST")
	router.HandleFunc("/accounts/{id}/subscription/cancel", h.CancelAtPeriodEnd).Methods("POST")
	router.HandleFunc("/accounts/{id}/subscription/reactivate", h.Reactivate).Methods("POST")

	router.HandleFunc("/accounts/{id}/usage", h.RecordUsage).Methods("POST")
	router.HandleFunc("/accounts/{id}/usage", h.GetUsageSummary).Methods("GET")

	router.HandleFunc("/accounts/{id}/invoices", h.ListInvoices).Methods("GET")
	router.HandleFunc("/accounts/{id}/overview", h.GetOverview).Methods("GET")
}

// RegisterWebhookRoutes registers the processor webhook endpoint on the
// /webhooks subrouter. It lives outside the API prefix because the
// processor calls it directly.
func (h *BillingHandlers) RegisterWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/payments", h.HandleWebhook).Methods("POST")
}

// ListPlans returns the plan catalog
func (h *BillingHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.service.ListPlans())
}

type checkoutRequest struct {
	PlanID     string               `json:"plan_id"`
	Cycle      catalog.BillingCycle `json:"cycle"`
	SuccessURL string               `json:"success_url"`
	CancelURL  string               `json:"cancel_url"`
}

// StartCheckout opens a hosted checkout session
func (h *BillingHandlers) StartCheckout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req checkoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	session, err := h.service.StartCheckout(r.Context(), accountID, req.PlanID, req.Cycle, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, session)
}

// GetSubscription returns the account's current subscription via overview
func (h *BillingHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	overview, err := h.service.GetOverview(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, overview.Subscription)
}

type planChangeRequest struct {
	PlanID string               `json:"plan_id"`
	Cycle  catalog.BillingCycle `json:"cycle"`
}

// ChangePlan moves the subscription to a new plan/cycle
func (h *BillingHandlers) ChangePlan(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req planChangeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	sub, err := h.service.ChangePlan(r.Context(), accountID, req.PlanID, req.Cycle)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// PreviewChange computes the proration for a prospective plan change
func (h *BillingHandlers) PreviewChange(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req planChangeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	preview, err := h.service.PreviewChange(r.Context(), accountID, req.PlanID, req.Cycle)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, preview)
}

// CancelAtPeriodEnd schedules cancellation at the period boundary
func (h *BillingHandlers) CancelAtPeriodEnd(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.service.CancelAtPeriodEnd(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// Reactivate clears a pending cancellation
func (h *BillingHandlers) Reactivate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.service.Reactivate(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

type recordUsageRequest struct {
	Resource catalog.Resource  `json:"resource"`
	Quantity int64             `json:"quantity"`
	Metadata map[string]string `json:"metadata"`
}

// RecordUsage checks quotas and records one usage event
func (h *BillingHandlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req recordUsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rec, err := h.service.RecordUsage(r.Context(), accountID, req.Resource, req.Quantity, req.Metadata)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, rec)
}

// GetUsageSummary returns current-period usage per resource
func (h *BillingHandlers) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	summary, err := h.service.GetUsageSummary(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}

// ListInvoices returns the account's invoice history
func (h *BillingHandlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	list, err := h.service.ListInvoices(r.Context(), accountID, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, list)
}

// GetOverview returns the full billing snapshot
func (h *BillingHandlers) GetOverview(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	overview, err := h.service.GetOverview(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, overview)
}

// HandleWebhook receives processor events. The signature is verified over
// the raw body; a failed apply returns 5xx so the processor redelivers.
func (h *BillingHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}

	err = h.service.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if payments.IsSignatureError(err) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		h.logger.WithError(err).Error("webhook processing failed")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"received": true})
}

// quotaExceededResponse carries the context an upgrade prompt needs
type quotaExceededResponse struct {
	Error    string           `json:"error"`
	Window   usage.Window     `json:"window"`
	Resource catalog.Resource `json:"resource"`
	Limit    int64            `json:"limit"`
	Current  int64            `json:"current"`
}

// writeServiceError maps typed domain errors to status codes
func (h *BillingHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case usage.IsQuotaExceeded(err):
		quotaErr := err.(*usage.QuotaExceededError)
		httputil.WriteJSON(w, http.StatusTooManyRequests, quotaExceededResponse{
			Error:    err.Error(),
			Window:   quotaErr.Window,
			Resource: quotaErr.Resource,
			Limit:    quotaErr.Limit,
			Current:  quotaErr.Current,
		})
	case catalog.IsInvalidPlan(err):
		httputil.WriteBadRequest(w, err.Error())
	case subscription.IsNoActiveSubscription(err):
		httputil.WriteNotFound(w, err.Error())
	case subscription.IsAlreadySubscribed(err):
		httputil.WriteConflict(w, err.Error())
	case payments.IsPaymentError(err):
		httputil.WritePaymentRequired(w, err.Error())
	default:
		h.logger.WithError(err).Error("request failed")
		httputil.WriteInternalError(w, err)
	}
}
