package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/subledger/subledger/pkg/httputil"
	"github.com/subledger/subledger/pkg/observability"
)

// NewRouter assembles the HTTP surface: the versioned API, the processor
// webhook endpoint, health checks and the metrics scrape endpoint.
func NewRouter(handlers *BillingHandlers, health *observability.HealthChecker, metrics *observability.Metrics, logger *observability.Logger) http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	handlers.RegisterRoutes(api)

	// The webhook endpoint sits outside /api/v1; its body size is bounded
	// separately because the raw payload is read for signature verification
	webhooks := router.PathPrefix("/webhooks").Subrouter()
	webhooks.Use(httputil.MaxBytesMiddleware(maxWebhookBody))
	handlers.RegisterWebhookRoutes(webhooks)

	router.HandleFunc("/health", health.Readiness).Methods("GET")
	router.HandleFunc("/health/live", health.Liveness).Methods("GET")
	router.HandleFunc("/health/ready", health.Readiness).Methods("GET")

	if metrics != nil {
		router.Handle("/metrics", metrics.Handler()).Methods("GET")
	}

	chain := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
	)
	return chain(router)
}
