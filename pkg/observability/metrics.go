package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the billing engine
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Usage metering metrics
	UsageRecordsTotal    *prometheus.CounterVec
	QuotaRejectionsTotal *prometheus.CounterVec

	// Plan change metrics
	PlanChangesTotal       *prometheus.CounterVec
	ProrationPreviewsTotal prometheus.Counter
	ProcessorCallDuration  *prometheus.HistogramVec
	NotificationsTotal     *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subledger_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_webhook_events_total",
				Help: "Processor webhook events by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		UsageRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_usage_records_total",
				Help: "Accepted usage records by resource",
			},
			[]string{"resource"},
		),
		QuotaRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_quota_rejections_total",
				Help: "Usage rejected by quota window and resource",
			},
			[]string{"window", "resource"},
		),
		PlanChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_plan_changes_total",
				Help: "Committed plan changes by outcome",
			},
			[]string{"outcome"},
		),
		ProrationPreviewsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "subledger_proration_previews_total",
				Help: "Proration previews computed",
			},
		),
		ProcessorCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subledger_processor_call_duration_seconds",
				Help:    "External payment processor call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subledger_notifications_total",
				Help: "User-facing notifications by kind",
			},
			[]string{"kind"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subledger_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.UsageRecordsTotal,
		m.QuotaRejectionsTotal,
		m.PlanChangesTotal,
		m.ProrationPreviewsTotal,
		m.ProcessorCallDuration,
		m.NotificationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)
	return m
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CollectDBStats copies connection pool stats into the DB gauges. Call it
// periodically or before scrapes.
func (m *Metrics) CollectDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// InstrumentHandler wraps an HTTP handler with request metrics
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
