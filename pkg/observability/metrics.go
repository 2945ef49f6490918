package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
// A nil *Metrics is valid; every recording method is then a no-op.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics
	LedgerMutationsTotal   *prometheus.CounterVec
	LedgerMutationDuration *prometheus.HistogramVec
	LedgerCreditsTotal     *prometheus.CounterVec

	// Provider webhook metrics
	StripeEventsTotal   *prometheus.CounterVec
	StripeEventDuration *prometheus.HistogramVec

	// Metered billing
	OverageReportsTotal *prometheus.CounterVec

	// Outbound notifications
	NotificationDeliveriesTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	otel *OTelInstruments
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		LedgerMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_ledger_mutations_total",
				Help: "Ledger mutations by transaction type and outcome",
			},
			[]string{"type", "outcome"},
		),
		LedgerMutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditd_ledger_mutation_duration_seconds",
				Help:    "Duration of ledger mutations including the storage transaction",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		LedgerCreditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_ledger_credits_total",
				Help: "Absolute credits moved by committed transactions",
			},
			[]string{"type"},
		),

		StripeEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_stripe_webhook_events_total",
				Help: "Stripe webhook events by type and processing status",
			},
			[]string{"event_type", "status"},
		),
		StripeEventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditd_stripe_webhook_duration_seconds",
				Help:    "Stripe webhook processing time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),

		OverageReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_overage_reports_total",
				Help: "Metered overage reports by outcome",
			},
			[]string{"outcome"},
		),

		NotificationDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_notification_deliveries_total",
				Help: "Outbound billing notification deliveries",
			},
			[]string{"event", "status"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditd_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditd_db_connections_active",
			Help: "Number of in-use database connections",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditd_db_connections_idle",
			Help: "Number of idle database connections",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LedgerMutationsTotal,
		m.LedgerMutationDuration,
		m.LedgerCreditsTotal,
		m.StripeEventsTotal,
		m.StripeEventDuration,
		m.OverageReportsTotal,
		m.NotificationDeliveriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// WithOTel mirrors business metrics onto OpenTelemetry instruments
func (m *Metrics) WithOTel(i *OTelInstruments) *Metrics {
	if m != nil {
		m.otel = i
	}
	return m
}

// ObserveLedgerMutation records one ledger primitive call
func (m *Metrics) ObserveLedgerMutation(txType, outcome string, amount int64, d time.Duration) {
	if m == nil {
		return
	}
	m.LedgerMutationsTotal.WithLabelValues(txType, outcome).Inc()
	m.LedgerMutationDuration.WithLabelValues(txType).Observe(d.Seconds())
	if amount < 0 {
		amount = -amount
	}
	if outcome != "applied" {
		amount = 0
	}
	m.LedgerCreditsTotal.WithLabelValues(txType).Add(float64(amount))
	m.otel.ledgerMutation(txType, outcome, amount, d.Seconds())
}

// ObserveStripeEvent records the processing status of an inbound provider event
func (m *Metrics) ObserveStripeEvent(eventType, status string, d time.Duration) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.StripeEventsTotal.WithLabelValues(eventType, status).Inc()
	m.StripeEventDuration.WithLabelValues(eventType).Observe(d.Seconds())
	m.otel.webhookEvent(eventType, status, d.Seconds())
}

// ObserveOverageReport records a metered billing report outcome
func (m *Metrics) ObserveOverageReport(outcome string) {
	if m == nil {
		return
	}
	m.OverageReportsTotal.WithLabelValues(outcome).Inc()
	m.otel.overageReport(outcome)
}

// ObserveNotification records an outbound notification delivery
func (m *Metrics) ObserveNotification(event string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.NotificationDeliveriesTotal.WithLabelValues(event, status).Inc()
	m.otel.notification(event, status)
}

// ObserveCache records a cache lookup
func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// UpdateDBStats copies connection pool stats into gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
