package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLedgerMutation("USAGE", "applied", -5, time.Millisecond)
		m.ObserveStripeEvent("invoice.paid", "processed", time.Millisecond)
		m.ObserveOverageReport("reported")
		m.ObserveNotification("subscription.started", true)
		m.ObserveCache("balance", true)
		m.WithOTel(nil)
	})
}

func TestObserveLedgerMutation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveLedgerMutation("USAGE", "applied", -30, time.Millisecond)
	m.ObserveLedgerMutation("USAGE", "duplicate", -30, time.Millisecond)
	m.ObserveLedgerMutation("GRANT", "applied", 100, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerMutationsTotal.WithLabelValues("USAGE", "applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LedgerMutationsTotal.WithLabelValues("USAGE", "duplicate")))
	assert.Equal(t, float64(30), testutil.ToFloat64(m.LedgerCreditsTotal.WithLabelValues("USAGE")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.LedgerCreditsTotal.WithLabelValues("GRANT")))
}

func TestObserveCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveStripeEvent("", "invalid", time.Millisecond)
	m.ObserveOverageReport("skipped")
	m.ObserveNotification("plan.upgraded", false)
	m.ObserveCache("balance", true)
	m.ObserveCache("balance", false)
	m.ObserveCache("balance", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.StripeEventsTotal.WithLabelValues("unknown", "invalid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OverageReportsTotal.WithLabelValues("skipped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationDeliveriesTotal.WithLabelValues("plan.upgraded", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("balance")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("balance")))
}

func TestOTelInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	inst, err := NewOTelInstruments(provider)
	require.NoError(t, err)

	m := NewMetrics(prometheus.NewRegistry()).WithOTel(inst)
	assert.NotPanics(t, func() {
		m.ObserveLedgerMutation("PURCHASE", "applied", 50, time.Millisecond)
		m.ObserveStripeEvent("checkout.session.completed", "processed", time.Millisecond)
		m.ObserveOverageReport("reported")
		m.ObserveNotification("credits.purchased", true)
	})
}

func TestHTTPMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/v1/organizations/{orgID}/credits/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, org := range []string{"org-1", "org-2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/organizations/"+org+"/credits/balance", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/organizations/{orgID}/credits/balance", "404")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.ObserveOverageReport("reported")

	sm := http.NewServeMux()
	RegisterMetricsEndpoint(sm, registry)

	rec := httptest.NewRecorder()
	sm.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "creditd_overage_reports_total")
}
