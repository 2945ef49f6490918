package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/webhooks"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxInternalBody       = 64 << 10
)

// Config wires the API server. Credits is required. The provider webhook is
// mounted when Events and WebhookSecret are set, the internal API when
// ServiceAuth has at least one token.
type Config struct {
	Credits        CreditsService
	Events         EventHandler
	WebhookSecret  string
	Dedupe         *EventDedupe
	ServiceAuth    *middleware.ServiceTokenAuth
	RateLimiter    middleware.Limiter
	Notifications  *webhooks.Manager
	RequestTimeout time.Duration
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// Server is the credit ledger HTTP API
type Server struct {
	router  *mux.Router
	credits CreditsService
	logger  *observability.Logger
	metrics *observability.Metrics
	handler http.Handler
}

// NewServer creates the server and registers its routes
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	s := &Server{
		router:  mux.NewRouter(),
		credits: cfg.Credits,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	s.setupRoutes(cfg)
	s.handler = otelhttp.NewHandler(s.router, "creditd-api")
	return s
}

func (s *Server) setupRoutes(cfg Config) {
	s.router.Use(
		httputil.RequestIDMiddleware,
		s.contextLogger,
		httputil.LoggingMiddleware(s.logger),
		observability.RecoveryMiddleware(s.logger),
		observability.HTTPMetricsMiddleware(s.metrics),
	)

	if cfg.Events != nil && cfg.WebhookSecret != "" {
		hook := NewStripeWebhookHandler(cfg.WebhookSecret, cfg.Events, cfg.Dedupe, s.logger, s.metrics)
		s.router.Handle("/webhooks/stripe", hook).Methods(http.MethodPost)
	}

	var limit func(http.Handler) http.Handler
	if cfg.RateLimiter != nil {
		limit = middleware.NewRateLimitMiddleware(cfg.RateLimiter, s.logger).Handler
	}

	credits := s.router.PathPrefix("/v1/organizations/{" + middleware.OrgIDVar + "}/credits").Subrouter()
	credits.Use(middleware.OrganizationContext, httputil.TimeoutMiddleware(cfg.RequestTimeout))
	if limit != nil {
		credits.Use(limit)
	}
	credits.HandleFunc("/balance", s.getBalance).Methods(http.MethodGet)
	credits.HandleFunc("/transactions", s.listTransactions).Methods(http.MethodGet)
	credits.HandleFunc("/usage/tools", s.usageByTool).Methods(http.MethodGet)
	credits.HandleFunc("/usage/periods", s.usageByPeriod).Methods(http.MethodGet)
	credits.HandleFunc("/audit", s.audit).Methods(http.MethodGet)

	if cfg.ServiceAuth == nil || !cfg.ServiceAuth.Enabled() {
		s.logger.Warn("No service tokens configured, internal API disabled")
		return
	}

	internal := s.router.PathPrefix("/internal/v1").Subrouter()
	internal.Use(cfg.ServiceAuth.Handler, httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(maxInternalBody))

	mutations := internal.PathPrefix("/organizations/{" + middleware.OrgIDVar + "}/credits").Subrouter()
	mutations.Use(middleware.OrganizationContext, httputil.TimeoutMiddleware(cfg.RequestTimeout))
	if limit != nil {
		mutations.Use(limit)
	}
	mutations.HandleFunc("/usage", s.recordUsage).Methods(http.MethodPost)
	mutations.HandleFunc("/refunds", s.recordRefund).Methods(http.MethodPost)

	if cfg.Notifications != nil {
		webhooks.NewHandlers(cfg.Notifications).RegisterRoutes(internal)
	}
}

// contextLogger makes the server's logger, tagged with the request's trace
// ids, available to handlers through observability.FromContext
func (s *Server) contextLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := observability.LoggerWithTraceContext(r.Context(), s.logger)
		next.ServeHTTP(w, r.WithContext(observability.WithLogger(r.Context(), logger)))
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the route table, mainly for tests
func (s *Server) Router() *mux.Router {
	return s.router
}
