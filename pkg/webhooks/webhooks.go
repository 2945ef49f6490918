package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/creditd/pkg/async"
	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/observability"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the request body
	SignatureHeader = "X-Creditd-Signature"
	// EventHeader carries the notification type
	EventHeader = "X-Creditd-Event"
	// EventIDHeader carries the originating Stripe event id
	EventIDHeader = "X-Creditd-Event-ID"
	// DeliveryHeader carries the delivery id, stable across retries
	DeliveryHeader = "X-Creditd-Delivery"

	maxResponseBody = 1024
)

// ErrRateLimited is returned when an endpoint exceeded its delivery rate
var ErrRateLimited = errors.New("endpoint rate limit exceeded")

// Endpoint is a notification receiver. An empty Events list subscribes to every type.
type Endpoint struct {
	ID     string                     `json:"id"`
	URL    string                     `json:"url"`
	Events []billing.NotificationType `json:"events,omitempty"`
}

func (e Endpoint) wants(t billing.NotificationType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// ParseEndpoints builds endpoints from a list of URLs, subscribed to every type
func ParseEndpoints(urls []string) []Endpoint {
	var endpoints []Endpoint
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		endpoints = append(endpoints, Endpoint{
			ID:  fmt.Sprintf("endpoint-%d", len(endpoints)+1),
			URL: u,
		})
	}
	return endpoints
}

// Config configures a Manager
type Config struct {
	Endpoints []Endpoint
	// Secret signs every request body. Unsigned when empty.
	Secret string
	Retry  RetryConfig
	// RetryInterval is how often the retry worker scans for due deliveries
	RetryInterval time.Duration
	// Timeout bounds a single HTTP attempt
	Timeout time.Duration
	MaxLogs int
	// RateLimit is the number of deliveries per minute per endpoint
	RateLimit int
	// Pool runs first attempts. A goroutine per delivery is used when nil.
	Pool       *async.WorkerPool
	HTTPClient *http.Client
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// Manager delivers billing notifications to the configured endpoints. It
// implements billing.Notifier; delivery happens off the caller's goroutine
// and failures are retried with exponential backoff.
type Manager struct {
	endpoints     map[string]Endpoint
	order         []string
	secret        string
	client        *http.Client
	pool          *async.WorkerPool
	deliveryStore *DeliveryLogStore
	retryPolicy   *RetryPolicy
	retryWorker   *RetryWorker
	retryInterval time.Duration
	timeout       time.Duration
	rateLimiter   *RateLimiter
	logger        *observability.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

var _ billing.Notifier = (*Manager)(nil)

// NewManager creates a notification manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	m := &Manager{
		endpoints:     make(map[string]Endpoint, len(cfg.Endpoints)),
		secret:        cfg.Secret,
		client:        client,
		pool:          cfg.Pool,
		deliveryStore: NewDeliveryLogStore(cfg.MaxLogs),
		retryPolicy:   NewRetryPolicy(cfg.Retry),
		retryInterval: cfg.RetryInterval,
		timeout:       cfg.Timeout,
		rateLimiter:   NewRateLimiter(cfg.RateLimit, time.Minute),
		logger:        cfg.Logger.WithField("component", "notifications"),
		metrics:       cfg.Metrics,
		now:           time.Now,
	}
	for _, e := range cfg.Endpoints {
		if e.URL == "" {
			return nil, fmt.Errorf("endpoint URL is required")
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, dup := m.endpoints[e.ID]; dup {
			return nil, fmt.Errorf("duplicate endpoint id %q", e.ID)
		}
		m.endpoints[e.ID] = e
		m.order = append(m.order, e.ID)
	}
	m.retryWorker = NewRetryWorker(m, m.deliveryStore, m.retryPolicy)
	return m, nil
}

// Start runs the retry worker until ctx is cancelled or Stop is called
func (m *Manager) Start(ctx context.Context) {
	m.retryWorker.Start(ctx, m.retryInterval)
}

// Stop stops the retry worker
func (m *Manager) Stop() {
	m.retryWorker.Stop()
}

// Endpoints returns the configured endpoints in configuration order
func (m *Manager) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.endpoints[id])
	}
	return out
}

// Deliveries returns delivery logs matching the filter, newest first
func (m *Manager) Deliveries(filter DeliveryFilter) []DeliveryLog {
	return m.deliveryStore.List(filter)
}

// Stats returns delivery statistics for one endpoint
func (m *Manager) Stats(endpointID string) DeliveryStats {
	return m.deliveryStore.GetStats(endpointID)
}

// Notify queues n for every subscribed endpoint. It returns once the
// deliveries are recorded; the HTTP attempts happen asynchronously.
func (m *Manager) Notify(ctx context.Context, n billing.Notification) error {
	if len(m.order) == 0 {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	for _, id := range m.order {
		endpoint := m.endpoints[id]
		if !endpoint.wants(n.Type) {
			continue
		}

		log := &DeliveryLog{
			ID:         uuid.NewString(),
			EndpointID: endpoint.ID,
			EventID:    n.EventID,
			Type:       n.Type,
			URL:        endpoint.URL,
			Status:     DeliveryStatusPending,
			CreatedAt:  m.now().UTC(),
			payload:    payload,
		}
		m.deliveryStore.Add(log)
		m.dispatch(ctx, endpoint, log.ID)
	}
	return nil
}

// dispatch hands the first attempt to the pool. A full queue leaves the
// delivery for the retry worker.
func (m *Manager) dispatch(ctx context.Context, endpoint Endpoint, deliveryID string) {
	task := func(taskCtx context.Context) error {
		m.attempt(taskCtx, endpoint, deliveryID)
		return nil
	}

	if m.pool == nil {
		async.SafeGo(async.Detach(ctx), m.logger, m.timeout+time.Second, "notification-delivery", task)
		return
	}
	if err := m.pool.TrySubmit(task); err != nil {
		m.logger.WithError(err).WithField("delivery_id", deliveryID).Warn("Notification queue unavailable, deferring to retry worker")
		next := m.now()
		m.deliveryStore.Update(deliveryID, func(d *DeliveryLog) {
			d.Status = DeliveryStatusRetrying
			d.NextRetryAt = &next
			d.ErrorMessage = err.Error()
		})
	}
}

// attempt performs one HTTP delivery and records its outcome
func (m *Manager) attempt(ctx context.Context, endpoint Endpoint, deliveryID string) {
	log, ok := m.deliveryStore.Get(deliveryID)
	if !ok {
		return
	}

	start := m.now()
	statusCode, body, headers, err := m.send(ctx, endpoint, log)
	duration := m.now().Sub(start)

	var final bool
	m.deliveryStore.Update(deliveryID, func(d *DeliveryLog) {
		d.Attempts++
		d.Duration = duration
		d.StatusCode = statusCode
		d.ResponseBody = body
		d.RequestHeaders = headers

		now := m.now().UTC()
		switch {
		case err == nil:
			d.Status = DeliveryStatusSuccess
			d.ErrorMessage = ""
			d.NextRetryAt = nil
			d.CompletedAt = &now
			final = true
		case m.retryPolicy.ShouldRetry(d.Attempts, err):
			next := now.Add(m.retryPolicy.NextRetryDelay(d.Attempts))
			d.Status = DeliveryStatusRetrying
			d.ErrorMessage = err.Error()
			d.NextRetryAt = &next
		default:
			d.Status = DeliveryStatusFailed
			d.ErrorMessage = fmt.Sprintf("max retries exceeded: %v", err)
			d.NextRetryAt = nil
			d.CompletedAt = &now
			final = true
		}
	})

	fields := map[string]interface{}{
		"delivery_id":  deliveryID,
		"endpoint_id":  endpoint.ID,
		"notification": log.Type,
		"event_id":     log.EventID,
		"attempt":      log.Attempts + 1,
	}
	if err != nil {
		m.logger.WithError(err).WithFields(fields).Warn("Notification delivery failed")
	} else {
		m.logger.WithFields(fields).Debug("Notification delivered")
	}
	if final {
		m.metrics.ObserveNotification(string(log.Type), err == nil)
	}
}

func (m *Manager) send(ctx context.Context, endpoint Endpoint, log DeliveryLog) (int, string, map[string]string, error) {
	if !m.rateLimiter.Allow(endpoint.ID) {
		return 0, "", nil, fmt.Errorf("%w: %s", ErrRateLimited, endpoint.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(log.payload))
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "creditd-notifier/1.0")
	req.Header.Set(EventHeader, string(log.Type))
	req.Header.Set(EventIDHeader, log.EventID)
	req.Header.Set(DeliveryHeader, log.ID)
	if m.secret != "" {
		req.Header.Set(SignatureHeader, Sign(log.payload, m.secret))
	}

	headers := make(map[string]string, len(req.Header))
	for key, values := range req.Header {
		if len(values) > 0 && key != SignatureHeader {
			headers[key] = values[0]
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", headers, fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(body), headers, fmt.Errorf("endpoint returned non-2xx status: %d", resp.StatusCode)
	}
	return resp.StatusCode, string(body), headers, nil
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// Receivers use it to authenticate deliveries.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
