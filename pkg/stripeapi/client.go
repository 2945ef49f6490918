package stripeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/creditd/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/creditd/pkg/stripeapi")

// ErrNotConfigured is returned when the client has no API key
var ErrNotConfigured = errors.New("stripe API key not configured")

// Config configures a Client
type Config struct {
	APIKey  string
	Timeout time.Duration
	// BaseURL overrides the API endpoint (stripe-mock, tests)
	BaseURL string
	Logger  *observability.Logger
}

// Client calls the Stripe API with its own key and backend. It never touches
// the package-level stripe.Key, so several clients can coexist.
type Client struct {
	backend stripe.Backend
	key     string
}

// NewClient builds a Client. Network retries are disabled; callers decide
// whether to retry.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.Logger != nil {
		backendCfg.LeveledLogger = cfg.Logger
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	return NewClientWithBackend(cfg.APIKey, stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg))
}

// NewClientWithBackend builds a Client on an existing backend
func NewClientWithBackend(key string, backend stripe.Backend) *Client {
	return &Client{backend: backend, key: key}
}

type subscriptionResponse struct {
	stripe.APIResource
	Subscription
}

type lineItemsResponse struct {
	stripe.APIResource
	Data []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"data"`
}

type usageRecordResponse struct {
	stripe.APIResource
	UsageRecord
}

// usageRecordParams is the form body of a usage record request
type usageRecordParams struct {
	stripe.Params `form:"*"`
	Action        *string `form:"action"`
	Quantity      *int64  `form:"quantity"`
	Timestamp     *int64  `form:"timestamp"`
}

// GetSubscription retrieves a live subscription
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if c.key == "" {
		return nil, ErrNotConfigured
	}
	ctx, span := tracer.Start(ctx, "Stripe.GetSubscription",
		trace.WithAttributes(attribute.String("stripe.subscription_id", subscriptionID)))
	defer span.End()

	var resp subscriptionResponse
	path := stripe.FormatURLPath("/v1/subscriptions/%s", subscriptionID)
	if err := c.backend.Call(http.MethodGet, path, c.key, &stripe.Params{Context: ctx}, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieve subscription failed")
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
	}
	return &resp.Subscription, nil
}

// CheckoutPriceIDs lists the prices purchased in a checkout session
func (c *Client) CheckoutPriceIDs(ctx context.Context, sessionID string) ([]string, error) {
	if c.key == "" {
		return nil, ErrNotConfigured
	}
	ctx, span := tracer.Start(ctx, "Stripe.ListCheckoutLineItems",
		trace.WithAttributes(attribute.String("stripe.checkout_session_id", sessionID)))
	defer span.End()

	var resp lineItemsResponse
	path := stripe.FormatURLPath("/v1/checkout/sessions/%s/line_items", sessionID)
	if err := c.backend.Call(http.MethodGet, path, c.key, &stripe.Params{Context: ctx}, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list line items failed")
		return nil, fmt.Errorf("failed to list line items of %s: %w", sessionID, err)
	}

	prices := make([]string, 0, len(resp.Data))
	for _, item := range resp.Data {
		if item.Price.ID != "" {
			prices = append(prices, item.Price.ID)
		}
	}
	return prices, nil
}

// CreateUsageRecord reports metered usage for a subscription item
func (c *Client) CreateUsageRecord(ctx context.Context, p UsageRecordParams) (*UsageRecord, error) {
	if c.key == "" {
		return nil, ErrNotConfigured
	}
	if p.Action == "" {
		p.Action = UsageActionSet
	}
	ctx, span := tracer.Start(ctx, "Stripe.CreateUsageRecord",
		trace.WithAttributes(
			attribute.String("stripe.subscription_item", p.SubscriptionItemID),
			attribute.Int64("usage.quantity", p.Quantity),
			attribute.String("usage.action", string(p.Action)),
		))
	defer span.End()

	params := &usageRecordParams{
		Params:    stripe.Params{Context: ctx},
		Action:    stripe.String(string(p.Action)),
		Quantity:  stripe.Int64(p.Quantity),
		Timestamp: stripe.Int64(p.Timestamp.Unix()),
	}
	if p.Action == UsageActionSet {
		// identical set reports are interchangeable, so they may share a key
		params.IdempotencyKey = stripe.String(fmt.Sprintf("usage:%s:%d:%d", p.SubscriptionItemID, p.Timestamp.Unix(), p.Quantity))
	}

	var resp usageRecordResponse
	path := stripe.FormatURLPath("/v1/subscription_items/%s/usage_records", p.SubscriptionItemID)
	if err := c.backend.Call(http.MethodPost, path, c.key, params, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create usage record failed")
		return nil, fmt.Errorf("failed to create usage record: %w", err)
	}
	return &resp.UsageRecord, nil
}
