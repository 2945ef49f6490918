package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/observability"
)

// maxWebhookBody caps the size of a provider event payload
const maxWebhookBody = 1 << 20

// StripeSignatureHeader carries the provider's payload signature
const StripeSignatureHeader = "Stripe-Signature"

// StripeWebhookHandler verifies, decodes and dispatches provider events
type StripeWebhookHandler struct {
	secret  string
	events  EventHandler
	dedupe  *EventDedupe
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStripeWebhookHandler creates the handler. A nil dedupe gets an
// in-process one with default sizing.
func NewStripeWebhookHandler(secret string, events EventHandler, dedupe *EventDedupe, logger *observability.Logger, metrics *observability.Metrics) *StripeWebhookHandler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if dedupe == nil {
		dedupe = NewEventDedupe(0, 0, nil, logger)
	}
	return &StripeWebhookHandler{
		secret:  secret,
		events:  events,
		dedupe:  dedupe,
		logger:  logger,
		metrics: metrics,
	}
}

// ServeHTTP handles POST /webhooks/stripe
func (h *StripeWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := "invalid_payload"
	defer func() {
		h.metrics.ObserveStripeEvent(eventType, status, time.Since(start))
	}()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	evt, err := webhook.ConstructEventWithOptions(payload, r.Header.Get(StripeSignatureHeader), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		status = "invalid_signature"
		h.logger.WithError(err).Warn("Rejected provider event with invalid signature")
		httputil.WriteBadRequest(w, "invalid signature")
		return
	}
	eventType = string(evt.Type)
	logger := observability.FromContext(r.Context()).WithFields(map[string]interface{}{
		"event_id":   evt.ID,
		"event_type": eventType,
	})

	ev, err := billing.DecodeEvent(evt)
	switch {
	case errors.Is(err, billing.ErrUnhandledEvent):
		status = "ignored"
		logger.Debug("Ignoring unhandled provider event")
		_ = httputil.WriteSuccess(w, map[string]bool{"received": true})
		return
	case err != nil:
		logger.WithError(err).Warn("Malformed provider event")
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if h.dedupe.Seen(r.Context(), evt.ID) {
		status = "duplicate"
		logger.Debug("Skipping already processed provider event")
		httputil.WriteNoContent(w)
		return
	}

	if err := h.events.Handle(r.Context(), ev); err != nil {
		if errors.Is(err, billing.ErrMissingMetadata) {
			status = "missing_metadata"
		} else {
			status = "failed"
		}
		logger.WithError(err).Error("Failed to process provider event")
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	h.dedupe.MarkProcessed(r.Context(), evt.ID)
	status = "processed"
	logger.Info("Processed provider event")
	httputil.WriteNoContent(w)
}
