package webhooks

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields with defaults
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry reports whether a delivery that failed with err after
// attempts tries gets another one. Cancellation is final.
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay is initialDelay * multiplier^(attempts-1), capped at MaxDelay
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// RetryWorker re-attempts deliveries whose backoff has elapsed
type RetryWorker struct {
	manager       *Manager
	deliveryStore *DeliveryLogStore
	retryPolicy   *RetryPolicy
	stopCh        chan struct{}
	stopOnce      sync.Once
	ticker        *time.Ticker
	mu            sync.Mutex
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(manager *Manager, deliveryStore *DeliveryLogStore, retryPolicy *RetryPolicy) *RetryWorker {
	return &RetryWorker{
		manager:       manager,
		deliveryStore: deliveryStore,
		retryPolicy:   retryPolicy,
		stopCh:        make(chan struct{}),
	}
}

// Start scans for due retries every checkInterval
func (w *RetryWorker) Start(ctx context.Context, checkInterval time.Duration) {
	w.mu.Lock()
	w.ticker = time.NewTicker(checkInterval)
	ticker := w.ticker
	w.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.manager.logger.WithField("panic", r).Error("Notification retry worker panicked")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.processRetries(ctx)
			}
		}
	}()
}

// Stop stops the retry worker. It is safe to call more than once.
func (w *RetryWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		if w.ticker != nil {
			w.ticker.Stop()
		}
		w.mu.Unlock()
		close(w.stopCh)
	})
}

// processRetries re-attempts every due delivery
func (w *RetryWorker) processRetries(ctx context.Context) {
	now := w.manager.now()
	for _, id := range w.deliveryStore.GetPendingRetries(now) {
		log, ok := w.deliveryStore.Get(id)
		if !ok {
			continue
		}

		endpoint, ok := w.manager.endpoints[log.EndpointID]
		if !ok {
			completed := now.UTC()
			w.deliveryStore.Update(id, func(d *DeliveryLog) {
				d.Status = DeliveryStatusFailed
				d.ErrorMessage = "endpoint no longer configured"
				d.NextRetryAt = nil
				d.CompletedAt = &completed
			})
			continue
		}

		if ctx.Err() != nil {
			return
		}
		w.manager.attempt(ctx, endpoint, id)
	}
}
