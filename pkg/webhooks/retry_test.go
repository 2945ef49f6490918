package webhooks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{})
	if p.config != DefaultRetryConfig() {
		t.Errorf("expected defaults, got %+v", p.config)
	}

	custom := RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 3}
	if got := NewRetryPolicy(custom).config; got != custom {
		t.Errorf("expected custom config kept, got %+v", got)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3})
	failure := errors.New("boom")

	tests := []struct {
		name     string
		attempts int
		err      error
		want     bool
	}{
		{"no error", 1, nil, false},
		{"first failure", 1, failure, true},
		{"below max", 2, failure, true},
		{"at max", 3, failure, false},
		{"cancelled", 1, fmt.Errorf("send: %w", context.Canceled), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.attempts, tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%d, %v) = %v, want %v", tt.attempts, tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.NextRetryDelay(tt.attempts); got != tt.want {
			t.Errorf("NextRetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryWorker_StartStop(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestRetryWorker_StopWithoutStart(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Stop()
}

func TestRetryWorker_UnknownEndpointFails(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	due := time.Now().Add(-time.Second)
	m.deliveryStore.Add(&DeliveryLog{
		ID:          "orphan",
		EndpointID:  "removed",
		Status:      DeliveryStatusRetrying,
		NextRetryAt: &due,
		CreatedAt:   due,
	})

	m.retryWorker.processRetries(context.Background())

	got, _ := m.deliveryStore.Get("orphan")
	if got.Status != DeliveryStatusFailed || got.CompletedAt == nil {
		t.Errorf("expected orphaned delivery to fail, got %+v", got)
	}
}

func TestRetryWorker_TickerProcessesRetries(t *testing.T) {
	rec := &recorder{}
	server := newServer(t, rec)

	m, err := NewManager(Config{Endpoints: ParseEndpoints([]string{server.URL}), RetryInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	due := time.Now().Add(-time.Second)
	m.deliveryStore.Add(&DeliveryLog{
		ID:          "queued",
		EndpointID:  "endpoint-1",
		URL:         server.URL,
		Status:      DeliveryStatusRetrying,
		NextRetryAt: &due,
		CreatedAt:   due,
		payload:     []byte(`{}`),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	waitForStatus(t, m, DeliveryStatusSuccess, 1)
	if rec.count() != 1 {
		t.Errorf("expected 1 request, got %d", rec.count())
	}
}
