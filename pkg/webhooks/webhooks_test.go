package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/creditd/pkg/async"
	"github.com/platinummonkey/creditd/pkg/billing"
)

type recorder struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	failures int32
}

func (rec *recorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if atomic.AddInt32(&rec.failures, -1) >= 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, body)
		rec.headers = append(rec.headers, r.Header.Clone())
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.bodies)
}

func waitForStatus(t *testing.T, m *Manager, status DeliveryStatus, n int) []DeliveryLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs := m.Deliveries(DeliveryFilter{Status: status})
		if len(logs) >= n {
			return logs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s deliveries, have %+v", n, status, m.Deliveries(DeliveryFilter{}))
	return nil
}

func testNotification() billing.Notification {
	return billing.Notification{
		Type:           billing.NotifyPlanUpgraded,
		OrganizationID: "org-1",
		SubscriptionID: "sub_1",
		PlanID:         "pro",
		PreviousPlanID: "starter",
		Credits:        4000,
		EventID:        "evt_1",
		OccurredAt:     time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

func TestManager_NotifyDeliversSignedPayload(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	m, err := NewManager(Config{
		Endpoints: ParseEndpoints([]string{server.URL}),
		Secret:    "whsec_test",
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	logs := waitForStatus(t, m, DeliveryStatusSuccess, 1)

	if logs[0].Attempts != 1 || logs[0].StatusCode != http.StatusNoContent {
		t.Errorf("unexpected delivery log: %+v", logs[0])
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 request, got %d", rec.count())
	}

	body, header := rec.bodies[0], rec.headers[0]
	if !VerifySignature(body, header.Get(SignatureHeader), "whsec_test") {
		t.Errorf("signature %q does not verify", header.Get(SignatureHeader))
	}
	if header.Get(EventHeader) != "plan.upgraded" {
		t.Errorf("expected event header plan.upgraded, got %q", header.Get(EventHeader))
	}
	if header.Get(EventIDHeader) != "evt_1" {
		t.Errorf("expected event id header evt_1, got %q", header.Get(EventIDHeader))
	}
	if header.Get(DeliveryHeader) != logs[0].ID {
		t.Errorf("expected delivery header %q, got %q", logs[0].ID, header.Get(DeliveryHeader))
	}

	var got billing.Notification
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.OrganizationID != "org-1" || got.Credits != 4000 || got.PreviousPlanID != "starter" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if _, ok := logs[0].RequestHeaders[SignatureHeader]; ok {
		t.Error("signature should not be recorded in the delivery log")
	}
}

func TestManager_NotifyFiltersByEventType(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	m, err := NewManager(Config{Endpoints: []Endpoint{
		{ID: "upgrades", URL: server.URL, Events: []billing.NotificationType{billing.NotifyPlanUpgraded}},
		{ID: "all", URL: server.URL},
	}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	n := testNotification()
	n.Type = billing.NotifyCreditsPurchased
	if err := m.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	logs := waitForStatus(t, m, DeliveryStatusSuccess, 1)

	if len(logs) != 1 || logs[0].EndpointID != "all" {
		t.Errorf("expected a single delivery to the catch-all endpoint, got %+v", logs)
	}
	if got := m.Deliveries(DeliveryFilter{EndpointID: "upgrades"}); len(got) != 0 {
		t.Errorf("expected no deliveries to the upgrades endpoint, got %d", len(got))
	}
}

func TestManager_RetriesWithBackoff(t *testing.T) {
	rec := &recorder{failures: 1}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	m, err := NewManager(Config{
		Endpoints: ParseEndpoints([]string{server.URL}),
		Retry:     RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	retrying := waitForStatus(t, m, DeliveryStatusRetrying, 1)
	if retrying[0].StatusCode != http.StatusServiceUnavailable || retrying[0].NextRetryAt == nil {
		t.Errorf("unexpected retrying log: %+v", retrying[0])
	}
	if retrying[0].ResponseBody == "" {
		t.Error("expected the response body to be recorded")
	}

	time.Sleep(10 * time.Millisecond)
	m.retryWorker.processRetries(context.Background())

	done := m.Deliveries(DeliveryFilter{Status: DeliveryStatusSuccess})
	if len(done) != 1 || done[0].Attempts != 2 {
		t.Fatalf("expected success on the second attempt, got %+v", m.Deliveries(DeliveryFilter{}))
	}
	if done[0].ID != retrying[0].ID {
		t.Error("retry should reuse the delivery id")
	}
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	rec := &recorder{failures: 100}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	m, err := NewManager(Config{
		Endpoints: ParseEndpoints([]string{server.URL}),
		Retry:     RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitForStatus(t, m, DeliveryStatusRetrying, 1)
	time.Sleep(10 * time.Millisecond)
	m.retryWorker.processRetries(context.Background())

	failed := m.Deliveries(DeliveryFilter{Status: DeliveryStatusFailed})
	if len(failed) != 1 {
		t.Fatalf("expected a failed delivery, got %+v", m.Deliveries(DeliveryFilter{}))
	}
	if failed[0].Attempts != 2 || failed[0].CompletedAt == nil || failed[0].NextRetryAt != nil {
		t.Errorf("unexpected failed log: %+v", failed[0])
	}
}

func TestManager_ClosedPoolDefersToRetryWorker(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	pool := async.NewWorkerPool(context.Background(), async.PoolConfig{Name: "notify", Workers: 1})
	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	m, err := NewManager(Config{Endpoints: ParseEndpoints([]string{server.URL}), Pool: pool})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	logs := m.Deliveries(DeliveryFilter{Status: DeliveryStatusRetrying})
	if len(logs) != 1 || logs[0].Attempts != 0 {
		t.Fatalf("expected an unattempted retrying delivery, got %+v", m.Deliveries(DeliveryFilter{}))
	}

	m.retryWorker.processRetries(context.Background())
	if rec.count() != 1 {
		t.Errorf("expected the retry worker to deliver, got %d requests", rec.count())
	}
}

func TestManager_NoEndpoints(t *testing.T) {
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Notify(context.Background(), testNotification()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if len(m.Deliveries(DeliveryFilter{})) != 0 {
		t.Error("expected no deliveries")
	}
}

func TestNewManager_Validation(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []Endpoint
	}{
		{"missing url", []Endpoint{{ID: "a"}}},
		{"duplicate id", []Endpoint{{ID: "a", URL: "http://a"}, {ID: "a", URL: "http://b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(Config{Endpoints: tt.endpoints}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseEndpoints(t *testing.T) {
	endpoints := ParseEndpoints([]string{" https://a.example/hook ", "", "https://b.example/hook"})
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(endpoints))
	}
	if endpoints[0].ID != "endpoint-1" || endpoints[0].URL != "https://a.example/hook" {
		t.Errorf("unexpected first endpoint: %+v", endpoints[0])
	}
	if endpoints[1].ID != "endpoint-2" {
		t.Errorf("unexpected second endpoint: %+v", endpoints[1])
	}
}

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"plan.upgraded"}`)
	sig := Sign(payload, "secret")

	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Errorf("unexpected signature format %q", sig)
	}
	if !VerifySignature(payload, sig, "secret") {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, sig, "other") {
		t.Error("expected signature with wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), sig, "secret") {
		t.Error("expected signature over different payload to fail")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if rl.Allow("a") {
		t.Error("expected third request to be limited")
	}
	if !rl.Allow("b") {
		t.Error("limits should be per endpoint")
	}
}
