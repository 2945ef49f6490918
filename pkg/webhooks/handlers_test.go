package webhooks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func newServer(t *testing.T, rec *recorder) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(rec.handler(t))
	t.Cleanup(server.Close)
	return server
}

func newHandlerRouter(t *testing.T) (*mux.Router, *Manager) {
	t.Helper()
	m, err := NewManager(Config{Endpoints: []Endpoint{{ID: "e1", URL: "http://receiver.invalid"}}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.deliveryStore.Add(newLog("d1", "e1", DeliveryStatusSuccess, 0))
	m.deliveryStore.Add(newLog("d2", "e1", DeliveryStatusFailed, 0))

	router := mux.NewRouter()
	NewHandlers(m).RegisterRoutes(router)
	return router, m
}

func TestHandlers_ListDeliveries(t *testing.T) {
	router, _ := newHandlerRouter(t)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{"all", "", http.StatusOK, 2},
		{"by status", "?status=failed", http.StatusOK, 1},
		{"by event", "?event_id=evt_d1", http.StatusOK, 1},
		{"limit", "?limit=1", http.StatusOK, 1},
		{"bad limit", "?limit=0", http.StatusBadRequest, 0},
		{"non numeric limit", "?limit=abc", http.StatusBadRequest, 0},
		{"unknown status", "?status=lost", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/notifications/deliveries"+tt.query, nil)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body struct {
				Deliveries []DeliveryLog `json:"deliveries"`
				Count      int           `json:"count"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Count != tt.wantCount || len(body.Deliveries) != tt.wantCount {
				t.Errorf("expected %d deliveries, got %d", tt.wantCount, body.Count)
			}
		})
	}
}

func TestHandlers_ListEndpoints(t *testing.T) {
	router, _ := newHandlerRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/notifications/endpoints", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Endpoints []endpointStatus `json:"endpoints"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Endpoints) != 1 || body.Endpoints[0].ID != "e1" {
		t.Fatalf("unexpected endpoints: %+v", body.Endpoints)
	}
	if body.Endpoints[0].Stats.Total != 2 || body.Endpoints[0].Stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", body.Endpoints[0].Stats)
	}
}
