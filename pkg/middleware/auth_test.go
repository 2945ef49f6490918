package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/platinummonkey/creditd/pkg/contextkeys"
)

func TestServiceTokenAuth_Handler(t *testing.T) {
	auth := NewServiceTokenAuth(
		ServiceToken{Caller: "job-pipeline", Token: "current-token"},
		ServiceToken{Caller: "job-pipeline-old", Token: "previous-token"},
		ServiceToken{Caller: "ignored", Token: ""},
	)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCaller string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic current-token", http.StatusUnauthorized, ""},
		{"empty token", "Bearer ", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer nope", http.StatusUnauthorized, ""},
		{"current token", "Bearer current-token", http.StatusOK, "job-pipeline"},
		{"rotated token", "Bearer previous-token", http.StatusOK, "job-pipeline-old"},
		{"lowercase scheme", "bearer current-token", http.StatusOK, "job-pipeline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var caller string
			handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				caller = contextkeys.GetCaller(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("POST", "/internal/v1/organizations/org-1/credits/usage", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if caller != tt.wantCaller {
				t.Errorf("caller = %q, want %q", caller, tt.wantCaller)
			}
		})
	}
}

func TestServiceTokenAuth_Enabled(t *testing.T) {
	if NewServiceTokenAuth().Enabled() {
		t.Error("expected auth without tokens to be disabled")
	}
	if NewServiceTokenAuth(ServiceToken{Token: ""}).Enabled() {
		t.Error("expected empty tokens to be ignored")
	}
	if !NewServiceTokenAuth(ServiceToken{Token: "t"}).Enabled() {
		t.Error("expected auth with a token to be enabled")
	}
}

func TestServiceTokenAuth_DefaultCaller(t *testing.T) {
	auth := NewServiceTokenAuth(ServiceToken{Token: "t"})
	caller, ok := auth.authenticate("t")
	if !ok || caller != "service" {
		t.Errorf("authenticate = %q, %v; want service, true", caller, ok)
	}
}
