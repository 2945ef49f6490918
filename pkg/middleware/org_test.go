package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/creditd/pkg/observability"
)

func TestOrganizationContext(t *testing.T) {
	router := mux.NewRouter()
	router.Use(OrganizationContext)

	var seen string
	handler := func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetOrganizationID(r.Context())
	}
	router.HandleFunc("/v1/organizations/{orgID}/credits/balance", handler)
	router.HandleFunc("/webhooks/stripe", handler)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantOrg    string
	}{
		{"valid org", "/v1/organizations/org_123/credits/balance", http.StatusOK, "org_123"},
		{"org with separators", "/v1/organizations/acme.io:eu-1/credits/balance", http.StatusOK, "acme.io:eu-1"},
		{"leading symbol", "/v1/organizations/-org/credits/balance", http.StatusBadRequest, ""},
		{"too long", "/v1/organizations/" + strings.Repeat("a", 129) + "/credits/balance", http.StatusBadRequest, ""},
		{"no org route", "/webhooks/stripe", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest("GET", tt.path, nil))

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if seen != tt.wantOrg {
				t.Errorf("organization = %q, want %q", seen, tt.wantOrg)
			}
		})
	}
}
