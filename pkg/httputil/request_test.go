package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type usageBody struct {
	Amount   int64  `json:"amount" validate:"gt=0"`
	ToolSlug string `json:"tool_slug" validate:"required"`
	JobID    string `json:"job_id" validate:"required,max=8"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{"valid JSON", `{"amount": 5, "tool_slug": "ocr", "job_id": "j1"}`, false},
		{"invalid JSON", `{invalid}`, true},
		{"unknown field", `{"amount": 5, "extra": true}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest usageBody

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, int64(5), dest.Amount)
			}
		})
	}
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantOK      bool
		wantDetails map[string]string
	}{
		{
			name:   "valid",
			body:   `{"amount": 5, "tool_slug": "ocr", "job_id": "j1"}`,
			wantOK: true,
		},
		{
			name:   "invalid fields",
			body:   `{"amount": 0, "job_id": "way-too-long"}`,
			wantOK: false,
			wantDetails: map[string]string{
				"amount":    "must be greater than 0",
				"tool_slug": "is required",
				"job_id":    "must be at most 8",
			},
		},
		{
			name:   "malformed",
			body:   `[`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			var dest usageBody

			ok := DecodeAndValidate(rr, req, &dest)

			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				return
			}
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			if tt.wantDetails != nil {
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
				assert.Equal(t, "validation failed", resp.Error)
				assert.Equal(t, tt.wantDetails, resp.Details)
			}
		})
	}
}

func TestParsePathStringOrError(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/organizations/org-1", nil)
	req = mux.SetURLVars(req, map[string]string{"orgID": "org-1"})
	rr := httptest.NewRecorder()

	val, ok := ParsePathStringOrError(rr, req, "orgID")
	assert.True(t, ok)
	assert.Equal(t, "org-1", val)

	rr = httptest.NewRecorder()
	_, ok = ParsePathStringOrError(rr, httptest.NewRequest("GET", "/", nil), "orgID")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestParseQueryInt(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		want        int
		expectError bool
	}{
		{"default", "", 20, false},
		{"value", "?page_size=50", 50, false},
		{"invalid", "?page_size=abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test"+tt.query, nil)
			got, err := ParseQueryInt(req, "page_size", 20)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?granularity=week", nil)
	assert.Equal(t, "week", ParseQueryString(req, "granularity", "day"))
	assert.Equal(t, "day", ParseQueryString(req, "missing", "day"))
}

func TestParseQueryTime(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		want        time.Time
		expectError bool
	}{
		{"missing", "", time.Time{}, false},
		{"date", "?from=2024-02-01", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), false},
		{"rfc3339 offset", "?from=2024-02-01T10:00:00%2B02:00", time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC), false},
		{"invalid", "?from=yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test"+tt.query, nil)
			got, err := ParseQueryTime(req, "from")
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestParseQueryList(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?type=USAGE,REFUND&type=GRANT&type=", nil)
	assert.Equal(t, []string{"USAGE", "REFUND", "GRANT"}, ParseQueryList(req, "type"))
	assert.Nil(t, ParseQueryList(req, "missing"))
}
