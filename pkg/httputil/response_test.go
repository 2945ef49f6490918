package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rr, http.StatusAccepted, map[string]int64{"balance": 42}))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"balance":42}`, rr.Body.String())
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantError  string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad") }, http.StatusBadRequest, "bad"},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "no token") }, http.StatusUnauthorized, "no token"},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "balance not found") }, http.StatusNotFound, "balance not found"},
		{"conflict", func(w http.ResponseWriter) { WriteConflict(w, "refund exceeds usage") }, http.StatusConflict, "refund exceeds usage"},
		{"too many", func(w http.ResponseWriter) { WriteTooManyRequests(w, "slow down") }, http.StatusTooManyRequests, "slow down"},
		{"internal hides cause", func(w http.ResponseWriter) { WriteInternalError(w, errors.New("pq: connection refused")) }, http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.write(rr)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rr).Error)
		})
	}
}

func TestWriteDetailedError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteDetailedError(rr, http.StatusBadRequest, errors.New("validation failed"), map[string]string{"amount": "is required"})

	resp := decodeError(t, rr)
	assert.Equal(t, "validation failed", resp.Error)
	assert.Equal(t, "is required", resp.Details["amount"])
}

func TestSuccessWriters(t *testing.T) {
	rr := httptest.NewRecorder()
	require.NoError(t, WriteCreated(rr, map[string]string{"id": "txn-1"}))
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	require.NoError(t, WriteSuccess(rr, map[string]string{"id": "txn-1"}))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	WriteNoContent(rr)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
}
