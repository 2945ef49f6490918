package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON encodes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteDetailedError writes an error response with per-field details
func WriteDetailedError(w http.ResponseWriter, status int, err error, details map[string]string) {
	_ = WriteJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Details: details,
	})
}

// WriteInternalError writes a 500. The cause is not exposed to the client;
// callers log it.
func WriteInternalError(w http.ResponseWriter, _ error) {
	writeErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

// WriteCreated writes a 201 with a JSON body.
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a 200 with a JSON body.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a 204.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusUnauthorized, message)
}

func WriteNotFoundError(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusNotFound, message)
}

// WriteConflict is used for requests that contradict ledger state, such as
// refunding more than was used.
func WriteConflict(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusConflict, message)
}

func WriteTooManyRequests(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusTooManyRequests, message)
}
