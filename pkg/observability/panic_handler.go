package observability

import (
	"fmt"
	"net/http"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with its stack.
// It must be deferred directly:
//
//	defer observability.RecoverPanic(logger, "overage worker")
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoveryMiddleware turns handler panics into 500 responses
func RecoveryMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logPanic(logger.WithField("request_id", GetRequestID(r.Context())), r.Method+" "+r.URL.Path, rec)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func logPanic(logger *Logger, where string, r interface{}) {
	logger.WithFields(map[string]interface{}{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
