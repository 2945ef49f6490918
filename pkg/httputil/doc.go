// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, balance)
//	httputil.WriteCreated(w, txn)
//	httputil.WriteBadRequest(w, "amount must be positive")
//	httputil.WriteConflict(w, "refund exceeds recorded usage")
//
// Errors are always {"error": "..."} with optional per-field "details".
//
// # Request Parsing
//
// Bodies are decoded strictly and validated with go-playground/validator tags:
//
//	type usageRequest struct {
//		Amount int64  `json:"amount" validate:"gt=0"`
//		JobID  string `json:"job_id" validate:"required"`
//	}
//
//	var req usageRequest
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return // 400 already written
//	}
//
// Query parameters:
//
//	page, err := httputil.ParseQueryInt(r, "page", 1)
//	from, err := httputil.ParseQueryTime(r, "from") // RFC 3339 or YYYY-MM-DD
//	types := httputil.ParseQueryList(r, "type")     // ?type=USAGE,REFUND
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.TimeoutMiddleware(15*time.Second),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
