// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that
// setters and getters in different packages agree on one typed key.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithCaller(ctx, "job-pipeline")
//	caller := contextkeys.GetCaller(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains the request ID string
	// Set by: httputil.RequestIDMiddleware
	// Used by: observability.FromContext, panic recovery
	RequestIDKey Key = "request_id"

	// OrganizationIDKey contains the organization a request acts on
	// Set by: middleware.OrganizationContext from the {orgID} route variable
	// Used by: observability.FromContext, rate limiting
	OrganizationIDKey Key = "organization_id"

	// LoggerKey contains *observability.Logger
	// Set by: observability.WithLogger
	LoggerKey Key = "logger"

	// CallerKey contains the name of the authenticated service caller
	// Set by: middleware.ServiceTokenAuth
	// Used by: internal API handlers for audit logging
	CallerKey Key = "caller"
)

// WithCaller records the authenticated service caller
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// GetCaller returns the authenticated service caller, or ""
func GetCaller(ctx context.Context) string {
	if caller, ok := ctx.Value(CallerKey).(string); ok {
		return caller
	}
	return ""
}
