// Package middleware provides HTTP middleware for service authentication,
// organization context and rate limiting.
//
// # Middleware Components
//
// ServiceTokenAuth: bearer token authentication for internal callers
//
//	auth := middleware.NewServiceTokenAuth(middleware.ServiceToken{Caller: "job-pipeline", Token: token})
//	internal.Use(auth.Handler)
//
// OrganizationContext: validates {orgID} and adds it to the request context
//
//	router.Use(middleware.OrganizationContext)
//
// RateLimitMiddleware: per-organization limits over any Limiter
//
//	limiter := middleware.NewRateLimiter(cfg)                                    // in process
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "")        // shared via Redis
//	router.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
//
// Requests are keyed by organization when the route names one and by client
// address otherwise. Limiter errors fail open.
package middleware
