package webhooks

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bounds deliveries per endpoint with a token bucket
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows maxRequests per period for each endpoint, bursting up to maxRequests
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(maxRequests) / period.Seconds()),
		burst:    maxRequests,
	}
}

// Allow reports whether a delivery to endpointID may proceed now
func (rl *RateLimiter) Allow(endpointID string) bool {
	rl.mutex.Lock()
	limiter, ok := rl.limiters[endpointID]
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[endpointID] = limiter
	}
	rl.mutex.Unlock()

	return limiter.Allow()
}
