package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns default per-organization limits
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

func (c *RateLimitConfig) withDefaults() *RateLimitConfig {
	d := DefaultRateLimitConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.RequestsPerWindow <= 0 {
		out.RequestsPerWindow = d.RequestsPerWindow
	}
	if out.WindowDuration <= 0 {
		out.WindowDuration = d.WindowDuration
	}
	if out.BurstSize < 0 {
		out.BurstSize = 0
	}
	return &out
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter decides whether a request for key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimiter is an in-process token bucket per key
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow implements Limiter
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		every := rl.config.WindowDuration / time.Duration(rl.config.RequestsPerWindow)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), rl.capacity())}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    allowed,
		Limit:      rl.config.RequestsPerWindow,
		Remaining:  remaining,
		ResetAfter: rl.config.WindowDuration,
	}, nil
}

// Cleanup removes buckets idle for two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup every window until ctx is cancelled
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware limits requests per organization, falling back to the
// client address on routes without an organization. Limiter errors fail open.
type RateLimitMiddleware struct {
	limiter Limiter
	logger  *observability.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(limiter Limiter, logger *observability.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RateLimitMiddleware{limiter: limiter, logger: logger}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rateLimitKey(r)

		d, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, d)
		if !d.Allowed {
			retryAfter := int(d.ResetAfter.Round(time.Second) / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(d.ResetAfter).Unix()))
}

func rateLimitKey(r *http.Request) string {
	if orgID := observability.GetOrganizationID(r.Context()); orgID != "" {
		return "org:" + orgID
	}
	return "ip:" + getClientIP(r)
}

func getClientIP(r *http.Request) string {
	// first hop is the original client
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
