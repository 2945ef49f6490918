package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a fixed-window counter in Redis, shared by every
// replica of the service
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "creditd:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config.withDefaults(),
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow implements Limiter. The window starts at the first request; later
// requests in the window do not extend it.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := rl.key(key)
	limit := rl.config.RequestsPerWindow + rl.config.BurstSize

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}

	resetAfter := ttl.Val()
	if resetAfter < 0 {
		if err := rl.redis.Expire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis error: %w", err)
		}
		resetAfter = rl.config.WindowDuration
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= limit,
		Limit:      rl.config.RequestsPerWindow,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}, nil
}

// Reset clears the window for key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// HealthCheck verifies Redis connectivity for rate limiting
func (rl *DistributedRateLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}

var (
	_ Limiter = (*RateLimiter)(nil)
	_ Limiter = (*DistributedRateLimiter)(nil)
)
