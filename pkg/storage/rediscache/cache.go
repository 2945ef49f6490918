package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
)

const balanceKeyPrefix = "creditd:balance:"

// setIfNewer writes KEYS[1] unless it holds a newer version.
// ARGV: version, balance JSON, ttl in milliseconds.
var setIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// BalanceCache is a ledger.BalanceCache backed by Redis. Each entry is a
// hash of the balance JSON and its UpdatedAt in microseconds; Set only
// replaces an entry whose version is not newer. Entries expire after the TTL.
type BalanceCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

var _ ledger.BalanceCache = (*BalanceCache)(nil)

// NewBalanceCache creates a balance cache. A zero ttl defaults to 30 seconds.
func NewBalanceCache(client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl, metrics: metrics}
}

func balanceKey(orgID string) string {
	return balanceKeyPrefix + orgID
}

// Get returns the cached balance, or nil on a miss
func (c *BalanceCache) Get(ctx context.Context, orgID string) (*ledger.Balance, error) {
	key := balanceKey(orgID)
	data, err := c.client.HGet(ctx, key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.ObserveCache("balance", false)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var b ledger.Balance
	if err := json.Unmarshal(data, &b); err != nil {
		// drop the corrupt entry so the next read repopulates it
		c.client.Del(ctx, key)
		return nil, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	c.metrics.ObserveCache("balance", true)
	return &b, nil
}

// Set stores b until the TTL expires, unless the cached entry is newer
func (c *BalanceCache) Set(ctx context.Context, b *ledger.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	err = setIfNewer.Run(ctx, c.client, []string{balanceKey(b.OrganizationID)},
		balanceVersion(b), data, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func balanceVersion(b *ledger.Balance) int64 {
	if b.UpdatedAt.IsZero() {
		return 0
	}
	return b.UpdatedAt.UnixMicro()
}

// Invalidate removes the organization's entry
func (c *BalanceCache) Invalidate(ctx context.Context, orgID string) error {
	return c.client.Del(ctx, balanceKey(orgID)).Err()
}
