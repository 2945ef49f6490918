package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const eventKeyPrefix = "creditd:stripe-event:"

// EventDeduper remembers processed provider event ids across replicas
type EventDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEventDeduper creates a deduper. A zero ttl defaults to 24 hours.
func NewEventDeduper(client *redis.Client, ttl time.Duration) *EventDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EventDeduper{client: client, ttl: ttl}
}

// Seen reports whether id was marked processed
func (d *EventDeduper) Seen(ctx context.Context, id string) (bool, error) {
	n, err := d.client.Exists(ctx, eventKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records id until the TTL expires
func (d *EventDeduper) MarkProcessed(ctx context.Context, id string) error {
	return d.client.Set(ctx, eventKeyPrefix+id, 1, d.ttl).Err()
}
