package api

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/creditd/pkg/observability"
)

const (
	defaultDedupeSize = 10000
	defaultDedupeTTL  = 24 * time.Hour
)

// RemoteDeduper shares processed event ids between replicas
type RemoteDeduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string) error
}

// EventDedupe is the fast path that drops redelivered provider events
// before they reach the lifecycle. Ledger idempotency keys remain the
// authoritative guard, so lookup failures are treated as a miss.
type EventDedupe struct {
	local  *lru.LRU[string, struct{}]
	remote RemoteDeduper
	logger *observability.Logger
}

// NewEventDedupe creates a dedupe with an in-process LRU of the given size
// and ttl. remote may be nil.
func NewEventDedupe(size int, ttl time.Duration, remote RemoteDeduper, logger *observability.Logger) *EventDedupe {
	if size <= 0 {
		size = defaultDedupeSize
	}
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &EventDedupe{
		local:  lru.NewLRU[string, struct{}](size, nil, ttl),
		remote: remote,
		logger: logger,
	}
}

// Seen reports whether the event id was already processed
func (d *EventDedupe) Seen(ctx context.Context, id string) bool {
	if d.local.Contains(id) {
		return true
	}
	if d.remote == nil {
		return false
	}
	seen, err := d.remote.Seen(ctx, id)
	if err != nil {
		d.logger.WithError(err).WithField("event_id", id).Warn("Event dedupe lookup failed")
		return false
	}
	if seen {
		d.local.Add(id, struct{}{})
	}
	return seen
}

// MarkProcessed records the event id locally and, when configured, remotely
func (d *EventDedupe) MarkProcessed(ctx context.Context, id string) {
	d.local.Add(id, struct{}{})
	if d.remote == nil {
		return
	}
	if err := d.remote.MarkProcessed(ctx, id); err != nil {
		d.logger.WithError(err).WithField("event_id", id).Warn("Failed to record processed event")
	}
}
