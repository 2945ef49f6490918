package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAfterCommit_NoTransactionRunsImmediately(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func(context.Context) { ran = true })
	assert.True(t, ran)
}

func TestAfterCommit_DeferredUntilRun(t *testing.T) {
	ctx, hooks := BeginHooks(context.Background())

	var order []int
	AfterCommit(ctx, func(context.Context) { order = append(order, 1) })
	AfterCommit(ctx, func(context.Context) { order = append(order, 2) })
	assert.Empty(t, order)

	hooks.Run()
	assert.Equal(t, []int{1, 2}, order)

	// hooks fire once
	hooks.Run()
	assert.Equal(t, []int{1, 2}, order)
}

func TestAfterCommit_Discard(t *testing.T) {
	ctx, hooks := BeginHooks(context.Background())

	ran := false
	AfterCommit(ctx, func(context.Context) { ran = true })
	hooks.Discard()
	hooks.Run()

	assert.False(t, ran)
}

func TestConfig_Flags(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, TypeMemory, cfg.Type)
	assert.False(t, cfg.ArchiveEnabled())
	assert.False(t, cfg.RedisEnabled())

	cfg.S3Bucket = "statements"
	cfg.RedisURL = "redis://localhost:6379/0"
	assert.True(t, cfg.ArchiveEnabled())
	assert.True(t, cfg.RedisEnabled())
}

func TestAfterCommit_ReceivesBaseContext(t *testing.T) {
	type marker struct{}
	base := context.WithValue(context.Background(), marker{}, "base")
	ctx, hooks := BeginHooks(base)
	ctx = context.WithValue(ctx, marker{}, "tx")

	var got interface{}
	AfterCommit(ctx, func(ctx context.Context) { got = ctx.Value(marker{}) })
	hooks.Run()

	assert.Equal(t, "base", got)
}
