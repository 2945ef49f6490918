package storage

import (
	"context"
	"sync"
)

type hooksKey struct{}

// CommitHooks collects callbacks to run once the outermost transaction commits
type CommitHooks struct {
	mu   sync.Mutex
	base context.Context
	fns  []func(ctx context.Context)
}

// BeginHooks attaches a fresh hook list to ctx.
// Backends call it before they attach an outermost transaction, so the
// callbacks later receive a context that carries no finished transaction.
func BeginHooks(ctx context.Context) (context.Context, *CommitHooks) {
	h := &CommitHooks{base: ctx}
	return context.WithValue(ctx, hooksKey{}, h), h
}

// Run executes the collected callbacks in registration order
func (h *CommitHooks) Run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn(h.base)
	}
}

// Discard drops the collected callbacks after a rollback
func (h *CommitHooks) Discard() {
	h.mu.Lock()
	h.fns = nil
	h.mu.Unlock()
}

// AfterCommit schedules fn to run after the transaction carried by ctx commits.
// Without a transaction in ctx, fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	h, ok := ctx.Value(hooksKey{}).(*CommitHooks)
	if !ok {
		fn(ctx)
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}
