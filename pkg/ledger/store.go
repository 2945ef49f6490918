package ledger

import (
	"context"
	"time"

	"github.com/platinummonkey/creditd/pkg/storage"
)

// Store persists balances and transactions.
//
// Mutating methods must be called inside WithTx. LockBalance and
// EnsureBalance lock the organization's row until the transaction ends, which
// serializes writers for one organization without blocking others.
type Store interface {
	storage.TxRunner

	// LockBalance returns the organization's balance locked for update,
	// or ErrBalanceNotFound.
	LockBalance(ctx context.Context, orgID string) (*Balance, error)
	// EnsureBalance inserts b unless the organization already has a balance,
	// then returns the stored row locked for update.
	EnsureBalance(ctx context.Context, b *Balance) (*Balance, error)
	UpdateBalance(ctx context.Context, b *Balance) error
	// InsertTransaction assigns t.Sequence. It returns ErrDuplicateIdempotencyKey,
	// without aborting the surrounding transaction, when t's key is taken.
	InsertTransaction(ctx context.Context, t *Transaction) error
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	GetBalance(ctx context.Context, orgID string) (*Balance, error)
	ListTransactions(ctx context.Context, orgID string, filter TransactionFilter) ([]Transaction, int, error)
	UsageByTool(ctx context.Context, orgID string, from, to time.Time) ([]ToolUsage, error)
	UsageByPeriod(ctx context.Context, orgID string, g Granularity, from, to time.Time) ([]PeriodUsage, error)
	ListBalancesWithOverage(ctx context.Context) ([]Balance, error)
}

// BalanceCache caches read-side balances. Get returns nil, nil on a miss;
// errors are logged and treated as misses. Set must not replace an entry
// with a newer UpdatedAt, so a read that raced a commit cannot put the
// older row back.
type BalanceCache interface {
	Get(ctx context.Context, orgID string) (*Balance, error)
	Set(ctx context.Context, b *Balance) error
	Invalidate(ctx context.Context, orgID string) error
}

// Observer is notified of committed ledger outcomes
type Observer interface {
	LedgerCommitted(ctx context.Context, outcome Outcome)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, outcome Outcome)

// LedgerCommitted calls f
func (f ObserverFunc) LedgerCommitted(ctx context.Context, outcome Outcome) {
	f(ctx, outcome)
}
