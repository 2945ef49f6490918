// Package storage holds the configuration and transaction plumbing shared by
// the ledger storage backends.
//
// # Backends
//
//   - postgres: production backend on lib/pq. Balance rows are locked with
//     SELECT ... FOR UPDATE and idempotency keys are backed by a unique index.
//   - memory: single-process backend for development and tests.
//
// # Transactions
//
// Transactions travel in the context. A backend's WithTx opens a transaction
// when none is present and joins the existing one otherwise:
//
//	err := store.WithTx(ctx, func(ctx context.Context) error {
//		if _, err := ledger.Grant(ctx, ...); err != nil {
//			return err
//		}
//		return purchases.UpsertPurchase(ctx, p)
//	})
//
// Work that must only happen once data is durable (cache invalidation,
// outbound calls) is registered with AfterCommit and runs after the outermost
// transaction commits. Hooks are dropped on rollback.
package storage
