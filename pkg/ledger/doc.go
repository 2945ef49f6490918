// Package ledger implements the per-organization credit ledger.
//
// Every organization has one Balance, a materialized projection of its
// append-only Transaction log. Balances change only through the primitives
// on Ledger (Grant, ResetForNewPeriod, AdjustForPlanChange, RaiseIncluded,
// DebitUsage, Refund, Purchase). Each primitive runs in one storage transaction that
// locks the balance row, inserts exactly one transaction and updates the
// balance, or does nothing at all.
//
// # Consumption order
//
// A debit consumes the period's included credits first, then purchased
// credits. Whatever is left becomes overage, which is billed through metered
// billing. Each USAGE entry records that split. A refund names the job and
// unwinds its recorded split in the opposite order: overage, then the
// purchased credits the job consumed, then included credits.
//
// # Idempotency
//
// Primitives accept an idempotency key. Keys are unique in storage, so a
// redelivered event, even one racing its original, resolves to the existing
// transaction and reports Outcome.Duplicate instead of applying twice.
//
// # Observers
//
// Observers registered with WithObserver see each committed Outcome after the
// outermost storage transaction commits. They drive cache invalidation and
// overage reporting and never run for rolled-back work.
package ledger
