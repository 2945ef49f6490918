// Package metering reports overage to the payment provider's metered
// billing.
//
// Reporter sends one absolute ("set") usage report per call, stamped at
// the period end, so a retried or repeated report never bills twice.
// Scheduler decides when to call it: after ledger commits that add overage,
// when a renewal closes a period, and on a reconciliation cron. None of it
// runs on the webhook request path.
package metering
