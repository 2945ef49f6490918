// Package api provides the HTTP surface of the credit ledger.
//
// # Routes
//
// Provider webhook (signature verified, no service auth):
//
//	POST /webhooks/stripe
//
// Credit reads, scoped by organization:
//
//	GET /v1/organizations/{orgID}/credits/balance
//	GET /v1/organizations/{orgID}/credits/transactions?page=&page_size=&type=
//	GET /v1/organizations/{orgID}/credits/usage/tools?from=&to=
//	GET /v1/organizations/{orgID}/credits/usage/periods?granularity=&from=&to=
//	GET /v1/organizations/{orgID}/credits/audit
//
// Internal API, authenticated with service bearer tokens:
//
//	POST /internal/v1/organizations/{orgID}/credits/usage
//	POST /internal/v1/organizations/{orgID}/credits/refunds
//	GET  /internal/v1/notifications/deliveries
//	GET  /internal/v1/notifications/endpoints
//
// Usage and refund calls are idempotent on the job id. The first call
// answers 201 with the recorded transaction, a replay answers 200 with the
// original one and "duplicate": true.
//
// # Provider events
//
// The webhook handler verifies the Stripe-Signature header, decodes the
// event, drops ids it has already processed and hands the rest to the
// billing lifecycle. Unhandled event types are acknowledged with 200 so the
// provider stops retrying them. Processing failures answer 400, which makes
// the provider redeliver; the ledger's idempotency keys make redelivery safe.
package api
