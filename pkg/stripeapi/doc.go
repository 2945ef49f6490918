// Package stripeapi is a narrow Stripe client for the calls creditd makes:
// retrieving subscriptions, listing checkout line items and reporting
// metered usage. It also defines the wire shapes of the webhook objects the
// billing lifecycle decodes.
//
// Clients are constructed explicitly and injected; the package-level
// stripe.Key is never used.
package stripeapi
