// Package billing translates payment provider events into credit ledger
// mutations.
//
// # Lifecycle
//
// A subscription moves through
//
//	NONE -> ACTIVE -> ACTIVE(renewed) -> ACTIVE(plan-changed) -> CANCELLED
//
// driven by five provider events:
//
//   - customer.subscription.created grants the plan's included credits for
//     the first period and binds the provider customer to the organization.
//   - invoice.paid with billing reason subscription_cycle resets the
//     organization's balance for the new period. Purchased credits carry over.
//   - customer.subscription.updated raises the included allowance
//     immediately on upgrade. Downgrades take effect at the next renewal.
//   - customer.subscription.deleted removes the purchase record. Remaining
//     credits stay usable until the period ends.
//   - checkout.session.completed in payment mode grants credit packs.
//
// Every grant carries an idempotency key derived from the provider object,
// so redelivered events leave the ledger unchanged:
//
//	subscription:<id>:created   first grant
//	invoice:<id>                renewal
//	event:<id>                  plan upgrade
//	<checkout session id>       credit pack
//
// # Usage
//
//	lc := billing.NewLifecycle(billing.LifecycleConfig{
//	    Ledger:         ledger.New(store),
//	    Purchases:      store,
//	    Plans:          catalog,
//	    Provider:       stripeClient,
//	    OveragePriceID: cfg.Stripe.OveragePriceID,
//	})
//	ev, err := billing.DecodeEvent(stripeEvent)
//	if err == nil {
//	    err = lc.Handle(ctx, ev)
//	}
//
// The ledger and the purchase store must share a backend: each handler
// records the purchase and the ledger mutation in one transaction.
package billing
