// Package plans maps payment provider price identifiers to internal plans,
// their included credit allotments, and one-time credit packs.
//
// Lookups are pure: unknown identifiers report ok=false instead of failing,
// so callers can log and skip a grant without rejecting the whole event.
//
// A Catalog is immutable once built. Use Watcher to hot-reload a catalog file:
//
//	w, err := plans.NewWatcher("/etc/creditd/catalog.yaml", logger)
//	planID, ok := w.PlanIDForPrice("price_pro_monthly")
package plans
