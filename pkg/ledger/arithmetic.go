package ledger

import "time"

// applyGrant starts a billing period with a fresh allotment.
// Purchased credits do not expire and carry over.
func applyGrant(b *Balance, included int64, start, end time.Time) {
	b.Included = included
	b.Used = 0
	b.Overage = 0
	b.PurchasedUsed = 0
	if !start.IsZero() {
		b.PeriodStart = start
	}
	if !end.IsZero() {
		b.PeriodEnd = end
	}
}

// applyAdjustment changes the included allotment and returns the delta
func applyAdjustment(b *Balance, newIncluded int64) int64 {
	delta := newIncluded - b.Included
	b.Included = newIncluded
	return delta
}

// applyRaise is applyAdjustment that never lowers the allotment
func applyRaise(b *Balance, newIncluded int64) int64 {
	if newIncluded <= b.Included {
		return 0
	}
	return applyAdjustment(b, newIncluded)
}

// debitSplit is how a debit was covered, or how a refund was returned
type debitSplit struct {
	fromIncluded  int64
	fromPurchased int64
	overage       int64
}

// applyDebit consumes included credits, then purchased credits, and books
// the rest as overage
func applyDebit(b *Balance, amount int64) debitSplit {
	var s debitSplit
	s.fromIncluded = min(amount, b.Remaining())
	s.fromPurchased = min(amount-s.fromIncluded, b.PurchasedCredits)
	s.overage = amount - s.fromIncluded - s.fromPurchased

	b.Used += amount
	b.PurchasedCredits -= s.fromPurchased
	b.PurchasedUsed += s.fromPurchased
	b.Overage += s.overage
	return s
}

// applyRefund reverses part of one debit whose split was debit: its overage
// first, then its purchased credits, then its included credits. Each part is
// capped by what the balance still carries for the period. It returns
// ErrRefundExceedsUsage when amount does not fit the debit or the period.
func applyRefund(b *Balance, amount int64, debit debitSplit) (debitSplit, error) {
	var s debitSplit
	if amount > b.Used || amount > debit.fromIncluded+debit.fromPurchased+debit.overage {
		return s, ErrRefundExceedsUsage
	}

	s.overage = min(amount, debit.overage, b.Overage)
	s.fromPurchased = min(amount-s.overage, debit.fromPurchased, b.PurchasedUsed)
	s.fromIncluded = amount - s.overage - s.fromPurchased
	if s.fromIncluded > b.includedUsed() {
		return debitSplit{}, ErrRefundExceedsUsage
	}

	reverse(b, s)
	return s, nil
}

// reverse undoes a refund split that is already known
func reverse(b *Balance, s debitSplit) {
	b.Used -= s.fromIncluded + s.fromPurchased + s.overage
	b.Overage -= s.overage
	b.PurchasedUsed -= s.fromPurchased
	b.PurchasedCredits += s.fromPurchased
}

// applyPurchase adds non-expiring credits
func applyPurchase(b *Balance, credits int64) {
	b.PurchasedCredits += credits
}

// splitOf reads the split recorded on a USAGE or REFUND entry
func splitOf(t Transaction) debitSplit {
	amount := t.Amount
	if amount < 0 {
		amount = -amount
	}
	return debitSplit{
		fromPurchased: t.FromPurchased,
		overage:       t.Overage,
		fromIncluded:  amount - t.FromPurchased - t.Overage,
	}
}

// record stores s on t
func (s debitSplit) record(t *Transaction) {
	t.FromPurchased = s.fromPurchased
	t.Overage = s.overage
}
