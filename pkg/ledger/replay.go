package ledger

import (
	"fmt"
	"sort"
	"time"
)

// Replay folds a transaction log into balance figures. The log must belong
// to one organization; it is replayed in sequence order. Period bounds and
// identifiers are not part of the log and stay zero. A USAGE entry whose
// recorded split differs from the replayed one is reported as
// ErrInconsistentBalance.
func Replay(txns []Transaction) (Balance, error) {
	ordered := make([]Transaction, len(txns))
	copy(ordered, txns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	var b Balance
	for _, t := range ordered {
		switch t.Type {
		case TypeGrant:
			applyGrant(&b, t.Amount, time.Time{}, time.Time{})
		case TypeAdjustment:
			b.Included += t.Amount
		case TypeUsage:
			if got, want := applyDebit(&b, -t.Amount), splitOf(t); got != want {
				return b, fmt.Errorf("transaction %s: %w", t.ID,
					inconsistent("recorded split %+v, replayed %+v", want, got))
			}
		case TypeRefund:
			reverse(&b, splitOf(t))
			if err := b.Validate(); err != nil {
				return b, fmt.Errorf("transaction %s: %w", t.ID, err)
			}
		case TypePurchase:
			applyPurchase(&b, t.Amount)
		case TypeOverage:
			// overage accrues inside USAGE entries
		default:
			return b, fmt.Errorf("transaction %s: unknown type %q", t.ID, t.Type)
		}
	}
	return b, nil
}

// AuditReport compares a stored balance against its replayed log
type AuditReport struct {
	OrganizationID string   `json:"organization_id"`
	Transactions   int      `json:"transactions"`
	Stored         Balance  `json:"stored"`
	Replayed       Balance  `json:"replayed"`
	Consistent     bool     `json:"consistent"`
	Mismatches     []string `json:"mismatches,omitempty"`
}

func compareFigures(stored, replayed Balance) []string {
	var out []string
	check := func(name string, s, r int64) {
		if s != r {
			out = append(out, fmt.Sprintf("%s: stored %d, replayed %d", name, s, r))
		}
	}
	check("included", stored.Included, replayed.Included)
	check("used", stored.Used, replayed.Used)
	check("overage", stored.Overage, replayed.Overage)
	check("purchased_credits", stored.PurchasedCredits, replayed.PurchasedCredits)
	check("purchased_used", stored.PurchasedUsed, replayed.PurchasedUsed)
	return out
}

// AggregateByTool sums net tool usage over a log
func AggregateByTool(txns []Transaction) []ToolUsage {
	byTool := make(map[string]*ToolUsage)
	for _, t := range txns {
		if t.Type != TypeUsage && t.Type != TypeRefund {
			continue
		}
		u, ok := byTool[t.ToolSlug]
		if !ok {
			u = &ToolUsage{ToolSlug: t.ToolSlug}
			byTool[t.ToolSlug] = u
		}
		if t.Type == TypeUsage {
			u.Used += -t.Amount
			u.Jobs++
		} else {
			u.Refunded += t.Amount
		}
		u.Net = u.Used - u.Refunded
	}

	out := make([]ToolUsage, 0, len(byTool))
	for _, u := range byTool {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Net != out[j].Net {
			return out[i].Net > out[j].Net
		}
		return out[i].ToolSlug < out[j].ToolSlug
	})
	return out
}

// AggregateByPeriod buckets usage and refunds by g, oldest bucket first
func AggregateByPeriod(txns []Transaction, g Granularity) []PeriodUsage {
	buckets := make(map[int64]*PeriodUsage)
	for _, t := range txns {
		if t.Type != TypeUsage && t.Type != TypeRefund {
			continue
		}
		start := g.Truncate(t.CreatedAt)
		p, ok := buckets[start.Unix()]
		if !ok {
			p = &PeriodUsage{PeriodStart: start}
			buckets[start.Unix()] = p
		}
		if t.Type == TypeUsage {
			p.Used += -t.Amount
		} else {
			p.Refunded += t.Amount
		}
		p.Net = p.Used - p.Refunded
	}

	out := make([]PeriodUsage, 0, len(buckets))
	for _, p := range buckets {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out
}
