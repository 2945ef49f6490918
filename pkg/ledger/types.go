package ledger

import (
	"time"
)

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TypeGrant      TransactionType = "GRANT"
	TypeUsage      TransactionType = "USAGE"
	TypeOverage    TransactionType = "OVERAGE"
	TypeRefund     TransactionType = "REFUND"
	TypePurchase   TransactionType = "PURCHASE"
	TypeAdjustment TransactionType = "ADJUSTMENT"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TypeGrant, TypeUsage, TypeOverage, TypeRefund, TypePurchase, TypeAdjustment:
		return true
	}
	return false
}

// lowCreditsThreshold is the fraction of total credits below which a balance counts as low
const lowCreditsThreshold = 0.2

// Balance is the materialized credit state of one organization
type Balance struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	Included         int64     `json:"included"`
	Used             int64     `json:"used"`
	Overage          int64     `json:"overage"`
	PurchasedCredits int64     `json:"purchased_credits"`
	// PurchasedUsed is the part of Used covered by purchased credits this period
	PurchasedUsed    int64     `json:"purchased_used"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// includedUsed is the part of Used covered by included credits
func (b *Balance) includedUsed() int64 {
	return b.Used - b.Overage - b.PurchasedUsed
}

// Remaining is the unused part of the period's included credits
func (b *Balance) Remaining() int64 {
	if r := b.Included - b.includedUsed(); r > 0 {
		return r
	}
	return 0
}

// TotalAvailable is what can still be consumed before overage accrues
func (b *Balance) TotalAvailable() int64 {
	return b.Remaining() + b.PurchasedCredits
}

// TotalCredits is the period's included credits plus purchased credits
func (b *Balance) TotalCredits() int64 {
	return b.Included + b.PurchasedCredits
}

// PercentageUsed is used/(included+purchased) as a percentage, capped at 100
func (b *Balance) PercentageUsed() float64 {
	total := b.TotalCredits()
	if total <= 0 {
		if b.Used > 0 {
			return 100
		}
		return 0
	}
	pct := float64(b.Used) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// IsLowCredits reports whether less than 20% of total credits are available
func (b *Balance) IsLowCredits() bool {
	total := b.TotalCredits()
	if total <= 0 {
		return false
	}
	return float64(b.TotalAvailable())/float64(total) < lowCreditsThreshold
}

// Validate checks the non-negativity invariants
func (b *Balance) Validate() error {
	switch {
	case b.Included < 0:
		return inconsistent("included is negative (%d)", b.Included)
	case b.Used < 0:
		return inconsistent("used is negative (%d)", b.Used)
	case b.Overage < 0:
		return inconsistent("overage is negative (%d)", b.Overage)
	case b.PurchasedCredits < 0:
		return inconsistent("purchased credits are negative (%d)", b.PurchasedCredits)
	case b.PurchasedUsed < 0:
		return inconsistent("purchased usage is negative (%d)", b.PurchasedUsed)
	case b.includedUsed() < 0:
		return inconsistent("overage (%d) and purchased usage (%d) exceed used (%d)", b.Overage, b.PurchasedUsed, b.Used)
	}
	return nil
}

// Transaction is an immutable ledger entry. Positive amounts credit the
// organization, negative amounts debit it.
type Transaction struct {
	ID             string          `json:"id"`
	Sequence       int64           `json:"sequence"`
	BalanceID      string          `json:"balance_id"`
	OrganizationID string          `json:"organization_id"`
	Amount         int64           `json:"amount"`
	Type           TransactionType `json:"type"`
	ToolSlug       string          `json:"tool_slug,omitempty"`
	JobID          string          `json:"job_id,omitempty"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	// FromPurchased and Overage split a USAGE entry by what covered it and a
	// REFUND entry by what it returned
	FromPurchased  int64           `json:"from_purchased,omitempty"`
	Overage        int64           `json:"overage,omitempty"`
}

// Outcome is the result of a ledger primitive. Either the mutation was
// applied (Balance holds the new state) or the idempotency key was already
// used and Transaction is the earlier entry.
type Outcome struct {
	Transaction *Transaction
	Balance     *Balance
	Previous    *Balance
	Duplicate   bool
	// Noop is set when the primitive had nothing to record
	Noop bool
}

// OverageAdded is the overage this outcome accrued
func (o Outcome) OverageAdded() int64 {
	if o.Duplicate || o.Noop || o.Balance == nil || o.Previous == nil {
		return 0
	}
	if d := o.Balance.Overage - o.Previous.Overage; d > 0 {
		return d
	}
	return 0
}

// GrantResult reports whether a credit pack purchase was applied
type GrantResult struct {
	Processed     bool   `json:"processed"`
	TransactionID string `json:"transaction_id"`
}

// TransactionFilter narrows a transaction listing. A zero Limit lists everything.
type TransactionFilter struct {
	Types     []TransactionType
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
	Ascending bool
}

// TransactionPage is one page of transaction history
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Total        int           `json:"total"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	HasMore      bool          `json:"has_more"`
}

// ToolUsage aggregates net usage for one tool
type ToolUsage struct {
	ToolSlug string `json:"tool_slug"`
	Used     int64  `json:"used"`
	Refunded int64  `json:"refunded"`
	Net      int64  `json:"net"`
	Jobs     int64  `json:"jobs"`
}

// Granularity is the bucket size of a usage-by-period aggregate
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// Valid reports whether g is a supported bucket size
func (g Granularity) Valid() bool {
	switch g {
	case GranularityDay, GranularityWeek, GranularityMonth:
		return true
	}
	return false
}

// Truncate returns the start of the bucket containing t, in UTC.
// Weeks start on Monday.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch g {
	case GranularityWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// PeriodUsage aggregates usage in one time bucket
type PeriodUsage struct {
	PeriodStart time.Time `json:"period_start"`
	Used        int64     `json:"used"`
	Refunded    int64     `json:"refunded"`
	Net         int64     `json:"net"`
}
