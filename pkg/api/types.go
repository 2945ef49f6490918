package api

import (
	"context"
	"time"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/ledger"
)

// CreditsService is the ledger surface the HTTP API exposes
type CreditsService interface {
	GetBalance(ctx context.Context, orgID string) (*ledger.Balance, error)
	ListTransactions(ctx context.Context, orgID string, page, pageSize int, types []ledger.TransactionType) (*ledger.TransactionPage, error)
	UsageByTool(ctx context.Context, orgID string, from, to time.Time) ([]ledger.ToolUsage, error)
	UsageByPeriod(ctx context.Context, orgID string, g ledger.Granularity, from, to time.Time) ([]ledger.PeriodUsage, error)
	Audit(ctx context.Context, orgID string) (*ledger.AuditReport, error)
	DebitUsage(ctx context.Context, orgID string, amount int64, toolSlug, jobID string) (ledger.Outcome, error)
	Refund(ctx context.Context, orgID string, amount int64, toolSlug, jobID, reason string) (ledger.Outcome, error)
}

// EventHandler applies a decoded provider event
type EventHandler interface {
	Handle(ctx context.Context, ev billing.Event) error
}

var (
	_ CreditsService = (*ledger.Ledger)(nil)
	_ EventHandler   = (*billing.Lifecycle)(nil)
)

// BalanceResponse is a balance with its derived figures
type BalanceResponse struct {
	*ledger.Balance
	Remaining      int64   `json:"remaining"`
	TotalAvailable int64   `json:"total_available"`
	TotalCredits   int64   `json:"total_credits"`
	PercentageUsed float64 `json:"percentage_used"`
	IsLowCredits   bool    `json:"is_low_credits"`
}

func newBalanceResponse(b *ledger.Balance) *BalanceResponse {
	if b == nil {
		return nil
	}
	return &BalanceResponse{
		Balance:        b,
		Remaining:      b.Remaining(),
		TotalAvailable: b.TotalAvailable(),
		TotalCredits:   b.TotalCredits(),
		PercentageUsed: b.PercentageUsed(),
		IsLowCredits:   b.IsLowCredits(),
	}
}

// ToolUsageResponse lists per-tool usage within a window
type ToolUsageResponse struct {
	From  time.Time          `json:"from"`
	To    time.Time          `json:"to"`
	Tools []ledger.ToolUsage `json:"tools"`
}

// PeriodUsageResponse lists bucketed usage within a window
type PeriodUsageResponse struct {
	Granularity ledger.Granularity   `json:"granularity"`
	From        time.Time            `json:"from"`
	To          time.Time            `json:"to"`
	Periods     []ledger.PeriodUsage `json:"periods"`
}

// UsageRequest records consumption for a job
type UsageRequest struct {
	Amount   int64  `json:"amount" validate:"gt=0"`
	ToolSlug string `json:"tool_slug" validate:"required,max=128"`
	JobID    string `json:"job_id" validate:"required,max=256"`
}

// RefundRequest returns credits for a job
type RefundRequest struct {
	Amount   int64  `json:"amount" validate:"gt=0"`
	ToolSlug string `json:"tool_slug" validate:"required,max=128"`
	JobID    string `json:"job_id" validate:"required,max=256"`
	Reason   string `json:"reason" validate:"max=500"`
}

// MutationResponse reports the transaction recorded for a request. On a
// replayed job Duplicate is set and Transaction is the earlier entry.
type MutationResponse struct {
	Transaction  *ledger.Transaction `json:"transaction"`
	Balance      *BalanceResponse    `json:"balance,omitempty"`
	OverageAdded int64               `json:"overage_added"`
	Duplicate    bool                `json:"duplicate"`
}
