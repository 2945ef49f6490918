package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// GetBalance returns an organization's balance, served from the cache when possible
func (l *Ledger) GetBalance(ctx context.Context, orgID string) (*Balance, error) {
	if orgID == "" {
		return nil, ErrMissingOrganization
	}

	if l.cache != nil {
		cached, err := l.cache.Get(ctx, orgID)
		if err != nil {
			l.logger.WithError(err).WithField("organization_id", orgID).Warn("Balance cache read failed")
		}
		if cached != nil {
			l.metrics.ObserveCache("balance", true)
			return cached, nil
		}
		l.metrics.ObserveCache("balance", false)
	}

	b, err := l.store.GetBalance(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		if err := l.cache.Set(ctx, b); err != nil {
			l.logger.WithError(err).WithField("organization_id", orgID).Warn("Balance cache write failed")
		}
	}
	return b, nil
}

// CurrentBalance reads the stored balance, bypassing the cache. Callers that
// bill from the figures use it.
func (l *Ledger) CurrentBalance(ctx context.Context, orgID string) (*Balance, error) {
	if orgID == "" {
		return nil, ErrMissingOrganization
	}
	return l.store.GetBalance(ctx, orgID)
}

// ListTransactions returns one page of history, newest first. Pages start at 1.
func (l *Ledger) ListTransactions(ctx context.Context, orgID string, page, pageSize int, types []TransactionType) (*TransactionPage, error) {
	if orgID == "" {
		return nil, ErrMissingOrganization
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown transaction type %q", t)
		}
	}

	txns, total, err := l.store.ListTransactions(ctx, orgID, TransactionFilter{
		Types:  types,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if txns == nil {
		txns = []Transaction{}
	}

	return &TransactionPage{
		Transactions: txns,
		Total:        total,
		Page:         page,
		PageSize:     pageSize,
		HasMore:      page*pageSize < total,
	}, nil
}

// UsageByTool aggregates net usage per tool in [from, to)
func (l *Ledger) UsageByTool(ctx context.Context, orgID string, from, to time.Time) ([]ToolUsage, error) {
	if orgID == "" {
		return nil, ErrMissingOrganization
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return nil, ErrInvalidPeriod
	}
	return l.store.UsageByTool(ctx, orgID, from, to)
}

// UsageByPeriod aggregates usage into day, week or month buckets in [from, to)
func (l *Ledger) UsageByPeriod(ctx context.Context, orgID string, g Granularity, from, to time.Time) ([]PeriodUsage, error) {
	if orgID == "" {
		return nil, ErrMissingOrganization
	}
	if !g.Valid() {
		return nil, fmt.Errorf("unknown granularity %q", g)
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return nil, ErrInvalidPeriod
	}
	return l.store.UsageByPeriod(ctx, orgID, g, from, to)
}

// Audit replays the organization's full log and compares it with the stored balance
func (l *Ledger) Audit(ctx context.Context, orgID string) (*AuditReport, error) {
	if orgID == "" {
		return nil, ErrMissingOrganization
	}

	var report *AuditReport
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		stored, err := l.store.GetBalance(ctx, orgID)
		if err != nil {
			return err
		}
		txns, _, err := l.store.ListTransactions(ctx, orgID, TransactionFilter{Ascending: true})
		if err != nil {
			return fmt.Errorf("failed to list transactions: %w", err)
		}
		replayed, err := Replay(txns)
		var mismatches []string
		switch {
		case errors.Is(err, ErrInconsistentBalance):
			mismatches = append(mismatches, err.Error())
		case err != nil:
			return fmt.Errorf("failed to replay ledger: %w", err)
		}
		mismatches = append(mismatches, compareFigures(*stored, replayed)...)
		report = &AuditReport{
			OrganizationID: orgID,
			Transactions:   len(txns),
			Stored:         *stored,
			Replayed:       replayed,
			Consistent:     len(mismatches) == 0,
			Mismatches:     mismatches,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// BalancesWithOverage lists balances whose current period has unbilled overage
func (l *Ledger) BalancesWithOverage(ctx context.Context) ([]Balance, error) {
	return l.store.ListBalancesWithOverage(ctx)
}
