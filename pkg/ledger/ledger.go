package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/creditd/pkg/ledger")

// Ledger applies credit mutations through a Store
type Ledger struct {
	store     Store
	cache     BalanceCache
	observers []Observer
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

// Option configures a Ledger
type Option func(*Ledger)

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics sets the Prometheus metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithBalanceCache enables a read-through balance cache
func WithBalanceCache(c BalanceCache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithObserver registers an observer for committed outcomes
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observers = append(l.observers, o) }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: observability.NopLogger(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddObserver registers an observer after construction
func (l *Ledger) AddObserver(o Observer) {
	l.observers = append(l.observers, o)
}

// Store returns the underlying store
func (l *Ledger) Store() Store {
	return l.store
}

// mutation describes one primitive call
type mutation struct {
	orgID   string
	txType  TransactionType
	key     string
	create  bool
	applyFn func(ctx context.Context, b *Balance) (Transaction, error)
}

// Grant starts a billing period with the plan's included credits, creating
// the balance on first use. Used and overage restart at zero.
func (l *Ledger) Grant(ctx context.Context, orgID string, included int64, periodStart, periodEnd time.Time, key string) (Outcome, error) {
	if included < 0 {
		return Outcome{}, ErrInvalidAmount
	}
	if err := validatePeriod(periodStart, periodEnd); err != nil {
		return Outcome{}, err
	}
	return l.mutate(ctx, mutation{
		orgID:  orgID,
		txType: TypeGrant,
		key:    key,
		create: true,
		applyFn: func(_ context.Context, b *Balance) (Transaction, error) {
			applyGrant(b, included, periodStart, periodEnd)
			return Transaction{
				Amount:      included,
				Description: fmt.Sprintf("Granted %d included credits for period %s - %s", included, periodStart.UTC().Format(time.DateOnly), periodEnd.UTC().Format(time.DateOnly)),
			}, nil
		},
	})
}

// ResetForNewPeriod renews an existing balance: new period bounds, used and
// overage reset, included re-granted.
func (l *Ledger) ResetForNewPeriod(ctx context.Context, orgID string, included int64, periodStart, periodEnd time.Time, key string) (Outcome, error) {
	if included < 0 {
		return Outcome{}, ErrInvalidAmount
	}
	if err := validatePeriod(periodStart, periodEnd); err != nil {
		return Outcome{}, err
	}
	return l.mutate(ctx, mutation{
		orgID:  orgID,
		txType: TypeGrant,
		key:    key,
		applyFn: func(_ context.Context, b *Balance) (Transaction, error) {
			applyGrant(b, included, periodStart, periodEnd)
			return Transaction{
				Amount:      included,
				Description: fmt.Sprintf("Renewed %d included credits for period %s - %s", included, periodStart.UTC().Format(time.DateOnly), periodEnd.UTC().Format(time.DateOnly)),
			}, nil
		},
	})
}

// AdjustForPlanChange sets the included allotment immediately and records
// the delta. An unchanged allotment records nothing.
func (l *Ledger) AdjustForPlanChange(ctx context.Context, orgID string, newIncluded int64, description, key string) (Outcome, error) {
	if newIncluded < 0 {
		return Outcome{}, ErrInvalidAmount
	}
	return l.mutate(ctx, mutation{
		orgID:  orgID,
		txType: TypeAdjustment,
		key:    key,
		applyFn: func(_ context.Context, b *Balance) (Transaction, error) {
			delta := applyAdjustment(b, newIncluded)
			return Transaction{Amount: delta, Description: description}, nil
		},
	})
}

// RaiseIncluded is AdjustForPlanChange for upgrades: it only ever increases
// the included allotment. When the balance already holds at least newIncluded,
// for example after a downgrade that waits for renewal, nothing is recorded
// and the outcome is a Noop.
func (l *Ledger) RaiseIncluded(ctx context.Context, orgID string, newIncluded int64, description, key string) (Outcome, error) {
	if newIncluded < 0 {
		return Outcome{}, ErrInvalidAmount
	}
	return l.mutate(ctx, mutation{
		orgID:  orgID,
		txType: TypeAdjustment,
		key:    key,
		applyFn: func(_ context.Context, b *Balance) (Transaction, error) {
			delta := applyRaise(b, newIncluded)
			return Transaction{Amount: delta, Description: description}, nil
		},
	})
}

// DebitUsage charges a tool job. The job id is the idempotency key, so a job
// is charged at most once.
func (l *Ledger) DebitUsage(ctx context.Context, orgID string, amount int64, toolSlug, jobID string) (Outcome, error) {
	if amount <= 0 {
		return Outcome{}, ErrInvalidAmount
	}
	return l.mutate(ctx, mutation{
		orgID:  orgID,
		txType: TypeUsage,
		key:    jobKey("usage", jobID),
		applyFn: func(_ context.Context, b *Balance) (Transaction, error) {
			split := applyDebit(b, amount)
			desc := fmt.Sprintf("Used %d credits on %s", amount, toolSlug)
			if split.overage > 0 {
				desc = fmt.Sprintf("%s (%d overage)", desc, split.overage)
			}
			txn := Transaction{Amount: -amount, ToolSlug: toolSlug, JobID: jobID, Description: desc}
			split.record(&txn)
			return txn, nil
		},
	})
}

// Refund returns credits for a failed or cancelled job. The job must have
// been debited in the current period and the refund is capped at that debit;
// its overage, purchased and included parts are returned in that order.
func (l *Ledger) Refund(ctx context.Context, orgID string, amount int64, toolSlug, jobID, reason string) (Outcome, error) {
	if amount <= 0 {
		return Outcome{}, ErrInvalidAmount
	}
	if jobID == "" {
		return Outcome{}, ErrUsageNotFound
	}
	return l.mutate(ctx, mutation{
		orgID:  orgID,
		txType: TypeRefund,
		key:    jobKey("refund", jobID),
		applyFn: func(ctx context.Context, b *Balance) (Transaction, error) {
			usage, err := l.usageForJob(ctx, b, jobID)
			if err != nil {
				return Transaction{}, err
			}
			split, err := applyRefund(b, amount, splitOf(*usage))
			if err != nil {
				return Transaction{}, err
			}
			if toolSlug == "" {
				toolSlug = usage.ToolSlug
			}
			desc := fmt.Sprintf("Refunded %d credits on %s", amount, toolSlug)
			if reason != "" {
				desc = fmt.Sprintf("%s: %s", desc, reason)
			}
			txn := Transaction{Amount: amount, ToolSlug: toolSlug, JobID: jobID, Description: desc}
			split.record(&txn)
			return txn, nil
		},
	})
}

// usageForJob finds the job's USAGE entry on b. Debits from an earlier
// period were wiped by the renewal and cannot be refunded.
func (l *Ledger) usageForJob(ctx context.Context, b *Balance, jobID string) (*Transaction, error) {
	usage, err := l.store.GetTransactionByIdempotencyKey(ctx, jobKey("usage", jobID))
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, ErrUsageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage of job %s: %w", jobID, err)
	}
	if usage.Type != TypeUsage || usage.OrganizationID != b.OrganizationID {
		return nil, ErrUsageNotFound
	}
	if !b.PeriodStart.IsZero() && usage.CreatedAt.Before(b.PeriodStart) {
		return nil, ErrUsageNotFound
	}
	return usage, nil
}

// Purchase adds non-expiring credits, creating the balance if needed
func (l *Ledger) Purchase(ctx context.Context, orgID string, credits int64, description, key string) (Outcome, error) {
	if credits <= 0 {
		return Outcome{}, ErrInvalidAmount
	}
	return l.mutate(ctx, mutation{
		orgID:  orgID,
		txType: TypePurchase,
		key:    key,
		create: true,
		applyFn: func(_ context.Context, b *Balance) (Transaction, error) {
			applyPurchase(b, credits)
			return Transaction{Amount: credits, Description: description}, nil
		},
	})
}

func (l *Ledger) mutate(ctx context.Context, m mutation) (Outcome, error) {
	if m.orgID == "" {
		return Outcome{}, ErrMissingOrganization
	}

	ctx, span := tracer.Start(ctx, "Ledger."+string(m.txType),
		trace.WithAttributes(
			attribute.String("ledger.organization_id", m.orgID),
			attribute.String("ledger.type", string(m.txType)),
			attribute.Bool("ledger.idempotent", m.key != ""),
		),
	)
	defer span.End()
	start := l.now()

	var out Outcome
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		out = Outcome{}

		if m.key != "" {
			existing, err := l.store.GetTransactionByIdempotencyKey(ctx, m.key)
			switch {
			case err == nil:
				out = Outcome{Transaction: existing, Duplicate: true}
				return nil
			case !errors.Is(err, ErrTransactionNotFound):
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		current, err := l.loadForUpdate(ctx, m)
		if err != nil {
			return err
		}

		next := *current
		txn, err := m.applyFn(ctx, &next)
		if err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		if txn.Amount == 0 && m.txType != TypeGrant {
			out = Outcome{Balance: current, Previous: current, Noop: true}
			return nil
		}

		now := l.now().UTC()
		txn.ID = l.newID()
		txn.BalanceID = current.ID
		txn.OrganizationID = m.orgID
		txn.Type = m.txType
		txn.IdempotencyKey = m.key
		txn.CreatedAt = now

		if err := l.store.InsertTransaction(ctx, &txn); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				existing, lookupErr := l.store.GetTransactionByIdempotencyKey(ctx, m.key)
				if lookupErr != nil {
					return fmt.Errorf("failed to load conflicting transaction: %w", lookupErr)
				}
				out = Outcome{Transaction: existing, Duplicate: true}
				return nil
			}
			return fmt.Errorf("failed to record transaction: %w", err)
		}

		next.UpdatedAt = now
		if err := l.store.UpdateBalance(ctx, &next); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		prev := *current
		out = Outcome{Transaction: &txn, Balance: &next, Previous: &prev}
		committed := out
		storage.AfterCommit(ctx, func(ctx context.Context) {
			l.committed(ctx, committed)
		})
		return nil
	})

	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case out.Duplicate:
		outcome = "duplicate"
	case out.Noop:
		outcome = "noop"
	}
	var amount int64
	if out.Transaction != nil {
		amount = out.Transaction.Amount
	}
	l.metrics.ObserveLedgerMutation(string(m.txType), outcome, amount, l.now().Sub(start))
	span.SetAttributes(attribute.String("ledger.outcome", outcome))

	if err != nil {
		return Outcome{}, err
	}
	if out.Duplicate {
		l.logger.WithFields(map[string]interface{}{
			"organization_id": m.orgID,
			"type":            m.txType,
			"idempotency_key": m.key,
			"transaction_id":  out.Transaction.ID,
		}).Info("Duplicate ledger mutation ignored")
	}
	return out, nil
}

func (l *Ledger) loadForUpdate(ctx context.Context, m mutation) (*Balance, error) {
	if !m.create {
		b, err := l.store.LockBalance(ctx, m.orgID)
		if err != nil {
			if errors.Is(err, ErrBalanceNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to lock balance: %w", err)
		}
		return b, nil
	}

	now := l.now().UTC()
	b, err := l.store.EnsureBalance(ctx, &Balance{
		ID:             l.newID(),
		OrganizationID: m.orgID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure balance: %w", err)
	}
	return b, nil
}

// committed runs once the outcome is durable. The new balance is written
// through to the cache; when that fails the entry is dropped instead.
func (l *Ledger) committed(ctx context.Context, out Outcome) {
	if l.cache != nil {
		orgID := out.Balance.OrganizationID
		if err := l.cache.Set(ctx, out.Balance); err != nil {
			l.logger.WithError(err).WithField("organization_id", orgID).Warn("Failed to update balance cache")
			if err := l.cache.Invalidate(ctx, orgID); err != nil {
				l.logger.WithError(err).WithField("organization_id", orgID).Warn("Failed to invalidate balance cache")
			}
		}
	}
	for _, o := range l.observers {
		o.LedgerCommitted(ctx, out)
	}
}

func validatePeriod(start, end time.Time) error {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return ErrInvalidPeriod
	}
	return nil
}

func jobKey(prefix, jobID string) string {
	if jobID == "" {
		return ""
	}
	return prefix + ":" + jobID
}
