package metering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/creditd/pkg/async"
	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
)

// DefaultReconcileSchedule re-reports every balance with overage
const DefaultReconcileSchedule = "@every 15m"

// BalanceSource reads balances for reporting. CurrentBalance must not be
// served from a cache.
type BalanceSource interface {
	CurrentBalance(ctx context.Context, orgID string) (*ledger.Balance, error)
	BalancesWithOverage(ctx context.Context) ([]ledger.Balance, error)
}

// SubscriptionLookup finds the subscription billed for an organization
type SubscriptionLookup interface {
	ActiveSubscriptionForOrganization(ctx context.Context, orgID string) (*billing.Purchase, error)
}

// SchedulerConfig configures a Scheduler
type SchedulerConfig struct {
	Reporter      *Reporter
	Balances      BalanceSource
	Subscriptions SubscriptionLookup
	Pool          *async.WorkerPool
	// ReconcileSchedule is a robfig/cron spec; empty means DefaultReconcileSchedule
	ReconcileSchedule string
	// ReconcileWorkers bounds concurrent provider calls during reconciliation
	ReconcileWorkers int
	Logger           *observability.Logger
}

// Scheduler triggers overage reports out of band. Committed ledger
// outcomes that add overage queue a report of the organization's current
// overage; closed periods queue a final report; a cron job re-reports
// everything periodically.
//
// At most one current-period report per organization is in flight. An
// outcome that arrives meanwhile marks the organization dirty and the
// running task reports again, so the last report always carries the latest
// balance.
type Scheduler struct {
	reporter      *Reporter
	balances      BalanceSource
	subscriptions SubscriptionLookup
	pool          *async.WorkerPool
	schedule      string
	workers       int
	logger        *observability.Logger

	mu      sync.Mutex
	pending map[string]*pendingReport

	cron *cron.Cron
}

type pendingReport struct {
	dirty bool
}

var (
	_ ledger.Observer      = (*Scheduler)(nil)
	_ billing.PeriodCloser = (*Scheduler)(nil)
)

// NewScheduler creates a Scheduler; call Start to enable reconciliation
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = DefaultReconcileSchedule
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = 4
	}
	return &Scheduler{
		reporter:      cfg.Reporter,
		balances:      cfg.Balances,
		subscriptions: cfg.Subscriptions,
		pool:          cfg.Pool,
		schedule:      cfg.ReconcileSchedule,
		workers:       cfg.ReconcileWorkers,
		logger:        cfg.Logger.WithField("component", "overage-scheduler"),
		pending:       make(map[string]*pendingReport),
	}
}

// LedgerCommitted implements ledger.Observer
func (s *Scheduler) LedgerCommitted(ctx context.Context, out ledger.Outcome) {
	if out.OverageAdded() == 0 {
		return
	}
	s.Enqueue(out.Balance.OrganizationID)
}

// PeriodClosed implements billing.PeriodCloser. The closed period's final
// overage is reported against its own period end.
func (s *Scheduler) PeriodClosed(ctx context.Context, period billing.ClosedPeriod) {
	if period.Final.Overage <= 0 || period.SubscriptionID == "" {
		return
	}
	overage := period.Final.Overage
	periodEnd := period.Final.PeriodEnd
	if periodEnd.IsZero() {
		periodEnd = period.PeriodEnd
	}
	err := s.pool.Submit(func(ctx context.Context) error {
		res := s.reporter.ReportOverage(ctx, period.SubscriptionID, overage, periodEnd)
		if res.Error != "" {
			return fmt.Errorf("final overage report for %s: %s", period.OrganizationID, res.Error)
		}
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("organization_id", period.OrganizationID).
			Error("Failed to queue final overage report")
	}
}

// Enqueue schedules a report of orgID's current overage
func (s *Scheduler) Enqueue(orgID string) {
	s.mu.Lock()
	if p, ok := s.pending[orgID]; ok {
		p.dirty = true
		s.mu.Unlock()
		return
	}
	p := &pendingReport{}
	s.pending[orgID] = p
	s.mu.Unlock()

	err := s.pool.TrySubmit(func(ctx context.Context) error {
		return s.drain(ctx, orgID, p)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, orgID)
		s.mu.Unlock()
		// the reconcile job picks the organization up later
		s.logger.WithError(err).WithField("organization_id", orgID).Warn("Overage report not queued")
	}
}

// drain reports until no newer outcome arrived during the last report
func (s *Scheduler) drain(ctx context.Context, orgID string, p *pendingReport) error {
	var errs []error
	for {
		if err := s.reportCurrent(ctx, orgID); err != nil {
			errs = append(errs, err)
		}

		s.mu.Lock()
		if !p.dirty || ctx.Err() != nil {
			delete(s.pending, orgID)
			s.mu.Unlock()
			return errors.Join(errs...)
		}
		p.dirty = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) reportCurrent(ctx context.Context, orgID string) error {
	b, err := s.balances.CurrentBalance(ctx, orgID)
	if err != nil {
		return fmt.Errorf("failed to load balance of %s: %w", orgID, err)
	}
	return s.reportBalance(ctx, *b)
}

func (s *Scheduler) reportBalance(ctx context.Context, b ledger.Balance) error {
	if b.Overage <= 0 {
		return nil
	}
	sub, err := s.subscriptions.ActiveSubscriptionForOrganization(ctx, b.OrganizationID)
	if errors.Is(err, billing.ErrPurchaseNotFound) {
		s.logger.WithField("organization_id", b.OrganizationID).Warn("Overage without a subscription to bill")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find subscription of %s: %w", b.OrganizationID, err)
	}

	res := s.reporter.ReportOverage(ctx, sub.SubscriptionID, b.Overage, b.PeriodEnd)
	if res.Error != "" {
		return fmt.Errorf("overage report for %s: %s", b.OrganizationID, res.Error)
	}
	return nil
}

// Reconcile re-reports every balance that carries overage and returns the
// number of balances visited
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	balances, err := s.balances.BalancesWithOverage(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list balances with overage: %w", err)
	}

	errs := async.Batch(ctx, balances, async.PoolConfig{
		Name:    "overage reconcile",
		Workers: s.workers,
		Logger:  s.logger,
	}, s.reportBalance)

	s.logger.WithFields(map[string]interface{}{
		"balances": len(balances),
		"failures": len(errs),
	}).Info("Overage reconciliation finished")
	return len(balances), errors.Join(errs...)
}

// Start schedules reconciliation until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) error {
	log := cronLogger{s.logger}
	c := cron.New(cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	if _, err := c.AddFunc(s.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if _, err := s.Reconcile(runCtx); err != nil {
			s.logger.WithError(err).Warn("Overage reconciliation had failures")
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.schedule, err)
	}

	s.cron = c
	c.Start()
	s.logger.WithField("schedule", s.schedule).Info("Overage reconciliation scheduled")
	return nil
}

// Stop stops the cron and waits for a running reconciliation
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kv(keysAndValues)).Error(msg)
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
