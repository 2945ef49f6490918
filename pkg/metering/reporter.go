package metering

import (
	"context"
	"time"

	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/stripeapi"
)

// UsageAPI is the part of the payment provider the reporter calls
type UsageAPI interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error)
	CreateUsageRecord(ctx context.Context, p stripeapi.UsageRecordParams) (*stripeapi.UsageRecord, error)
}

// Result describes one overage report. Skipped reports made no provider
// write; Success is false when the skip hides a configuration problem.
type Result struct {
	Success     bool                   `json:"success"`
	Skipped     bool                   `json:"skipped,omitempty"`
	UsageRecord *stripeapi.UsageRecord `json:"usage_record,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Outcome is the metric label of r
func (r Result) Outcome() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Success:
		return "success"
	default:
		return "failed"
	}
}

// Reporter pushes a period's overage to the provider's metered item
type Reporter struct {
	api            UsageAPI
	overagePriceID string
	logger         *observability.Logger
	metrics        *observability.Metrics
	now            func() time.Time
}

// NewReporter creates a Reporter for the metered price overagePriceID
func NewReporter(api UsageAPI, overagePriceID string, logger *observability.Logger, metrics *observability.Metrics) *Reporter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Reporter{
		api:            api,
		overagePriceID: overagePriceID,
		logger:         logger,
		metrics:        metrics,
		now:            time.Now,
	}
}

// ReportOverage sets the metered usage of subscriptionID to overageCredits.
// The report replaces earlier ones for the same period, so repeating it
// never bills twice. Provider failures are returned, not retried.
func (r *Reporter) ReportOverage(ctx context.Context, subscriptionID string, overageCredits int64, periodEnd time.Time) Result {
	res := r.report(ctx, subscriptionID, overageCredits, periodEnd)
	r.metrics.ObserveOverageReport(res.Outcome())

	log := r.logger.WithFields(map[string]interface{}{
		"subscription_id": subscriptionID,
		"overage":         overageCredits,
		"outcome":         res.Outcome(),
	})
	switch {
	case res.Error != "":
		log.WithField("error", res.Error).Warn("Overage report failed")
	case res.Skipped && !res.Success:
		log.Warn("Overage report skipped")
	case res.Skipped:
		log.Debug("Overage report skipped")
	default:
		log.Info("Overage reported")
	}
	return res
}

func (r *Reporter) report(ctx context.Context, subscriptionID string, overageCredits int64, periodEnd time.Time) Result {
	if r.overagePriceID == "" {
		return Result{Success: false, Skipped: true}
	}
	if overageCredits <= 0 {
		return Result{Success: true, Skipped: true}
	}

	sub, err := r.api.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	item, ok := sub.ItemForPrice(r.overagePriceID)
	if !ok {
		return Result{Success: false, Skipped: true}
	}

	record, err := r.api.CreateUsageRecord(ctx, stripeapi.UsageRecordParams{
		SubscriptionItemID: item.ID,
		Quantity:           overageCredits,
		Timestamp:          r.timestamp(periodEnd),
		Action:             stripeapi.UsageActionSet,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, UsageRecord: record}
}

// timestamp pins every report of a period to the same instant, so a later
// "set" replaces an earlier one instead of adding to it.
func (r *Reporter) timestamp(periodEnd time.Time) time.Time {
	if periodEnd.IsZero() {
		return r.now().UTC()
	}
	return periodEnd.UTC()
}
