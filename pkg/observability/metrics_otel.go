package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/creditd"

// OTelInstruments mirrors the business metrics onto the OpenTelemetry meter so
// they reach the collector alongside traces. Instruments created from the
// global meter before InitOTel runs start exporting once it does.
type OTelInstruments struct {
	ledgerMutations  metric.Int64Counter
	ledgerCredits    metric.Int64Counter
	ledgerDuration   metric.Float64Histogram
	webhookEvents    metric.Int64Counter
	webhookDuration  metric.Float64Histogram
	overageReports   metric.Int64Counter
	notificationSent metric.Int64Counter
}

// NewOTelInstruments creates the instruments on the given meter provider,
// or on the global one when mp is nil.
func NewOTelInstruments(mp metric.MeterProvider) (*OTelInstruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		i   OTelInstruments
		err error
	)
	if i.ledgerMutations, err = meter.Int64Counter("creditd.ledger.mutations",
		metric.WithDescription("Ledger primitive calls by type and outcome"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ledger mutations counter: %w", err)
	}
	if i.ledgerCredits, err = meter.Int64Counter("creditd.ledger.credits",
		metric.WithDescription("Absolute credits moved by committed transactions"),
		metric.WithUnit("{credit}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ledger credits counter: %w", err)
	}
	if i.ledgerDuration, err = meter.Float64Histogram("creditd.ledger.duration",
		metric.WithDescription("Ledger primitive duration including the storage transaction"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ledger duration histogram: %w", err)
	}
	if i.webhookEvents, err = meter.Int64Counter("creditd.webhook.events",
		metric.WithDescription("Provider webhook events by type and status"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create webhook events counter: %w", err)
	}
	if i.webhookDuration, err = meter.Float64Histogram("creditd.webhook.duration",
		metric.WithDescription("Provider webhook processing time"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create webhook duration histogram: %w", err)
	}
	if i.overageReports, err = meter.Int64Counter("creditd.overage.reports",
		metric.WithDescription("Metered overage reports by outcome"),
		metric.WithUnit("{report}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create overage reports counter: %w", err)
	}
	if i.notificationSent, err = meter.Int64Counter("creditd.notifications",
		metric.WithDescription("Outbound billing notification deliveries"),
		metric.WithUnit("{delivery}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}
	return &i, nil
}

func (i *OTelInstruments) ledgerMutation(txType, outcome string, credits int64, seconds float64) {
	if i == nil {
		return
	}
	ctx := context.Background()
	i.ledgerMutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", txType),
		attribute.String("outcome", outcome),
	))
	i.ledgerDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("type", txType)))
	if credits > 0 {
		i.ledgerCredits.Add(ctx, credits, metric.WithAttributes(attribute.String("type", txType)))
	}
}

func (i *OTelInstruments) webhookEvent(eventType, status string, seconds float64) {
	if i == nil {
		return
	}
	ctx := context.Background()
	i.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("status", status),
	))
	i.webhookDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (i *OTelInstruments) overageReport(outcome string) {
	if i == nil {
		return
	}
	i.overageReports.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (i *OTelInstruments) notification(event, status string) {
	if i == nil {
		return
	}
	i.notificationSent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("status", status),
	))
}
