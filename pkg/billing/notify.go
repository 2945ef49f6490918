package billing

import (
	"context"
	"time"
)

// NotificationType names a billing notification
type NotificationType string

const (
	NotifySubscriptionStarted    NotificationType = "subscription.started"
	NotifySubscriptionRenewed    NotificationType = "subscription.renewed"
	NotifySubscriptionCancelled  NotificationType = "subscription.cancelled"
	NotifyPlanUpgraded           NotificationType = "plan.upgraded"
	NotifyPlanDowngradeScheduled NotificationType = "plan.downgrade_scheduled"
	NotifyCreditsPurchased       NotificationType = "credits.purchased"
	NotifyPurchaseCompleted      NotificationType = "purchase.completed"
)

// AllNotificationTypes lists every notification the lifecycle emits
func AllNotificationTypes() []NotificationType {
	return []NotificationType{
		NotifySubscriptionStarted,
		NotifySubscriptionRenewed,
		NotifySubscriptionCancelled,
		NotifyPlanUpgraded,
		NotifyPlanDowngradeScheduled,
		NotifyCreditsPurchased,
		NotifyPurchaseCompleted,
	}
}

// Notification is emitted after a lifecycle transition commits
type Notification struct {
	Type           NotificationType `json:"type"`
	OrganizationID string           `json:"organization_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	PlanID         string           `json:"plan_id,omitempty"`
	PreviousPlanID string           `json:"previous_plan_id,omitempty"`
	Credits        int64            `json:"credits,omitempty"`
	TransactionID  string           `json:"transaction_id,omitempty"`
	EventID        string           `json:"event_id"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// Notifier delivers billing notifications. Failures never undo ledger writes.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }
