package billing

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/storage"
	"github.com/platinummonkey/creditd/pkg/stripeapi"
)

// PurchaseType distinguishes recurring from one-time purchases
type PurchaseType string

const (
	PurchaseTypeSubscription PurchaseType = "SUBSCRIPTION"
	PurchaseTypeOneTime      PurchaseType = "ONE_TIME"
)

// SubscriptionStatus mirrors the provider's subscription status
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid     SubscriptionStatus = "unpaid"
)

// Billable reports whether metered usage may be reported against the subscription
func (s SubscriptionStatus) Billable() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// Purchase links a provider subscription or checkout to an organization
type Purchase struct {
	ID                string       `json:"id"`
	SubscriptionID    string       `json:"subscription_id,omitempty"`
	CheckoutSessionID string       `json:"checkout_session_id,omitempty"`
	OrganizationID    string       `json:"organization_id,omitempty"`
	UserID            string       `json:"user_id,omitempty"`
	CustomerID        string       `json:"customer_id"`
	Type              PurchaseType `json:"type"`
	ProductID         string       `json:"product_id"`
	Status            string       `json:"status"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// CustomerBinding maps a provider customer to an organization
type CustomerBinding struct {
	CustomerID     string    `json:"customer_id"`
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

var (
	// ErrPurchaseNotFound is returned when no purchase matches
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrCustomerNotFound is returned when a customer has no organization binding
	ErrCustomerNotFound = errors.New("customer is not bound to an organization")
	// ErrMissingMetadata is returned when a credit-granting event lacks organization metadata
	ErrMissingMetadata = errors.New("missing required metadata")
	// ErrUnhandledEvent is returned by DecodeEvent for event types the lifecycle ignores
	ErrUnhandledEvent = errors.New("unhandled event type")
	// ErrInvalidEvent is returned for events whose payload cannot be decoded
	ErrInvalidEvent = errors.New("invalid event payload")
)

// PurchaseStore persists purchases and customer bindings
type PurchaseStore interface {
	storage.TxRunner

	// UpsertPurchase inserts p or updates the purchase with the same
	// subscription id (subscriptions) or checkout session id (one-time).
	UpsertPurchase(ctx context.Context, p *Purchase) error
	GetPurchaseBySubscription(ctx context.Context, subscriptionID string) (*Purchase, error)
	// DeletePurchaseBySubscription reports whether a purchase was removed
	DeletePurchaseBySubscription(ctx context.Context, subscriptionID string) (bool, error)
	ListPurchases(ctx context.Context, orgID string) ([]Purchase, error)
	// ActiveSubscriptionForOrganization returns the newest subscription purchase of an organization
	ActiveSubscriptionForOrganization(ctx context.Context, orgID string) (*Purchase, error)

	BindCustomer(ctx context.Context, binding CustomerBinding) error
	GetCustomerBinding(ctx context.Context, customerID string) (*CustomerBinding, error)
}

// CreditLedger is the subset of the ledger the lifecycle drives
type CreditLedger interface {
	Grant(ctx context.Context, orgID string, included int64, periodStart, periodEnd time.Time, key string) (ledger.Outcome, error)
	ResetForNewPeriod(ctx context.Context, orgID string, included int64, periodStart, periodEnd time.Time, key string) (ledger.Outcome, error)
	RaiseIncluded(ctx context.Context, orgID string, newIncluded int64, description, key string) (ledger.Outcome, error)
	GrantPurchasedCredits(ctx context.Context, orgID string, credits int64, packID, packName, sessionID string) (ledger.GrantResult, error)
}

// SubscriptionFetcher reads live objects from the payment provider
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error)
	CheckoutPriceIDs(ctx context.Context, sessionID string) ([]string, error)
}

// ClosedPeriod describes a billing period that a renewal just ended
type ClosedPeriod struct {
	OrganizationID string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	// ClosedAt is when the renewal was recorded; usage before it belongs to the period
	ClosedAt time.Time
	// Final is the balance as it stood when the period closed
	Final ledger.Balance
}

// PeriodCloser is told about closed periods after the renewal commits
type PeriodCloser interface {
	PeriodClosed(ctx context.Context, period ClosedPeriod)
}
