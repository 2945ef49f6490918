package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/plans"
	"github.com/platinummonkey/creditd/pkg/stripeapi"
)

// LifecycleConfig wires a Lifecycle. Ledger and Purchases must share a
// storage backend so that purchase records and ledger mutations commit in
// one transaction.
type LifecycleConfig struct {
	Ledger         CreditLedger
	Purchases      PurchaseStore
	Plans          plans.Resolver
	Provider       SubscriptionFetcher
	Notifier       Notifier
	PeriodClosers  []PeriodCloser
	OveragePriceID string
	Logger         *observability.Logger
}

// Lifecycle drives subscriptions through
// NONE -> ACTIVE -> ACTIVE(renewed) -> ACTIVE(plan-changed) -> CANCELLED
// by translating provider events into ledger primitives.
type Lifecycle struct {
	ledger         CreditLedger
	purchases      PurchaseStore
	plans          plans.Resolver
	provider       SubscriptionFetcher
	notifier       Notifier
	closers        []PeriodCloser
	overagePriceID string
	logger         *observability.Logger
	now            func() time.Time
}

// NewLifecycle creates a Lifecycle
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	lc := &Lifecycle{
		ledger:         cfg.Ledger,
		purchases:      cfg.Purchases,
		plans:          cfg.Plans,
		provider:       cfg.Provider,
		notifier:       cfg.Notifier,
		closers:        cfg.PeriodClosers,
		overagePriceID: cfg.OveragePriceID,
		logger:         cfg.Logger,
		now:            time.Now,
	}
	if lc.notifier == nil {
		lc.notifier = nopNotifier{}
	}
	if lc.logger == nil {
		lc.logger = observability.NopLogger()
	}
	return lc
}

// Handle applies one event. Redelivered events are no-ops. Errors mean the
// event should be retried, except ErrMissingMetadata and ErrInvalidEvent
// which describe a payload that will never succeed.
func (lc *Lifecycle) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case *SubscriptionCreated:
		return lc.handleSubscriptionCreated(ctx, e)
	case *InvoicePaid:
		return lc.handleInvoicePaid(ctx, e)
	case *SubscriptionUpdated:
		return lc.handleSubscriptionUpdated(ctx, e)
	case *SubscriptionDeleted:
		return lc.handleSubscriptionDeleted(ctx, e)
	case *CheckoutCompleted:
		return lc.handleCheckoutCompleted(ctx, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnhandledEvent, ev)
	}
}

func (lc *Lifecycle) handleSubscriptionCreated(ctx context.Context, e *SubscriptionCreated) error {
	sub := &e.Subscription
	orgID, userID := sub.OrganizationID(), sub.UserID()
	if orgID == "" && userID == "" {
		return fmt.Errorf("%w: subscription %s has neither organization_id nor user_id", ErrMissingMetadata, sub.ID)
	}

	priceID := sub.PlanPriceID(lc.overagePriceID)
	log := lc.logger.WithFields(map[string]interface{}{
		"event_id":        e.ID,
		"subscription_id": sub.ID,
		"organization_id": orgID,
		"price_id":        priceID,
	})

	var (
		out    ledger.Outcome
		planID plans.PlanID
	)
	err := lc.purchases.WithTx(ctx, func(ctx context.Context) error {
		if err := lc.purchases.UpsertPurchase(ctx, &Purchase{
			SubscriptionID: sub.ID,
			OrganizationID: orgID,
			UserID:         userID,
			CustomerID:     sub.Customer,
			Type:           PurchaseTypeSubscription,
			ProductID:      priceID,
			Status:         sub.Status,
		}); err != nil {
			return fmt.Errorf("failed to record subscription purchase: %w", err)
		}

		if orgID == "" {
			log.Warn("Subscription has no organization_id; purchase recorded without credits")
			return nil
		}

		if sub.Customer != "" {
			if err := lc.purchases.BindCustomer(ctx, CustomerBinding{
				CustomerID:     sub.Customer,
				OrganizationID: orgID,
				UserID:         userID,
			}); err != nil {
				return fmt.Errorf("failed to bind customer: %w", err)
			}
		}

		id, credits, ok := lc.resolvePlan(priceID)
		if !ok {
			log.Warn("Unknown plan price; skipping credit grant")
			return nil
		}
		planID = id

		start, end := sub.Period()
		if start.IsZero() {
			return fmt.Errorf("%w: subscription %s has no billing period", ErrInvalidEvent, sub.ID)
		}

		var err error
		out, err = lc.ledger.Grant(ctx, orgID, credits.Included, start, end, "subscription:"+sub.ID+":created")
		if err != nil {
			return fmt.Errorf("failed to grant plan credits: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if out.Transaction != nil && !out.Duplicate {
		log.WithField("credits", out.Transaction.Amount).Info("Subscription started")
		lc.notify(ctx, Notification{
			Type:           NotifySubscriptionStarted,
			OrganizationID: orgID,
			UserID:         userID,
			SubscriptionID: sub.ID,
			PlanID:         string(planID),
			Credits:        out.Transaction.Amount,
			TransactionID:  out.Transaction.ID,
			EventID:        e.ID,
		})
	}
	return nil
}

func (lc *Lifecycle) handleInvoicePaid(ctx context.Context, e *InvoicePaid) error {
	inv := &e.Invoice
	log := lc.logger.WithFields(map[string]interface{}{
		"event_id":       e.ID,
		"invoice_id":     inv.ID,
		"billing_reason": inv.BillingReason,
	})
	if inv.BillingReason != stripeapi.BillingReasonSubscriptionCycle {
		log.Debug("Ignoring non-renewal invoice")
		return nil
	}

	subID := inv.SubscriptionID()
	if subID == "" {
		return fmt.Errorf("%w: renewal invoice %s has no subscription", ErrInvalidEvent, inv.ID)
	}
	log = log.WithField("subscription_id", subID)

	orgID, err := lc.organizationForInvoice(ctx, inv, subID)
	if err != nil {
		return err
	}
	log = log.WithField("organization_id", orgID)

	sub, err := lc.provider.GetSubscription(ctx, subID)
	if err != nil {
		return fmt.Errorf("failed to load subscription for renewal: %w", err)
	}
	priceID := sub.PlanPriceID(lc.overagePriceID)
	planID, credits, ok := lc.resolvePlan(priceID)
	if !ok {
		log.WithField("price_id", priceID).Warn("Unknown plan price; skipping renewal grant")
		return nil
	}
	start, end := sub.Period()
	if start.IsZero() {
		return fmt.Errorf("subscription %s has no billing period", subID)
	}

	key := "invoice:" + inv.ID
	var out ledger.Outcome
	err = lc.purchases.WithTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = lc.ledger.ResetForNewPeriod(ctx, orgID, credits.Included, start, end, key)
		if errors.Is(err, ledger.ErrBalanceNotFound) {
			log.Warn("Renewal for organization without balance; granting instead")
			out, err = lc.ledger.Grant(ctx, orgID, credits.Included, start, end, key)
		}
		if err != nil {
			return fmt.Errorf("failed to reset credits for new period: %w", err)
		}

		existing, err := lc.purchases.GetPurchaseBySubscription(ctx, subID)
		if err != nil && !errors.Is(err, ErrPurchaseNotFound) {
			return fmt.Errorf("failed to load subscription purchase: %w", err)
		}
		p := &Purchase{
			SubscriptionID: subID,
			OrganizationID: orgID,
			CustomerID:     inv.Customer,
			Type:           PurchaseTypeSubscription,
			ProductID:      priceID,
			Status:         sub.Status,
		}
		if existing != nil {
			p.UserID = existing.UserID
		}
		if err := lc.purchases.UpsertPurchase(ctx, p); err != nil {
			return fmt.Errorf("failed to update subscription purchase: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if out.Duplicate {
		return nil
	}

	log.WithField("credits", credits.Included).Info("Subscription renewed")
	if prev := out.Previous; prev != nil && !prev.PeriodStart.IsZero() {
		closed := ClosedPeriod{
			OrganizationID: orgID,
			SubscriptionID: subID,
			PeriodStart:    prev.PeriodStart,
			PeriodEnd:      prev.PeriodEnd,
			ClosedAt:       out.Transaction.CreatedAt,
			Final:          *prev,
		}
		for _, c := range lc.closers {
			c.PeriodClosed(ctx, closed)
		}
	}
	lc.notify(ctx, Notification{
		Type:           NotifySubscriptionRenewed,
		OrganizationID: orgID,
		SubscriptionID: subID,
		PlanID:         string(planID),
		Credits:        credits.Included,
		TransactionID:  out.Transaction.ID,
		EventID:        e.ID,
	})
	return nil
}

func (lc *Lifecycle) organizationForInvoice(ctx context.Context, inv *stripeapi.Invoice, subID string) (string, error) {
	if inv.Customer != "" {
		binding, err := lc.purchases.GetCustomerBinding(ctx, inv.Customer)
		if err == nil {
			return binding.OrganizationID, nil
		}
		if !errors.Is(err, ErrCustomerNotFound) {
			return "", fmt.Errorf("failed to resolve customer: %w", err)
		}
	}

	p, err := lc.purchases.GetPurchaseBySubscription(ctx, subID)
	if err == nil && p.OrganizationID != "" {
		return p.OrganizationID, nil
	}
	if err != nil && !errors.Is(err, ErrPurchaseNotFound) {
		return "", fmt.Errorf("failed to load subscription purchase: %w", err)
	}
	// the creation event may not have been processed yet; let the provider retry
	return "", fmt.Errorf("no organization bound to customer %s: %w", inv.Customer, ErrCustomerNotFound)
}

func (lc *Lifecycle) handleSubscriptionUpdated(ctx context.Context, e *SubscriptionUpdated) error {
	sub := &e.Subscription
	newPrice := sub.PlanPriceID(lc.overagePriceID)

	existing, err := lc.purchases.GetPurchaseBySubscription(ctx, sub.ID)
	if err != nil && !errors.Is(err, ErrPurchaseNotFound) {
		return fmt.Errorf("failed to load subscription purchase: %w", err)
	}

	oldPrice := ""
	for _, p := range e.PreviousPriceIDs {
		if p != lc.overagePriceID {
			oldPrice = p
			break
		}
	}
	if oldPrice == "" && existing != nil {
		oldPrice = existing.ProductID
	}

	orgID, userID := sub.OrganizationID(), sub.UserID()
	if existing != nil {
		if orgID == "" {
			orgID = existing.OrganizationID
		}
		if userID == "" {
			userID = existing.UserID
		}
	}
	if orgID == "" && sub.Customer != "" {
		if binding, err := lc.purchases.GetCustomerBinding(ctx, sub.Customer); err == nil {
			orgID = binding.OrganizationID
		}
	}

	log := lc.logger.WithFields(map[string]interface{}{
		"event_id":        e.ID,
		"subscription_id": sub.ID,
		"organization_id": orgID,
		"old_price_id":    oldPrice,
		"new_price_id":    newPrice,
	})

	var (
		out              ledger.Outcome
		change           NotificationType
		oldPlan, newPlan plans.PlanID
	)
	err = lc.purchases.WithTx(ctx, func(ctx context.Context) error {
		if err := lc.purchases.UpsertPurchase(ctx, &Purchase{
			SubscriptionID: sub.ID,
			OrganizationID: orgID,
			UserID:         userID,
			CustomerID:     sub.Customer,
			Type:           PurchaseTypeSubscription,
			ProductID:      newPrice,
			Status:         sub.Status,
		}); err != nil {
			return fmt.Errorf("failed to update subscription purchase: %w", err)
		}

		if oldPrice == "" || newPrice == "" || oldPrice == newPrice {
			return nil
		}

		var oldCredits, newCredits plans.PlanCredits
		var okOld, okNew bool
		oldPlan, oldCredits, okOld = lc.resolvePlan(oldPrice)
		newPlan, newCredits, okNew = lc.resolvePlan(newPrice)
		if !okOld || !okNew {
			log.Warn("Plan change involves an unknown price; ledger unchanged")
			return nil
		}
		if orgID == "" {
			log.Warn("Plan change for subscription without organization; ledger unchanged")
			return nil
		}

		switch {
		case newCredits.Included > oldCredits.Included:
			desc := fmt.Sprintf("Plan upgrade: %s -> %s", oldPlan, newPlan)
			var err error
			// a downgrade earlier in the period left the higher allotment in place
			out, err = lc.ledger.RaiseIncluded(ctx, orgID, newCredits.Included, desc, "event:"+e.ID)
			if err != nil {
				return fmt.Errorf("failed to apply plan upgrade: %w", err)
			}
			change = NotifyPlanUpgraded
		case newCredits.Included < oldCredits.Included:
			// the current period is paid at the higher tier; renewal applies the reduction
			change = NotifyPlanDowngradeScheduled
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch change {
	case NotifyPlanUpgraded:
		if out.Noop {
			log.WithField("included", out.Balance.Included).Info("Current allotment already covers the new plan")
			return nil
		}
		if out.Duplicate || out.Transaction == nil {
			return nil
		}
		log.WithField("delta", out.Transaction.Amount).Info("Plan upgraded")
		lc.notify(ctx, Notification{
			Type:           NotifyPlanUpgraded,
			OrganizationID: orgID,
			UserID:         userID,
			SubscriptionID: sub.ID,
			PlanID:         string(newPlan),
			PreviousPlanID: string(oldPlan),
			Credits:        out.Transaction.Amount,
			TransactionID:  out.Transaction.ID,
			EventID:        e.ID,
		})
	case NotifyPlanDowngradeScheduled:
		log.Info("Plan downgrade deferred to next renewal")
		lc.notify(ctx, Notification{
			Type:           NotifyPlanDowngradeScheduled,
			OrganizationID: orgID,
			UserID:         userID,
			SubscriptionID: sub.ID,
			PlanID:         string(newPlan),
			PreviousPlanID: string(oldPlan),
			EventID:        e.ID,
		})
	}
	return nil
}

func (lc *Lifecycle) handleSubscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) error {
	sub := &e.Subscription
	orgID, userID := sub.OrganizationID(), sub.UserID()

	existing, err := lc.purchases.GetPurchaseBySubscription(ctx, sub.ID)
	if err != nil && !errors.Is(err, ErrPurchaseNotFound) {
		return fmt.Errorf("failed to load subscription purchase: %w", err)
	}
	if existing != nil && orgID == "" {
		orgID = existing.OrganizationID
	}

	deleted, err := lc.purchases.DeletePurchaseBySubscription(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription purchase: %w", err)
	}
	if !deleted {
		return nil
	}

	lc.logger.WithFields(map[string]interface{}{
		"event_id":        e.ID,
		"subscription_id": sub.ID,
		"organization_id": orgID,
	}).Info("Subscription cancelled; credits remain until period end")
	lc.notify(ctx, Notification{
		Type:           NotifySubscriptionCancelled,
		OrganizationID: orgID,
		UserID:         userID,
		SubscriptionID: sub.ID,
		EventID:        e.ID,
	})
	return nil
}

func (lc *Lifecycle) handleCheckoutCompleted(ctx context.Context, e *CheckoutCompleted) error {
	s := &e.Session
	log := lc.logger.WithFields(map[string]interface{}{
		"event_id":            e.ID,
		"checkout_session_id": s.ID,
		"mode":                s.Mode,
	})
	if s.Mode != stripeapi.CheckoutModePayment {
		log.Debug("Ignoring non-payment checkout session")
		return nil
	}

	priceIDs, err := lc.checkoutPrices(ctx, s)
	if err != nil {
		return err
	}

	var pack *plans.CreditPack
	for _, priceID := range priceIDs {
		if p, ok := lc.plans.CreditPackForPrice(priceID); ok {
			pack = &p
			break
		}
	}

	orgID, userID := s.OrganizationID(), s.UserID()
	if pack != nil && orgID == "" {
		return fmt.Errorf("%w: credit pack checkout %s has no organization_id", ErrMissingMetadata, s.ID)
	}

	productID := ""
	if pack != nil {
		productID = pack.PriceID
	} else if len(priceIDs) > 0 {
		productID = priceIDs[0]
	}

	var result ledger.GrantResult
	err = lc.purchases.WithTx(ctx, func(ctx context.Context) error {
		if pack != nil {
			var err error
			result, err = lc.ledger.GrantPurchasedCredits(ctx, orgID, pack.Credits, pack.ID, pack.Name, s.ID)
			if err != nil {
				return fmt.Errorf("failed to grant credit pack: %w", err)
			}
		}
		if err := lc.purchases.UpsertPurchase(ctx, &Purchase{
			CheckoutSessionID: s.ID,
			OrganizationID:    orgID,
			UserID:            userID,
			CustomerID:        s.Customer,
			Type:              PurchaseTypeOneTime,
			ProductID:         productID,
			Status:            s.PaymentStatus,
		}); err != nil {
			return fmt.Errorf("failed to record one-time purchase: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case pack != nil && result.Processed:
		log.WithFields(map[string]interface{}{
			"organization_id": orgID,
			"pack_id":         pack.ID,
			"credits":         pack.Credits,
		}).Info("Credit pack granted")
		lc.notify(ctx, Notification{
			Type:           NotifyCreditsPurchased,
			OrganizationID: orgID,
			UserID:         userID,
			Credits:        pack.Credits,
			TransactionID:  result.TransactionID,
			EventID:        e.ID,
		})
	case pack == nil:
		if orgID == "" && userID == "" {
			log.Warn("One-time purchase without organization or user metadata")
		}
		lc.notify(ctx, Notification{
			Type:           NotifyPurchaseCompleted,
			OrganizationID: orgID,
			UserID:         userID,
			EventID:        e.ID,
		})
	}
	return nil
}

func (lc *Lifecycle) checkoutPrices(ctx context.Context, s *stripeapi.CheckoutSession) ([]string, error) {
	if priceID := s.Metadata["price_id"]; priceID != "" {
		return []string{priceID}, nil
	}
	if lc.provider == nil {
		return nil, nil
	}
	prices, err := lc.provider.CheckoutPriceIDs(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout line items: %w", err)
	}
	return prices, nil
}

func (lc *Lifecycle) resolvePlan(priceID string) (plans.PlanID, plans.PlanCredits, bool) {
	if priceID == "" {
		return "", plans.PlanCredits{}, false
	}
	planID, ok := lc.plans.PlanIDForPrice(priceID)
	if !ok {
		return "", plans.PlanCredits{}, false
	}
	credits, ok := lc.plans.CreditsForPlan(planID)
	if !ok {
		return "", plans.PlanCredits{}, false
	}
	return planID, credits, true
}

func (lc *Lifecycle) notify(ctx context.Context, n Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = lc.now().UTC()
	}
	if err := lc.notifier.Notify(ctx, n); err != nil {
		lc.logger.WithError(err).WithFields(map[string]interface{}{
			"notification": n.Type,
			"event_id":     n.EventID,
		}).Warn("Failed to emit billing notification")
	}
}
