package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/plans"
	"github.com/platinummonkey/creditd/pkg/storage/memory"
	"github.com/platinummonkey/creditd/pkg/stripeapi"
)

const overagePrice = "price_overage"

var (
	firstStart  = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	firstEnd    = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	secondStart = firstEnd
	secondEnd   = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
)

type fakeProvider struct {
	mu            sync.Mutex
	subscriptions map[string]*stripeapi.Subscription
	lineItems     map[string][]string
	err           error
}

func (f *fakeProvider) GetSubscription(_ context.Context, id string) (*stripeapi.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

func (f *fakeProvider) CheckoutPriceIDs(_ context.Context, sessionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lineItems[sessionID], nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []billing.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n billing.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) types() []billing.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.NotificationType, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

type closerFunc func(ctx context.Context, p billing.ClosedPeriod)

func (f closerFunc) PeriodClosed(ctx context.Context, p billing.ClosedPeriod) { f(ctx, p) }

type harness struct {
	store    *memory.Store
	ledger   *ledger.Ledger
	provider *fakeProvider
	notifier *recordingNotifier
	closed   []billing.ClosedPeriod
	lc       *billing.Lifecycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		provider: &fakeProvider{subscriptions: map[string]*stripeapi.Subscription{}, lineItems: map[string][]string{}},
		notifier: &recordingNotifier{},
	}
	h.ledger = ledger.New(h.store)
	h.lc = billing.NewLifecycle(billing.LifecycleConfig{
		Ledger:    h.ledger,
		Purchases: h.store,
		Plans:     plans.DefaultCatalog(),
		Provider:  h.provider,
		Notifier:  h.notifier,
		PeriodClosers: []billing.PeriodCloser{closerFunc(func(_ context.Context, p billing.ClosedPeriod) {
			h.closed = append(h.closed, p)
		})},
		OveragePriceID: overagePrice,
	})
	return h
}

func subscriptionJSON(id, customer string, metadata map[string]string, price string, start, end time.Time) json.RawMessage {
	obj := map[string]interface{}{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               "active",
		"metadata":             metadata,
		"current_period_start": start.Unix(),
		"current_period_end":   end.Unix(),
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"id": "si_plan_" + id, "price": map[string]string{"id": price}},
				{"id": "si_overage_" + id, "price": map[string]string{"id": overagePrice}},
			},
		},
	}
	data, _ := json.Marshal(obj)
	return data
}

func decode(t *testing.T, id, typ string, raw json.RawMessage, previous map[string]interface{}) billing.Event {
	t.Helper()
	ev, err := billing.DecodeEvent(stripe.Event{
		ID:   id,
		Type: stripe.EventType(typ),
		Data: &stripe.EventData{Raw: raw, PreviousAttributes: previous},
	})
	require.NoError(t, err)
	return ev
}

func (h *harness) handle(t *testing.T, ev billing.Event) {
	t.Helper()
	require.NoError(t, h.lc.Handle(context.Background(), ev))
}

func (h *harness) subscribe(t *testing.T, org, subID, price string) {
	t.Helper()
	meta := map[string]string{"organization_id": org, "user_id": "user-" + org}
	raw := subscriptionJSON(subID, "cus_"+org, meta, price, firstStart, firstEnd)
	h.handle(t, decode(t, "evt_created_"+subID, billing.EventSubscriptionCreated, raw, nil))

	var sub stripeapi.Subscription
	require.NoError(t, json.Unmarshal(raw, &sub))
	h.provider.subscriptions[subID] = &sub
}

func (h *harness) balance(t *testing.T, org string) *ledger.Balance {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), org)
	require.NoError(t, err)
	return b
}

func invoiceJSON(id, customer, subID, reason string) json.RawMessage {
	data, _ := json.Marshal(map[string]interface{}{
		"id":             id,
		"customer":       customer,
		"billing_reason": reason,
		"subscription":   subID,
	})
	return data
}

func TestSubscriptionCreatedGrantsPlanCredits(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "org-1", "sub_1", "price_pro_monthly")

	b := h.balance(t, "org-1")
	assert.Equal(t, int64(100), b.Included)
	assert.Equal(t, firstStart, b.PeriodStart)
	assert.Equal(t, firstEnd, b.PeriodEnd)

	p, err := h.store.GetPurchaseBySubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", p.OrganizationID)
	assert.Equal(t, "price_pro_monthly", p.ProductID)
	assert.Equal(t, billing.PurchaseTypeSubscription, p.Type)

	binding, err := h.store.GetCustomerBinding(context.Background(), "cus_org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", binding.OrganizationID)

	assert.Equal(t, []billing.NotificationType{billing.NotifySubscriptionStarted}, h.notifier.types())
}

func TestSubscriptionCreatedRedeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	raw := subscriptionJSON("sub_1", "cus_1", map[string]string{"organization_id": "org-1"}, "price_pro_monthly", firstStart, firstEnd)
	ev := decode(t, "evt_1", billing.EventSubscriptionCreated, raw, nil)

	h.handle(t, ev)
	h.handle(t, ev)

	page, err := h.ledger.ListTransactions(context.Background(), "org-1", 1, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, int64(100), h.balance(t, "org-1").Included)
	assert.Len(t, h.notifier.types(), 1)
}

func TestSubscriptionCreatedWithoutMetadata(t *testing.T) {
	h := newHarness(t)
	raw := subscriptionJSON("sub_1", "cus_1", nil, "price_pro_monthly", firstStart, firstEnd)

	err := h.lc.Handle(context.Background(), decode(t, "evt_1", billing.EventSubscriptionCreated, raw, nil))
	assert.ErrorIs(t, err, billing.ErrMissingMetadata)

	_, err = h.store.GetPurchaseBySubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billing.ErrPurchaseNotFound)
}

func TestSubscriptionCreatedUnknownPriceRecordsPurchaseOnly(t *testing.T) {
	h := newHarness(t)
	raw := subscriptionJSON("sub_1", "cus_1", map[string]string{"organization_id": "org-1"}, "price_mystery", firstStart, firstEnd)

	h.handle(t, decode(t, "evt_1", billing.EventSubscriptionCreated, raw, nil))

	_, err := h.store.GetPurchaseBySubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	_, err = h.ledger.GetBalance(context.Background(), "org-1")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
	assert.Empty(t, h.notifier.types())
}

func TestRenewalResetsPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "org-1", "sub_1", "price_pro_monthly")

	_, err := h.ledger.DebitUsage(ctx, "org-1", 130, "render", "job-1")
	require.NoError(t, err)

	renewed := subscriptionJSON("sub_1", "cus_org-1", map[string]string{"organization_id": "org-1"}, "price_pro_monthly", secondStart, secondEnd)
	var sub stripeapi.Subscription
	require.NoError(t, json.Unmarshal(renewed, &sub))
	h.provider.subscriptions["sub_1"] = &sub

	ev := decode(t, "evt_inv_1", billing.EventInvoicePaid, invoiceJSON("in_1", "cus_org-1", "sub_1", "subscription_cycle"), nil)
	h.handle(t, ev)

	b := h.balance(t, "org-1")
	assert.Equal(t, int64(100), b.Included)
	assert.Equal(t, int64(0), b.Used)
	assert.Equal(t, int64(0), b.Overage)
	assert.Equal(t, secondStart, b.PeriodStart)
	assert.Equal(t, secondEnd, b.PeriodEnd)

	require.Len(t, h.closed, 1)
	assert.Equal(t, "sub_1", h.closed[0].SubscriptionID)
	assert.Equal(t, int64(30), h.closed[0].Final.Overage)
	assert.Equal(t, firstStart, h.closed[0].PeriodStart)

	// redelivery changes nothing and closes nothing
	_, err = h.ledger.DebitUsage(ctx, "org-1", 5, "render", "job-2")
	require.NoError(t, err)
	h.handle(t, ev)
	assert.Equal(t, int64(5), h.balance(t, "org-1").Used)
	assert.Len(t, h.closed, 1)

	assert.Equal(t, []billing.NotificationType{
		billing.NotifySubscriptionStarted,
		billing.NotifySubscriptionRenewed,
	}, h.notifier.types())
}

func TestNonRenewalInvoiceIgnored(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "org-1", "sub_1", "price_pro_monthly")
	_, err := h.ledger.DebitUsage(context.Background(), "org-1", 10, "render", "job-1")
	require.NoError(t, err)

	h.handle(t, decode(t, "evt_inv_1", billing.EventInvoicePaid, invoiceJSON("in_1", "cus_org-1", "sub_1", "subscription_create"), nil))

	assert.Equal(t, int64(10), h.balance(t, "org-1").Used)
}

func TestRenewalForUnknownCustomerIsRetried(t *testing.T) {
	h := newHarness(t)
	err := h.lc.Handle(context.Background(),
		decode(t, "evt_inv_1", billing.EventInvoicePaid, invoiceJSON("in_1", "cus_ghost", "sub_ghost", "subscription_cycle"), nil))
	assert.ErrorIs(t, err, billing.ErrCustomerNotFound)
}

func TestRenewalProviderFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "org-1", "sub_1", "price_pro_monthly")
	h.provider.err = errors.New("provider unavailable")

	err := h.lc.Handle(context.Background(),
		decode(t, "evt_inv_1", billing.EventInvoicePaid, invoiceJSON("in_1", "cus_org-1", "sub_1", "subscription_cycle"), nil))
	assert.Error(t, err)
}

func TestUpgradeAdjustsImmediately(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "org-1", "sub_1", "price_pro_monthly")
	_, err := h.ledger.DebitUsage(context.Background(), "org-1", 80, "render", "job-1")
	require.NoError(t, err)

	raw := subscriptionJSON("sub_1", "cus_org-1", map[string]string{"organization_id": "org-1"}, "price_enterprise_monthly", firstStart, firstEnd)
	previous := map[string]interface{}{
		"items": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"id": "si_plan_sub_1", "price": map[string]interface{}{"id": "price_pro_monthly"}},
			},
		},
	}
	ev := decode(t, "evt_up_1", billing.EventSubscriptionUpdated, raw, previous)
	h.handle(t, ev)
	h.handle(t, ev)

	b := h.balance(t, "org-1")
	assert.Equal(t, int64(500), b.Included)
	assert.Equal(t, int64(420), b.Remaining())

	page, err := h.ledger.ListTransactions(context.Background(), "org-1", 1, 10, []ledger.TransactionType{ledger.TypeAdjustment})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, int64(400), page.Transactions[0].Amount)

	p, err := h.store.GetPurchaseBySubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "price_enterprise_monthly", p.ProductID)

	types := h.notifier.types()
	assert.Equal(t, billing.NotifyPlanUpgraded, types[len(types)-1])
}

func TestDowngradeDeferredToRenewal(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "org-1", "sub_1", "price_enterprise_monthly")

	// no previous_attributes: the stored purchase supplies the old price
	raw := subscriptionJSON("sub_1", "cus_org-1", map[string]string{"organization_id": "org-1"}, "price_pro_monthly", firstStart, firstEnd)
	h.handle(t, decode(t, "evt_down_1", billing.EventSubscriptionUpdated, raw, nil))

	assert.Equal(t, int64(500), h.balance(t, "org-1").Included)
	page, err := h.ledger.ListTransactions(context.Background(), "org-1", 1, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	var sub stripeapi.Subscription
	require.NoError(t, json.Unmarshal(subscriptionJSON("sub_1", "cus_org-1", nil, "price_pro_monthly", secondStart, secondEnd), &sub))
	h.provider.subscriptions["sub_1"] = &sub
	h.handle(t, decode(t, "evt_inv_1", billing.EventInvoicePaid, invoiceJSON("in_1", "cus_org-1", "sub_1", "subscription_cycle"), nil))

	assert.Equal(t, int64(100), h.balance(t, "org-1").Included)
	assert.Contains(t, h.notifier.types(), billing.NotifyPlanDowngradeScheduled)
}

func TestUpgradeAfterDeferredDowngradeKeepsAllotment(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "org-1", "sub_1", "price_enterprise_monthly")
	meta := map[string]string{"organization_id": "org-1"}

	raw := subscriptionJSON("sub_1", "cus_org-1", meta, "price_free", firstStart, firstEnd)
	h.handle(t, decode(t, "evt_down_1", billing.EventSubscriptionUpdated, raw, nil))
	assert.Equal(t, int64(500), h.balance(t, "org-1").Included)

	raw = subscriptionJSON("sub_1", "cus_org-1", meta, "price_pro_monthly", firstStart, firstEnd)
	h.handle(t, decode(t, "evt_up_1", billing.EventSubscriptionUpdated, raw, nil))

	assert.Equal(t, int64(500), h.balance(t, "org-1").Included)
	page, err := h.ledger.ListTransactions(context.Background(), "org-1", 1, 10, []ledger.TransactionType{ledger.TypeAdjustment})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotContains(t, h.notifier.types(), billing.NotifyPlanUpgraded)

	p, err := h.store.GetPurchaseBySubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "price_pro_monthly", p.ProductID)

	// the renewal applies the plan actually held
	var sub stripeapi.Subscription
	require.NoError(t, json.Unmarshal(subscriptionJSON("sub_1", "cus_org-1", nil, "price_pro_monthly", secondStart, secondEnd), &sub))
	h.provider.subscriptions["sub_1"] = &sub
	h.handle(t, decode(t, "evt_inv_1", billing.EventInvoicePaid, invoiceJSON("in_1", "cus_org-1", "sub_1", "subscription_cycle"), nil))
	assert.Equal(t, int64(100), h.balance(t, "org-1").Included)
}

func TestSubscriptionDeletedKeepsCredits(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "org-1", "sub_1", "price_pro_monthly")

	raw := subscriptionJSON("sub_1", "cus_org-1", map[string]string{"organization_id": "org-1"}, "price_pro_monthly", firstStart, firstEnd)
	ev := decode(t, "evt_del_1", billing.EventSubscriptionDeleted, raw, nil)
	h.handle(t, ev)
	h.handle(t, ev)

	_, err := h.store.GetPurchaseBySubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billing.ErrPurchaseNotFound)
	assert.Equal(t, int64(100), h.balance(t, "org-1").Included)

	count := 0
	for _, typ := range h.notifier.types() {
		if typ == billing.NotifySubscriptionCancelled {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func checkoutJSON(id, mode string, metadata map[string]string) json.RawMessage {
	data, _ := json.Marshal(map[string]interface{}{
		"id":             id,
		"mode":           mode,
		"customer":       "cus_1",
		"payment_status": "paid",
		"metadata":       metadata,
	})
	return data
}

func TestCreditPackCheckout(t *testing.T) {
	h := newHarness(t)
	h.provider.lineItems["cs_1"] = []string{"price_pack_small"}

	ev := decode(t, "evt_cs_1", billing.EventCheckoutSessionCompleted, checkoutJSON("cs_1", "payment", map[string]string{"organization_id": "org-1"}), nil)
	h.handle(t, ev)
	h.handle(t, ev)

	b := h.balance(t, "org-1")
	assert.Equal(t, int64(50), b.PurchasedCredits)

	purchases, err := h.store.ListPurchases(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, billing.PurchaseTypeOneTime, purchases[0].Type)
	assert.Equal(t, "cs_1", purchases[0].CheckoutSessionID)

	assert.Equal(t, []billing.NotificationType{billing.NotifyCreditsPurchased}, h.notifier.types())
}

func TestCreditPackCheckoutPriceFromMetadata(t *testing.T) {
	h := newHarness(t)
	meta := map[string]string{"organization_id": "org-1", "price_id": "price_pack_large"}

	h.handle(t, decode(t, "evt_cs_1", billing.EventCheckoutSessionCompleted, checkoutJSON("cs_1", "payment", meta), nil))

	assert.Equal(t, int64(250), h.balance(t, "org-1").PurchasedCredits)
}

func TestCreditPackCheckoutWithoutOrganization(t *testing.T) {
	h := newHarness(t)
	h.provider.lineItems["cs_1"] = []string{"price_pack_small"}

	err := h.lc.Handle(context.Background(),
		decode(t, "evt_cs_1", billing.EventCheckoutSessionCompleted, checkoutJSON("cs_1", "payment", map[string]string{"user_id": "u1"}), nil))
	assert.ErrorIs(t, err, billing.ErrMissingMetadata)

	purchases, err := h.store.ListPurchases(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, purchases)
}

func TestOneTimeCheckoutRecordsPurchase(t *testing.T) {
	h := newHarness(t)
	h.provider.lineItems["cs_1"] = []string{"price_consulting"}

	h.handle(t, decode(t, "evt_cs_1", billing.EventCheckoutSessionCompleted, checkoutJSON("cs_1", "payment", map[string]string{"organization_id": "org-1"}), nil))

	purchases, err := h.store.ListPurchases(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, "price_consulting", purchases[0].ProductID)
	_, err = h.ledger.GetBalance(context.Background(), "org-1")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
	assert.Equal(t, []billing.NotificationType{billing.NotifyPurchaseCompleted}, h.notifier.types())
}

func TestSubscriptionCheckoutIgnored(t *testing.T) {
	h := newHarness(t)
	h.handle(t, decode(t, "evt_cs_1", billing.EventCheckoutSessionCompleted, checkoutJSON("cs_1", "subscription", map[string]string{"organization_id": "org-1"}), nil))

	purchases, err := h.store.ListPurchases(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, purchases)
}
