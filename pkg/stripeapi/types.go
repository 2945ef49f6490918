package stripeapi

import "time"

// Subscription is the part of a provider subscription object creditd reads
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// SubscriptionItem is one priced line of a subscription
type SubscriptionItem struct {
	ID    string `json:"id"`
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// OrganizationID returns the organization_id metadata value
func (s *Subscription) OrganizationID() string {
	return s.Metadata["organization_id"]
}

// UserID returns the user_id metadata value
func (s *Subscription) UserID() string {
	return s.Metadata["user_id"]
}

// PlanPriceID returns the price of the first item that is not the metered
// overage price. Plans are single-item subscriptions plus an optional
// metered item.
func (s *Subscription) PlanPriceID(overagePriceID string) string {
	for _, item := range s.Items.Data {
		if item.Price.ID != "" && item.Price.ID != overagePriceID {
			return item.Price.ID
		}
	}
	return ""
}

// ItemForPrice returns the subscription item billed under priceID
func (s *Subscription) ItemForPrice(priceID string) (SubscriptionItem, bool) {
	for _, item := range s.Items.Data {
		if item.Price.ID == priceID {
			return item, true
		}
	}
	return SubscriptionItem{}, false
}

// Period returns the current billing period. Newer API versions carry the
// period on items; older ones on the subscription itself.
func (s *Subscription) Period() (start, end time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if startUnix == 0 || endUnix == 0 {
		for _, item := range s.Items.Data {
			if item.CurrentPeriodStart != 0 && item.CurrentPeriodEnd != 0 {
				startUnix, endUnix = item.CurrentPeriodStart, item.CurrentPeriodEnd
				break
			}
		}
	}
	if startUnix == 0 || endUnix == 0 {
		return time.Time{}, time.Time{}
	}
	return time.Unix(startUnix, 0).UTC(), time.Unix(endUnix, 0).UTC()
}

// Invoice billing reasons
const (
	BillingReasonSubscriptionCycle  = "subscription_cycle"
	BillingReasonSubscriptionCreate = "subscription_create"
	BillingReasonSubscriptionUpdate = "subscription_update"
)

// Invoice is the part of a provider invoice creditd reads
type Invoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	BillingReason string `json:"billing_reason"`
	Subscription  string `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the invoiced subscription from either payload shape
func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

// Checkout session modes
const (
	CheckoutModePayment      = "payment"
	CheckoutModeSubscription = "subscription"
)

// CheckoutSession is the part of a provider checkout session creditd reads
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// OrganizationID returns the organization_id metadata value
func (c *CheckoutSession) OrganizationID() string {
	return c.Metadata["organization_id"]
}

// UserID returns the user_id metadata value
func (c *CheckoutSession) UserID() string {
	return c.Metadata["user_id"]
}

// UsageAction is how a usage record combines with earlier records in a period
type UsageAction string

const (
	// UsageActionSet replaces the period's usage; repeating it is harmless
	UsageActionSet UsageAction = "set"
	// UsageActionIncrement adds to the period's usage
	UsageActionIncrement UsageAction = "increment"
)

// UsageRecordParams describes a metered usage report
type UsageRecordParams struct {
	SubscriptionItemID string
	Quantity           int64
	Timestamp          time.Time
	Action             UsageAction
}

// UsageRecord is the provider's acknowledgement of a usage report
type UsageRecord struct {
	ID               string `json:"id"`
	Quantity         int64  `json:"quantity"`
	Timestamp        int64  `json:"timestamp"`
	SubscriptionItem string `json:"subscription_item"`
	Livemode         bool   `json:"livemode"`
}
