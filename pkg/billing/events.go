package billing

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"

	"github.com/platinummonkey/creditd/pkg/stripeapi"
)

// Provider event types the lifecycle consumes
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaid              = "invoice.paid"
)

// Event is a validated provider event. The concrete types are
// CheckoutCompleted, SubscriptionCreated, SubscriptionUpdated,
// SubscriptionDeleted and InvoicePaid.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type eventHeader struct {
	ID   string
	Type string
}

func (h eventHeader) EventID() string   { return h.ID }
func (h eventHeader) EventType() string { return h.Type }
func (eventHeader) isEvent()            {}

// CheckoutCompleted is a finished checkout session
type CheckoutCompleted struct {
	eventHeader
	Session stripeapi.CheckoutSession
}

// SubscriptionCreated is a new subscription
type SubscriptionCreated struct {
	eventHeader
	Subscription stripeapi.Subscription
}

// SubscriptionUpdated is a changed subscription. PreviousPriceIDs holds the
// item prices before the change when the provider reported them.
type SubscriptionUpdated struct {
	eventHeader
	Subscription     stripeapi.Subscription
	PreviousPriceIDs []string
}

// SubscriptionDeleted is a cancelled subscription
type SubscriptionDeleted struct {
	eventHeader
	Subscription stripeapi.Subscription
}

// InvoicePaid is a paid invoice
type InvoicePaid struct {
	eventHeader
	Invoice stripeapi.Invoice
}

// previousItems is the items shape inside previous_attributes
type previousItems struct {
	Items *struct {
		Data []stripeapi.SubscriptionItem `json:"data"`
	} `json:"items"`
}

// DecodeEvent turns a verified provider event into a typed Event.
// Unknown types return ErrUnhandledEvent; malformed payloads ErrInvalidEvent.
func DecodeEvent(evt stripe.Event) (Event, error) {
	header := eventHeader{ID: evt.ID, Type: string(evt.Type)}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}

	switch header.Type {
	case EventCheckoutSessionCompleted, EventSubscriptionCreated, EventSubscriptionUpdated,
		EventSubscriptionDeleted, EventInvoicePaid:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, header.Type)
	}

	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s has no data", ErrInvalidEvent, header.Type)
	}
	raw := evt.Data.Raw

	switch header.Type {
	case EventCheckoutSessionCompleted:
		var session stripeapi.CheckoutSession
		if err := decodeObject(raw, &session); err != nil {
			return nil, err
		}
		if session.ID == "" {
			return nil, fmt.Errorf("%w: checkout session without id", ErrInvalidEvent)
		}
		return &CheckoutCompleted{eventHeader: header, Session: session}, nil

	case EventInvoicePaid:
		var inv stripeapi.Invoice
		if err := decodeObject(raw, &inv); err != nil {
			return nil, err
		}
		if inv.ID == "" {
			return nil, fmt.Errorf("%w: invoice without id", ErrInvalidEvent)
		}
		return &InvoicePaid{eventHeader: header, Invoice: inv}, nil
	}

	var sub stripeapi.Subscription
	if err := decodeObject(raw, &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", ErrInvalidEvent)
	}

	switch header.Type {
	case EventSubscriptionCreated:
		return &SubscriptionCreated{eventHeader: header, Subscription: sub}, nil
	case EventSubscriptionDeleted:
		return &SubscriptionDeleted{eventHeader: header, Subscription: sub}, nil
	default:
		ev := &SubscriptionUpdated{eventHeader: header, Subscription: sub}
		prev, err := previousPriceIDs(evt.Data.PreviousAttributes)
		if err != nil {
			return nil, err
		}
		ev.PreviousPriceIDs = prev
		return ev, nil
	}
}

func decodeObject(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func previousPriceIDs(attrs map[string]interface{}) ([]string, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: previous attributes: %v", ErrInvalidEvent, err)
	}
	var prev previousItems
	if err := json.Unmarshal(data, &prev); err != nil {
		return nil, fmt.Errorf("%w: previous attributes: %v", ErrInvalidEvent, err)
	}
	if prev.Items == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(prev.Items.Data))
	for _, item := range prev.Items.Data {
		if item.Price.ID != "" {
			ids = append(ids, item.Price.ID)
		}
	}
	return ids, nil
}
