package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/platinummonkey/creditd/pkg/billing"
)

// UpsertPurchase implements billing.PurchaseStore
func (s *Store) UpsertPurchase(ctx context.Context, p *billing.Purchase) error {
	now := s.now().UTC()
	s.write(ctx, func(st *state) {
		var id string
		switch {
		case p.SubscriptionID != "":
			id = st.bySub[p.SubscriptionID]
		case p.CheckoutSessionID != "":
			id = st.bySession[p.CheckoutSessionID]
		}

		if existing, ok := st.purchases[id]; ok {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			if p.OrganizationID == "" {
				p.OrganizationID = existing.OrganizationID
			}
			if p.UserID == "" {
				p.UserID = existing.UserID
			}
		} else {
			p.ID = uuid.New().String()
			p.CreatedAt = now
		}
		p.UpdatedAt = now

		st.purchases[p.ID] = *p
		if p.SubscriptionID != "" {
			st.bySub[p.SubscriptionID] = p.ID
		}
		if p.CheckoutSessionID != "" {
			st.bySession[p.CheckoutSessionID] = p.ID
		}
	})
	return nil
}

// GetPurchaseBySubscription implements billing.PurchaseStore
func (s *Store) GetPurchaseBySubscription(ctx context.Context, subscriptionID string) (*billing.Purchase, error) {
	var (
		out *billing.Purchase
		err = billing.ErrPurchaseNotFound
	)
	s.read(ctx, func(st *state) {
		if p, ok := st.purchases[st.bySub[subscriptionID]]; ok {
			out, err = &p, nil
		}
	})
	return out, err
}

// DeletePurchaseBySubscription implements billing.PurchaseStore
func (s *Store) DeletePurchaseBySubscription(ctx context.Context, subscriptionID string) (bool, error) {
	var deleted bool
	s.write(ctx, func(st *state) {
		id, ok := st.bySub[subscriptionID]
		if !ok {
			return
		}
		delete(st.purchases, id)
		delete(st.bySub, subscriptionID)
		deleted = true
	})
	return deleted, nil
}

// ListPurchases implements billing.PurchaseStore
func (s *Store) ListPurchases(ctx context.Context, orgID string) ([]billing.Purchase, error) {
	var out []billing.Purchase
	s.read(ctx, func(st *state) {
		for _, p := range st.purchases {
			if p.OrganizationID == orgID {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ActiveSubscriptionForOrganization implements billing.PurchaseStore
func (s *Store) ActiveSubscriptionForOrganization(ctx context.Context, orgID string) (*billing.Purchase, error) {
	var out *billing.Purchase
	s.read(ctx, func(st *state) {
		for _, p := range st.purchases {
			if p.OrganizationID != orgID || p.Type != billing.PurchaseTypeSubscription {
				continue
			}
			if out == nil || p.CreatedAt.After(out.CreatedAt) {
				p := p
				out = &p
			}
		}
	})
	if out == nil {
		return nil, billing.ErrPurchaseNotFound
	}
	return out, nil
}

// BindCustomer implements billing.PurchaseStore. An existing binding is kept.
func (s *Store) BindCustomer(ctx context.Context, binding billing.CustomerBinding) error {
	now := s.now().UTC()
	s.write(ctx, func(st *state) {
		if _, ok := st.bindings[binding.CustomerID]; ok {
			return
		}
		if binding.CreatedAt.IsZero() {
			binding.CreatedAt = now
		}
		st.bindings[binding.CustomerID] = binding
	})
	return nil
}

// GetCustomerBinding implements billing.PurchaseStore
func (s *Store) GetCustomerBinding(ctx context.Context, customerID string) (*billing.CustomerBinding, error) {
	var (
		out *billing.CustomerBinding
		err = billing.ErrCustomerNotFound
	)
	s.read(ctx, func(st *state) {
		if b, ok := st.bindings[customerID]; ok {
			out, err = &b, nil
		}
	})
	return out, err
}
