package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/creditd/pkg/billing"
)

const purchaseColumns = `id, COALESCE(subscription_id, ''), COALESCE(checkout_session_id, ''),
	organization_id, user_id, customer_id, type, product_id, status, created_at, updated_at`

// upsertPurchaseSQL takes the conflict column; an empty organization or
// user never overwrites a stored one.
const upsertPurchaseSQL = `
	INSERT INTO purchases
		(id, subscription_id, checkout_session_id, organization_id, user_id, customer_id, type, product_id, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	ON CONFLICT (%s) DO UPDATE SET
		organization_id = COALESCE(NULLIF(EXCLUDED.organization_id, ''), purchases.organization_id),
		user_id         = COALESCE(NULLIF(EXCLUDED.user_id, ''), purchases.user_id),
		customer_id     = COALESCE(NULLIF(EXCLUDED.customer_id, ''), purchases.customer_id),
		product_id      = EXCLUDED.product_id,
		status          = EXCLUDED.status,
		updated_at      = EXCLUDED.updated_at
	RETURNING id, organization_id, user_id, created_at, updated_at`

func scanPurchase(row rowScanner) (*billing.Purchase, error) {
	var (
		p   billing.Purchase
		typ string
	)
	if err := row.Scan(&p.ID, &p.SubscriptionID, &p.CheckoutSessionID, &p.OrganizationID, &p.UserID,
		&p.CustomerID, &typ, &p.ProductID, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Type = billing.PurchaseType(typ)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// UpsertPurchase implements billing.PurchaseStore
func (s *Store) UpsertPurchase(ctx context.Context, p *billing.Purchase) error {
	conflict := "subscription_id"
	if p.SubscriptionID == "" {
		if p.CheckoutSessionID == "" {
			return fmt.Errorf("purchase needs a subscription or checkout session id")
		}
		conflict = "checkout_session_id"
	}

	err := s.writer(ctx).QueryRowContext(ctx, fmt.Sprintf(upsertPurchaseSQL, conflict),
		uuid.New().String(), nullString(p.SubscriptionID), nullString(p.CheckoutSessionID),
		p.OrganizationID, p.UserID, p.CustomerID, string(p.Type), p.ProductID, p.Status, s.now().UTC(),
	).Scan(&p.ID, &p.OrganizationID, &p.UserID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert purchase: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return nil
}

// GetPurchaseBySubscription implements billing.PurchaseStore
func (s *Store) GetPurchaseBySubscription(ctx context.Context, subscriptionID string) (*billing.Purchase, error) {
	p, err := scanPurchase(s.writer(ctx).QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE subscription_id = $1`, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

// DeletePurchaseBySubscription implements billing.PurchaseStore
func (s *Store) DeletePurchaseBySubscription(ctx context.Context, subscriptionID string) (bool, error) {
	res, err := s.writer(ctx).ExecContext(ctx, `DELETE FROM purchases WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete purchase: %w", err)
	}
	return n > 0, nil
}

// ListPurchases implements billing.PurchaseStore
func (s *Store) ListPurchases(ctx context.Context, orgID string) ([]billing.Purchase, error) {
	rows, err := s.reader(ctx).QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var out []billing.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ActiveSubscriptionForOrganization implements billing.PurchaseStore
func (s *Store) ActiveSubscriptionForOrganization(ctx context.Context, orgID string) (*billing.Purchase, error) {
	p, err := scanPurchase(s.writer(ctx).QueryRowContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE organization_id = $1 AND type = $2
		ORDER BY created_at DESC
		LIMIT 1`, orgID, string(billing.PurchaseTypeSubscription)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return p, nil
}

// BindCustomer implements billing.PurchaseStore. An existing binding is kept.
func (s *Store) BindCustomer(ctx context.Context, binding billing.CustomerBinding) error {
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = s.now().UTC()
	}
	_, err := s.writer(ctx).ExecContext(ctx, `
		INSERT INTO billing_customers (customer_id, organization_id, user_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (customer_id) DO NOTHING`,
		binding.CustomerID, binding.OrganizationID, binding.UserID, binding.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to bind customer: %w", err)
	}
	return nil
}

// GetCustomerBinding implements billing.PurchaseStore
func (s *Store) GetCustomerBinding(ctx context.Context, customerID string) (*billing.CustomerBinding, error) {
	var b billing.CustomerBinding
	err := s.writer(ctx).QueryRowContext(ctx, `
		SELECT customer_id, organization_id, user_id, created_at
		FROM billing_customers WHERE customer_id = $1`, customerID,
	).Scan(&b.CustomerID, &b.OrganizationID, &b.UserID, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer binding: %w", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}
