package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at startup. credit_transactions is
// append-only: a trigger rejects updates and deletes.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_balances (
		id                TEXT PRIMARY KEY,
		organization_id   TEXT NOT NULL UNIQUE,
		period_start      TIMESTAMPTZ,
		period_end        TIMESTAMPTZ,
		included          BIGINT NOT NULL DEFAULT 0 CHECK (included >= 0),
		used              BIGINT NOT NULL DEFAULT 0 CHECK (used >= 0),
		overage           BIGINT NOT NULL DEFAULT 0 CHECK (overage >= 0),
		purchased_credits BIGINT NOT NULL DEFAULT 0 CHECK (purchased_credits >= 0),
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		purchased_used    BIGINT NOT NULL DEFAULT 0 CHECK (purchased_used >= 0)
	)`,
	`ALTER TABLE credit_balances ADD COLUMN IF NOT EXISTS purchased_used BIGINT NOT NULL DEFAULT 0`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		seq             BIGSERIAL PRIMARY KEY,
		id              TEXT NOT NULL UNIQUE,
		balance_id      TEXT NOT NULL REFERENCES credit_balances(id),
		organization_id TEXT NOT NULL,
		amount          BIGINT NOT NULL,
		type            TEXT NOT NULL,
		tool_slug       TEXT NOT NULL DEFAULT '',
		job_id          TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		created_at      TIMESTAMPTZ NOT NULL,
		from_purchased  BIGINT NOT NULL DEFAULT 0,
		overage         BIGINT NOT NULL DEFAULT 0
	)`,
	`ALTER TABLE credit_transactions ADD COLUMN IF NOT EXISTS from_purchased BIGINT NOT NULL DEFAULT 0`,
	`ALTER TABLE credit_transactions ADD COLUMN IF NOT EXISTS overage BIGINT NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_org_seq_idx
		ON credit_transactions (organization_id, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_org_created_idx
		ON credit_transactions (organization_id, created_at)`,
	`CREATE OR REPLACE FUNCTION credit_transactions_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'credit_transactions is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS credit_transactions_append_only ON credit_transactions`,
	`CREATE TRIGGER credit_transactions_append_only
		BEFORE UPDATE OR DELETE ON credit_transactions
		FOR EACH ROW EXECUTE FUNCTION credit_transactions_append_only()`,
	`CREATE TABLE IF NOT EXISTS purchases (
		id                  TEXT PRIMARY KEY,
		subscription_id     TEXT UNIQUE,
		checkout_session_id TEXT UNIQUE,
		organization_id     TEXT NOT NULL DEFAULT '',
		user_id             TEXT NOT NULL DEFAULT '',
		customer_id         TEXT NOT NULL DEFAULT '',
		type                TEXT NOT NULL,
		product_id          TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS purchases_org_idx ON purchases (organization_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS billing_customers (
		customer_id     TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		user_id         TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.conns.Primary().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}
