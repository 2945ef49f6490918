package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/creditd/pkg/storage/postgres")

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

type txKey struct{ s *Store }

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store implements ledger.Store and billing.PurchaseStore on PostgreSQL.
// Transactions travel in the context; balance rows are locked with
// SELECT ... FOR UPDATE, and the unique idempotency_key column is the
// final duplicate gate.
type Store struct {
	conns  *ConnectionManager
	logger *observability.Logger
	now    func() time.Time
}

var (
	_ ledger.Store          = (*Store)(nil)
	_ billing.PurchaseStore = (*Store)(nil)
)

// NewStore creates a store on top of conns
func NewStore(conns *ConnectionManager, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Store{conns: conns, logger: logger, now: time.Now}
}

// HealthCheck implements storage.HealthChecker
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conns.HealthCheck(ctx)
}

func (s *Store) tx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{s}).(*sql.Tx)
	return tx, ok
}

// writer returns the current transaction or the primary
func (s *Store) writer(ctx context.Context) querier {
	if tx, ok := s.tx(ctx); ok {
		return tx
	}
	return s.conns.Primary()
}

// reader returns the current transaction or a replica
func (s *Store) reader(ctx context.Context) querier {
	if tx, ok := s.tx(ctx); ok {
		return tx
	}
	return s.conns.Replica()
}

// WithTx implements storage.TxRunner
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := s.tx(ctx); ok {
		return fn(ctx)
	}

	ctx, hooks := storage.BeginHooks(ctx)
	tx, err := s.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			hooks.Discard()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{s}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WithError(rbErr).Warn("Rollback failed")
		}
		hooks.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		hooks.Discard()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	hooks.Run()
	return nil
}

const balanceColumns = `id, organization_id, period_start, period_end, included, used, overage,
	purchased_credits, created_at, updated_at, purchased_used`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBalance(row rowScanner) (*ledger.Balance, error) {
	var (
		b          ledger.Balance
		start, end sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.OrganizationID, &start, &end, &b.Included, &b.Used, &b.Overage,
		&b.PurchasedCredits, &b.CreatedAt, &b.UpdatedAt, &b.PurchasedUsed); err != nil {
		return nil, err
	}
	if start.Valid {
		b.PeriodStart = start.Time.UTC()
	}
	if end.Valid {
		b.PeriodEnd = end.Time.UTC()
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// LockBalance implements ledger.Store
func (s *Store) LockBalance(ctx context.Context, orgID string) (*ledger.Balance, error) {
	b, err := scanBalance(s.writer(ctx).QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM credit_balances WHERE organization_id = $1 FOR UPDATE`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, nil
}

// EnsureBalance implements ledger.Store
func (s *Store) EnsureBalance(ctx context.Context, b *ledger.Balance) (*ledger.Balance, error) {
	_, err := s.writer(ctx).ExecContext(ctx, `
		INSERT INTO credit_balances (id, organization_id, included, used, overage, purchased_credits, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, 0, $3, $4)
		ON CONFLICT (organization_id) DO NOTHING`,
		b.ID, b.OrganizationID, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}
	return s.LockBalance(ctx, b.OrganizationID)
}

// UpdateBalance implements ledger.Store
func (s *Store) UpdateBalance(ctx context.Context, b *ledger.Balance) error {
	res, err := s.writer(ctx).ExecContext(ctx, `
		UPDATE credit_balances
		SET period_start = $2, period_end = $3, included = $4, used = $5, overage = $6,
		    purchased_credits = $7, updated_at = $8, purchased_used = $9
		WHERE organization_id = $1`,
		b.OrganizationID, nullTime(b.PeriodStart), nullTime(b.PeriodEnd), b.Included, b.Used, b.Overage,
		b.PurchasedCredits, b.UpdatedAt, b.PurchasedUsed)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrBalanceNotFound
	}
	return nil
}

// InsertTransaction implements ledger.Store. A taken idempotency key makes
// the insert a no-op, which leaves the surrounding transaction usable.
func (s *Store) InsertTransaction(ctx context.Context, t *ledger.Transaction) error {
	ctx, span := tracer.Start(ctx, "postgres.InsertTransaction", trace.WithAttributes(
		attribute.String("ledger.type", string(t.Type)),
	))
	defer span.End()

	err := s.writer(ctx).QueryRowContext(ctx, `
		INSERT INTO credit_transactions
			(id, balance_id, organization_id, amount, type, tool_slug, job_id, description, idempotency_key, created_at,
			 from_purchased, overage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING seq`,
		t.ID, t.BalanceID, t.OrganizationID, t.Amount, string(t.Type), t.ToolSlug, t.JobID, t.Description,
		nullString(t.IdempotencyKey), t.CreatedAt, t.FromPurchased, t.Overage,
	).Scan(&t.Sequence)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ledger.ErrDuplicateIdempotencyKey
	case isUniqueViolation(err):
		return ledger.ErrDuplicateIdempotencyKey
	case err != nil:
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `seq, id, balance_id, organization_id, amount, type, tool_slug, job_id,
	description, COALESCE(idempotency_key, ''), created_at, from_purchased, overage`

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		t   ledger.Transaction
		typ string
	)
	if err := row.Scan(&t.Sequence, &t.ID, &t.BalanceID, &t.OrganizationID, &t.Amount, &typ, &t.ToolSlug,
		&t.JobID, &t.Description, &t.IdempotencyKey, &t.CreatedAt, &t.FromPurchased,
		&t.Overage); err != nil {
		return nil, err
	}
	t.Type = ledger.TransactionType(typ)
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// GetTransactionByIdempotencyKey implements ledger.Store
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	t, err := scanTransaction(s.writer(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return t, nil
}

// GetBalance implements ledger.Store
func (s *Store) GetBalance(ctx context.Context, orgID string) (*ledger.Balance, error) {
	b, err := scanBalance(s.writer(ctx).QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM credit_balances WHERE organization_id = $1`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// transactionWhere builds the shared filter of listing queries
func transactionWhere(orgID string, f ledger.TransactionFilter) (string, []interface{}) {
	conds := []string{"organization_id = $1"}
	args := []interface{}{orgID}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		conds = append(conds, fmt.Sprintf("type = ANY($%d)", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

// ListTransactions implements ledger.Store
func (s *Store) ListTransactions(ctx context.Context, orgID string, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	q := s.reader(ctx)
	where, args := transactionWhere(orgID, f)

	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	query := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE ` + where + ` ORDER BY seq ` + order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txns := []ledger.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, total, nil
}

// UsageByTool implements ledger.Store
func (s *Store) UsageByTool(ctx context.Context, orgID string, from, to time.Time) ([]ledger.ToolUsage, error) {
	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT tool_slug,
		       COALESCE(SUM(CASE WHEN type = 'USAGE' THEN -amount ELSE 0 END), 0) AS used,
		       COALESCE(SUM(CASE WHEN type = 'REFUND' THEN amount ELSE 0 END), 0) AS refunded,
		       COUNT(*) FILTER (WHERE type = 'USAGE') AS jobs
		FROM credit_transactions
		WHERE organization_id = $1
		  AND type IN ('USAGE', 'REFUND')
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		GROUP BY tool_slug
		ORDER BY used - refunded DESC, tool_slug`,
		orgID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage by tool: %w", err)
	}
	defer rows.Close()

	out := []ledger.ToolUsage{}
	for rows.Next() {
		var u ledger.ToolUsage
		if err := rows.Scan(&u.ToolSlug, &u.Used, &u.Refunded, &u.Jobs); err != nil {
			return nil, fmt.Errorf("failed to scan tool usage: %w", err)
		}
		u.Net = u.Used - u.Refunded
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageByPeriod implements ledger.Store. Buckets are computed in UTC;
// PostgreSQL weeks start on Monday.
func (s *Store) UsageByPeriod(ctx context.Context, orgID string, g ledger.Granularity, from, to time.Time) ([]ledger.PeriodUsage, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("unknown granularity %q", g)
	}
	rows, err := s.reader(ctx).QueryContext(ctx, `
		SELECT date_trunc($2, created_at AT TIME ZONE 'UTC') AS bucket,
		       COALESCE(SUM(CASE WHEN type = 'USAGE' THEN -amount ELSE 0 END), 0) AS used,
		       COALESCE(SUM(CASE WHEN type = 'REFUND' THEN amount ELSE 0 END), 0) AS refunded
		FROM credit_transactions
		WHERE organization_id = $1
		  AND type IN ('USAGE', 'REFUND')
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		GROUP BY bucket
		ORDER BY bucket`,
		orgID, string(g), nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage by period: %w", err)
	}
	defer rows.Close()

	out := []ledger.PeriodUsage{}
	for rows.Next() {
		var (
			p      ledger.PeriodUsage
			bucket time.Time
		)
		if err := rows.Scan(&bucket, &p.Used, &p.Refunded); err != nil {
			return nil, fmt.Errorf("failed to scan period usage: %w", err)
		}
		p.PeriodStart = time.Date(bucket.Year(), bucket.Month(), bucket.Day(), 0, 0, 0, 0, time.UTC)
		p.Net = p.Used - p.Refunded
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListBalancesWithOverage implements ledger.Store
func (s *Store) ListBalancesWithOverage(ctx context.Context) ([]ledger.Balance, error) {
	rows, err := s.reader(ctx).QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM credit_balances WHERE overage > 0 ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances with overage: %w", err)
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
