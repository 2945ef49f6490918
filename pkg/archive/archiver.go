package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/platinummonkey/creditd/pkg/async"
	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
)

const (
	contentType = "application/x-ndjson"
	keyTime     = "20060102T150405Z"
)

// TransactionLister reads an organization's transaction history
type TransactionLister interface {
	ListTransactions(ctx context.Context, orgID string, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error)
}

// Archiver exports the statement of every closed billing period as JSON
// Lines: one header line followed by the period's transactions in order.
type Archiver struct {
	txns    TransactionLister
	store   ObjectStore
	pool    *async.WorkerPool
	prefix  string
	logger  *observability.Logger
}

var _ billing.PeriodCloser = (*Archiver)(nil)

// NewArchiver creates an Archiver. With a nil pool, PeriodClosed uploads
// synchronously.
func NewArchiver(txns TransactionLister, store ObjectStore, pool *async.WorkerPool, prefix string, logger *observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if prefix == "" {
		prefix = "statements"
	}
	return &Archiver{
		txns:    txns,
		store:   store,
		pool:    pool,
		prefix:  prefix,
		logger:  logger.WithField("component", "statement-archive"),
	}
}

// StatementHeader is the first line of a statement
type StatementHeader struct {
	Record         string         `json:"record"`
	OrganizationID string         `json:"organization_id"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	PeriodStart    time.Time      `json:"period_start"`
	PeriodEnd      time.Time      `json:"period_end"`
	ClosedAt       time.Time      `json:"closed_at"`
	Final          ledger.Balance `json:"final_balance"`
	Transactions   int            `json:"transactions"`
}

// StatementLine is one transaction of a statement
type StatementLine struct {
	Record string `json:"record"`
	ledger.Transaction
}

// Key returns the object key of a period's statement
func (a *Archiver) Key(p billing.ClosedPeriod) string {
	return path.Join(a.prefix, p.OrganizationID,
		p.PeriodStart.UTC().Format(keyTime)+"_"+p.PeriodEnd.UTC().Format(keyTime)+".jsonl")
}

// PeriodClosed implements billing.PeriodCloser
func (a *Archiver) PeriodClosed(ctx context.Context, p billing.ClosedPeriod) {
	if a.pool == nil {
		if _, err := a.Archive(ctx, p); err != nil {
			a.logger.WithError(err).WithField("organization_id", p.OrganizationID).Error("Statement export failed")
		}
		return
	}
	err := a.pool.Submit(func(ctx context.Context) error {
		_, err := a.Archive(ctx, p)
		return err
	})
	if err != nil {
		a.logger.WithError(err).WithField("organization_id", p.OrganizationID).Error("Failed to queue statement export")
	}
}

// Archive writes the statement of p and returns its key
func (a *Archiver) Archive(ctx context.Context, p billing.ClosedPeriod) (string, error) {
	txns, _, err := a.txns.ListTransactions(ctx, p.OrganizationID, ledger.TransactionFilter{
		From:      p.PeriodStart,
		To:        p.ClosedAt,
		Ascending: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list statement transactions: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(StatementHeader{
		Record:         "statement",
		OrganizationID: p.OrganizationID,
		SubscriptionID: p.SubscriptionID,
		PeriodStart:    p.PeriodStart.UTC(),
		PeriodEnd:      p.PeriodEnd.UTC(),
		ClosedAt:       p.ClosedAt.UTC(),
		Final:          p.Final,
		Transactions:   len(txns),
	}); err != nil {
		return "", fmt.Errorf("failed to encode statement header: %w", err)
	}
	for _, t := range txns {
		if err := enc.Encode(StatementLine{Record: "transaction", Transaction: t}); err != nil {
			return "", fmt.Errorf("failed to encode transaction %s: %w", t.ID, err)
		}
	}

	key := a.Key(p)
	if err := a.store.PutObject(ctx, key, buf.Bytes(), contentType, map[string]string{
		"organization-id": p.OrganizationID,
		"transactions":    strconv.Itoa(len(txns)),
	}); err != nil {
		return "", err
	}

	a.logger.WithFields(map[string]interface{}{
		"organization_id": p.OrganizationID,
		"key":             key,
		"transactions":    len(txns),
	}).Info("Statement exported")
	return key, nil
}
