// Package memory is an in-process storage backend for the ledger and the
// purchase records. It serves development setups and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/storage"
)

type txKey struct{ s *Store }

type state struct {
	balances  map[string]ledger.Balance
	txns      []ledger.Transaction
	keys      map[string]int
	seq       int64
	purchases map[string]billing.Purchase
	bySub     map[string]string
	bySession map[string]string
	bindings  map[string]billing.CustomerBinding
}

func newState() *state {
	return &state{
		balances:  make(map[string]ledger.Balance),
		keys:      make(map[string]int),
		purchases: make(map[string]billing.Purchase),
		bySub:     make(map[string]string),
		bySession: make(map[string]string),
		bindings:  make(map[string]billing.CustomerBinding),
	}
}

func (st *state) clone() *state {
	c := &state{
		balances:  make(map[string]ledger.Balance, len(st.balances)),
		txns:      make([]ledger.Transaction, len(st.txns)),
		keys:      make(map[string]int, len(st.keys)),
		seq:       st.seq,
		purchases: make(map[string]billing.Purchase, len(st.purchases)),
		bySub:     make(map[string]string, len(st.bySub)),
		bySession: make(map[string]string, len(st.bySession)),
		bindings:  make(map[string]billing.CustomerBinding, len(st.bindings)),
	}
	copy(c.txns, st.txns)
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.keys {
		c.keys[k] = v
	}
	for k, v := range st.purchases {
		c.purchases[k] = v
	}
	for k, v := range st.bySub {
		c.bySub[k] = v
	}
	for k, v := range st.bySession {
		c.bySession[k] = v
	}
	for k, v := range st.bindings {
		c.bindings[k] = v
	}
	return c
}

// Store implements ledger.Store and billing.PurchaseStore in memory.
// A transaction holds the store lock until it finishes, so transactions
// are fully serialized; a failed transaction restores the prior state.
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

var (
	_ ledger.Store          = (*Store)(nil)
	_ billing.PurchaseStore = (*Store)(nil)
)

func (s *Store) inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{s}).(bool)
	return ok
}

// WithTx implements storage.TxRunner
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	ctx, hooks := storage.BeginHooks(ctx)
	s.mu.Lock()
	snapshot := s.st.clone()
	err := fn(context.WithValue(ctx, txKey{s}, true))
	if err != nil {
		s.st = snapshot
	}
	s.mu.Unlock()

	if err != nil {
		hooks.Discard()
		return err
	}
	hooks.Run()
	return nil
}

// read runs fn under the read lock unless ctx already holds the store
func (s *Store) read(ctx context.Context, fn func(st *state)) {
	if !s.inTx(ctx) {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	fn(s.st)
}

// write runs fn under the write lock unless ctx already holds the store
func (s *Store) write(ctx context.Context, fn func(st *state)) {
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fn(s.st)
}

// HealthCheck implements storage.HealthChecker
func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// LockBalance implements ledger.Store
func (s *Store) LockBalance(ctx context.Context, orgID string) (*ledger.Balance, error) {
	return s.GetBalance(ctx, orgID)
}

// EnsureBalance implements ledger.Store
func (s *Store) EnsureBalance(ctx context.Context, b *ledger.Balance) (*ledger.Balance, error) {
	var out ledger.Balance
	s.write(ctx, func(st *state) {
		existing, ok := st.balances[b.OrganizationID]
		if !ok {
			existing = *b
			if existing.ID == "" {
				existing.ID = uuid.New().String()
			}
			st.balances[b.OrganizationID] = existing
		}
		out = existing
	})
	return &out, nil
}

// UpdateBalance implements ledger.Store
func (s *Store) UpdateBalance(ctx context.Context, b *ledger.Balance) error {
	var err error
	s.write(ctx, func(st *state) {
		if _, ok := st.balances[b.OrganizationID]; !ok {
			err = ledger.ErrBalanceNotFound
			return
		}
		st.balances[b.OrganizationID] = *b
	})
	return err
}

// InsertTransaction implements ledger.Store
func (s *Store) InsertTransaction(ctx context.Context, t *ledger.Transaction) error {
	var err error
	s.write(ctx, func(st *state) {
		if t.IdempotencyKey != "" {
			if _, taken := st.keys[t.IdempotencyKey]; taken {
				err = ledger.ErrDuplicateIdempotencyKey
				return
			}
		}
		st.seq++
		t.Sequence = st.seq
		st.txns = append(st.txns, *t)
		if t.IdempotencyKey != "" {
			st.keys[t.IdempotencyKey] = len(st.txns) - 1
		}
	})
	return err
}

// GetTransactionByIdempotencyKey implements ledger.Store
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	var (
		out *ledger.Transaction
		err = ledger.ErrTransactionNotFound
	)
	s.read(ctx, func(st *state) {
		if i, ok := st.keys[key]; ok {
			t := st.txns[i]
			out, err = &t, nil
		}
	})
	return out, err
}

// GetBalance implements ledger.Store
func (s *Store) GetBalance(ctx context.Context, orgID string) (*ledger.Balance, error) {
	var (
		out *ledger.Balance
		err = ledger.ErrBalanceNotFound
	)
	s.read(ctx, func(st *state) {
		if b, ok := st.balances[orgID]; ok {
			out, err = &b, nil
		}
	})
	return out, err
}

func (st *state) orgTransactions(orgID string, from, to time.Time) []ledger.Transaction {
	var out []ledger.Transaction
	for _, t := range st.txns {
		if t.OrganizationID != orgID {
			continue
		}
		if !from.IsZero() && t.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !t.CreatedAt.Before(to) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ListTransactions implements ledger.Store
func (s *Store) ListTransactions(ctx context.Context, orgID string, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	var matched []ledger.Transaction
	s.read(ctx, func(st *state) {
		types := make(map[ledger.TransactionType]bool, len(filter.Types))
		for _, t := range filter.Types {
			types[t] = true
		}
		for _, t := range st.orgTransactions(orgID, filter.From, filter.To) {
			if len(types) > 0 && !types[t.Type] {
				continue
			}
			matched = append(matched, t)
		}
	})

	sort.Slice(matched, func(i, j int) bool {
		if filter.Ascending {
			return matched[i].Sequence < matched[j].Sequence
		}
		return matched[i].Sequence > matched[j].Sequence
	})

	total := len(matched)
	if filter.Offset >= total {
		return []ledger.Transaction{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// UsageByTool implements ledger.Store
func (s *Store) UsageByTool(ctx context.Context, orgID string, from, to time.Time) ([]ledger.ToolUsage, error) {
	var txns []ledger.Transaction
	s.read(ctx, func(st *state) {
		txns = st.orgTransactions(orgID, from, to)
	})
	return ledger.AggregateByTool(txns), nil
}

// UsageByPeriod implements ledger.Store
func (s *Store) UsageByPeriod(ctx context.Context, orgID string, g ledger.Granularity, from, to time.Time) ([]ledger.PeriodUsage, error) {
	var txns []ledger.Transaction
	s.read(ctx, func(st *state) {
		txns = st.orgTransactions(orgID, from, to)
	})
	return ledger.AggregateByPeriod(txns, g), nil
}

// ListBalancesWithOverage implements ledger.Store
func (s *Store) ListBalancesWithOverage(ctx context.Context) ([]ledger.Balance, error) {
	var out []ledger.Balance
	s.read(ctx, func(st *state) {
		for _, b := range st.balances {
			if b.Overage > 0 {
				out = append(out, b)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].OrganizationID < out[j].OrganizationID
	})
	return out, nil
}
