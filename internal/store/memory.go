package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the write lock for their whole duration and work on a
// private copy of the state, which replaces the live state only on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	markets    map[string]*model.Market
	entries    map[string]*model.Entry
	entryOrder []string
	balances   map[string]model.Balance
	txns       []model.Transaction
	refs       map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		markets:  make(map[string]*model.Market),
		entries:  make(map[string]*model.Entry),
		balances: make(map[string]model.Balance),
		refs:     make(map[string]bool),
	}}
}

func (st *memState) clone() *memState {
	c := &memState{
		markets:    make(map[string]*model.Market, len(st.markets)),
		entries:    make(map[string]*model.Entry, len(st.entries)),
		entryOrder: append([]string(nil), st.entryOrder...),
		balances:   make(map[string]model.Balance, len(st.balances)),
		txns:       append([]model.Transaction(nil), st.txns...),
		refs:       make(map[string]bool, len(st.refs)),
	}
	for k, m := range st.markets {
		c.markets[k] = m.Clone()
	}
	for k, e := range st.entries {
		cp := *e
		c.entries[k] = &cp
	}
	for k, b := range st.balances {
		c.balances[k] = b
	}
	for k := range st.refs {
		c.refs[k] = true
	}
	return c
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	s.state.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) ListEntriesByMarket(_ context.Context, marketID string) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.filterEntries(func(e *model.Entry) bool { return e.MarketID == marketID }), nil
}

func (s *MemoryStore) ListEntriesByUser(_ context.Context, userID string) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.filterEntries(func(e *model.Entry) bool { return e.UserID == userID }), nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.balance(userID), nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.state.txns {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

// Transactions returns every ledger record. Used by tests to audit
// conservation across users.
func (s *MemoryStore) Transactions() []model.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Transaction(nil), s.state.txns...)
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (st *memState) filterEntries(keep func(*model.Entry) bool) []model.Entry {
	var result []model.Entry
	for _, id := range st.entryOrder {
		if e := st.entries[id]; keep(e) {
			result = append(result, *e)
		}
	}
	return result
}

func (st *memState) balance(userID string) model.Balance {
	b, ok := st.balances[userID]
	if !ok {
		return model.Balance{UserID: userID}
	}
	return b
}

// memTx operates on the private copy owned by one InTx call.
type memTx struct {
	st *memState
}

func (t *memTx) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.ID]; !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	t.st.markets[m.ID] = m.Clone()
	return nil
}

func (t *memTx) GetEntry(_ context.Context, marketID, userID string) (*model.Entry, error) {
	for _, e := range t.st.entries {
		if e.MarketID == marketID && e.UserID == userID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("entry for %s in %s: %w", userID, marketID, ErrNotFound)
}

func (t *memTx) ListEntries(_ context.Context, marketID string) ([]model.Entry, error) {
	return t.st.filterEntries(func(e *model.Entry) bool { return e.MarketID == marketID }), nil
}

func (t *memTx) InsertEntry(_ context.Context, e *model.Entry) error {
	for _, existing := range t.st.entries {
		if existing.MarketID == e.MarketID && existing.UserID == e.UserID {
			return fmt.Errorf("entry for %s in %s: %w", e.UserID, e.MarketID, ErrAlreadyExists)
		}
	}
	if _, ok := t.st.entries[e.ID]; ok {
		return fmt.Errorf("entry %s: %w", e.ID, ErrAlreadyExists)
	}
	cp := *e
	t.st.entries[e.ID] = &cp
	t.st.entryOrder = append(t.st.entryOrder, e.ID)
	return nil
}

func (t *memTx) SettleEntry(_ context.Context, entryID string, status model.EntryStatus, payout decimal.Decimal, at time.Time) error {
	e, ok := t.st.entries[entryID]
	if !ok {
		return fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	if e.Status != model.EntryActive {
		return fmt.Errorf("entry %s: %w", entryID, ErrEntrySettled)
	}
	e.Status = status
	e.PotentialPayout = payout
	settled := at
	e.SettledAt = &settled
	return nil
}

func (t *memTx) CategoryExposures(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	exposures := make(map[string]decimal.Decimal)
	for _, e := range t.st.entries {
		if e.UserID != userID || e.Status != model.EntryActive {
			continue
		}
		category := ""
		if m := t.st.markets[e.MarketID]; m != nil {
			category = m.Category
		}
		exposures[category] = exposures[category].Add(e.Amount)
	}
	return exposures, nil
}

func (t *memTx) GetBalance(_ context.Context, userID string) (model.Balance, error) {
	return t.st.balance(userID), nil
}

func (t *memTx) DebitBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	b := t.st.balance(userID)
	if b.Withdrawable.LessThan(amount) {
		return fmt.Errorf("debit %s from %s: %w", amount, userID, ErrInsufficientFunds)
	}
	b.Withdrawable = b.Withdrawable.Sub(amount)
	t.st.balances[userID] = b
	return nil
}

func (t *memTx) CreditBalance(_ context.Context, userID string, kind model.BalanceKind, amount decimal.Decimal) error {
	b := t.st.balance(userID)
	switch kind {
	case model.Earnings:
		b.Earnings = b.Earnings.Add(amount)
	default:
		b.Withdrawable = b.Withdrawable.Add(amount)
	}
	t.st.balances[userID] = b
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, txn *model.Transaction) error {
	if t.st.refs[txn.Reference] {
		return fmt.Errorf("transaction %s: %w", txn.Reference, ErrAlreadyExists)
	}
	t.st.refs[txn.Reference] = true
	t.st.txns = append(t.st.txns, *txn)
	return nil
}
