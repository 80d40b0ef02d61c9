package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/poolmarket/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache once the
// transaction commits; reads check Redis first then fall back to the
// primary. Concurrent misses for the same key share one primary read.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.setJSON(ctx, marketKey(m.ID), m)
	return nil
}

// InTx records which markets and balances fn touched and evicts them after
// a successful commit. A rolled-back transaction leaves the cache alone.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := &touchedKeys{}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	if keys := touched.list(); len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var cached model.Market
	if s.getJSON(ctx, marketKey(id), &cached) {
		return &cached, nil
	}

	v, err, _ := s.group.Do(marketKey(id), func() (any, error) {
		m, err := s.primary.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		s.setJSON(ctx, marketKey(id), m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Market).Clone(), nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	var cached model.Balance
	if s.getJSON(ctx, balanceKey(userID), &cached) {
		return cached, nil
	}

	v, err, _ := s.group.Do(balanceKey(userID), func() (any, error) {
		b, err := s.primary.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.setJSON(ctx, balanceKey(userID), b)
		return b, nil
	})
	if err != nil {
		return model.Balance{}, err
	}
	return v.(model.Balance), nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListEntriesByMarket(ctx context.Context, marketID string) ([]model.Entry, error) {
	return s.primary.ListEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) ListEntriesByUser(ctx context.Context, userID string) ([]model.Entry, error) {
	return s.primary.ListEntriesByUser(ctx, userID)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache read failed", "key", key, "err", err)
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache write failed", "key", key, "err", err)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func balanceKey(uid string) string { return fmt.Sprintf("balance:%s", uid) }

// touchedKeys collects cache keys written during a transaction. A retried
// transaction may add the same key twice; Del tolerates that.
type touchedKeys struct {
	keys []string
}

func (t *touchedKeys) add(key string) { t.keys = append(t.keys, key) }
func (t *touchedKeys) list() []string { return t.keys }

// cachedTx forwards to the primary Tx and records the keys each write
// invalidates.
type cachedTx struct {
	Tx
	touched *touchedKeys
}

func (t *cachedTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.touched.add(marketKey(m.ID))
	return t.Tx.UpdateMarket(ctx, m)
}

func (t *cachedTx) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	t.touched.add(balanceKey(userID))
	return t.Tx.DebitBalance(ctx, userID, amount)
}

func (t *cachedTx) CreditBalance(ctx context.Context, userID string, kind model.BalanceKind, amount decimal.Decimal) error {
	t.touched.add(balanceKey(userID))
	return t.Tx.CreditBalance(ctx, userID, kind, amount)
}
