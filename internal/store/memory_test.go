package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func seedMarket(t *testing.T, s *MemoryStore) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:         "m1",
		Title:      "Will it rain?",
		Type:       model.TypeBinary,
		Category:   "weather/uk",
		Options:    []model.Option{{ID: "yes", Label: "Yes"}, {ID: "no", Label: "No"}},
		Liquidity:  map[string]decimal.Decimal{"yes": d(500), "no": d(500)},
		CreatedAt:  now,
		ClosesAt:   now.Add(24 * time.Hour),
		Multiplier: d(1),
		Status:     model.StatusOpen,
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m
}

func TestMemoryStore_CreateMarketDuplicate(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s)
	if err := s.CreateMarket(context.Background(), m); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_GetMarketIsolated(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)

	got, _ := s.GetMarket(context.Background(), "m1")
	got.Liquidity["yes"] = d(1)
	got.Options[0].Label = "mutated"

	again, _ := s.GetMarket(context.Background(), "m1")
	if !again.Liquidity["yes"].Equal(d(500)) || again.Options[0].Label != "Yes" {
		t.Error("caller mutation leaked into the store")
	}

	if _, err := s.GetMarket(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_InTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreditBalance(ctx, "alice", model.Withdrawable, d(100)); err != nil {
			return err
		}
		m, _ := tx.GetMarketForUpdate(ctx, "m1")
		m.Status = model.StatusResolved
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	b, _ := s.GetBalance(ctx, "alice")
	if !b.Withdrawable.IsZero() {
		t.Errorf("expected rolled-back balance 0, got %s", b.Withdrawable)
	}
	m, _ := s.GetMarket(ctx, "m1")
	if m.Status != model.StatusOpen {
		t.Errorf("expected rolled-back status open, got %s", m.Status)
	}
}

func TestMemoryStore_DebitInsufficientFunds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreditBalance(ctx, "bob", model.Withdrawable, d(5)); err != nil {
			return err
		}
		return tx.DebitBalance(ctx, "bob", d(5.01))
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestMemoryStore_EntryUniquenessAndSettlement(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)
	ctx := context.Background()

	entry := &model.Entry{ID: "e1", UserID: "alice", MarketID: "m1", OptionID: "yes", Amount: d(4), Status: model.EntryActive, CreatedAt: now}
	if err := s.InTx(ctx, func(tx Tx) error { return tx.InsertEntry(ctx, entry) }); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := *entry
	dup.ID = "e2"
	err := s.InTx(ctx, func(tx Tx) error { return tx.InsertEntry(ctx, &dup) })
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for second entry, got %v", err)
	}

	settle := func() error {
		return s.InTx(ctx, func(tx Tx) error {
			return tx.SettleEntry(ctx, "e1", model.EntryWon, d(7.6), now)
		})
	}
	if err := settle(); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := settle(); !errors.Is(err, ErrEntrySettled) {
		t.Errorf("expected ErrEntrySettled on second settle, got %v", err)
	}

	entries, _ := s.ListEntriesByUser(ctx, "alice")
	if len(entries) != 1 || entries[0].Status != model.EntryWon || !entries[0].PotentialPayout.Equal(d(7.6)) {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestMemoryStore_TransactionReferenceUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn := &model.Transaction{ID: "t1", UserID: "alice", Type: model.TxDeposit, Amount: d(10), Reference: "dep:1", CreatedAt: now}
	if err := s.InTx(ctx, func(tx Tx) error { return tx.AppendTransaction(ctx, txn) }); err != nil {
		t.Fatalf("append: %v", err)
	}
	again := *txn
	again.ID = "t2"
	err := s.InTx(ctx, func(tx Tx) error { return tx.AppendTransaction(ctx, &again) })
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if got, _ := s.ListTransactionsByUser(ctx, "alice"); len(got) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(got))
	}
}

func TestMemoryStore_CategoryExposures(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertEntry(ctx, &model.Entry{ID: "e1", UserID: "alice", MarketID: "m1", OptionID: "yes", Amount: d(4), Status: model.EntryActive}); err != nil {
			return err
		}
		exp, err := tx.CategoryExposures(ctx, "alice")
		if err != nil {
			return err
		}
		if !exp["weather/uk"].Equal(d(4)) {
			t.Errorf("expected exposure 4 in weather/uk, got %v", exp)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_InTxHonoursCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.InTx(ctx, func(Tx) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("expected context.Canceled without running fn, got err=%v called=%v", err, called)
	}
}
