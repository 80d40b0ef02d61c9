package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/limits"
	"github.com/poolmarket/market-engine/internal/listing"
	"github.com/poolmarket/market-engine/internal/model"
	"github.com/poolmarket/market-engine/internal/pricing"
	"github.com/poolmarket/market-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var start = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st     *store.MemoryStore
	engine *pricing.Engine
	ledger *Ledger
	market *model.Market
	now    time.Time
}

func newFixture(t *testing.T, multiplier float64, limiter *limits.StakeLimiter) *fixture {
	t.Helper()
	f := &fixture{st: store.NewMemoryStore(), now: start}
	f.engine = pricing.NewEngine(func() time.Time { return f.now })

	def := listing.Definition{
		Title:      "Will the home side win?",
		Category:   "sports/football/epl",
		Options:    []listing.OptionSpec{{ID: "yes", Label: "Yes"}, {ID: "no", Label: "No"}},
		ClosesAt:   start.Add(100 * time.Hour),
		Multiplier: d(multiplier),
	}
	m, err := listing.NewBuilder(f.engine, d(500)).Build(def, "admin", model.RolePlatform)
	if err != nil {
		t.Fatalf("build market: %v", err)
	}
	if err := f.st.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("create market: %v", err)
	}
	f.market = m
	f.ledger = New(f.st, f.engine, limiter, decimal.Zero)
	return f
}

func (f *fixture) fund(t *testing.T, user string, amount float64) {
	t.Helper()
	if _, err := f.ledger.Deposit(context.Background(), user, d(amount), ""); err != nil {
		t.Fatalf("deposit %s: %v", user, err)
	}
}

func (f *fixture) reload(t *testing.T) *model.Market {
	t.Helper()
	m, err := f.st.GetMarket(context.Background(), f.market.ID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	return m
}

func TestPlace_LocksPriceAndAddsLiquidity(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.fund(t, "alice", 10)

	r, err := f.ledger.Place(context.Background(), "alice", f.market.ID, "yes")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !r.Entry.Amount.Equal(d(4)) {
		t.Errorf("expected fresh binary price 4.00, got %s", r.Entry.Amount)
	}
	if !r.Entry.PotentialPayout.Equal(d(20)) {
		t.Errorf("expected nominal payout 20, got %s", r.Entry.PotentialPayout)
	}
	if r.Entry.Status != model.EntryActive {
		t.Errorf("expected active entry, got %s", r.Entry.Status)
	}
	if !r.Balance.Withdrawable.Equal(d(6)) {
		t.Errorf("expected balance 6 after paying 4, got %s", r.Balance.Withdrawable)
	}

	m := f.reload(t)
	if !m.Liquidity["yes"].Equal(d(504)) || !m.Liquidity["no"].Equal(d(500)) {
		t.Errorf("expected liquidity 504/500, got %s/%s", m.Liquidity["yes"], m.Liquidity["no"])
	}
	if !m.Options[0].Price.GreaterThan(m.Options[1].Price) {
		t.Errorf("expected yes to reprice above no: %s vs %s", m.Options[0].Price, m.Options[1].Price)
	}

	txns, _ := f.st.ListTransactionsByUser(context.Background(), "alice")
	if len(txns) != 2 || txns[1].Type != model.TxEntry || !txns[1].Amount.Equal(d(-4)) {
		t.Errorf("unexpected ledger: %+v", txns)
	}
}

func TestPlace_HighRollerMultiplier(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.fund(t, "alice", 100)

	r, err := f.ledger.Place(context.Background(), "alice", f.market.ID, "no")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !r.Entry.Amount.Equal(d(8)) || !r.Entry.PotentialPayout.Equal(d(40)) {
		t.Errorf("expected price 8 and payout 40, got %s / %s", r.Entry.Amount, r.Entry.PotentialPayout)
	}
}

func TestPlace_PriceNeverRecalculated(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.fund(t, "alice", 10)
	f.fund(t, "bob", 10)
	ctx := context.Background()

	first, _ := f.ledger.Place(ctx, "alice", f.market.ID, "yes")
	if _, err := f.ledger.Place(ctx, "bob", f.market.ID, "yes"); err != nil {
		t.Fatalf("place: %v", err)
	}
	entries, _ := f.st.ListEntriesByUser(ctx, "alice")
	if !entries[0].Amount.Equal(first.Entry.Amount) {
		t.Errorf("locked price changed from %s to %s", first.Entry.Amount, entries[0].Amount)
	}
}

func TestPlace_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		option string
		setup  func(t *testing.T, f *fixture)
		want   error
	}{
		{
			name: "duplicate entry", user: "alice", option: "no",
			setup: func(t *testing.T, f *fixture) {
				if _, err := f.ledger.Place(context.Background(), "alice", f.market.ID, "yes"); err != nil {
					t.Fatal(err)
				}
			},
			want: model.ErrDuplicateEntry,
		},
		{
			name: "unknown option", user: "alice", option: "maybe",
			want: model.ErrUnknownOption,
		},
		{
			name: "insufficient funds", user: "pauper", option: "yes",
			want: store.ErrInsufficientFunds,
		},
		{
			name: "past close", user: "alice", option: "yes",
			setup: func(t *testing.T, f *fixture) { f.now = start.Add(100 * time.Hour) },
			want:  model.ErrMarketNotOpen,
		},
		{
			name: "resolved market", user: "alice", option: "yes",
			setup: func(t *testing.T, f *fixture) { f.setStatus(t, model.StatusResolved) },
			want:  model.ErrMarketNotOpen,
		},
		{
			name: "closed market", user: "alice", option: "yes",
			setup: func(t *testing.T, f *fixture) { f.setStatus(t, model.StatusClosed) },
			want:  model.ErrMarketNotOpen,
		},
		{
			name: "missing user", user: "", option: "yes",
			want: ErrMissingUser,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, nil)
			f.fund(t, "alice", 50)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			before := f.reload(t)
			balBefore, _ := f.st.GetBalance(context.Background(), tt.user)

			_, err := f.ledger.Place(context.Background(), tt.user, f.market.ID, tt.option)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			after := f.reload(t)
			for id, v := range before.Liquidity {
				if !after.Liquidity[id].Equal(v) {
					t.Errorf("liquidity %s changed from %s to %s", id, v, after.Liquidity[id])
				}
			}
			balAfter, _ := f.st.GetBalance(context.Background(), tt.user)
			if !balAfter.Withdrawable.Equal(balBefore.Withdrawable) {
				t.Errorf("balance changed from %s to %s", balBefore.Withdrawable, balAfter.Withdrawable)
			}
		})
	}
}

func (f *fixture) setStatus(t *testing.T, status model.MarketStatus) {
	t.Helper()
	ctx := context.Background()
	err := f.st.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarketForUpdate(ctx, f.market.ID)
		if err != nil {
			return err
		}
		m.Status = status
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPlace_StakeLimit(t *testing.T) {
	// Each entry costs about 4; the correlated cap allows two.
	limiter := limits.NewStakeLimiter(decimal.Zero, d(9), 2)
	f := newFixture(t, 1, limiter)
	f.fund(t, "alice", 100)
	ctx := context.Background()

	other, err := listing.NewBuilder(f.engine, d(500)).Build(listing.Definition{
		Title:    "Will the away side score?",
		Category: "sports/football/laliga",
		Options:  []listing.OptionSpec{{ID: "yes"}, {ID: "no"}},
		ClosesAt: start.Add(10 * time.Hour),
	}, "admin", model.RolePlatform)
	if err != nil {
		t.Fatal(err)
	}
	third, _ := listing.NewBuilder(f.engine, d(500)).Build(listing.Definition{
		Title:    "Clean sheet?",
		Category: "sports/football/seriea",
		Options:  []listing.OptionSpec{{ID: "yes"}, {ID: "no"}},
		ClosesAt: start.Add(10 * time.Hour),
	}, "admin", model.RolePlatform)
	_ = f.st.CreateMarket(ctx, other)
	_ = f.st.CreateMarket(ctx, third)

	if _, err := f.ledger.Place(ctx, "alice", f.market.ID, "yes"); err != nil {
		t.Fatalf("first entry: %v", err)
	}
	if _, err := f.ledger.Place(ctx, "alice", other.ID, "yes"); err != nil {
		t.Fatalf("second entry: %v", err)
	}
	if _, err := f.ledger.Place(ctx, "alice", third.ID, "yes"); !errors.Is(err, limits.ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestPlace_ConcurrentEntriesConserveLiquidity(t *testing.T) {
	f := newFixture(t, 1, nil)
	const users = 25
	for i := 0; i < users; i++ {
		f.fund(t, fmt.Sprintf("u%d", i), 50)
	}

	var wg sync.WaitGroup
	errs := make(chan error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			option := "yes"
			if i%3 == 0 {
				option = "no"
			}
			if _, err := f.ledger.Place(context.Background(), fmt.Sprintf("u%d", i), f.market.ID, option); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("place: %v", err)
	}

	entries, _ := f.st.ListEntriesByMarket(context.Background(), f.market.ID)
	if len(entries) != users {
		t.Fatalf("expected %d entries, got %d", users, len(entries))
	}
	staked := decimal.Zero
	for _, e := range entries {
		staked = staked.Add(e.Amount)
	}
	m := f.reload(t)
	if want := d(1000).Add(staked); !m.TotalLiquidity().Equal(want) {
		t.Errorf("expected liquidity %s, got %s", want, m.TotalLiquidity())
	}
}

func TestDeposit(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()

	b, err := f.ledger.Deposit(ctx, "alice", d(25), "stripe:ch_1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !b.Withdrawable.Equal(d(25)) {
		t.Errorf("expected 25, got %s", b.Withdrawable)
	}
	b, err = f.ledger.Deposit(ctx, "alice", d(25), "stripe:ch_1")
	if err != nil {
		t.Fatalf("replayed deposit: %v", err)
	}
	if !b.Withdrawable.Equal(d(25)) {
		t.Errorf("replay must return the current balance 25, got %s", b.Withdrawable)
	}
	if _, err := f.ledger.Deposit(ctx, "alice", d(-5), ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.ledger.Deposit(ctx, "", d(5), ""); !errors.Is(err, ErrMissingUser) {
		t.Errorf("expected ErrMissingUser, got %v", err)
	}
	if got, _ := f.st.GetBalance(ctx, "alice"); !got.Withdrawable.Equal(d(25)) {
		t.Errorf("expected balance to stay 25, got %s", got.Withdrawable)
	}
}
