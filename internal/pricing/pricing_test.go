package pricing

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func opts(ids ...string) []model.Option {
	out := make([]model.Option, len(ids))
	for i, id := range ids {
		out[i] = model.Option{ID: id, Label: id}
	}
	return out
}

func pool(kv map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(kv))
	for k, v := range kv {
		out[k] = d(v)
	}
	return out
}

var (
	t0    = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t100h = t0.Add(100 * time.Hour)
	win   = Window{CreatedAt: t0, ClosesAt: t100h}
)

// at returns the instant with the given fraction of the window remaining.
func at(ratioRemaining float64) time.Time {
	return t100h.Add(-time.Duration(ratioRemaining * float64(100*time.Hour)))
}

// --- Zero-liquidity tests ---

func TestQuote_ZeroLiquidityEqualPrices(t *testing.T) {
	tests := []struct {
		n    int
		mult float64
	}{
		{2, 1}, {3, 1}, {4, 1}, {7, 1}, {2, 2.5}, {5, 3},
	}
	for _, tt := range tests {
		ids := make([]string, tt.n)
		for i := range ids {
			ids[i] = string(rune('a' + i))
		}
		quoted := Quote(opts(ids...), nil, Window{}, d(tt.mult), t0)

		want := BasePrice / (1 - 1/float64(tt.n)) * tt.mult
		for _, o := range quoted {
			if !o.Price.Equal(quoted[0].Price) {
				t.Errorf("n=%d: prices differ: %s vs %s", tt.n, o.Price, quoted[0].Price)
			}
			if math.Abs(o.Price.InexactFloat64()-want) > 0.005 {
				t.Errorf("n=%d mult=%.1f: expected ≈ %.4f, got %s", tt.n, tt.mult, want, o.Price)
			}
		}
	}
}

func TestQuote_ZeroLiquidityBinaryIsFour(t *testing.T) {
	quoted := Quote(opts("yes", "no"), pool(map[string]float64{"yes": 0, "no": 0}), win, d(1), t0)
	for _, o := range quoted {
		if !o.Price.Equal(d(4)) {
			t.Errorf("expected 4.00 for fresh binary market, got %s", o.Price)
		}
	}
}

// --- Degenerate inputs ---

func TestQuote_SingleOptionQuotesFloor(t *testing.T) {
	quoted := Quote(opts("only"), pool(map[string]float64{"only": 100}), win, d(2), t0)
	if len(quoted) != 1 {
		t.Fatalf("expected 1 option, got %d", len(quoted))
	}
	if !quoted[0].Price.Equal(d(4)) {
		t.Errorf("expected floor 4.00 for single option at 2x, got %s", quoted[0].Price)
	}
}

func TestQuote_NoOptions(t *testing.T) {
	if got := Quote(nil, nil, win, d(1), t0); len(got) != 0 {
		t.Errorf("expected empty quote, got %d options", len(got))
	}
}

func TestQuote_NonPositiveMultiplierTreatedAsOne(t *testing.T) {
	a := Quote(opts("a", "b"), pool(map[string]float64{"a": 300, "b": 100}), Window{}, decimal.Zero, t0)
	b := Quote(opts("a", "b"), pool(map[string]float64{"a": 300, "b": 100}), Window{}, d(1), t0)
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) {
			t.Errorf("option %s: zero multiplier %s != unit multiplier %s", a[i].ID, a[i].Price, b[i].Price)
		}
	}
}

func TestQuote_NegativeLiquidityTreatedAsZero(t *testing.T) {
	quoted := Quote(opts("a", "b"), pool(map[string]float64{"a": -50, "b": -10}), Window{}, d(1), t0)
	for _, o := range quoted {
		if !o.Price.Equal(d(4)) {
			t.Errorf("expected zero-liquidity price 4.00, got %s", o.Price)
		}
	}
}

func TestQuote_PreservesOrderAndLabels(t *testing.T) {
	in := []model.Option{{ID: "c", Label: "Gamma"}, {ID: "a", Label: "Alpha"}, {ID: "b", Label: "Beta"}}
	quoted := Quote(in, pool(map[string]float64{"a": 10, "b": 20, "c": 30}), win, d(1), t0)
	for i := range in {
		if quoted[i].ID != in[i].ID || quoted[i].Label != in[i].Label {
			t.Errorf("position %d: expected %s/%s, got %s/%s", i, in[i].ID, in[i].Label, quoted[i].ID, quoted[i].Label)
		}
	}
}

// --- Bounds ---

func TestQuote_PriceBounds(t *testing.T) {
	pools := []map[string]float64{
		{"a": 0, "b": 0, "c": 0},
		{"a": 1, "b": 0, "c": 0},
		{"a": 1000000, "b": 1, "c": 0},
		{"a": 500, "b": 500, "c": 500},
		{"a": 2000, "b": 1500, "c": 10},
		{"a": 0.0001, "b": 99999, "c": 5},
	}
	mults := []float64{1, 1.5, 2, 10}
	ratios := []float64{1, 0.5, 0.2, 0.1, 0.01, 0, -0.5}

	for _, p := range pools {
		for _, m := range mults {
			floor, ceiling := d(BasePrice*m), d(CeilingFactor*m)
			for _, r := range ratios {
				for _, o := range Quote(opts("a", "b", "c"), pool(p), win, d(m), at(r)) {
					if o.Price.LessThan(floor) || o.Price.GreaterThan(ceiling) {
						t.Errorf("price %s out of [%s, %s] (pool=%v mult=%.1f ratio=%.2f)",
							o.Price, floor, ceiling, p, m, r)
					}
				}
			}
		}
	}
}

func TestQuote_DominantOptionCappedAtTen(t *testing.T) {
	quoted := Quote(opts("a", "b"), pool(map[string]float64{"a": 1e9, "b": 0}), Window{}, d(1), t0)
	if !quoted[0].Price.Equal(d(10)) {
		t.Errorf("expected probability cap to price dominant option at 10.00, got %s", quoted[0].Price)
	}
	// The 0.001 probability floor lifts the starved option just above 2.00.
	if !quoted[1].Price.Equal(d(2.01)) {
		t.Errorf("expected starved option at 2.01, got %s", quoted[1].Price)
	}
}

func TestQuote_SafetyCapWithUrgency(t *testing.T) {
	// 10.00 × 1.2 urgency = 12.00, exactly the ceiling.
	quoted := Quote(opts("a", "b"), pool(map[string]float64{"a": 1e9, "b": 0}), win, d(1), at(0))
	if !quoted[0].Price.Equal(d(12)) {
		t.Errorf("expected 12.00 at close for capped option, got %s", quoted[0].Price)
	}
}

// --- Worked example ---

func TestQuote_TwoOptionExample(t *testing.T) {
	quoted := Quote(opts("A", "B"), pool(map[string]float64{"A": 2000, "B": 1500}), Window{}, d(1), t0)
	a, b := quoted[0].Price, quoted[1].Price

	for _, p := range []decimal.Decimal{a, b} {
		if p.LessThanOrEqual(d(2)) || p.GreaterThanOrEqual(d(10)) {
			t.Errorf("price %s should lie strictly between 2 and 10", p)
		}
	}
	if !a.GreaterThan(b) {
		t.Errorf("expected price(A) > price(B), got %s <= %s", a, b)
	}
	// Softmax flattening moves 0.571/0.429 to ≈ 0.561/0.439.
	if !a.Equal(d(4.55)) || !b.Equal(d(3.57)) {
		t.Errorf("expected A=4.55 B=3.57, got A=%s B=%s", a, b)
	}
}

func TestQuote_FlatterThanProportional(t *testing.T) {
	quoted := Quote(opts("a", "b"), pool(map[string]float64{"a": 900, "b": 100}), Window{}, d(1), t0)
	proportional := BasePrice / (1 - 0.8) // 0.9 capped at 0.8
	flattened := quoted[0].Price.InexactFloat64()
	if flattened > proportional {
		t.Errorf("softmax should not exceed proportional pricing: %.2f > %.2f", flattened, proportional)
	}
}

func TestQuote_MultiplierScalesLinearly(t *testing.T) {
	p := pool(map[string]float64{"a": 700, "b": 300})
	base := Quote(opts("a", "b"), p, Window{}, d(1), t0)
	double := Quote(opts("a", "b"), p, Window{}, d(2), t0)
	for i := range base {
		want := base[i].Price.Mul(d(2))
		if double[i].Price.Sub(want).Abs().GreaterThan(d(0.02)) {
			t.Errorf("option %s: 2x price %s, expected ≈ %s", base[i].ID, double[i].Price, want)
		}
	}
}

func TestQuote_Deterministic(t *testing.T) {
	p := pool(map[string]float64{"a": 123.45, "b": 678.9, "c": 10})
	first := Quote(opts("a", "b", "c"), p, win, d(1.5), at(0.15))
	for i := 0; i < 10; i++ {
		again := Quote(opts("a", "b", "c"), p, win, d(1.5), at(0.15))
		for j := range first {
			if !first[j].Price.Equal(again[j].Price) {
				t.Fatalf("quote not deterministic: %s vs %s", first[j].Price, again[j].Price)
			}
		}
	}
}

// --- Time decay ---

func TestTimeFactor(t *testing.T) {
	tests := []struct {
		name string
		w    Window
		now  time.Time
		want float64
	}{
		{"no timestamps", Window{}, t0, 1},
		{"missing close", Window{CreatedAt: t0}, t0, 1},
		{"zero duration", Window{CreatedAt: t0, ClosesAt: t0}, t0, 1},
		{"negative duration", Window{CreatedAt: t100h, ClosesAt: t0}, t0, 1},
		{"before creation", win, t0.Add(-time.Hour), 1},
		{"half remaining", win, at(0.5), 1},
		{"at 20% mark", win, at(0.2), 1},
		{"10% remaining", win, at(0.1), 1.1},
		{"at close", win, at(0), 1.2},
		{"after close", win, at(-1), 1.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeFactor(tt.w, tt.now); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %.4f, got %.4f", tt.want, got)
			}
		})
	}
}

func TestQuote_MonotonicUrgency(t *testing.T) {
	p := pool(map[string]float64{"a": 400, "b": 600})
	outside := Quote(opts("a", "b"), p, win, d(1), at(0.5))
	mark := Quote(opts("a", "b"), p, win, d(1), at(0.2))
	late := Quote(opts("a", "b"), p, win, d(1), at(0.1))

	for i := range outside {
		if late[i].Price.LessThan(mark[i].Price) {
			t.Errorf("option %s: price at 10%% (%s) < price at 20%% (%s)", outside[i].ID, late[i].Price, mark[i].Price)
		}
		if mark[i].Price.LessThan(outside[i].Price) {
			t.Errorf("option %s: price at 20%% (%s) < price outside window (%s)", outside[i].ID, mark[i].Price, outside[i].Price)
		}
	}
	if !late[1].Price.GreaterThan(outside[1].Price) {
		t.Errorf("expected strict urgency premium for option b: %s vs %s", late[1].Price, outside[1].Price)
	}
}

// --- Engine ---

func TestEngine_UsesInjectedClock(t *testing.T) {
	m := &model.Market{
		Options:    opts("yes", "no"),
		Liquidity:  pool(map[string]float64{"yes": 500, "no": 500}),
		CreatedAt:  t0,
		ClosesAt:   t100h,
		Multiplier: d(1),
	}

	early := NewEngine(func() time.Time { return at(0.9) })
	late := NewEngine(func() time.Time { return at(0) })

	pe, _ := early.PriceOf(m, "yes")
	pl, _ := late.PriceOf(m, "yes")
	if !pe.Equal(d(4)) {
		t.Errorf("expected 4.00 for balanced binary market, got %s", pe)
	}
	if !pl.Equal(d(4.8)) {
		t.Errorf("expected 4.80 at close (4.00 × 1.2), got %s", pl)
	}
	if _, ok := early.PriceOf(m, "maybe"); ok {
		t.Error("expected unknown option lookup to fail")
	}
}

func TestEngine_RepriceOverwritesCachedPrices(t *testing.T) {
	m := &model.Market{
		Options:    []model.Option{{ID: "yes", Label: "Yes", Price: d(99)}, {ID: "no", Label: "No", Price: d(-1)}},
		Liquidity:  pool(map[string]float64{"yes": 0, "no": 0}),
		Multiplier: d(1),
	}
	NewEngine(nil).Reprice(m)
	for _, o := range m.Options {
		if !o.Price.Equal(d(4)) {
			t.Errorf("expected repriced 4.00, got %s", o.Price)
		}
	}
	prices := NewEngine(nil).Prices(m)
	if len(prices) != 2 || !prices["yes"].Equal(d(4)) {
		t.Errorf("unexpected price map: %v", prices)
	}
}

func TestBounds(t *testing.T) {
	floor, ceiling := Bounds(d(1.5))
	if !floor.Equal(d(3)) || !ceiling.Equal(d(18)) {
		t.Errorf("expected [3, 18], got [%s, %s]", floor, ceiling)
	}
	floor, ceiling = Bounds(decimal.Zero)
	if !floor.Equal(d(2)) || !ceiling.Equal(d(12)) {
		t.Errorf("expected [2, 12] for default multiplier, got [%s, %s]", floor, ceiling)
	}
}
