package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/model"
)

// Clock returns the current time. Injected so tests can pin the decay window.
type Clock func() time.Time

// Engine binds Quote to a clock. It is the single pricing entry point for
// both the write path (seeding, purchase) and the read path (display).
type Engine struct {
	now Clock
}

// NewEngine creates a pricing engine. A nil clock uses time.Now.
func NewEngine(clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{now: clock}
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// QuoteMarket prices all options of m at the current time.
func (e *Engine) QuoteMarket(m *model.Market) []model.Option {
	return Quote(m.Options, m.Liquidity, Window{CreatedAt: m.CreatedAt, ClosesAt: m.ClosesAt}, m.Multiplier, e.now())
}

// Reprice overwrites the cached option prices on m with a fresh quote.
func (e *Engine) Reprice(m *model.Market) {
	m.Options = e.QuoteMarket(m)
}

// PriceOf returns the current price of a single option.
func (e *Engine) PriceOf(m *model.Market, optionID string) (decimal.Decimal, bool) {
	for _, o := range e.QuoteMarket(m) {
		if o.ID == optionID {
			return o.Price, true
		}
	}
	return decimal.Zero, false
}

// Prices returns the current quote as an option ID → price map.
func (e *Engine) Prices(m *model.Market) map[string]decimal.Decimal {
	quoted := e.QuoteMarket(m)
	out := make(map[string]decimal.Decimal, len(quoted))
	for _, o := range quoted {
		out[o.ID] = o.Price
	}
	return out
}
