// Package pricing implements the pooled-liquidity pricing engine that turns
// per-option stake volume into per-option entry prices.
//
// Prices are derived from implied probability:
//   - liquidity share per option, floored at MinProbability
//   - flattened with a sub-unit softmax exponent and renormalized
//   - capped at MaxProbability, then priced as BasePrice / (1 - p)
//   - raised by an urgency premium in the last 20% of the market's life
//   - scaled by the high-roller multiplier and clamped to
//     [BasePrice × multiplier, CeilingFactor × multiplier]
//
// Internal math is float64; results are converted to decimal and rounded
// to cents. Quote is pure: identical input yields identical output, so the
// same code seeds prices at creation and re-quotes them on every read.
package pricing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/model"
)

const (
	// BasePrice is the minimum unit price before the multiplier.
	BasePrice = 2.0

	// SoftmaxExponent (< 1) flattens extreme probability skew.
	SoftmaxExponent = 0.85

	// MinProbability keeps empty options from degenerating to zero.
	MinProbability = 0.001

	// MaxProbability bounds BasePrice/(1-p) well away from the fixed payout.
	MaxProbability = 0.80

	// CeilingFactor is the absolute price ceiling before the multiplier,
	// independent of the probability cap.
	CeilingFactor = 12.0

	// DecayWindow is the fraction of a market's life, counted back from
	// close, during which the urgency premium applies.
	DecayWindow = 0.2

	// MaxDecayPremium is the premium reached at close (factor 1.2).
	MaxDecayPremium = 0.2

	// PriceScale is the number of decimal places quoted prices carry.
	PriceScale int32 = 2
)

var (
	basePriceD = decimal.NewFromFloat(BasePrice)
	ceilingD   = decimal.NewFromFloat(CeilingFactor)
)

// Window is the market's pricing time window. A zero CreatedAt or ClosesAt
// disables time decay.
type Window struct {
	CreatedAt time.Time
	ClosesAt  time.Time
}

// TimeFactor returns the urgency multiplier for the given instant:
//
//	ratio = remaining / total
//	factor = 1 + 0.2 × (1 − ratio/0.2)   when ratio ≤ 0.2
//	factor = 1                           otherwise
//
// Remaining time is clamped at zero, so a market past close quotes at the
// maximum factor.
func TimeFactor(w Window, now time.Time) float64 {
	if w.CreatedAt.IsZero() || w.ClosesAt.IsZero() {
		return 1
	}
	total := w.ClosesAt.Sub(w.CreatedAt)
	if total <= 0 {
		return 1
	}
	remaining := w.ClosesAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	ratio := float64(remaining) / float64(total)
	if ratio > DecayWindow {
		return 1
	}
	return 1 + MaxDecayPremium*(1-ratio/DecayWindow)
}

// Bounds returns the inclusive price range for a multiplier, rounded
// inward to PriceScale so that rounding can never escape it.
func Bounds(multiplier decimal.Decimal) (floor, ceiling decimal.Decimal) {
	m := normalizeMultiplier(multiplier)
	return basePriceD.Mul(m).RoundCeil(PriceScale), ceilingD.Mul(m).RoundFloor(PriceScale)
}

// Quote prices every option from the liquidity pool. It never fails:
// missing or negative liquidity counts as zero, a non-positive multiplier
// counts as 1, and markets with fewer than two options quote the floor.
// Output order matches the input order.
func Quote(
	options []model.Option,
	liquidity map[string]decimal.Decimal,
	w Window,
	multiplier decimal.Decimal,
	now time.Time,
) []model.Option {
	out := make([]model.Option, len(options))
	for i, o := range options {
		out[i] = model.Option{ID: o.ID, Label: o.Label}
	}
	if len(options) == 0 {
		return out
	}

	m := normalizeMultiplier(multiplier)
	mf := m.InexactFloat64()
	floor, ceiling := Bounds(m)

	n := len(options)
	if n < 2 {
		// 1 − 1/N is zero for N = 1: quote the floor instead of dividing.
		out[0].Price = floor
		return out
	}

	amounts := make([]float64, n)
	total := 0.0
	for i, o := range options {
		v := liquidity[o.ID].InexactFloat64()
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		amounts[i] = v
		total += v
	}

	if total <= 0 {
		p := BasePrice / (1 - 1/float64(n)) * mf
		price := clamp(toPrice(p), floor, ceiling)
		for i := range out {
			out[i].Price = price
		}
		return out
	}

	weights := make([]float64, n)
	sum := 0.0
	for i, a := range amounts {
		raw := math.Max(a/total, MinProbability)
		weights[i] = math.Pow(raw, SoftmaxExponent)
		sum += weights[i]
	}

	tf := TimeFactor(w, now)
	for i := range out {
		prob := math.Min(weights[i]/sum, MaxProbability)
		p := BasePrice / (1 - prob)
		p *= tf
		p *= mf
		out[i].Price = clamp(toPrice(p), floor, ceiling)
	}
	return out
}

func normalizeMultiplier(m decimal.Decimal) decimal.Decimal {
	if !m.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return m
}

func toPrice(p float64) decimal.Decimal {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(p).Round(PriceScale)
}

func clamp(p, floor, ceiling decimal.Decimal) decimal.Decimal {
	if p.LessThan(floor) {
		return floor
	}
	if p.GreaterThan(ceiling) {
		return ceiling
	}
	return p
}
