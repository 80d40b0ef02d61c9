// Package limits caps how much a single user can have staked at once,
// both within one market category and across related categories.
//
// Categories are slash-separated paths such as "sports/football/epl".
// Two categories are correlated when their first Depth segments match:
//
//	Depth=1 → "sports/..." markets are one group
//	Depth=2 → "sports/football/..." markets are one group
//
// A user staking on every EPL fixture carries correlated risk even though
// each entry is in its own market.
package limits

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrCategoryLimitExceeded is returned when an entry would push the
	// user's active stake in a single category beyond the maximum.
	ErrCategoryLimitExceeded = errors.New("limits: per-category stake limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when an entry would push the
	// aggregate active stake across correlated categories beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated stake limit exceeded")
)

// StakeLimiter enforces stake limits with category correlation awareness.
// A zero maximum disables that check.
type StakeLimiter struct {
	// MaxPerCategory bounds the active stake in any single category.
	MaxPerCategory decimal.Decimal

	// MaxCorrelated bounds the aggregate active stake across all
	// categories that share the target's leading Depth segments.
	MaxCorrelated decimal.Decimal

	// Depth is the number of leading path segments two categories must
	// share to count as correlated.
	Depth int
}

// NewStakeLimiter creates a limiter with the given per-category and
// correlated limits.
func NewStakeLimiter(maxPerCategory, maxCorrelated decimal.Decimal, depth int) *StakeLimiter {
	if depth < 1 {
		depth = 1
	}
	return &StakeLimiter{
		MaxPerCategory: maxPerCategory,
		MaxCorrelated:  maxCorrelated,
		Depth:          depth,
	}
}

// CheckLimit validates whether a new stake respects the limits.
//
// Parameters:
//   - category: category path of the market being entered
//   - stake: price of the new entry
//   - existing: category path → the user's current active stake
func (l *StakeLimiter) CheckLimit(
	category string,
	stake decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	category = Normalize(category)

	// 1. Per-category limit.
	inCategory := stake
	for c, amount := range existing {
		if Normalize(c) == category {
			inCategory = inCategory.Add(amount)
		}
	}
	if l.MaxPerCategory.IsPositive() && inCategory.GreaterThan(l.MaxPerCategory) {
		return ErrCategoryLimitExceeded
	}

	// 2. Correlated stake across categories sharing the prefix.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	target := Prefix(category, l.Depth)
	correlated := stake
	for c, amount := range existing {
		if Prefix(Normalize(c), l.Depth) == target {
			correlated = correlated.Add(amount)
		}
	}
	if correlated.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// Normalize lowercases a category path and strips empty segments.
func Normalize(category string) string {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(category)), "/")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Prefix returns the first depth segments of a normalized category path.
func Prefix(category string, depth int) string {
	parts := strings.Split(category, "/")
	if depth >= len(parts) {
		return category
	}
	return strings.Join(parts[:depth], "/")
}
