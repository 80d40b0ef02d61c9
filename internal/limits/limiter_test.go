package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewStakeLimiter(d(100), d(500), 2)

	err := limiter.CheckLimit("sports/football/epl", d(10), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerCategoryExceeded(t *testing.T) {
	limiter := NewStakeLimiter(d(100), d(500), 2)

	// Existing 95 + new 10 = 105 > 100.
	existing := map[string]decimal.Decimal{
		"sports/football/epl": d(95),
	}

	err := limiter.CheckLimit("sports/football/epl", d(10), existing)
	if err != ErrCategoryLimitExceeded {
		t.Errorf("expected ErrCategoryLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_CategoryMatchIsCaseInsensitive(t *testing.T) {
	limiter := NewStakeLimiter(d(100), decimal.Zero, 2)

	existing := map[string]decimal.Decimal{
		"Sports/Football/EPL/": d(95),
	}

	err := limiter.CheckLimit("sports/football/epl", d(10), existing)
	if err != ErrCategoryLimitExceeded {
		t.Errorf("expected ErrCategoryLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	// Depth=2: every "sports/football/..." category is one group.
	limiter := NewStakeLimiter(d(100), d(200), 2)

	existing := map[string]decimal.Decimal{
		"sports/football/epl":    d(80),
		"sports/football/laliga": d(80),
		"sports/football/bundes": d(30),
	}

	// New 20 in another correlated category: 20 + 80 + 80 + 30 = 210 > 200.
	err := limiter.CheckLimit("sports/football/seriea", d(20), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_UncorrelatedCategoriesIgnored(t *testing.T) {
	limiter := NewStakeLimiter(d(100), d(200), 2)

	existing := map[string]decimal.Decimal{
		"sports/football/epl": d(80),
		"sports/tennis/atp":   d(90),
		"politics/uk":         d(90),
	}

	// Correlated total = 50 + 80 = 130 < 200.
	err := limiter.CheckLimit("sports/football/laliga", d(50), existing)
	if err != nil {
		t.Errorf("uncorrelated categories should be ignored, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisabled(t *testing.T) {
	limiter := NewStakeLimiter(decimal.Zero, decimal.Zero, 1)

	existing := map[string]decimal.Decimal{"sports": d(1e9)}
	if err := limiter.CheckLimit("sports", d(1e9), existing); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestCheckLimit_NilExposures(t *testing.T) {
	limiter := NewStakeLimiter(d(100), d(500), 2)

	if err := limiter.CheckLimit("sports/football", d(50), nil); err != nil {
		t.Errorf("nil exposures should be treated as empty, got %v", err)
	}
}

func TestPrefix(t *testing.T) {
	tests := []struct {
		category string
		depth    int
		want     string
	}{
		{"sports/football/epl", 1, "sports"},
		{"sports/football/epl", 2, "sports/football"},
		{"sports/football/epl", 5, "sports/football/epl"},
		{"", 2, ""},
	}
	for _, tt := range tests {
		if got := Prefix(tt.category, tt.depth); got != tt.want {
			t.Errorf("Prefix(%q, %d) = %q, want %q", tt.category, tt.depth, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Sports//Football/ "); got != "sports/football" {
		t.Errorf("unexpected normalized path %q", got)
	}
}
