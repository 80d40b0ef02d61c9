// Package listing validates market definitions and turns them into
// seeded, priced markets ready to persist.
package listing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/limits"
	"github.com/poolmarket/market-engine/internal/model"
	"github.com/poolmarket/market-engine/internal/pricing"
)

// DefaultCategory is used when a definition names no category.
const DefaultCategory = "general"

// optionIDRegex matches lowercase slugs such as "yes", "team-a", "over_2_5".
var optionIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// categoryRegex matches normalized slash paths such as "sports/football/epl".
var categoryRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*(/[a-z0-9][a-z0-9_-]*)*$`)

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

var (
	ErrEmptyTitle        = errors.New("listing: title is required")
	ErrInvalidType       = errors.New("listing: unsupported market type")
	ErrTooFewOptions     = errors.New("listing: a market needs at least two options")
	ErrBinaryOptions     = errors.New("listing: a binary market has exactly two options")
	ErrInvalidOptionID   = errors.New("listing: invalid option id")
	ErrDuplicateOption   = errors.New("listing: duplicate option id")
	ErrInvalidWindow     = errors.New("listing: closes_at must be after the creation time")
	ErrInvalidMultiplier = errors.New("listing: multiplier must be at least 1")
	ErrInvalidCategory   = errors.New("listing: invalid category path")
)

// OptionSpec is one option as submitted by the creator. An empty ID is
// derived from the label.
type OptionSpec struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Definition is a market as submitted for listing.
type Definition struct {
	Title      string           `json:"title"`
	Type       model.MarketType `json:"type"`
	Category   string           `json:"category"`
	Options    []OptionSpec     `json:"options"`
	ClosesAt   time.Time        `json:"closes_at"`
	Multiplier decimal.Decimal  `json:"multiplier"` // 0 → 1
}

// Builder validates definitions and produces markets seeded with liquidity
// and priced by the pricing engine.
type Builder struct {
	engine *pricing.Engine
	seed   decimal.Decimal
}

// NewBuilder creates a builder that seeds every option with seed liquidity.
func NewBuilder(engine *pricing.Engine, seed decimal.Decimal) *Builder {
	if seed.IsNegative() {
		seed = decimal.Zero
	}
	return &Builder{engine: engine, seed: seed}
}

// Build validates def and returns an open market owned by creatorID.
// Prices are quoted with the same engine that serves reads.
func (b *Builder) Build(def Definition, creatorID string, role model.CreatorRole) (*model.Market, error) {
	now := b.engine.Now()
	def.Options = append([]OptionSpec(nil), def.Options...)
	Normalize(&def)
	if err := Validate(def, now); err != nil {
		return nil, err
	}

	m := &model.Market{
		ID:          uuid.New().String(),
		Title:       def.Title,
		Type:        def.Type,
		Category:    def.Category,
		Options:     make([]model.Option, len(def.Options)),
		Liquidity:   make(map[string]decimal.Decimal, len(def.Options)),
		CreatedAt:   now,
		ClosesAt:    def.ClosesAt,
		Multiplier:  def.Multiplier,
		Status:      model.StatusOpen,
		CreatorID:   creatorID,
		CreatorRole: role,
	}
	for i, o := range def.Options {
		m.Options[i] = model.Option{ID: o.ID, Label: o.Label}
		m.Liquidity[o.ID] = b.seed
	}
	b.engine.Reprice(m)
	return m, nil
}

// Normalize fills defaults in place: trimmed title, default category and
// multiplier, lowercased category path, and option IDs derived from labels.
func Normalize(def *Definition) {
	def.Title = strings.TrimSpace(def.Title)
	def.Category = limits.Normalize(def.Category)
	if def.Category == "" {
		def.Category = DefaultCategory
	}
	if def.Multiplier.IsZero() {
		def.Multiplier = decimal.NewFromInt(1)
	}
	if def.Type == "" {
		def.Type = model.TypeMultiple
		if len(def.Options) == 2 {
			def.Type = model.TypeBinary
		}
	}
	for i := range def.Options {
		o := &def.Options[i]
		o.Label = strings.TrimSpace(o.Label)
		if o.ID == "" {
			o.ID = Slugify(o.Label)
		}
		if o.Label == "" {
			o.Label = o.ID
		}
	}
}

// Validate checks a normalized definition against the listing rules.
func Validate(def Definition, now time.Time) error {
	if def.Title == "" {
		return ErrEmptyTitle
	}
	switch def.Type {
	case model.TypeBinary:
		if len(def.Options) != 2 {
			return fmt.Errorf("%w: got %d", ErrBinaryOptions, len(def.Options))
		}
	case model.TypeMultiple:
		if len(def.Options) < 2 {
			return fmt.Errorf("%w: got %d", ErrTooFewOptions, len(def.Options))
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, def.Type)
	}

	seen := make(map[string]bool, len(def.Options))
	for _, o := range def.Options {
		if !optionIDRegex.MatchString(o.ID) {
			return fmt.Errorf("%w: %q", ErrInvalidOptionID, o.ID)
		}
		if seen[o.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateOption, o.ID)
		}
		seen[o.ID] = true
	}

	if !def.ClosesAt.After(now) {
		return ErrInvalidWindow
	}
	if def.Multiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s", ErrInvalidMultiplier, def.Multiplier)
	}
	if !categoryRegex.MatchString(def.Category) {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, def.Category)
	}
	return nil
}

// Slugify derives an option ID from a label: "Team A (home)" → "team-a-home".
func Slugify(label string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(label), "-")
	s = strings.Trim(s, "-")
	if len(s) > 64 {
		s = strings.TrimRight(s[:64], "-")
	}
	return s
}
