// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType is the closed set of market shapes.
type MarketType string

const (
	TypeBinary   MarketType = "binary"
	TypeMultiple MarketType = "multiple"
)

// CreatorRole distinguishes platform-run markets from user-created ones.
// Only creator markets earn a share of the commission.
type CreatorRole string

const (
	RolePlatform CreatorRole = "platform"
	RoleCreator  CreatorRole = "creator"
)

// Option is one selectable outcome of a market. Price is a cached quote
// produced by the pricing engine and is never accepted from clients.
type Option struct {
	ID    string          `json:"id"`
	Label string          `json:"label"`
	Price decimal.Decimal `json:"price"`
}

// Market is a single timed event open for staking. The market row is the
// unit of settlement: resolution mutates it and cascades to its entries.
type Market struct {
	ID              string                     `json:"id"`
	Title           string                     `json:"title"`
	Type            MarketType                 `json:"type"`
	Category        string                     `json:"category"`
	Options         []Option                   `json:"options"`
	Liquidity       map[string]decimal.Decimal `json:"liquidity"` // option ID → pooled stake
	CreatedAt       time.Time                  `json:"created_at"`
	ClosesAt        time.Time                  `json:"closes_at"`
	Multiplier      decimal.Decimal            `json:"multiplier"`
	Status          MarketStatus               `json:"status"`
	WinningOptionID string                     `json:"winning_option_id,omitempty"`
	CreatorID       string                     `json:"creator_id"`
	CreatorRole     CreatorRole                `json:"creator_role"`
	ResolvedAt      *time.Time                 `json:"resolved_at,omitempty"`
}

// HasOption reports whether id is one of the market's declared options.
func (m *Market) HasOption(id string) bool {
	for _, o := range m.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// TotalLiquidity sums the liquidity pool across all options.
func (m *Market) TotalLiquidity() decimal.Decimal {
	total := decimal.Zero
	for _, v := range m.Liquidity {
		total = total.Add(v)
	}
	return total
}

// EffectiveStatus applies the close time as a read filter: an open market
// past its ClosesAt reads as closed. No job flips the stored status.
func (m *Market) EffectiveStatus(now time.Time) MarketStatus {
	if m.Status == StatusOpen && !m.ClosesAt.IsZero() && !now.Before(m.ClosesAt) {
		return StatusClosed
	}
	return m.Status
}

// Clone returns a deep copy so callers can mutate without aliasing the
// options slice or the liquidity map.
func (m *Market) Clone() *Market {
	c := *m
	c.Options = append([]Option(nil), m.Options...)
	c.Liquidity = make(map[string]decimal.Decimal, len(m.Liquidity))
	for k, v := range m.Liquidity {
		c.Liquidity[k] = v
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// EntryStatus is the lifecycle state of a stake.
type EntryStatus string

const (
	EntryActive EntryStatus = "active"
	EntryWon    EntryStatus = "won"
	EntryLost   EntryStatus = "lost"
)

// Entry is one user's single stake on one option of one market.
// Amount is the price paid and is never recalculated. PotentialPayout holds
// the nominal payout until settlement overwrites it with the actual payout.
type Entry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	MarketID        string          `json:"market_id"`
	OptionID        string          `json:"option_id"`
	Amount          decimal.Decimal `json:"amount"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	Status          EntryStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
}

// Balance holds a user's spendable funds and creator earnings.
type Balance struct {
	UserID       string          `json:"user_id"`
	Withdrawable decimal.Decimal `json:"withdrawable"`
	Earnings     decimal.Decimal `json:"earnings"`
}

// BalanceKind selects which bucket of a Balance a credit lands in.
type BalanceKind string

const (
	Withdrawable BalanceKind = "withdrawable"
	Earnings     BalanceKind = "earnings"
)

// TransactionType labels an append-only ledger record.
type TransactionType string

const (
	TxEntry          TransactionType = "entry"
	TxWinnings       TransactionType = "winnings"
	TxRefund         TransactionType = "refund"
	TxCommission     TransactionType = "commission"
	TxCreatorRevenue TransactionType = "creator_revenue"
	TxUnclaimedPool  TransactionType = "unclaimed_pool"
	TxDeposit        TransactionType = "deposit"
)

// Transaction is an immutable ledger record. Reference is unique and makes
// every settlement write idempotent.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id,omitempty"`
	Type      TransactionType `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}

// Portfolio aggregates a user's entries with their balance and ledger.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       Balance         `json:"balance"`
	Entries       []Entry         `json:"entries"`
	Transactions  []Transaction   `json:"transactions"`
	ActiveStake   decimal.Decimal `json:"active_stake"`   // Σ amount over active entries
	TotalWinnings decimal.Decimal `json:"total_winnings"` // Σ payout over won entries
}
