// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every multi-row mutation runs inside InTx. The purchase path and the
// settlement path both lock the market row first, which serializes them
// per market.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/model"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrAlreadyExists     = errors.New("store: already exists")
	ErrInsufficientFunds = errors.New("store: insufficient withdrawable balance")
	ErrEntrySettled      = errors.New("store: entry is no longer active")
	ErrTxConflict        = errors.New("store: transaction conflict, retries exhausted")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market. ErrAlreadyExists on a duplicate ID.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Entries ---

	ListEntriesByMarket(ctx context.Context, marketID string) ([]model.Entry, error)
	ListEntriesByUser(ctx context.Context, userID string) ([]model.Entry, error)

	// --- Balances and ledger ---

	// GetBalance returns the user's balance, zero-valued if none exists.
	GetBalance(ctx context.Context, userID string) (model.Balance, error)

	// ListTransactionsByUser returns the user's ledger records in append order.
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// InTx runs fn in a single all-or-nothing transaction. A non-nil error
	// from fn rolls back every write made through tx. fn may run more than
	// once when the backend retries a serialization failure.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// GetMarketForUpdate reads and locks a market row until commit.
	GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error)

	// UpdateMarket writes status, winning option, resolution time,
	// liquidity and cached option prices.
	UpdateMarket(ctx context.Context, market *model.Market) error

	// GetEntry returns the user's entry in a market or ErrNotFound.
	GetEntry(ctx context.Context, marketID, userID string) (*model.Entry, error)

	// ListEntries returns every entry of a market ordered by creation.
	ListEntries(ctx context.Context, marketID string) ([]model.Entry, error)

	// InsertEntry adds an entry. ErrAlreadyExists if the user already
	// holds one in the market.
	InsertEntry(ctx context.Context, entry *model.Entry) error

	// SettleEntry moves an active entry to won or lost with its final
	// payout. ErrEntrySettled if the entry is no longer active.
	SettleEntry(ctx context.Context, entryID string, status model.EntryStatus, payout decimal.Decimal, at time.Time) error

	// CategoryExposures returns the user's active stake summed per market
	// category.
	CategoryExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	// GetBalance returns the user's balance as seen inside the transaction.
	GetBalance(ctx context.Context, userID string) (model.Balance, error)

	// DebitBalance subtracts from the withdrawable bucket.
	// ErrInsufficientFunds if it would go negative.
	DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) error

	// CreditBalance adds to the given bucket, creating the balance if needed.
	CreditBalance(ctx context.Context, userID string, kind model.BalanceKind, amount decimal.Decimal) error

	// AppendTransaction adds an immutable ledger record. ErrAlreadyExists
	// if the reference has been used before.
	AppendTransaction(ctx context.Context, txn *model.Transaction) error
}
