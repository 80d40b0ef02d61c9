// Package ledger implements the purchase path: a user buys one entry on
// one option, paying the live quoted price, which then joins that
// option's liquidity.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/limits"
	"github.com/poolmarket/market-engine/internal/metrics"
	"github.com/poolmarket/market-engine/internal/model"
	"github.com/poolmarket/market-engine/internal/pricing"
	"github.com/poolmarket/market-engine/internal/store"
)

// DefaultFixedPayout is the nominal payout of one entry before the
// high-roller multiplier.
const DefaultFixedPayout = 20

var (
	ErrMissingUser   = errors.New("ledger: user id is required")
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Receipt is returned for a placed entry.
type Receipt struct {
	Entry   model.Entry   `json:"entry"`
	Market  *model.Market `json:"market"` // repriced after the entry joined the pool
	Balance model.Balance `json:"balance"`
}

// Ledger places entries. Only Place mutates liquidity.
type Ledger struct {
	store       store.Store
	pricing     *pricing.Engine
	limiter     *limits.StakeLimiter
	fixedPayout decimal.Decimal
}

// New creates a ledger. A nil limiter disables stake limits; a
// non-positive fixed payout uses DefaultFixedPayout.
func New(st store.Store, engine *pricing.Engine, limiter *limits.StakeLimiter, fixedPayout decimal.Decimal) *Ledger {
	if !fixedPayout.IsPositive() {
		fixedPayout = decimal.NewFromInt(DefaultFixedPayout)
	}
	return &Ledger{store: st, pricing: engine, limiter: limiter, fixedPayout: fixedPayout}
}

// Place buys an entry for userID on optionID at the current price.
//
// Everything runs in one transaction holding the market lock, so a
// concurrent resolution either sees this entry or sees it rejected.
func (l *Ledger) Place(ctx context.Context, userID, marketID, optionID string) (*Receipt, error) {
	start := time.Now()
	if userID == "" {
		return nil, ErrMissingUser
	}

	entryID := uuid.New().String()
	var receipt *Receipt
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		now := l.pricing.Now()
		if status := m.EffectiveStatus(now); status != model.StatusOpen {
			return fmt.Errorf("%w: %s is %s", model.ErrMarketNotOpen, marketID, status)
		}
		if !m.HasOption(optionID) {
			return fmt.Errorf("%w: %q", model.ErrUnknownOption, optionID)
		}
		if _, err := tx.GetEntry(ctx, marketID, userID); err == nil {
			return fmt.Errorf("%w: %s in %s", model.ErrDuplicateEntry, userID, marketID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		price, _ := l.pricing.PriceOf(m, optionID)

		if l.limiter != nil {
			exposures, err := tx.CategoryExposures(ctx, userID)
			if err != nil {
				return err
			}
			if err := l.limiter.CheckLimit(m.Category, price, exposures); err != nil {
				metrics.StakeLimitRejections.Inc()
				return err
			}
		}

		if err := tx.DebitBalance(ctx, userID, price); err != nil {
			return err
		}

		entry := model.Entry{
			ID:              entryID,
			UserID:          userID,
			MarketID:        marketID,
			OptionID:        optionID,
			Amount:          price,
			PotentialPayout: l.fixedPayout.Mul(m.Multiplier),
			Status:          model.EntryActive,
			CreatedAt:       now.UTC(),
		}
		if err := tx.InsertEntry(ctx, &entry); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return fmt.Errorf("%w: %s in %s", model.ErrDuplicateEntry, userID, marketID)
			}
			return err
		}

		m.Liquidity[optionID] = m.Liquidity[optionID].Add(price)
		l.pricing.Reprice(m)
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		if err := tx.AppendTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			MarketID:  marketID,
			Type:      model.TxEntry,
			Amount:    price.Neg(),
			Reference: "entry:" + entryID,
			CreatedAt: now.UTC(),
		}); err != nil {
			return err
		}

		bal, err := tx.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		receipt = &Receipt{Entry: entry, Market: m, Balance: bal}
		return nil
	})
	if err != nil {
		metrics.EntryLatency.WithLabelValues("rejected").Observe(time.Since(start).Seconds())
		return nil, err
	}

	metrics.EntryLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	metrics.EntriesTotal.WithLabelValues(string(receipt.Market.Type)).Inc()
	metrics.StakeVolume.Add(receipt.Entry.Amount.InexactFloat64())

	slog.Info("entry placed",
		"entry", receipt.Entry.ID,
		"user", userID,
		"market", marketID,
		"option", optionID,
		"amount", receipt.Entry.Amount.String(),
	)
	return receipt, nil
}

// Deposit credits a user's withdrawable balance. The reference makes the
// credit idempotent: a replayed reference credits nothing and returns the
// current balance. An empty reference generates a fresh one.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (model.Balance, error) {
	if userID == "" {
		return model.Balance{}, ErrMissingUser
	}
	if !amount.IsPositive() {
		return model.Balance{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if reference == "" {
		reference = uuid.New().String()
	}

	var bal model.Balance
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		err := tx.AppendTransaction(ctx, &model.Transaction{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      model.TxDeposit,
			Amount:    amount,
			Reference: "deposit:" + reference,
			CreatedAt: l.pricing.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := tx.CreditBalance(ctx, userID, model.Withdrawable, amount); err != nil {
			return err
		}
		bal, err = tx.GetBalance(ctx, userID)
		return err
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		slog.Info("deposit replayed", "user", userID, "reference", reference)
		return l.store.GetBalance(ctx, userID)
	}
	if err != nil {
		return model.Balance{}, err
	}
	slog.Info("balance credited", "user", userID, "amount", amount.String(), "reference", reference)
	return bal, nil
}
