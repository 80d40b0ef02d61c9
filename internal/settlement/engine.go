package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/access"
	"github.com/poolmarket/market-engine/internal/metrics"
	"github.com/poolmarket/market-engine/internal/model"
	"github.com/poolmarket/market-engine/internal/pricing"
	"github.com/poolmarket/market-engine/internal/store"
)

var (
	// ErrSettlementIncomplete is returned when the status flip committed
	// but a later batch failed. Resume finishes the run.
	ErrSettlementIncomplete = errors.New("settlement: settlement incomplete, resume required")

	// ErrNotResolved is returned by Resume for a market that was never
	// resolved.
	ErrNotResolved = errors.New("settlement: market is not resolved")
)

// DefaultBatchSize bounds the entries settled per transaction.
const DefaultBatchSize = 500

// DefaultPlatformAccount receives commission and unclaimed pools.
const DefaultPlatformAccount = "platform"

// Config holds settlement parameters.
type Config struct {
	Rates           Rates
	Policy          ResidualPolicy
	BatchSize       int
	PlatformAccount string
}

// Result is what a resolution returns to its caller.
type Result struct {
	MarketID        string    `json:"market_id"`
	WinningOptionID string    `json:"winning_option_id"`
	ResolvedAt      time.Time `json:"resolved_at"`
	Batches         int       `json:"batches"`
	Outcome
}

// Engine applies settlement outcomes to the store.
type Engine struct {
	store store.Store
	auth  access.Authorizer
	now   pricing.Clock
	cfg   Config
}

// NewEngine creates a settlement engine. A nil clock uses time.Now.
func NewEngine(st store.Store, auth access.Authorizer, clock pricing.Clock, cfg Config) *Engine {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Policy == "" {
		cfg.Policy = ResidualRetain
	}
	if cfg.PlatformAccount == "" {
		cfg.PlatformAccount = DefaultPlatformAccount
	}
	return &Engine{store: st, auth: auth, now: clock, cfg: cfg}
}

// Resolve closes out a market exactly once against winningOptionID.
//
// Authorization is checked before anything else. The first transaction
// locks the market, rejects a settled market or unknown option, flips the
// status to resolved and snapshots the entries. Small markets are settled
// inside that same transaction; larger ones commit the flip first and
// settle in batches of Config.BatchSize.
func (e *Engine) Resolve(ctx context.Context, marketID, winningOptionID, actorID string) (*Result, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := e.auth.CanResolve(ctx, actorID, m); err != nil {
		metrics.ResolutionsTotal.WithLabelValues("unauthorized").Inc()
		return nil, err
	}

	var (
		resolved *model.Market
		entries  []model.Entry
		out      Outcome
		done     bool
		wasOpen  bool
	)
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		done = false
		locked, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if locked.Status.IsFinal() {
			return fmt.Errorf("%w: %s", model.ErrAlreadyResolved, marketID)
		}
		if !locked.HasOption(winningOptionID) {
			return fmt.Errorf("%w: %q", model.ErrUnknownOption, winningOptionID)
		}
		if err := model.CheckTransition(locked.Status, model.StatusResolved); err != nil {
			return err
		}

		wasOpen = locked.Status == model.StatusOpen
		at := e.now().UTC()
		locked.Status = model.StatusResolved
		locked.WinningOptionID = winningOptionID
		locked.ResolvedAt = &at
		if err := tx.UpdateMarket(ctx, locked); err != nil {
			return err
		}

		entries, err = tx.ListEntries(ctx, marketID)
		if err != nil {
			return err
		}
		out = Compute(entries, winningOptionID, e.cfg.Rates, e.cfg.Policy, creatorEligible(locked))
		resolved = locked

		if !e.batched(len(entries)) {
			if _, err := e.applyPayouts(ctx, tx, locked, out.Payouts); err != nil {
				return err
			}
			if err := e.applyPlatform(ctx, tx, locked, &out); err != nil {
				return err
			}
			done = true
		}
		return nil
	})
	if err != nil {
		metrics.ResolutionsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.SettlementBatches.Inc()
	if wasOpen {
		metrics.ActiveMarkets.Dec()
	}

	res := &Result{
		MarketID:        marketID,
		WinningOptionID: winningOptionID,
		ResolvedAt:      *resolved.ResolvedAt,
		Batches:         1,
		Outcome:         out,
	}
	if !done {
		n, err := e.applyBatches(ctx, resolved, &out)
		res.Batches += n
		if err != nil {
			metrics.ResolutionsTotal.WithLabelValues("incomplete").Inc()
			slog.Error("settlement incomplete",
				"market", marketID, "batches_committed", res.Batches, "err", err)
			return res, fmt.Errorf("%w: %v", ErrSettlementIncomplete, err)
		}
	}

	metrics.ResolutionsTotal.WithLabelValues("ok").Inc()
	e.observe(&out)
	slog.Info("market resolved",
		"market", marketID,
		"winning_option", winningOptionID,
		"actor", actorID,
		"entries", len(entries),
		"winners", out.Winners,
		"total_pool", out.TotalPool.String(),
		"commission", out.Commission.String(),
		"creator_share", out.CreatorShare.String(),
		"residual", out.Residual.String(),
		"batches", res.Batches,
	)
	return res, nil
}

// Resume finishes an interrupted batched settlement. It recomputes the
// deterministic outcome from every entry and reapplies all batches;
// entries and bookings that already landed are skipped. The market and
// its entries are read under the market lock, never from a cache.
func (e *Engine) Resume(ctx context.Context, marketID, actorID string) (*Result, error) {
	var (
		m       *model.Market
		entries []model.Entry
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := e.auth.CanResolve(ctx, actorID, locked); err != nil {
			return err
		}
		if locked.Status != model.StatusResolved || locked.WinningOptionID == "" || locked.ResolvedAt == nil {
			return fmt.Errorf("%w: %s is %s", ErrNotResolved, marketID, locked.Status)
		}
		entries, err = tx.ListEntries(ctx, marketID)
		if err != nil {
			return err
		}
		m = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := Compute(entries, m.WinningOptionID, e.cfg.Rates, e.cfg.Policy, creatorEligible(m))

	res := &Result{
		MarketID:        marketID,
		WinningOptionID: m.WinningOptionID,
		ResolvedAt:      *m.ResolvedAt,
		Outcome:         out,
	}
	n, err := e.applyBatches(ctx, m, &out)
	res.Batches = n
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrSettlementIncomplete, err)
	}
	slog.Info("settlement resumed", "market", marketID, "actor", actorID, "batches", n)
	return res, nil
}

func (e *Engine) batched(n int) bool {
	return e.cfg.BatchSize > 0 && n > e.cfg.BatchSize
}

// applyBatches settles out.Payouts in transactions of at most BatchSize
// entries. The last batch also books the platform side. It returns the
// number of committed batches.
func (e *Engine) applyBatches(ctx context.Context, m *model.Market, out *Outcome) (int, error) {
	size := e.cfg.BatchSize
	if size <= 0 {
		size = len(out.Payouts)
	}
	committed := 0
	for start := 0; ; start += size {
		end := start + size
		if end > len(out.Payouts) {
			end = len(out.Payouts)
		}
		batch := out.Payouts[start:end]
		last := end == len(out.Payouts)

		err := e.store.InTx(ctx, func(tx store.Tx) error {
			if _, err := e.applyPayouts(ctx, tx, m, batch); err != nil {
				return err
			}
			if last {
				return e.applyPlatform(ctx, tx, m, out)
			}
			return nil
		})
		if err != nil {
			return committed, fmt.Errorf("batch starting at entry %d: %w", start, err)
		}
		committed++
		metrics.SettlementBatches.Inc()
		if last {
			return committed, nil
		}
	}
}

// applyPayouts settles each entry and credits winnings or refunds. An
// entry that is no longer active was settled by an earlier run together
// with its credit, so it is skipped.
func (e *Engine) applyPayouts(ctx context.Context, tx store.Tx, m *model.Market, payouts []Payout) (int, error) {
	at := *m.ResolvedAt
	applied := 0
	for _, p := range payouts {
		status := model.EntryLost
		if p.Won {
			status = model.EntryWon
		}
		err := tx.SettleEntry(ctx, p.EntryID, status, p.Amount, at)
		if errors.Is(err, store.ErrEntrySettled) {
			continue
		}
		if err != nil {
			return applied, err
		}
		applied++

		if p.Amount.IsPositive() {
			ref := fmt.Sprintf("res:%s:%s", m.ID, p.EntryID)
			if err := e.book(ctx, tx, p.UserID, m.ID, model.TxWinnings, model.Withdrawable, p.Amount, ref); err != nil {
				return applied, err
			}
		}
		if p.Refund.IsPositive() {
			ref := fmt.Sprintf("res:%s:%s:refund", m.ID, p.EntryID)
			if err := e.book(ctx, tx, p.UserID, m.ID, model.TxRefund, model.Withdrawable, p.Refund, ref); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}

// applyPlatform books commission (with rounding dust), the creator share
// and any unclaimed pool.
func (e *Engine) applyPlatform(ctx context.Context, tx store.Tx, m *model.Market, out *Outcome) error {
	platform := e.cfg.PlatformAccount

	if amt := out.PlatformShare.Add(out.Dust); amt.IsPositive() {
		ref := fmt.Sprintf("res:%s:commission", m.ID)
		if err := e.book(ctx, tx, platform, m.ID, model.TxCommission, model.Earnings, amt, ref); err != nil {
			return err
		}
	}
	if out.CreatorShare.IsPositive() {
		ref := fmt.Sprintf("res:%s:creator", m.ID)
		if err := e.book(ctx, tx, m.CreatorID, m.ID, model.TxCreatorRevenue, model.Earnings, out.CreatorShare, ref); err != nil {
			return err
		}
	}
	if out.Residual.IsPositive() {
		ref := fmt.Sprintf("res:%s:residual", m.ID)
		if err := e.book(ctx, tx, platform, m.ID, model.TxUnclaimedPool, model.Earnings, out.Residual, ref); err != nil {
			return err
		}
	}
	return nil
}

// book appends a ledger record and credits the balance. A reference that
// already exists means the credit landed before; it is not repeated.
func (e *Engine) book(
	ctx context.Context,
	tx store.Tx,
	userID, marketID string,
	typ model.TransactionType,
	kind model.BalanceKind,
	amount decimal.Decimal,
	ref string,
) error {
	err := tx.AppendTransaction(ctx, &model.Transaction{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  marketID,
		Type:      typ,
		Amount:    amount,
		Reference: ref,
		CreatedAt: e.now().UTC(),
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.CreditBalance(ctx, userID, kind, amount)
}

func (e *Engine) observe(out *Outcome) {
	for _, p := range out.Payouts {
		if p.Amount.IsPositive() {
			metrics.PayoutsTotal.WithLabelValues(string(model.TxWinnings)).Add(p.Amount.InexactFloat64())
		}
		if p.Refund.IsPositive() {
			metrics.PayoutsTotal.WithLabelValues(string(model.TxRefund)).Add(p.Refund.InexactFloat64())
		}
	}
	metrics.CommissionTotal.WithLabelValues("platform").Add(out.PlatformShare.Add(out.Dust).InexactFloat64())
	metrics.CommissionTotal.WithLabelValues("creator").Add(out.CreatorShare.InexactFloat64())
	if out.Residual.IsPositive() {
		metrics.CommissionTotal.WithLabelValues("unclaimed").Add(out.Residual.InexactFloat64())
	}
}

func creatorEligible(m *model.Market) bool {
	return m.CreatorRole == model.RoleCreator && m.CreatorID != ""
}
