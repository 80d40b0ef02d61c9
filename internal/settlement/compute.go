// Package settlement resolves a market against its winning option and
// distributes the pool.
//
// The arithmetic lives in Compute, which is pure:
//
//	totalPool     = Σ amount
//	commission    = totalPool × Commission
//	distributable = totalPool − commission
//	payoutRatio   = distributable / winningVolume   (0 if nobody won)
//	payout_i      = amount_i × payoutRatio          (at 8 dp)
//
// Payouts are floored to 8 dp and the leftover units go to the largest
// remainders, so payouts plus commission equal the pool exactly. Any
// dust left over (stakes finer than 8 dp) is reported and booked to the
// platform. Engine applies an Outcome to the store.
package settlement

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/model"
)

// PayoutScale is the number of decimal places payouts are rounded to.
const PayoutScale int32 = 8

// ResidualPolicy decides what happens to the distributable pool when no
// entry picked the winning option.
type ResidualPolicy string

const (
	// ResidualRetain books the unclaimed pool as platform revenue.
	ResidualRetain ResidualPolicy = "retain"
	// ResidualRefund returns the distributable pool to every entrant pro
	// rata to their stake.
	ResidualRefund ResidualPolicy = "refund"
)

var ErrInvalidRates = errors.New("settlement: invalid rates")

// ParseResidualPolicy maps a config value to a policy. Empty means retain.
func ParseResidualPolicy(s string) (ResidualPolicy, error) {
	switch p := ResidualPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", ResidualRetain:
		return ResidualRetain, nil
	case ResidualRefund:
		return ResidualRefund, nil
	default:
		return "", fmt.Errorf("settlement: unknown residual policy %q", s)
	}
}

// Rates are the commission parameters passed in at call time.
type Rates struct {
	// Commission is the share of the total pool retained (0.05 = 5%).
	Commission decimal.Decimal
	// CreatorShare is the share of the commission paid to a non-platform
	// market creator (0.50 = 50%).
	CreatorShare decimal.Decimal
}

// DefaultRates returns 5% commission with half paid to creators.
func DefaultRates() Rates {
	return Rates{
		Commission:   decimal.NewFromFloat(0.05),
		CreatorShare: decimal.NewFromFloat(0.50),
	}
}

// Validate requires both rates to lie in [0, 1].
func (r Rates) Validate() error {
	one := decimal.NewFromInt(1)
	if r.Commission.IsNegative() || r.Commission.GreaterThan(one) {
		return fmt.Errorf("%w: commission %s", ErrInvalidRates, r.Commission)
	}
	if r.CreatorShare.IsNegative() || r.CreatorShare.GreaterThan(one) {
		return fmt.Errorf("%w: creator share %s", ErrInvalidRates, r.CreatorShare)
	}
	return nil
}

// Payout is the settled result of one entry.
type Payout struct {
	EntryID string          `json:"entry_id"`
	UserID  string          `json:"user_id"`
	Won     bool            `json:"won"`
	Amount  decimal.Decimal `json:"amount"` // winnings for winners, 0 for losers
	Refund  decimal.Decimal `json:"refund"` // non-zero only under ResidualRefund
}

// Outcome is the full settlement computation for one market.
type Outcome struct {
	TotalPool     decimal.Decimal `json:"total_pool"`
	Commission    decimal.Decimal `json:"commission"`
	Distributable decimal.Decimal `json:"distributable_pool"`
	WinningVolume decimal.Decimal `json:"winning_volume"`
	PayoutRatio   decimal.Decimal `json:"payout_ratio"`
	CreatorShare  decimal.Decimal `json:"creator_share"`
	PlatformShare decimal.Decimal `json:"platform_share"` // commission − creator share
	Residual      decimal.Decimal `json:"residual"`       // unclaimed pool retained by the platform
	Dust          decimal.Decimal `json:"dust"`           // rounding remainder retained by the platform
	Winners       int             `json:"winners"`
	Losers        int             `json:"losers"`
	Payouts       []Payout        `json:"payouts"`
	Policy        ResidualPolicy  `json:"residual_policy"`
}

// PaidOut returns Σ winner payouts plus Σ refunds.
func (o *Outcome) PaidOut() decimal.Decimal {
	total := decimal.Zero
	for _, p := range o.Payouts {
		total = total.Add(p.Amount).Add(p.Refund)
	}
	return total
}

// Compute derives the settlement of entries against winningOptionID.
// Entries of any status are counted, so the result is the same whether
// it runs before settlement starts or while resuming a partial run.
// creatorEligible selects whether the creator share applies.
func Compute(
	entries []model.Entry,
	winningOptionID string,
	rates Rates,
	policy ResidualPolicy,
	creatorEligible bool,
) Outcome {
	if policy == "" {
		policy = ResidualRetain
	}
	out := Outcome{
		TotalPool:     decimal.Zero,
		WinningVolume: decimal.Zero,
		PayoutRatio:   decimal.Zero,
		CreatorShare:  decimal.Zero,
		Residual:      decimal.Zero,
		Dust:          decimal.Zero,
		Payouts:       make([]Payout, len(entries)),
		Policy:        policy,
	}

	for i, e := range entries {
		out.TotalPool = out.TotalPool.Add(e.Amount)
		won := e.OptionID == winningOptionID
		if won {
			out.WinningVolume = out.WinningVolume.Add(e.Amount)
			out.Winners++
		} else {
			out.Losers++
		}
		out.Payouts[i] = Payout{EntryID: e.ID, UserID: e.UserID, Won: won, Amount: decimal.Zero, Refund: decimal.Zero}
	}

	out.Commission = out.TotalPool.Mul(rates.Commission).Round(PayoutScale)
	out.Distributable = out.TotalPool.Sub(out.Commission)
	if creatorEligible {
		out.CreatorShare = out.Commission.Mul(rates.CreatorShare).Round(PayoutScale)
	}
	out.PlatformShare = out.Commission.Sub(out.CreatorShare)

	paid := decimal.Zero
	switch {
	case out.WinningVolume.IsPositive():
		// Ratio kept at full precision for reporting; payouts are
		// apportioned from the exact fraction.
		out.PayoutRatio = out.Distributable.DivRound(out.WinningVolume, 16)
		var winners []int
		for i := range entries {
			if out.Payouts[i].Won {
				winners = append(winners, i)
			}
		}
		for i, p := range apportion(entries, winners, out.Distributable, out.WinningVolume) {
			out.Payouts[i].Amount = p
			paid = paid.Add(p)
		}

	case policy == ResidualRefund && out.TotalPool.IsPositive():
		all := make([]int, len(entries))
		for i := range entries {
			all[i] = i
		}
		for i, r := range apportion(entries, all, out.Distributable, out.TotalPool) {
			out.Payouts[i].Refund = r
			paid = paid.Add(r)
		}

	default:
		out.Residual = out.Distributable
		paid = out.Distributable
	}

	out.Dust = out.Distributable.Sub(paid)
	return out
}

// apportion splits pool across the selected entries pro rata to
// amount/base. Each share is floored to PayoutScale, then the leftover
// units go one each to the largest remainders, ties broken by entry id,
// so the shares sum to pool whenever pool has at most PayoutScale places.
func apportion(entries []model.Entry, idx []int, pool, base decimal.Decimal) map[int]decimal.Decimal {
	type share struct {
		i   int
		rem decimal.Decimal
	}
	out := make(map[int]decimal.Decimal, len(idx))
	shares := make([]share, 0, len(idx))
	allotted := decimal.Zero
	for _, i := range idx {
		exact := entries[i].Amount.Mul(pool).DivRound(base, 2*PayoutScale)
		floor := exact.RoundFloor(PayoutScale)
		out[i] = floor
		allotted = allotted.Add(floor)
		shares = append(shares, share{i: i, rem: exact.Sub(floor)})
	}

	unit := decimal.New(1, -PayoutScale)
	units := pool.Sub(allotted).Div(unit).IntPart()
	if units <= 0 {
		return out
	}
	sort.SliceStable(shares, func(a, b int) bool {
		if c := shares[a].rem.Cmp(shares[b].rem); c != 0 {
			return c > 0
		}
		return entries[shares[a].i].ID < entries[shares[b].i].ID
	})
	for k := 0; k < len(shares) && int64(k) < units; k++ {
		i := shares[k].i
		out[i] = out[i].Add(unit)
	}
	return out
}
