// Package account applies fills to strategy cash, spot holdings and
// isolated-margin positions. It is the single writer of cash state:
// one fill mutates cash at a time, serialized by the owning asset's
// operation lock plus the account's own mutex for cross-asset moves.
package account

import (
	"errors"
	"fmt"
	"sync"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
	"tradecore/pkg/safe"
)

var (
	// ErrInsufficientCash signals free cash below an order's requirement.
	ErrInsufficientCash = errors.New("insufficient free cash")
	// ErrInsufficientHoldings signals a spot sell beyond current holdings.
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	// ErrNothingToReduce signals a reduce-only order with no open exposure.
	ErrNothingToReduce = errors.New("no open position to reduce")
	// ErrOpenOrders signals a leverage change while orders are resting.
	ErrOpenOrders = errors.New("leverage change requires zero open orders")
)

// DefaultLiqBufferBps is the default liquidation buffer: 2% inside the
// exchange's true threshold.
const DefaultLiqBufferBps = quant.Bps(0.02 * quant.BpsScale)

// Account is the strategy-level cash and margin book.
type Account struct {
	mu        sync.Mutex
	cash      *domain.Cash
	mode      domain.MarginMode
	liqBuffer quant.Bps
}

// New creates an account with an initial free balance.
func New(currency string, freeMicros int64, mode domain.MarginMode, liqBuffer quant.Bps) *Account {
	if liqBuffer <= 0 {
		liqBuffer = DefaultLiqBufferBps
	}
	return &Account{
		cash:      domain.NewCash(currency, freeMicros),
		mode:      mode,
		liqBuffer: liqBuffer,
	}
}

// MarginMode returns the account's margin mode.
func (ac *Account) MarginMode() domain.MarginMode { return ac.mode }

// LiqBuffer returns the configured liquidation buffer.
func (ac *Account) LiqBuffer() quant.Bps { return ac.liqBuffer }

// Balances returns free and committed cash in micros.
func (ac *Account) Balances() (free, committed int64) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.cash.FreeMicros, ac.cash.CommittedMicros
}

// CreditExternal applies an externally observed cash delta, e.g. a
// balance watcher resync. Negative deltas debit.
func (ac *Account) CreditExternal(micros int64) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if micros >= 0 {
		ac.cash.Credit(micros)
	} else {
		ac.cash.Debit(-micros)
	}
}

// ResyncFree snaps free cash to an externally observed value, e.g.
// after a balance fetch. Committed cash is left alone: reservations
// are purely local bookkeeping.
func (ac *Account) ResyncFree(observedMicros int64) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	diff := safe.SafeSub(observedMicros, ac.cash.FreeMicros)
	if diff > 0 {
		ac.cash.Credit(diff)
	} else if diff < 0 {
		ac.cash.Debit(-diff)
	}
}

// Currency returns the account's quote currency.
func (ac *Account) Currency() string {
	return ac.cash.Currency
}

// Reset zeroes the books back to an initial balance.
func (ac *Account) Reset(freeMicros int64) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.cash = domain.NewCash(ac.cash.Currency, freeMicros)
}

// orderLeverage resolves the leverage an order trades at.
func (ac *Account) orderLeverage(asset *domain.AssetInstance, o *domain.Order) int64 {
	if ac.mode != domain.MarginIsolated {
		return 1
	}
	side := targetPositionSide(o.Side)
	lev := asset.Position(side).Leverage
	if lev < 1 {
		return 1
	}
	return lev
}

// targetPositionSide maps an order direction to the position side it
// opens: buys open longs, sells open shorts.
func targetPositionSide(s domain.Side) domain.PositionSide {
	if s == domain.SideBuy {
		return domain.PositionLong
	}
	return domain.PositionShort
}

// reducedPositionSide maps an order direction to the position side it
// reduces: buys reduce shorts, sells reduce longs.
func reducedPositionSide(s domain.Side) domain.PositionSide {
	if s == domain.SideBuy {
		return domain.PositionShort
	}
	return domain.PositionLong
}

// Reserve validates an order locally and commits the cash it needs.
// refPrice prices market orders that carry no limit price.
//
// Requirements by mode:
//   - spot buy: cost + taker fee
//   - spot sell: nothing reserved, but holdings must cover the amount
//   - margin opening: cost/leverage + taker fee
//   - margin reduce-only: nothing, but exposure must exist
func (ac *Account) Reserve(asset *domain.AssetInstance, o *domain.Order, refPrice quant.PriceMicros) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	price := o.PriceMicros
	if price <= 0 {
		price = refPrice
	}

	var need int64
	switch {
	case ac.mode == domain.MarginIsolated && o.ReduceOnly:
		// Reserves nothing; no price reference required.
		side := reducedPositionSide(o.Side)
		if !asset.Position(side).IsOpen() {
			return fmt.Errorf("%w: %s %s", ErrNothingToReduce, o.Symbol, side)
		}
		need = 0
	case ac.mode != domain.MarginIsolated && o.Side == domain.SideSell:
		// Spot sell: holdings back the order, cash stays untouched.
		cur, _, _ := asset.Holdings()
		if cur < o.RemainingSats {
			return fmt.Errorf("%w: have %s, selling %s of %s",
				ErrInsufficientHoldings, cur, o.RemainingSats, o.Symbol)
		}
		need = 0
	case price <= 0:
		return fmt.Errorf("%w: no reference price for %s", ErrInsufficientCash, o.ID)
	case ac.mode == domain.MarginIsolated:
		cost := quant.Cost(price, o.RemainingSats)
		fee := asset.Instrument.TakerFee(cost)
		lev := ac.orderLeverage(asset, o)
		need = safe.SafeAdd(safe.SafeDiv(cost, lev), fee)
	default: // spot buy
		cost := quant.Cost(price, o.RemainingSats)
		need = safe.SafeAdd(cost, asset.Instrument.TakerFee(cost))
	}

	if need > 0 && !ac.cash.Reserve(need) {
		return fmt.Errorf("%w: need %d for %s", ErrInsufficientCash, need, o.ID)
	}
	o.ReservedMicros = need
	return nil
}

// ReleaseOrder returns an order's remaining reservation to free cash.
// Safe to call on orders that reserved nothing.
func (ac *Account) ReleaseOrder(o *domain.Order) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if o.ReservedMicros > 0 {
		ac.cash.Release(o.ReservedMicros)
		o.ReservedMicros = 0
	}
}

// reservationShare computes the fill's proportional slice of the
// order's remaining reservation. Pure: the caller commits the
// deduction once the fill is known to be applicable.
func reservationShare(o *domain.Order, amount quant.QtySats) int64 {
	if o.ReservedMicros <= 0 || o.RemainingSats <= 0 {
		return 0
	}
	share := safe.SafeDiv(safe.SafeMul(o.ReservedMicros, int64(amount)), int64(o.RemainingSats))
	if amount >= o.RemainingSats {
		share = o.ReservedMicros // avoid a dangling rounding remainder
	}
	return share
}

// ApplyFill applies one trade to the order, cash and position state.
// Trades for a single order must be applied in observation order.
// A fill whose cash draw exceeds what the reservation plus free cash
// can cover is rejected whole, leaving all state untouched.
func (ac *Account) ApplyFill(asset *domain.AssetInstance, o *domain.Order, tr domain.Trade) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	share := reservationShare(o, tr.AmountSats)
	if err := ac.checkFillAffordable(asset, o, tr, share); err != nil {
		return err
	}
	o.ReservedMicros -= share

	if ac.mode == domain.MarginIsolated {
		if err := ac.applyMarginFill(asset, o, tr, share); err != nil {
			return err
		}
	} else {
		ac.applySpotFill(asset, o, tr, share)
	}

	if err := o.ApplyFill(tr); err != nil {
		return err
	}
	asset.AppendTrade(tr)

	if o.Status.Terminal() && o.ReservedMicros > 0 {
		ac.cash.Release(o.ReservedMicros)
		o.ReservedMicros = 0
	}
	asset.VerifyInvariant()
	return nil
}

// checkFillAffordable rejects a fill whose cash draw beyond the order's
// reservation exceeds free cash. Slippage past the reserved amount
// settles from free cash; when free cash cannot cover the overshoot the
// fill must fail upstream instead of driving the book negative.
func (ac *Account) checkFillAffordable(asset *domain.AssetInstance, o *domain.Order, tr domain.Trade, share int64) error {
	free := ac.cash.FreeMicros

	if ac.mode != domain.MarginIsolated {
		if tr.Side != domain.SideBuy {
			return nil
		}
		spent := safe.SafeAdd(tr.CostMicros, tr.FeeMicros)
		if over := safe.SafeSub(spent, share); over > free {
			return fmt.Errorf("%w: fill draws %d micros beyond reservation, free %d",
				ErrInsufficientCash, over, free)
		}
		return nil
	}

	opp, reduceQty, remainder := netSplit(asset, o.Side, tr.AmountSats)
	if o.ReduceOnly && remainder > 0 {
		return fmt.Errorf("%w: reduce-only fill of %s exceeds exposure", ErrNothingToReduce, tr.AmountSats)
	}

	if reduceQty > 0 {
		pnl, released := opp.PreviewReduce(tr.PriceMicros, reduceQty)
		feeShare := safe.SafeDiv(safe.SafeMul(tr.FeeMicros, int64(reduceQty)), int64(tr.AmountSats))
		proceeds := safe.SafeSub(safe.SafeAdd(released, pnl), feeShare)
		if proceeds < 0 && -proceeds > free {
			return fmt.Errorf("%w: closing loss of %d micros exceeds free %d",
				ErrInsufficientCash, -proceeds, free)
		}
		free = safe.SafeAdd(free, proceeds)
	}
	if remainder > 0 {
		target := asset.Position(targetPositionSide(o.Side))
		collateral := safe.SafeDiv(quant.Cost(tr.PriceMicros, remainder), target.Leverage)
		feeShare := safe.SafeDiv(safe.SafeMul(tr.FeeMicros, int64(remainder)), int64(tr.AmountSats))
		spent := safe.SafeAdd(collateral, feeShare)
		if over := safe.SafeSub(spent, share); over > free {
			return fmt.Errorf("%w: fill draws %d micros beyond reservation, free %d",
				ErrInsufficientCash, over, free)
		}
	}
	return nil
}

// netSplit decides how much of a margin fill nets against the opposite
// side's open exposure and how much opens the order's target side.
func netSplit(asset *domain.AssetInstance, side domain.Side, amount quant.QtySats) (opp *domain.Position, reduceQty, remainder quant.QtySats) {
	opp = asset.Position(reducedPositionSide(side))
	if opp.IsOpen() {
		reduceQty = opp.Exposure()
		if reduceQty > amount {
			reduceQty = amount
		}
	}
	return opp, reduceQty, amount - reduceQty
}

func (ac *Account) applySpotFill(asset *domain.AssetInstance, o *domain.Order, tr domain.Trade, share int64) {
	if tr.Side == domain.SideBuy {
		spent := safe.SafeAdd(tr.CostMicros, tr.FeeMicros)
		ac.cash.Settle(share, spent)
		asset.AdjustHolding(tr.AmountSats)
	} else {
		ac.cash.Settle(share, 0)
		ac.cash.Credit(safe.SafeSub(tr.CostMicros, tr.FeeMicros))
		asset.AdjustHolding(-tr.AmountSats)
	}
}

// applyMarginFill routes a margin trade: it first nets against the
// opposite side's open exposure (mandatory in unhedged mode, and what
// reduce-only orders exist for), then opens the target side with any
// remainder.
func (ac *Account) applyMarginFill(asset *domain.AssetInstance, o *domain.Order, tr domain.Trade, share int64) error {
	amount := tr.AmountSats
	opp, reduceQty, remainder := netSplit(asset, o.Side, amount)

	if reduceQty > 0 {
		pnl, released := opp.Reduce(tr.PriceMicros, reduceQty, tr.TsUnixM)
		feeShare := safe.SafeDiv(safe.SafeMul(tr.FeeMicros, int64(reduceQty)), int64(amount))
		proceeds := safe.SafeSub(safe.SafeAdd(released, pnl), feeShare)
		if proceeds >= 0 {
			ac.cash.Credit(proceeds)
		} else {
			ac.cash.Debit(-proceeds)
		}
		opp.VerifyInvariant()
	}

	if remainder > 0 {
		target := asset.Position(targetPositionSide(o.Side))
		collateral := target.Increase(tr.PriceMicros, remainder, tr.TsUnixM)
		feeShare := safe.SafeDiv(safe.SafeMul(tr.FeeMicros, int64(remainder)), int64(amount))
		ac.cash.Settle(share, safe.SafeAdd(collateral, feeShare))
		target.VerifyInvariant()
	} else {
		// Pure reduction: give the unused reservation back.
		ac.cash.Settle(share, 0)
	}
	return nil
}

// SetLeverage updates a position's leverage. Allowed only with zero
// open orders on the instance, matching exchange constraints.
func (ac *Account) SetLeverage(asset *domain.AssetInstance, side domain.PositionSide, lev int64, ts quant.TimeStamp) error {
	if err := asset.Instrument.ValidateLeverage(lev); err != nil {
		return err
	}
	if asset.HasOpenOrders() {
		return fmt.Errorf("%w: %s", ErrOpenOrders, asset.Instrument.Symbol)
	}
	asset.Position(side).SetLeverage(lev, ts)
	return nil
}
