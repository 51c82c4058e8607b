package domain

import (
	"fmt"

	"tradecore/pkg/quant"
	"tradecore/pkg/safe"
)

// PositionSide is the exposure direction of a position.
type PositionSide uint8

const (
	PositionLong PositionSide = iota + 1
	PositionShort
)

func (s PositionSide) String() string {
	switch s {
	case PositionLong:
		return "LONG"
	case PositionShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// MarginMode selects the accounting model.
type MarginMode uint8

const (
	MarginNone     MarginMode = iota + 1 // spot
	MarginIsolated                       // per-position collateral
)

func (m MarginMode) String() string {
	switch m {
	case MarginNone:
		return "SPOT"
	case MarginIsolated:
		return "ISOLATED"
	default:
		return "UNKNOWN"
	}
}

// Position is one side of isolated-margin exposure on an instrument.
//
// CashSats is the base-quantity "cash" of the position, signed by side:
// a long holds CashSats >= 0, a short CashSats <= 0. The record persists
// across close/reopen; a position is logically destroyed when CashSats
// returns to zero.
type Position struct {
	Symbol string
	Side   PositionSide

	CashSats         quant.QtySats
	EntryPriceMicros quant.PriceMicros
	Leverage         int64
	CollateralMicros int64 // isolated collateral backing the position
	UpdatedUnixM     quant.TimeStamp
}

// NewPosition creates a closed position record for one side.
func NewPosition(symbol string, side PositionSide, leverage int64) *Position {
	if leverage < 1 {
		leverage = 1
	}
	return &Position{Symbol: symbol, Side: side, Leverage: leverage}
}

// IsOpen reports whether the position carries exposure.
// Invariant: IsOpen() == (CashSats != 0).
func (p *Position) IsOpen() bool {
	return p.CashSats != 0
}

// Exposure returns the unsigned open quantity.
func (p *Position) Exposure() quant.QtySats {
	return quant.QtySats(safe.SafeAbs(int64(p.CashSats)))
}

// sign is +1 for long, -1 for short.
func (p *Position) sign() int64 {
	if p.Side == PositionShort {
		return -1
	}
	return 1
}

// Increase adds qty at price, re-weighting the entry price and committing
// collateral of cost/leverage. Returns the collateral consumed in micros.
func (p *Position) Increase(price quant.PriceMicros, qty quant.QtySats, ts quant.TimeStamp) int64 {
	if qty <= 0 {
		panic(fmt.Sprintf("POSITION_INCREASE_NONPOSITIVE: %s on %s", qty, p.Symbol))
	}

	old := p.Exposure()
	total := old + qty
	if old == 0 {
		p.EntryPriceMicros = price
	} else {
		// Weighted average entry over the combined exposure.
		weighted := safe.SafeAdd(
			safe.SafeMul(int64(p.EntryPriceMicros), int64(old)),
			safe.SafeMul(int64(price), int64(qty)),
		)
		p.EntryPriceMicros = quant.PriceMicros(safe.SafeDiv(weighted, int64(total)))
	}

	collateral := safe.SafeDiv(quant.Cost(price, qty), p.Leverage)
	p.CollateralMicros = safe.SafeAdd(p.CollateralMicros, collateral)
	p.CashSats += quant.QtySats(p.sign() * int64(qty))
	p.UpdatedUnixM = ts
	return collateral
}

// PreviewReduce computes the realized PnL and released collateral a
// Reduce of qty at price would produce, without mutating the position.
// Lets callers check cash coverage before committing the reduction.
func (p *Position) PreviewReduce(price quant.PriceMicros, qty quant.QtySats) (pnlMicros, releasedMicros int64) {
	exp := p.Exposure()
	if qty <= 0 || qty > exp {
		panic(fmt.Sprintf("POSITION_REDUCE_RANGE: %s of %s on %s", qty, exp, p.Symbol))
	}

	// Long realizes (exit - entry) * qty, short the inverse.
	diff := safe.SafeSub(int64(price), int64(p.EntryPriceMicros))
	pnlMicros = safe.SafeDiv(safe.SafeMul(diff, int64(qty)), quant.QtyScale)
	if p.Side == PositionShort {
		pnlMicros = -pnlMicros
	}
	releasedMicros = safe.SafeDiv(safe.SafeMul(p.CollateralMicros, int64(qty)), int64(exp))
	return pnlMicros, releasedMicros
}

// Reduce removes qty at price and returns the realized PnL plus the
// proportionally released collateral, both in micros. Reducing below
// zero exposure panics: unhedged netting happens a layer above.
func (p *Position) Reduce(price quant.PriceMicros, qty quant.QtySats, ts quant.TimeStamp) (pnlMicros, releasedMicros int64) {
	pnlMicros, releasedMicros = p.PreviewReduce(price, qty)
	p.CollateralMicros = safe.SafeSub(p.CollateralMicros, releasedMicros)
	p.CashSats -= quant.QtySats(p.sign() * int64(qty))
	p.UpdatedUnixM = ts

	if p.CashSats == 0 {
		// Logically destroyed; keep the record for reuse.
		p.EntryPriceMicros = 0
		p.CollateralMicros = 0
	}
	return pnlMicros, releasedMicros
}

// SetLeverage changes the position leverage. The caller is responsible
// for checking instrument limits and the zero-open-orders precondition.
func (p *Position) SetLeverage(lev int64, ts quant.TimeStamp) {
	if lev < 1 {
		lev = 1
	}
	p.Leverage = lev
	p.UpdatedUnixM = ts
}

// LiquidationPrice returns the buffered forced-close trigger price.
//
// The true threshold sits 1/leverage away from entry; the buffer pulls
// the trigger toward entry so the engine closes before the exchange
// would. A closed position has no liquidation price (returns 0).
func (p *Position) LiquidationPrice(buffer quant.Bps) quant.PriceMicros {
	if !p.IsOpen() || p.Leverage < 1 {
		return 0
	}
	entry := int64(p.EntryPriceMicros)
	step := safe.SafeDiv(entry, p.Leverage)

	if p.Side == PositionLong {
		liq := safe.SafeSub(entry, step)
		return quant.PriceMicros(safe.SafeAdd(liq, quant.ApplyBps(liq, buffer)))
	}
	liq := safe.SafeAdd(entry, step)
	return quant.PriceMicros(safe.SafeSub(liq, quant.ApplyBps(liq, buffer)))
}

// LiquidationCrossed reports whether best has crossed the buffered trigger.
func (p *Position) LiquidationCrossed(best quant.PriceMicros, buffer quant.Bps) bool {
	if !p.IsOpen() {
		return false
	}
	trigger := p.LiquidationPrice(buffer)
	if p.Side == PositionLong {
		return best <= trigger
	}
	return best >= trigger
}

// ResyncExternal overwrites local state with an exchange-observed view.
// Used by the position watcher when local bookkeeping has drifted.
func (p *Position) ResyncExternal(qty quant.QtySats, entry quant.PriceMicros, lev int64, ts quant.TimeStamp) {
	if qty < 0 {
		qty = -qty
	}
	if lev < 1 {
		lev = 1
	}
	p.CashSats = quant.QtySats(p.sign() * int64(qty))
	p.EntryPriceMicros = entry
	p.Leverage = lev
	if qty == 0 {
		p.EntryPriceMicros = 0
		p.CollateralMicros = 0
	} else {
		p.CollateralMicros = safe.SafeDiv(quant.Cost(entry, qty), lev)
	}
	p.UpdatedUnixM = ts
}

// FundingCost is the funding-rate carrying-cost hook. It is scaffolded
// but intentionally charges nothing; liquidation approximates funding
// with a flat fee multiplier instead. Do not wire a real rate here
// without product guidance.
func (p *Position) FundingCost(quant.TimeStamp) int64 {
	return 0
}

// VerifyInvariant panics when the side/cash relationship is violated.
func (p *Position) VerifyInvariant() {
	if p.Side == PositionLong && p.CashSats < 0 {
		panic(fmt.Sprintf("POSITION_INVARIANT_LONG_NEGATIVE: %s %s", p.Symbol, p.CashSats))
	}
	if p.Side == PositionShort && p.CashSats > 0 {
		panic(fmt.Sprintf("POSITION_INVARIANT_SHORT_POSITIVE: %s %s", p.Symbol, p.CashSats))
	}
	if !p.IsOpen() && p.CollateralMicros != 0 {
		panic(fmt.Sprintf("POSITION_INVARIANT_DANGLING_COLLATERAL: %s %d", p.Symbol, p.CollateralMicros))
	}
}
