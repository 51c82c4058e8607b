package fill

import (
	"tradecore/internal/domain"
	"tradecore/pkg/quant"
	"tradecore/pkg/safe"
)

// MarketSlippageFunc computes the adverse price shift of a market fill
// against a single candle. The returned value is always >= 0 and is
// applied against the order's side (added for buys, subtracted for sells).
//
// The formulas here are heuristic policy, not physics: coefficients are
// configurable and the whole function is swappable.
type MarketSlippageFunc func(side domain.Side, c domain.Candle, amount quant.QtySats) quant.PriceMicros

// LimitSlippageFunc computes the price improvement of a limit fill.
// The returned value is always >= 0 and may only improve the price.
type LimitSlippageFunc func(side domain.Side, c domain.Candle, amount quant.QtySats) quant.PriceMicros

// volumeRatioBps returns amount/volume as a Bps fraction, capped at 1.
// A candle with no volume counts as fully consumed.
func volumeRatioBps(c domain.Candle, amount quant.QtySats) quant.Bps {
	if c.VolumeSats <= 0 {
		return quant.BpsScale
	}
	r := safe.SafeDiv(safe.SafeMul(int64(amount), quant.BpsScale), int64(c.VolumeSats))
	return quant.Bps(safe.Clamp(r, 0, quant.BpsScale))
}

// DefaultMarketSlippage scales the candle's volatility (high-low) by the
// fraction of its volume the fill consumes, with a direction-aware floor
// equal to the open->close move. Filling a low-volume candle is allowed
// but priced punitively (ratio saturates at 1).
func DefaultMarketSlippage(side domain.Side, c domain.Candle, amount quant.QtySats) quant.PriceMicros {
	slip := quant.PriceBps(c.Volatility(), volumeRatioBps(c, amount))

	// Minimum slippage: the open->close move when it ran against the order.
	var minSlip quant.PriceMicros
	if side == domain.SideBuy && c.IsGreen() {
		minSlip = c.CloseMicros - c.OpenMicros
	} else if side == domain.SideSell && c.IsRed() {
		minSlip = c.OpenMicros - c.CloseMicros
	}
	if slip < minSlip {
		slip = minSlip
	}
	return slip
}

// DefaultLimitSlippage grants price improvement proportional to the
// volatility left over after the fill's volume share. The caller only
// applies it on candles that moved against the order's side.
func DefaultLimitSlippage(side domain.Side, c domain.Candle, amount quant.QtySats) quant.PriceMicros {
	unused := quant.Bps(quant.BpsScale - int64(volumeRatioBps(c, amount)))
	// Half the unused-volatility range; a full-range improvement would
	// assume a perfectly timed fill.
	return quant.PriceBps(c.Volatility(), unused) / 2
}
