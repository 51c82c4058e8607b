package quant

import "tradecore/pkg/safe"

// Cost returns the quote-currency cost (in micros) of qty at price.
func Cost(p PriceMicros, q QtySats) int64 {
	if q < 0 {
		q = -q
	}
	return safe.SafeDiv(safe.SafeMul(int64(p), int64(q)), QtyScale)
}

// ApplyBps scales a micros value by a Bps rate, rounding toward zero.
func ApplyBps(v int64, r Bps) int64 {
	return safe.SafeDiv(safe.SafeMul(v, int64(r)), BpsScale)
}

// PriceBps scales a price by a Bps rate.
func PriceBps(p PriceMicros, r Bps) PriceMicros {
	return PriceMicros(ApplyBps(int64(p), r))
}

// QtyAtCost returns the quantity purchasable for costMicros at price.
func QtyAtCost(costMicros int64, p PriceMicros) QtySats {
	if p == 0 {
		return 0
	}
	return QtySats(safe.SafeDiv(safe.SafeMul(costMicros, QtyScale), int64(p)))
}
