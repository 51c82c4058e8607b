package domain

import (
	"tradecore/pkg/quant"
)

// Trade is an immutable executed fill. Trades are the audit ledger:
// produced by exactly one order, appended to the asset's history and
// never mutated or removed.
type Trade struct {
	OrderID string
	Symbol  string
	Side    Side

	PriceMicros quant.PriceMicros
	AmountSats  quant.QtySats
	CostMicros  int64 // price * amount, quote currency
	FeeMicros   int64 // always >= 0, deducted from cash

	// CashDeltaMicros is the signed quote-cash effect of the trade:
	// negative for buys (cost + fee), positive for sells (cost - fee).
	CashDeltaMicros int64

	TsUnixM     quant.TimeStamp
	Liquidation bool
}

// NewTrade computes cost, fee and cash delta for a fill.
func NewTrade(o *Order, price quant.PriceMicros, amount quant.QtySats, feeBps quant.Bps, ts quant.TimeStamp) Trade {
	cost := quant.Cost(price, amount)
	fee := quant.ApplyBps(cost, feeBps)

	delta := cost - fee
	if o.Side == SideBuy {
		delta = -(cost + fee)
	}

	return Trade{
		OrderID:         o.ID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		PriceMicros:     price,
		AmountSats:      amount,
		CostMicros:      cost,
		FeeMicros:       fee,
		CashDeltaMicros: delta,
		TsUnixM:         ts,
		Liquidation:     o.Liquidation,
	}
}
