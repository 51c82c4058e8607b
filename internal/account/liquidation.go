package account

import (
	"fmt"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

// FeeBps selects the fee rate for a fill of o. Liquidations pay roughly
// twice the taker rate to approximate funding and penalty costs; resting
// limit fills pay maker; everything matched immediately pays taker.
func FeeBps(inst *domain.Instrument, o *domain.Order, resting bool) quant.Bps {
	if o.Liquidation {
		return 2 * inst.Fees.TakerBps
	}
	if resting && o.Type == domain.TypeLimit && o.Tif == domain.TifGTC {
		return inst.Fees.MakerBps
	}
	return inst.Fees.TakerBps
}

// Liquidations checks the asset's open positions against the best
// available price and synthesizes a forced-close order for every
// position whose buffered threshold has been crossed. The returned
// orders are market-equivalent, reduce-only and flagged as
// liquidations; the caller executes them unconditionally, without
// waiting for a strategy decision.
func (ac *Account) Liquidations(asset *domain.AssetInstance, best quant.PriceMicros, ts quant.TimeStamp) []*domain.Order {
	if ac.mode != domain.MarginIsolated || best <= 0 {
		return nil
	}

	var out []*domain.Order
	for _, p := range asset.OpenPositions() {
		if !p.LiquidationCrossed(best, ac.liqBuffer) {
			continue
		}
		side := domain.SideSell // closing a long sells
		if p.Side == domain.PositionShort {
			side = domain.SideBuy
		}
		amount := p.Exposure()
		out = append(out, &domain.Order{
			ID:            fmt.Sprintf("liq-%s-%d", asset.Instrument.Symbol, asset.NextOrderSeq()),
			Symbol:        asset.Instrument.Symbol,
			Side:          side,
			Type:          domain.TypeMarket,
			Tif:           domain.TifFOK,
			ReduceOnly:    true,
			Liquidation:   true,
			AmountSats:    amount,
			RemainingSats: amount,
			Status:        domain.StatusNew,
			CreatedUnixM:  ts,
		})
	}
	return out
}

// LiquidationPrice exposes the buffered trigger for a side's position,
// part of the strategy query surface.
func (ac *Account) LiquidationPrice(asset *domain.AssetInstance, side domain.PositionSide) quant.PriceMicros {
	return asset.Position(side).LiquidationPrice(ac.liqBuffer)
}
