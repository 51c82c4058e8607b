package fill

import (
	"errors"
	"fmt"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
	"tradecore/pkg/safe"
)

var (
	// ErrNoFill signals that the price source cannot fill the order at all.
	ErrNoFill = errors.New("no fill available")
	// ErrBelowMinCost signals a would-be trade under the instrument's
	// minimum cost. The fill is aborted; no under-limit trade is emitted.
	ErrBelowMinCost = errors.New("fill below minimum cost")
	// ErrPartialFOK signals that a FOK order could not be filled in full.
	ErrPartialFOK = errors.New("fill-or-kill could not fill in full")
)

// Result is one computed fill: the execution price and amount the engine
// grants. Fees are applied by the caller when the Trade is built.
type Result struct {
	PriceMicros quant.PriceMicros
	AmountSats  quant.QtySats
}

// Config tunes the engine. Zero-value fields fall back to defaults.
type Config struct {
	MarketSlippage MarketSlippageFunc
	LimitSlippage  LimitSlippageFunc

	// ParticipationBps caps the share of a candle's volume a limit fill
	// may consume. Default: 25%.
	ParticipationBps quant.Bps
}

// Engine computes trades from an order and a price source (candle or
// order-book snapshot), enforcing instrument limits on every result.
type Engine struct {
	cfg Config
}

// NewEngine builds a fill engine, applying defaults for unset policy.
func NewEngine(cfg Config) *Engine {
	if cfg.MarketSlippage == nil {
		cfg.MarketSlippage = DefaultMarketSlippage
	}
	if cfg.LimitSlippage == nil {
		cfg.LimitSlippage = DefaultLimitSlippage
	}
	if cfg.ParticipationBps <= 0 {
		cfg.ParticipationBps = quant.ToBps(0.25)
	}
	return &Engine{cfg: cfg}
}

// MarketCandle fills a market order in full against a candle.
//
// The fill always happens, even on a candle with little or no volume;
// the slippage function prices that aggressiveness instead of refusing.
func (e *Engine) MarketCandle(inst *domain.Instrument, o *domain.Order, c domain.Candle) (Result, error) {
	amount := o.RemainingSats
	if amount <= 0 {
		return Result{}, fmt.Errorf("%w: order %s has nothing left", ErrNoFill, o.ID)
	}

	slip := e.cfg.MarketSlippage(o.Side, c, amount)
	price := c.OpenMicros
	if o.Side == domain.SideBuy {
		price += slip
	} else {
		price -= slip
		if price <= 0 {
			price = 1
		}
	}

	return e.validated(inst, price, amount)
}

// LimitCandle fills a limit order against a candle.
//
// The order fills only when the candle traded through the limit (low for
// buys, high for sells). The granted amount is capped by the volume
// participation estimate; remainder handling (queue, cancel, reject) is
// the caller's time-in-force concern. Price improvement is granted only
// on candles that moved against the order's side and can only better
// the limit price.
func (e *Engine) LimitCandle(inst *domain.Instrument, o *domain.Order, c domain.Candle) (Result, error) {
	crossed := (o.Side == domain.SideBuy && c.LowMicros <= o.PriceMicros) ||
		(o.Side == domain.SideSell && c.HighMicros >= o.PriceMicros)
	if !crossed {
		return Result{}, fmt.Errorf("%w: candle did not cross %s", ErrNoFill, o.PriceMicros)
	}

	maxAmount := quant.QtySats(quant.ApplyBps(int64(c.VolumeSats), e.cfg.ParticipationBps))
	amount := o.RemainingSats
	if amount > maxAmount {
		amount = maxAmount
	}
	amount = inst.RoundAmount(amount)
	if amount <= 0 {
		return Result{}, fmt.Errorf("%w: no participating volume", ErrNoFill)
	}

	price := o.PriceMicros
	adverse := (o.Side == domain.SideBuy && c.IsRed()) ||
		(o.Side == domain.SideSell && c.IsGreen())
	if adverse {
		impr := e.cfg.LimitSlippage(o.Side, c, amount)
		if impr > 0 {
			if o.Side == domain.SideBuy {
				price -= impr
				if price <= 0 {
					price = 1
				}
			} else {
				price += impr
			}
		}
	}

	return e.validated(inst, price, amount)
}

// Book fills an order against a depth snapshot, walking levels until the
// requested amount is exhausted or the limit price is crossed. The
// result price is the volume-weighted average across consumed levels.
func (e *Engine) Book(inst *domain.Instrument, o *domain.Order, book *domain.BookSnapshot) (Result, error) {
	levels := book.Asks
	if o.Side == domain.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return Result{}, fmt.Errorf("%w: empty book side", ErrNoFill)
	}

	var (
		filled   quant.QtySats
		notional int64 // sum(price * qty) in micros
		want     = o.RemainingSats
	)
	for _, lv := range levels {
		if o.Type == domain.TypeLimit {
			if o.Side == domain.SideBuy && lv.PriceMicros > o.PriceMicros {
				break
			}
			if o.Side == domain.SideSell && lv.PriceMicros < o.PriceMicros {
				break
			}
		}
		take := want - filled
		if take > lv.QtySats {
			take = lv.QtySats
		}
		filled += take
		notional = safe.SafeAdd(notional, quant.Cost(lv.PriceMicros, take))
		if filled >= want {
			break
		}
	}

	filled = inst.RoundAmount(filled)
	if filled <= 0 {
		return Result{}, fmt.Errorf("%w: no depth inside limit", ErrNoFill)
	}
	if o.Tif == domain.TifFOK && filled < want {
		return Result{}, fmt.Errorf("%w: %s of %s available", ErrPartialFOK, filled, want)
	}

	vwap := quant.PriceMicros(safe.SafeDiv(safe.SafeMul(notional, quant.QtyScale), int64(filled)))
	return e.validated(inst, vwap, filled)
}

// validated re-checks instrument limits before a trade may be emitted.
// Under-minimum cost aborts without raising the amount: raising happens
// at order construction, never at fill time.
func (e *Engine) validated(inst *domain.Instrument, price quant.PriceMicros, amount quant.QtySats) (Result, error) {
	amount = inst.RoundAmount(amount)
	if err := inst.ValidateAmount(amount); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBelowMinCost, err)
	}
	cost := quant.Cost(price, amount)
	if err := inst.ValidateCost(cost); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBelowMinCost, err)
	}
	return Result{PriceMicros: price, AmountSats: amount}, nil
}
