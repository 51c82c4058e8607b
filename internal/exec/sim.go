package exec

import (
	"context"
	"fmt"
	"log/slog"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/fill"
	"tradecore/internal/marketdata"
	"tradecore/pkg/quant"
)

// SimExecutor fills synchronously against stored candles. Everything
// resolves inside the call: no watchers, no waiting, no wall clock.
// Determinism is the whole point; the caller supplies the tick
// timestamp and the same inputs always yield the same trades.
type SimExecutor struct {
	acct      *account.Account
	eng       *fill.Engine
	data      marketdata.Provider
	timeframe string
}

// NewSimExecutor builds the candle-driven backend.
func NewSimExecutor(acct *account.Account, eng *fill.Engine, data marketdata.Provider, timeframe string) *SimExecutor {
	return &SimExecutor{acct: acct, eng: eng, data: data, timeframe: timeframe}
}

func (s *SimExecutor) candleAt(symbol string, ts quant.TimeStamp) (domain.Candle, error) {
	return s.data.CandleAt(symbol, s.timeframe, ts)
}

// Place validates, reserves and fills one order against the tick's
// candle. GTC remainders join the asset's queue and resolve on later
// ticks; IOC remainders are canceled; FOK is all or nothing.
func (s *SimExecutor) Place(_ context.Context, asset *domain.AssetInstance, req Request) (Placement, error) {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	return s.placeLocked(asset, req)
}

func (s *SimExecutor) placeLocked(asset *domain.AssetInstance, req Request) (Placement, error) {
	c, err := s.candleAt(asset.Instrument.Symbol, req.TsUnixM)
	if err != nil {
		return Placement{}, fmt.Errorf("tick %d: %w", req.TsUnixM, err)
	}

	free, _ := s.acct.Balances()
	o, err := domain.NewOrder(nextOrderID(asset), asset.Instrument, req.Spec, free, req.TsUnixM)
	if err != nil {
		return Placement{}, err
	}

	ref := req.RefPriceMicros
	if ref <= 0 {
		ref = c.OpenMicros
	}
	if err := s.acct.Reserve(asset, o, ref); err != nil {
		return Placement{}, err
	}

	if o.Type == domain.TypeMarket {
		return s.fillMarket(asset, o, c)
	}
	return s.fillLimit(asset, o, c)
}

func (s *SimExecutor) fillMarket(asset *domain.AssetInstance, o *domain.Order, c domain.Candle) (Placement, error) {
	res, err := s.eng.MarketCandle(asset.Instrument, o, c)
	if err != nil {
		s.acct.ReleaseOrder(o)
		o.Reject()
		return Placement{Order: o}, err
	}
	tr := domain.NewTrade(o, res.PriceMicros, res.AmountSats, account.FeeBps(asset.Instrument, o, false), c.TsUnixM)
	if err := s.acct.ApplyFill(asset, o, tr); err != nil {
		s.acct.ReleaseOrder(o)
		o.Reject()
		return Placement{Order: o}, err
	}
	return placementFor(o)
}

func (s *SimExecutor) fillLimit(asset *domain.AssetInstance, o *domain.Order, c domain.Candle) (Placement, error) {
	res, err := s.eng.LimitCandle(asset.Instrument, o, c)
	switch {
	case err == nil:
		if o.Tif == domain.TifFOK && res.AmountSats < o.RemainingSats {
			s.acct.ReleaseOrder(o)
			o.Reject()
			return Placement{Order: o}, fmt.Errorf("%w: %s fillable of %s", fill.ErrPartialFOK, res.AmountSats, o.RemainingSats)
		}
		tr := domain.NewTrade(o, res.PriceMicros, res.AmountSats, account.FeeBps(asset.Instrument, o, false), c.TsUnixM)
		if err := s.acct.ApplyFill(asset, o, tr); err != nil {
			s.acct.ReleaseOrder(o)
			o.Reject()
			return Placement{Order: o}, err
		}
	case noFill(err) && o.Tif == domain.TifGTC:
		// Rests in the queue for later ticks.
	default:
		s.acct.ReleaseOrder(o)
		o.Reject()
		return Placement{Order: o}, err
	}

	switch {
	case o.Status == domain.StatusFilled:
		return placementFor(o)
	case o.Tif == domain.TifIOC:
		// Nothing left to try this tick: the remainder dies with the call.
		if o.Cancel() {
			s.acct.ReleaseOrder(o)
		}
		if len(o.Trades) > 0 {
			tr := o.Trades[len(o.Trades)-1]
			return Placement{Order: o, Trade: &tr}, nil
		}
		return Placement{Order: o}, fmt.Errorf("%w: %s", ErrNoTrade, o.ID)
	default: // GTC, possibly partially filled
		o.MarkOpen()
		asset.InsertOrder(o)
		return Placement{Order: o, Pending: true}, nil
	}
}

// Cancel removes one resting order. Canceling an already-terminal or
// unknown order is a no-op success.
func (s *SimExecutor) Cancel(_ context.Context, asset *domain.AssetInstance, req Request) error {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	o, ok := asset.FindOrder(req.OrderID)
	if !ok {
		return nil
	}
	if o.Cancel() {
		s.acct.ReleaseOrder(o)
		asset.RemoveOrder(o.ID)
	}
	return nil
}

// CancelAll cancels every resting order, optionally one side only.
func (s *SimExecutor) CancelAll(_ context.Context, asset *domain.AssetInstance, req Request) error {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		if req.Side != 0 && req.Side != side {
			continue
		}
		for _, o := range asset.OpenOrders(side) {
			if o.Cancel() {
				s.acct.ReleaseOrder(o)
				asset.RemoveOrder(o.ID)
			}
		}
	}
	return nil
}

// UpdateLeverage changes a position's leverage, local-state only.
func (s *SimExecutor) UpdateLeverage(_ context.Context, asset *domain.AssetInstance, req Request) error {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	return s.acct.SetLeverage(asset, req.PosSide, req.Leverage, req.TsUnixM)
}

// ClosePosition flattens one side with a synthesized reduce-only
// market order against the tick's candle.
func (s *SimExecutor) ClosePosition(_ context.Context, asset *domain.AssetInstance, req Request) (Placement, error) {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()

	p := asset.Position(req.PosSide)
	if !p.IsOpen() {
		return Placement{}, account.ErrNothingToReduce
	}
	side := domain.SideSell
	if req.PosSide == domain.PositionShort {
		side = domain.SideBuy
	}
	req.Spec = domain.OrderSpec{
		Side: side, Type: domain.TypeMarket,
		ReduceOnly: true, AmountSats: p.Exposure(),
	}
	return s.placeLocked(asset, req)
}

// ProcessTick advances the asset one candle: positions are marked and
// liquidated first (a stale position must never be matched against),
// then the resting queue runs in price priority.
func (s *SimExecutor) ProcessTick(asset *domain.AssetInstance, ts quant.TimeStamp) error {
	c, err := s.candleAt(asset.Instrument.Symbol, ts)
	if err != nil {
		return err
	}

	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()

	s.runLiquidations(asset, c)
	s.runQueue(asset, c)
	return nil
}

// runLiquidations force-closes every position whose buffered trigger
// the candle's range crossed. The candle extremes are the best
// available evidence of the worst price seen inside the bar.
func (s *SimExecutor) runLiquidations(asset *domain.AssetInstance, c domain.Candle) {
	for _, best := range []quant.PriceMicros{c.LowMicros, c.HighMicros} {
		for _, o := range s.acct.Liquidations(asset, best, c.TsUnixM) {
			res, err := s.eng.MarketCandle(asset.Instrument, o, c)
			if err != nil {
				slog.Error("liquidation fill failed",
					slog.String("order_id", o.ID), slog.Any("error", err))
				continue
			}
			tr := domain.NewTrade(o, res.PriceMicros, res.AmountSats, account.FeeBps(asset.Instrument, o, false), c.TsUnixM)
			if err := s.acct.ApplyFill(asset, o, tr); err != nil {
				slog.Error("liquidation apply failed",
					slog.String("order_id", o.ID), slog.Any("error", err))
				continue
			}
			slog.Warn("position liquidated",
				slog.String("symbol", o.Symbol),
				slog.String("side", o.Side.String()),
				slog.String("price", res.PriceMicros.String()),
				slog.String("amount", res.AmountSats.String()))
		}
	}
}

// runQueue offers the candle to every resting order, best price first.
func (s *SimExecutor) runQueue(asset *domain.AssetInstance, c domain.Candle) {
	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		for _, o := range asset.OpenOrders(side) {
			res, err := s.eng.LimitCandle(asset.Instrument, o, c)
			if err != nil {
				continue // stays queued
			}
			fee := account.FeeBps(asset.Instrument, o, true)
			tr := domain.NewTrade(o, res.PriceMicros, res.AmountSats, fee, c.TsUnixM)
			if err := s.acct.ApplyFill(asset, o, tr); err != nil {
				slog.Error("queued fill apply failed",
					slog.String("order_id", o.ID), slog.Any("error", err))
				continue
			}
			if o.Status.Terminal() {
				asset.RemoveOrder(o.ID)
			}
		}
	}
}
