package strategy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/markcheno/go-talib"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/exec"
	"tradecore/internal/fill"
	"tradecore/pkg/quant"
)

// SMACross is a moving-average crossover reference strategy. A short
// SMA crossing above the long one buys a fixed slice; crossing below
// sells whatever the strategy is holding. It keeps its own close-price
// history per symbol and hands the series to go-talib, so the int64
// price domain leaks floats only at the indicator boundary.
type SMACross struct {
	timeframe string
	shortN    int
	longN     int
	sizeSats  quant.QtySats

	closes map[string][]float64
	long   map[string]bool
}

// NewSMACross builds the strategy. shortN must be strictly below longN.
func NewSMACross(timeframe string, shortN, longN int, sizeSats quant.QtySats) *SMACross {
	if shortN <= 0 || shortN >= longN {
		panic("strategy: sma-cross needs 0 < shortN < longN")
	}
	return &SMACross{
		timeframe: timeframe,
		shortN:    shortN,
		longN:     longN,
		sizeSats:  sizeSats,
		closes:    make(map[string][]float64),
		long:      make(map[string]bool),
	}
}

func (s *SMACross) Name() string { return "sma-cross" }

// OnTick implements Strategy.
func (s *SMACross) OnTick(ctx context.Context, env *Env, ts quant.TimeStamp) error {
	for _, asset := range env.Assets {
		sym := asset.Instrument.Symbol
		c, err := env.Data.CandleAt(sym, s.timeframe, ts)
		if err != nil {
			continue // gap in the series, indicators keep their state
		}

		hist := append(s.closes[sym], c.CloseMicros.Float())
		if max := s.longN + 1; len(hist) > max {
			hist = hist[len(hist)-max:]
		}
		s.closes[sym] = hist
		if len(hist) < s.longN+1 {
			continue
		}

		short := talib.Sma(hist, s.shortN)
		long := talib.Sma(hist, s.longN)
		last := len(hist) - 1

		crossedUp := short[last-1] <= long[last-1] && short[last] > long[last]
		crossedDown := short[last-1] >= long[last-1] && short[last] < long[last]

		switch {
		case crossedUp && !s.long[sym]:
			if err := s.enter(ctx, env, asset, c, ts); err != nil {
				return err
			}
		case crossedDown && s.long[sym]:
			if err := s.exit(ctx, env, asset, c, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SMACross) enter(ctx context.Context, env *Env, asset *domain.AssetInstance, c domain.Candle, ts quant.TimeStamp) error {
	pl, err := env.Dispatcher.Do(ctx, asset, exec.Request{
		Kind: exec.KindPlace,
		Spec: domain.OrderSpec{
			Side:       domain.SideBuy,
			Type:       domain.TypeMarket,
			AmountSats: s.sizeSats,
		},
		RefPriceMicros: c.CloseMicros,
		TsUnixM:        ts,
	})
	if err != nil {
		if declined(err) {
			slog.Debug("entry declined", "strategy", s.Name(), "symbol", asset.Instrument.Symbol, "err", err)
			return nil
		}
		return err
	}
	s.long[asset.Instrument.Symbol] = true
	slog.Info("golden cross entry",
		"strategy", s.Name(),
		"symbol", asset.Instrument.Symbol,
		"price", pl.Trade.PriceMicros,
		"amount", pl.Trade.AmountSats)
	return nil
}

func (s *SMACross) exit(ctx context.Context, env *Env, asset *domain.AssetInstance, c domain.Candle, ts quant.TimeStamp) error {
	held, _, _ := asset.Holdings()
	if held < asset.Instrument.Limits.MinAmountSats {
		s.long[asset.Instrument.Symbol] = false
		return nil
	}
	pl, err := env.Dispatcher.Do(ctx, asset, exec.Request{
		Kind: exec.KindPlace,
		Spec: domain.OrderSpec{
			Side:       domain.SideSell,
			Type:       domain.TypeMarket,
			AmountSats: held,
		},
		RefPriceMicros: c.CloseMicros,
		TsUnixM:        ts,
	})
	if err != nil {
		if declined(err) {
			slog.Debug("exit declined", "strategy", s.Name(), "symbol", asset.Instrument.Symbol, "err", err)
			return nil
		}
		return err
	}
	s.long[asset.Instrument.Symbol] = false
	slog.Info("death cross exit",
		"strategy", s.Name(),
		"symbol", asset.Instrument.Symbol,
		"price", pl.Trade.PriceMicros,
		"amount", pl.Trade.AmountSats)
	return nil
}

// declined classifies errors a strategy should absorb rather than
// abort the run on: liquidity and sizing rejections, not plumbing
// failures.
func declined(err error) bool {
	return errors.Is(err, fill.ErrNoFill) ||
		errors.Is(err, fill.ErrBelowMinCost) ||
		errors.Is(err, fill.ErrPartialFOK) ||
		errors.Is(err, account.ErrInsufficientCash) ||
		errors.Is(err, account.ErrInsufficientHoldings) ||
		errors.Is(err, domain.ErrAmountLimit) ||
		errors.Is(err, domain.ErrCostLimit)
}
