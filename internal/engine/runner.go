// Package engine drives a strategy over market time. The simulator
// walks the candle grid of an archive; paper and live runs walk the
// wall clock. Either way each tick is processed on a single goroutine:
// liquidation scan and resting-order queue first, strategy second, so
// a tick never observes half-applied state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"tradecore/internal/domain"
	"tradecore/internal/exec"
	"tradecore/internal/marketdata"
	"tradecore/internal/strategy"
	"tradecore/pkg/quant"
)

// Config carries the run bounds.
type Config struct {
	Timeframe string

	// From/To bound the simulated grid, inclusive. Ignored by RunClock.
	From, To quant.TimeStamp

	// DumpPath is where a state dump lands when a tick panics. Empty
	// disables the dump.
	DumpPath string
}

// Runner owns the tick loop.
type Runner struct {
	env   *strategy.Env
	strat strategy.Strategy
	sim   *exec.SimExecutor // nil outside simulation
	cfg   Config

	// onTick is a boundary hook invoked after each completed tick,
	// for reporting or UI. It runs on the loop goroutine.
	onTick func(ts quant.TimeStamp)

	ticks int
}

// New builds a runner. sim must be the simulator backing env's
// dispatcher when simulating, nil for paper and live runs.
func New(env *strategy.Env, strat strategy.Strategy, sim *exec.SimExecutor, cfg Config, onTick func(quant.TimeStamp)) *Runner {
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1m"
	}
	return &Runner{env: env, strat: strat, sim: sim, cfg: cfg, onTick: onTick}
}

// Ticks returns the number of completed ticks.
func (r *Runner) Ticks() int { return r.ticks }

// Run walks the archive grid from cfg.From to cfg.To. It MUST be run
// in a single goroutine.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer r.recoverDump(&err)

	grid, err := r.grid()
	if err != nil {
		return err
	}
	slog.Info("run started",
		"strategy", r.strat.Name(),
		"timeframe", r.cfg.Timeframe,
		"ticks", len(grid))

	for _, ts := range grid {
		if ctx.Err() != nil {
			slog.Info("run interrupted", "ticks_done", r.ticks)
			return ctx.Err()
		}
		if err := r.step(ctx, ts); err != nil {
			return err
		}
	}

	slog.Info("run finished", "strategy", r.strat.Name(), "ticks", r.ticks)
	return nil
}

// RunClock drives the strategy off the wall clock for paper and live
// runs, one tick per interval, until ctx is canceled.
func (r *Runner) RunClock(ctx context.Context, interval time.Duration) (err error) {
	defer r.recoverDump(&err)

	slog.Info("clock run started", "strategy", r.strat.Name(), "interval", interval)
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("clock run stopping", "ticks_done", r.ticks)
			return ctx.Err()
		case now := <-tick.C:
			if err := r.step(ctx, quant.TimeStamp(now.UnixMicro())); err != nil {
				return err
			}
		}
	}
}

// grid merges the per-symbol timestamp sets into one ascending series.
func (r *Runner) grid() ([]quant.TimeStamp, error) {
	seen := make(map[quant.TimeStamp]struct{})
	var out []quant.TimeStamp
	for _, asset := range r.env.Assets {
		tss, err := r.env.Data.Timestamps(asset.Instrument.Symbol, r.cfg.Timeframe, r.cfg.From, r.cfg.To)
		if err != nil {
			return nil, fmt.Errorf("grid for %s: %w", asset.Instrument.Symbol, err)
		}
		for _, ts := range tss {
			if _, ok := seen[ts]; !ok {
				seen[ts] = struct{}{}
				out = append(out, ts)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *Runner) step(ctx context.Context, ts quant.TimeStamp) error {
	if r.sim != nil {
		for _, asset := range r.env.Assets {
			err := r.sim.ProcessTick(asset, ts)
			if err != nil && !errors.Is(err, marketdata.ErrNoData) {
				return fmt.Errorf("tick %d on %s: %w", ts, asset.Instrument.Symbol, err)
			}
		}
	}

	if err := r.strat.OnTick(ctx, r.env, ts); err != nil {
		return fmt.Errorf("strategy %s at %d: %w", r.strat.Name(), ts, err)
	}

	for _, asset := range r.env.Assets {
		asset.VerifyInvariant()
	}

	r.ticks++
	if r.onTick != nil {
		r.onTick(ts)
	}
	return nil
}

// recoverDump converts a tick panic into a state dump plus an error,
// so a corrupted-invariant halt still leaves a post-mortem behind.
func (r *Runner) recoverDump(err *error) {
	rec := recover()
	if rec == nil {
		return
	}
	slog.Error("run halted by panic", "panic", rec)
	if r.cfg.DumpPath != "" {
		r.DumpState(r.cfg.DumpPath)
	}
	*err = fmt.Errorf("run halted: %v", rec)
}

type assetDump struct {
	Symbol      string             `json:"symbol"`
	HoldingSats quant.QtySats      `json:"holding_sats"`
	OpenOrders  int                `json:"open_orders"`
	Trades      int                `json:"trades"`
	Positions   []*domain.Position `json:"positions,omitempty"`
}

// DumpState writes account balances and per-asset state to a file for
// post-mortem inspection.
func (r *Runner) DumpState(path string) {
	free, committed := r.env.Account.Balances()
	dump := struct {
		Ticks          int         `json:"ticks"`
		FreeMicros     int64       `json:"free_micros"`
		CommittedMicro int64       `json:"committed_micros"`
		Assets         []assetDump `json:"assets"`
	}{Ticks: r.ticks, FreeMicros: free, CommittedMicro: committed}

	for _, asset := range r.env.Assets {
		cur, _, _ := asset.Holdings()
		dump.Assets = append(dump.Assets, assetDump{
			Symbol:      asset.Instrument.Symbol,
			HoldingSats: cur,
			OpenOrders:  asset.OpenOrderCount(),
			Trades:      asset.TradeCount(),
			Positions:   asset.OpenPositions(),
		})
	}

	b, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		slog.Error("state dump marshal failed", "err", err)
		return
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		slog.Error("state dump write failed", "path", path, "err", err)
		return
	}
	slog.Info("state dumped", "path", path)
}
