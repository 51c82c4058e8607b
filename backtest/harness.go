// Package backtest wires an OHLCV archive, a simulated account and a
// strategy into one deterministic run. The same strategy code and the
// same execution semantics run here as in paper and live modes; only
// the fill source differs.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/exec"
	"tradecore/internal/fill"
	"tradecore/internal/marketdata"
	"tradecore/internal/storage"
	"tradecore/internal/strategy"
	"tradecore/pkg/quant"
)

// Config bounds one backtest run.
type Config struct {
	Timeframe string
	From, To  quant.TimeStamp

	InitialMicros int64
	Margin        domain.MarginMode
	Hedged        bool
	LiqBuffer     quant.Bps

	// JournalPath persists the run and its trades when set.
	JournalPath string
	// SnapshotDir saves an end-of-run state snapshot when set.
	SnapshotDir string
	// DumpPath receives a state dump if a tick panics.
	DumpPath string
}

// Result summarizes a finished run.
type Result struct {
	RunID       int64
	Ticks       int
	FinalMicros int64 // free cash at run end
	PnLMicros   int64
	Trades      []domain.Trade
}

// Run executes strat over the archive and returns the outcome. The run
// is deterministic: the same archive and config produce the same
// trades and the same final balance.
func Run(ctx context.Context, instruments []*domain.Instrument, data marketdata.Provider, strat strategy.Strategy, cfg Config) (*Result, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("backtest needs at least one instrument")
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1m"
	}

	acct := account.New(instruments[0].Quote, cfg.InitialMicros, cfg.Margin, cfg.LiqBuffer)
	var assets []*domain.AssetInstance
	for _, inst := range instruments {
		assets = append(assets, domain.NewAssetInstance(inst, "sim", cfg.Hedged))
	}

	sim := exec.NewSimExecutor(acct, fill.NewEngine(fill.Config{}), data, cfg.Timeframe)
	env := &strategy.Env{
		Dispatcher: exec.NewDispatcher(exec.ModeSim, cfg.Margin, sim, nil, nil),
		Account:    acct,
		Data:       data,
		Assets:     assets,
	}

	var journal *storage.Journal
	var runID int64
	if cfg.JournalPath != "" {
		var err error
		journal, err = storage.NewJournal(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()

		runID, err = journal.BeginRun(ctx, strat.Name(), exec.ModeSim.String(), cfg.InitialMicros, time.Now().Unix())
		if err != nil {
			return nil, fmt.Errorf("begin run: %w", err)
		}
	}

	runner := engine.New(env, strat, sim, engine.Config{
		Timeframe: cfg.Timeframe,
		From:      cfg.From,
		To:        cfg.To,
		DumpPath:  cfg.DumpPath,
	}, nil)

	runErr := runner.Run(ctx)

	free, _ := acct.Balances()
	res := &Result{
		RunID:       runID,
		Ticks:       runner.Ticks(),
		FinalMicros: free,
		PnLMicros:   free - cfg.InitialMicros,
		Trades:      collectTrades(assets),
	}

	if journal != nil {
		for _, tr := range res.Trades {
			if err := journal.RecordTrade(ctx, runID, tr); err != nil {
				return nil, fmt.Errorf("record trade: %w", err)
			}
		}
		if err := journal.FinishRun(ctx, runID, free, res.Ticks, time.Now().Unix()); err != nil {
			return nil, fmt.Errorf("finish run: %w", err)
		}
	}
	if cfg.SnapshotDir != "" {
		sm := storage.NewSnapshotManager(cfg.SnapshotDir)
		if err := sm.Save(storage.CaptureSnapshot(runID, acct, assets)); err != nil {
			slog.Warn("snapshot save failed", "err", err)
		}
	}

	if runErr != nil {
		return res, runErr
	}
	slog.Info("backtest finished",
		"strategy", strat.Name(),
		"ticks", res.Ticks,
		"trades", len(res.Trades),
		"pnl_micros", res.PnLMicros)
	return res, nil
}

// collectTrades merges per-asset histories into one series ordered by
// execution time, symbol breaking ties for a stable order.
func collectTrades(assets []*domain.AssetInstance) []domain.Trade {
	var out []domain.Trade
	for _, a := range assets {
		out = append(out, a.Trades()...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TsUnixM != out[j].TsUnixM {
			return out[i].TsUnixM < out[j].TsUnixM
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
