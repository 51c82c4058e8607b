// Package app assembles the process: configuration, logging, storage
// paths, the instrument catalog and the execution graph for the
// configured mode. cmd/app stays a thin shell around Bootstrap.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"tradecore/backtest"
	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/engine"
	"tradecore/internal/exchange"
	"tradecore/internal/exchange/bitget"
	"tradecore/internal/exec"
	"tradecore/internal/fill"
	"tradecore/internal/infra"
	"tradecore/internal/marketdata"
	"tradecore/internal/storage"
	"tradecore/internal/strategy"
	"tradecore/internal/watch"
	"tradecore/pkg/quant"
)

const (
	defaultShortPeriod = 9
	defaultLongPeriod  = 21
	defaultSizeSats    = 1_000_000 // 0.01 base units
	snapshotEveryTicks = 60
)

// Bootstrap owns process-wide resources and builds the run graph.
type Bootstrap struct {
	Config *infra.Config
	Mode   exec.Mode
	Margin domain.MarginMode

	dataDir string
	candles *marketdata.CandleStore
	venues  *exchange.Registry
	paper   *exec.PaperExecutor
	live    *exec.LiveExecutor
	unlock  func()
}

func NewBootstrap() *Bootstrap { return &Bootstrap{} }

// Initialize loads configuration, installs the logger, lays out the
// workspace and opens the candle archive. No venue connection is made
// here.
func (b *Bootstrap) Initialize() error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	b.Config = cfg
	slog.SetDefault(infra.NewLogger(cfg))

	b.Mode, err = parseMode(cfg.Engine.Mode)
	if err != nil {
		return err
	}
	b.Margin = domain.MarginNone
	if strings.EqualFold(cfg.Engine.Margin, "isolated") {
		b.Margin = domain.MarginIsolated
	}

	workDir := infra.WorkspaceDir()
	b.dataDir = filepath.Join(workDir, "data", strings.ToLower(b.Mode.String()))
	if err := infra.EnsureDir(b.dataDir); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// One process per workspace: concurrent writers would corrupt the
	// journal and snapshots.
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	candlePath := cfg.Storage.CandleDB
	if candlePath == "" {
		candlePath = filepath.Join(b.dataDir, "candles.db")
	}
	b.candles, err = marketdata.NewCandleStore(candlePath)
	if err != nil {
		return fmt.Errorf("open candle archive: %w", err)
	}

	slog.Info("bootstrap complete",
		"mode", b.Mode, "margin", b.Margin,
		"symbols", len(cfg.Engine.Symbols), "candles", candlePath)
	return nil
}

// Run executes the configured mode until ctx is canceled or, for sim,
// the archive is exhausted.
func (b *Bootstrap) Run(ctx context.Context) error {
	if b.Mode == exec.ModeSim {
		return b.runBacktest(ctx)
	}
	return b.runClocked(ctx)
}

func (b *Bootstrap) runBacktest(ctx context.Context) error {
	cfg := b.Config
	from, to, err := cfg.TimeRange()
	if err != nil {
		return err
	}

	journalPath := cfg.Storage.JournalDB
	if journalPath == "" {
		journalPath = filepath.Join(b.dataDir, "journal.db")
	}
	snapshotDir := cfg.Storage.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = filepath.Join(b.dataDir, "snapshots")
	}
	if err := infra.EnsureDir(snapshotDir); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	res, err := backtest.Run(ctx, b.instruments(), b.candles, b.buildStrategy(), backtest.Config{
		Timeframe:     cfg.Engine.Timeframe,
		From:          from,
		To:            to,
		InitialMicros: cfg.Engine.InitialCashMicros,
		Margin:        b.Margin,
		Hedged:        cfg.Engine.Hedged,
		LiqBuffer:     quant.Bps(cfg.Engine.LiqBufferBps),
		JournalPath:   journalPath,
		SnapshotDir:   snapshotDir,
		DumpPath:      filepath.Join(b.dataDir, "dump.json"),
	})
	if err != nil {
		return err
	}

	slog.Info("backtest result",
		"run_id", res.RunID,
		"ticks", res.Ticks,
		"trades", len(res.Trades),
		"final_micros", res.FinalMicros,
		"pnl_micros", res.PnLMicros)
	return nil
}

// runClocked drives paper or live execution on wall-clock ticks.
func (b *Bootstrap) runClocked(ctx context.Context) error {
	cfg := b.Config
	acct := account.New(b.currency(), cfg.Engine.InitialCashMicros, b.Margin, quant.Bps(cfg.Engine.LiqBufferBps))

	hedged := cfg.Engine.Hedged
	instruments := b.instruments()
	assets := make([]*domain.AssetInstance, 0, len(instruments))
	for _, inst := range instruments {
		assets = append(assets, domain.NewAssetInstance(inst, "bitget", hedged))
	}

	b.venues = exchange.NewRegistry()
	if err := b.venues.Register(bitget.New(bitget.Config{
		RESTURL:     cfg.API.Bitget.RestURL,
		PublicWSURL: cfg.API.Bitget.WSURL,
		AccessKey:   cfg.API.Bitget.AccessKey,
		SecretKey:   cfg.API.Bitget.SecretKey,
		Passphrase:  cfg.API.Bitget.Passphrase,
	})); err != nil {
		return err
	}
	conn, err := b.venues.Get("bitget")
	if err != nil {
		return err
	}

	eng := fill.NewEngine(fill.Config{})
	b.paper = exec.NewPaperExecutor(acct, eng, b.candles, conn)
	if b.Mode == exec.ModeLive {
		b.live = exec.NewLiveExecutor(acct, conn, watch.Config{IdleTimeout: cfg.WatcherIdle()})
	}

	dispatcher := exec.NewDispatcher(b.Mode, b.Margin, nil, b.paper, b.live)
	env := &strategy.Env{
		Dispatcher: dispatcher,
		Account:    acct,
		Data:       b.candles,
		Assets:     assets,
	}

	snapshots := storage.NewSnapshotManager(filepath.Join(b.dataDir, "snapshots"))
	if err := infra.EnsureDir(filepath.Join(b.dataDir, "snapshots")); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	ticks := 0
	onTick := func(ts quant.TimeStamp) {
		ticks++
		if ticks%snapshotEveryTicks != 0 {
			return
		}
		if err := snapshots.Save(storage.CaptureSnapshot(0, acct, assets)); err != nil {
			slog.Warn("periodic snapshot failed", "err", err)
		}
	}

	runner := engine.New(env, b.buildStrategy(), nil, engine.Config{
		Timeframe: cfg.Engine.Timeframe,
		DumpPath:  filepath.Join(b.dataDir, "dump.json"),
	}, onTick)

	slog.Info("engine starting", "mode", b.Mode, "interval", cfg.ClockInterval())
	return runner.RunClock(ctx, cfg.ClockInterval())
}

func (b *Bootstrap) currency() string {
	if c := b.Config.Engine.Currency; c != "" {
		return c
	}
	return "USDT"
}

func (b *Bootstrap) buildStrategy() strategy.Strategy {
	sc := b.Config.Strategy
	short, long := sc.ShortPeriod, sc.LongPeriod
	if short <= 0 {
		short = defaultShortPeriod
	}
	if long <= short {
		long = defaultLongPeriod
		if long <= short {
			long = short + 1
		}
	}
	size := quant.QtySats(sc.SizeSats)
	if size <= 0 {
		size = defaultSizeSats
	}
	return strategy.NewSMACross(b.Config.Engine.Timeframe, short, long, size)
}

// instruments builds the catalog from the configured symbols. Venue
// metadata is not fetched; limits use conservative defaults.
func (b *Bootstrap) instruments() []*domain.Instrument {
	out := make([]*domain.Instrument, 0, len(b.Config.Engine.Symbols))
	for _, sym := range b.Config.Engine.Symbols {
		base, quote := splitSymbol(sym)
		out = append(out, &domain.Instrument{
			Symbol:          sym,
			Base:            base,
			Quote:           quote,
			AmountStepSats:  1,
			PriceStepMicros: 1,
			Limits: domain.Limits{
				MinAmountSats: 100,
				MinCostMicros: 5_000_000, // 5 quote units
				MaxLeverage:   100,
			},
			Fees: domain.FeeSchedule{
				MakerBps: quant.ToBps(0.0008),
				TakerBps: quant.ToBps(0.001),
			},
		})
	}
	return out
}

func splitSymbol(sym string) (base, quote string) {
	if i := strings.IndexByte(sym, '/'); i > 0 {
		return sym[:i], sym[i+1:]
	}
	return sym, "USDT"
}

func parseMode(s string) (exec.Mode, error) {
	switch strings.ToLower(s) {
	case "sim":
		return exec.ModeSim, nil
	case "paper":
		return exec.ModePaper, nil
	case "live":
		return exec.ModeLive, nil
	default:
		return 0, fmt.Errorf("unknown engine mode %q", s)
	}
}

// Close releases everything Initialize and Run acquired.
func (b *Bootstrap) Close() {
	if b.paper != nil {
		b.paper.Stop()
	}
	if b.live != nil {
		b.live.Stop()
	}
	if b.venues != nil {
		if err := b.venues.Close(); err != nil {
			slog.Warn("venue close failed", "err", err)
		}
	}
	if b.candles != nil {
		b.candles.Close()
	}
	if b.unlock != nil {
		b.unlock()
	}
}
