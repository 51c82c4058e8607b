package backtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tradecore/internal/domain"
	"tradecore/internal/marketdata"
	"tradecore/internal/storage"
	"tradecore/internal/strategy"
	"tradecore/pkg/quant"
)

func testInstrument() *domain.Instrument {
	return &domain.Instrument{
		Symbol:         "BTC/USDT",
		Base:           "BTC",
		Quote:          "USDT",
		AmountStepSats: 1_000,
		Limits: domain.Limits{
			MinAmountSats: 100_000,
			MinCostMicros: 5_000_000,
			MaxLeverage:   100,
		},
		Fees: domain.FeeSchedule{
			MakerBps: quant.ToBps(0.0008),
			TakerBps: quant.ToBps(0.001),
		},
	}
}

// trendData scripts a down-up-down close series that makes a 2/3 SMA
// cross strategy do one full round trip.
func trendData() *marketdata.MemProvider {
	data := marketdata.NewMemProvider()
	closes := []quant.PriceMicros{
		100_000_000, 99_000_000, 98_000_000, 97_000_000,
		103_000_000, 104_000_000, 95_000_000,
	}
	for i, px := range closes {
		data.PutCandle("BTC/USDT", "1m", domain.Candle{
			TsUnixM: quant.TimeStamp(i + 1), OpenMicros: px, HighMicros: px, LowMicros: px, CloseMicros: px,
			VolumeSats: 10_000_000_000,
		})
	}
	return data
}

func runOnce(t *testing.T, cfg Config) *Result {
	t.Helper()
	res, err := Run(context.Background(),
		[]*domain.Instrument{testInstrument()},
		trendData(),
		strategy.NewSMACross("1m", 2, 3, 100_000_000),
		cfg)
	require.NoError(t, err)
	return res
}

func TestRun_RoundTrip(t *testing.T) {
	res := runOnce(t, Config{Timeframe: "1m", From: 1, To: 7, InitialMicros: 1_000_000_000})

	require.Equal(t, 7, res.Ticks)
	require.Len(t, res.Trades, 2)
	require.Equal(t, domain.SideBuy, res.Trades[0].Side)
	require.Equal(t, domain.SideSell, res.Trades[1].Side)

	// Bought 1.0 at 103, sold at 95, taker 0.1% both ways.
	wantPnL := int64(-8_000_000 - 103_000 - 95_000)
	require.Equal(t, wantPnL, res.PnLMicros)
	require.Equal(t, 1_000_000_000+wantPnL, res.FinalMicros)
}

// The same archive and config must reproduce the identical trade
// series and final balance.
func TestRun_Deterministic(t *testing.T) {
	cfg := Config{Timeframe: "1m", From: 1, To: 7, InitialMicros: 1_000_000_000}
	a := runOnce(t, cfg)
	b := runOnce(t, cfg)

	require.Equal(t, a.FinalMicros, b.FinalMicros)
	require.Equal(t, a.Trades, b.Trades)
	require.Equal(t, a.Ticks, b.Ticks)
}

func TestRun_JournalsTrades(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Timeframe: "1m", From: 1, To: 7, InitialMicros: 1_000_000_000,
		JournalPath: filepath.Join(dir, "runs.db"),
		SnapshotDir: filepath.Join(dir, "snapshots"),
	}
	res := runOnce(t, cfg)
	require.NotZero(t, res.RunID)

	j, err := storage.NewJournal(cfg.JournalPath)
	require.NoError(t, err)
	defer j.Close()

	run, err := j.Run(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, "sma-cross", run.Strategy)
	require.Equal(t, res.FinalMicros, run.FinalMicros)
	require.Equal(t, res.Ticks, run.Ticks)

	trades, err := j.Trades(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, res.Trades, trades)

	snap, err := storage.NewSnapshotManager(cfg.SnapshotDir).LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, res.FinalMicros, snap.FreeMicros)
}

func TestRun_RequiresInstrument(t *testing.T) {
	_, err := Run(context.Background(), nil, marketdata.NewMemProvider(),
		strategy.NewSMACross("1m", 2, 3, 1), Config{})
	require.Error(t, err)
}
