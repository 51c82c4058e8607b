package storage

import (
	"context"
	"path/filepath"
	"testing"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

func TestJournal_RunLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	j, err := NewJournal(dbPath)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	defer j.Close()

	ctx := context.Background()

	runID, err := j.BeginRun(ctx, "sma-cross", "SIM", 1_000_000_000, 1700000000)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	tr1 := domain.Trade{
		OrderID: "o-BTC/USDT-1", Symbol: "BTC/USDT", Side: domain.SideBuy,
		PriceMicros: 100_000_000, AmountSats: 100_000_000,
		CostMicros: 100_000_000, FeeMicros: 100_000, CashDeltaMicros: -100_100_000,
		TsUnixM: 1000,
	}
	tr2 := domain.Trade{
		OrderID: "o-BTC/USDT-2", Symbol: "BTC/USDT", Side: domain.SideSell,
		PriceMicros: 110_000_000, AmountSats: 100_000_000,
		CostMicros: 110_000_000, FeeMicros: 110_000, CashDeltaMicros: 109_890_000,
		TsUnixM: 2000, Liquidation: true,
	}
	if err := j.RecordTrade(ctx, runID, tr1); err != nil {
		t.Fatalf("RecordTrade failed: %v", err)
	}
	if err := j.RecordTrade(ctx, runID, tr2); err != nil {
		t.Fatalf("RecordTrade failed: %v", err)
	}

	if err := j.FinishRun(ctx, runID, 1_009_790_000, 42, 1700000600); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err := j.Run(ctx, runID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Strategy != "sma-cross" || run.Mode != "SIM" {
		t.Errorf("run identity mismatch: %+v", run)
	}
	if run.FinalMicros != 1_009_790_000 || run.Ticks != 42 {
		t.Errorf("run result mismatch: %+v", run)
	}

	trades, err := j.Trades(ctx, runID)
	if err != nil {
		t.Fatalf("Trades failed: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0] != tr1 {
		t.Errorf("trade 1 round-trip mismatch:\n got %+v\nwant %+v", trades[0], tr1)
	}
	if trades[1] != tr2 {
		t.Errorf("trade 2 round-trip mismatch:\n got %+v\nwant %+v", trades[1], tr2)
	}
	if !trades[1].Liquidation {
		t.Error("liquidation flag lost")
	}
}

func TestJournal_TradesScopedToRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	j, err := NewJournal(dbPath)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	run1, _ := j.BeginRun(ctx, "a", "SIM", 0, 0)
	run2, _ := j.BeginRun(ctx, "b", "SIM", 0, 0)

	tr := domain.Trade{OrderID: "o-1", Symbol: "BTC/USDT", Side: domain.SideBuy, PriceMicros: 1, AmountSats: 1, TsUnixM: quant.TimeStamp(1)}
	if err := j.RecordTrade(ctx, run1, tr); err != nil {
		t.Fatalf("RecordTrade failed: %v", err)
	}

	trades, err := j.Trades(ctx, run2)
	if err != nil {
		t.Fatalf("Trades failed: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no trades for run2, got %d", len(trades))
	}
}

func TestJournal_Metadata(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	j, err := NewJournal(dbPath)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	defer j.Close()

	ctx := context.Background()

	v, err := j.GetMetadata(ctx, "missing")
	if err != nil || v != "" {
		t.Fatalf("expected empty value for missing key, got %q err %v", v, err)
	}

	if err := j.UpsertMetadata(ctx, "last_sync", "1000", 1); err != nil {
		t.Fatalf("UpsertMetadata failed: %v", err)
	}
	if err := j.UpsertMetadata(ctx, "last_sync", "2000", 2); err != nil {
		t.Fatalf("upsert over existing key failed: %v", err)
	}

	v, err = j.GetMetadata(ctx, "last_sync")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if v != "2000" {
		t.Errorf("expected 2000, got %q", v)
	}
}
