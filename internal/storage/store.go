// Package storage persists run results. The journal is a SQLite file
// holding one row per run and one row per executed trade, plus a small
// key-value table for tool state. Snapshots of engine state live next
// to it as JSON files.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

// Journal records runs and their trades in SQLite.
type Journal struct {
	db *sql.DB
}

// RunRecord is one finished (or in-flight) run.
type RunRecord struct {
	ID            int64
	Strategy      string
	Mode          string
	InitialMicros int64
	FinalMicros   int64
	Ticks         int
	StartedUnix   int64
	FinishedUnix  int64
}

// NewJournal opens (and if needed creates) the journal database with
// WAL mode enabled.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy TEXT NOT NULL,
			mode TEXT NOT NULL,
			initial_micros INTEGER NOT NULL,
			final_micros INTEGER NOT NULL DEFAULT 0,
			ticks INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id),
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side INTEGER NOT NULL,
			price_micros INTEGER NOT NULL,
			amount_sats INTEGER NOT NULL,
			cost_micros INTEGER NOT NULL,
			fee_micros INTEGER NOT NULL,
			cash_delta_micros INTEGER NOT NULL,
			liquidation INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create trades table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata table: %w", err)
	}

	return &Journal{db: db}, nil
}

// BeginRun opens a run row and returns its id.
func (j *Journal) BeginRun(ctx context.Context, strategy, mode string, initialMicros, startedUnix int64) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		"INSERT INTO runs (strategy, mode, initial_micros, started_at) VALUES (?, ?, ?, ?)",
		strategy, mode, initialMicros, startedUnix,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun closes a run row with its final balance and tick count.
func (j *Journal) FinishRun(ctx context.Context, runID, finalMicros int64, ticks int, finishedUnix int64) error {
	_, err := j.db.ExecContext(ctx,
		"UPDATE runs SET final_micros = ?, ticks = ?, finished_at = ? WHERE id = ?",
		finalMicros, ticks, finishedUnix, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}
	return nil
}

// RecordTrade appends one executed trade to a run.
func (j *Journal) RecordTrade(ctx context.Context, runID int64, tr domain.Trade) error {
	liq := 0
	if tr.Liquidation {
		liq = 1
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO trades
			(run_id, order_id, symbol, side, price_micros, amount_sats, cost_micros, fee_micros, cash_delta_micros, liquidation, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, tr.OrderID, tr.Symbol, int(tr.Side), int64(tr.PriceMicros), int64(tr.AmountSats),
		tr.CostMicros, tr.FeeMicros, tr.CashDeltaMicros, liq, int64(tr.TsUnixM),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// Run loads one run row.
func (j *Journal) Run(ctx context.Context, runID int64) (RunRecord, error) {
	var r RunRecord
	err := j.db.QueryRowContext(ctx,
		"SELECT id, strategy, mode, initial_micros, final_micros, ticks, started_at, finished_at FROM runs WHERE id = ?",
		runID,
	).Scan(&r.ID, &r.Strategy, &r.Mode, &r.InitialMicros, &r.FinalMicros, &r.Ticks, &r.StartedUnix, &r.FinishedUnix)
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to load run %d: %w", runID, err)
	}
	return r, nil
}

// Trades loads a run's trades in execution order.
func (j *Journal) Trades(ctx context.Context, runID int64) ([]domain.Trade, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT order_id, symbol, side, price_micros, amount_sats, cost_micros, fee_micros, cash_delta_micros, liquidation, ts
		 FROM trades WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var tr domain.Trade
		var side, liq int
		var price, amount, ts int64
		if err := rows.Scan(&tr.OrderID, &tr.Symbol, &side, &price, &amount,
			&tr.CostMicros, &tr.FeeMicros, &tr.CashDeltaMicros, &liq, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		tr.Side = domain.Side(side)
		tr.PriceMicros = quant.PriceMicros(price)
		tr.AmountSats = quant.QtySats(amount)
		tr.TsUnixM = quant.TimeStamp(ts)
		tr.Liquidation = liq != 0
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (j *Journal) UpsertMetadata(ctx context.Context, key, value string, ts int64) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, ts,
	)
	return err
}

// GetMetadata retrieves a value from the metadata table. Missing keys
// return the empty string.
func (j *Journal) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
