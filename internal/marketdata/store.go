package marketdata

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

// CandleStore is a SQLite-backed OHLCV archive with random access by
// (symbol, timeframe, timestamp). WAL mode keeps reads cheap while an
// ingest process appends.
type CandleStore struct {
	db *sql.DB
}

// NewCandleStore opens (and if needed creates) the candle database.
func NewCandleStore(dbPath string) (*CandleStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			ts        INTEGER NOT NULL,
			open      INTEGER NOT NULL,
			high      INTEGER NOT NULL,
			low       INTEGER NOT NULL,
			close     INTEGER NOT NULL,
			volume    INTEGER NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create candles table: %w", err)
	}

	return &CandleStore{db: db}, nil
}

// SaveCandle upserts one bar.
func (s *CandleStore) SaveCandle(ctx context.Context, symbol, timeframe string, c domain.Candle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, timeframe, ts) DO UPDATE SET
		   open=excluded.open, high=excluded.high, low=excluded.low,
		   close=excluded.close, volume=excluded.volume`,
		symbol, timeframe, int64(c.TsUnixM),
		int64(c.OpenMicros), int64(c.HighMicros), int64(c.LowMicros),
		int64(c.CloseMicros), int64(c.VolumeSats),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candle: %w", err)
	}
	return nil
}

// CandleAt returns the bar at exactly ts.
func (s *CandleStore) CandleAt(symbol, timeframe string, ts quant.TimeStamp) (domain.Candle, error) {
	row := s.db.QueryRow(
		`SELECT ts, open, high, low, close, volume FROM candles
		 WHERE symbol = ? AND timeframe = ? AND ts = ?`,
		symbol, timeframe, int64(ts),
	)
	var c domain.Candle
	err := row.Scan(&c.TsUnixM, &c.OpenMicros, &c.HighMicros, &c.LowMicros, &c.CloseMicros, &c.VolumeSats)
	if err == sql.ErrNoRows {
		return domain.Candle{}, fmt.Errorf("%w: %s %s @ %d", ErrNoData, symbol, timeframe, ts)
	}
	if err != nil {
		return domain.Candle{}, fmt.Errorf("failed to read candle: %w", err)
	}
	return c, nil
}

// Timestamps returns the ordered grid between from and to inclusive.
func (s *CandleStore) Timestamps(symbol, timeframe string, from, to quant.TimeStamp) ([]quant.TimeStamp, error) {
	rows, err := s.db.Query(
		`SELECT ts FROM candles
		 WHERE symbol = ? AND timeframe = ? AND ts >= ? AND ts <= ?
		 ORDER BY ts ASC`,
		symbol, timeframe, int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query timestamps: %w", err)
	}
	defer rows.Close()

	var out []quant.TimeStamp
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, quant.TimeStamp(ts))
	}
	return out, rows.Err()
}

// LatestBook is not served from the archive; Sim mode has no depth.
func (s *CandleStore) LatestBook(symbol string) (*domain.BookSnapshot, error) {
	return nil, fmt.Errorf("%w: no book for %s in candle store", ErrNoData, symbol)
}

// Close closes the database connection.
func (s *CandleStore) Close() error {
	return s.db.Close()
}
