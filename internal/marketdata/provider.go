// Package marketdata supplies prices to the execution backends:
// random-access OHLCV for Sim mode and live order-book snapshots for
// Paper mode. Ingestion and persistence details stay behind the
// Provider interface; the core only reads.
package marketdata

import (
	"errors"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

// ErrNoData signals a missing candle or book for the requested key.
var ErrNoData = errors.New("no market data")

// Provider is the read surface the execution core depends on.
type Provider interface {
	// CandleAt returns the bar covering ts for symbol+timeframe.
	CandleAt(symbol, timeframe string, ts quant.TimeStamp) (domain.Candle, error)

	// Timestamps returns the ordered time grid available for
	// symbol+timeframe, inclusive of both bounds.
	Timestamps(symbol, timeframe string, from, to quant.TimeStamp) ([]quant.TimeStamp, error)

	// LatestBook returns the most recent depth snapshot for symbol.
	LatestBook(symbol string) (*domain.BookSnapshot, error)
}
