package marketdata

import (
	"fmt"
	"sort"
	"sync"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

type candleKey struct {
	symbol    string
	timeframe string
	ts        quant.TimeStamp
}

// MemProvider is an in-memory Provider. Paper mode uses it as the live
// cache fed by websocket workers; tests use it as a fixture source.
type MemProvider struct {
	mu      sync.RWMutex
	candles map[candleKey]domain.Candle
	books   map[string]*domain.BookSnapshot
}

// NewMemProvider creates an empty in-memory provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{
		candles: make(map[candleKey]domain.Candle),
		books:   make(map[string]*domain.BookSnapshot),
	}
}

// PutCandle stores one bar.
func (m *MemProvider) PutCandle(symbol, timeframe string, c domain.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[candleKey{symbol, timeframe, c.TsUnixM}] = c
}

// PutBook replaces the latest depth snapshot for a symbol.
func (m *MemProvider) PutBook(b *domain.BookSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.Symbol] = b
}

// CandleAt implements Provider.
func (m *MemProvider) CandleAt(symbol, timeframe string, ts quant.TimeStamp) (domain.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candles[candleKey{symbol, timeframe, ts}]
	if !ok {
		return domain.Candle{}, fmt.Errorf("%w: %s %s @ %d", ErrNoData, symbol, timeframe, ts)
	}
	return c, nil
}

// Timestamps implements Provider.
func (m *MemProvider) Timestamps(symbol, timeframe string, from, to quant.TimeStamp) ([]quant.TimeStamp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []quant.TimeStamp
	for k := range m.candles {
		if k.symbol == symbol && k.timeframe == timeframe && k.ts >= from && k.ts <= to {
			out = append(out, k.ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LatestBook implements Provider.
func (m *MemProvider) LatestBook(symbol string) (*domain.BookSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no book for %s", ErrNoData, symbol)
	}
	return b, nil
}
