// Package exchange defines the wire-connector boundary of the core.
// Implementations translate to a concrete venue's REST/WS API; the
// core only sees these interfaces and value types. Failures are always
// returned, never swallowed: the caller decides between retry and
// propagate.
package exchange

import (
	"context"
	"errors"

	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

var (
	// ErrRejected signals the venue refused the request.
	ErrRejected = errors.New("exchange rejected request")
	// ErrUnknownOrder signals an order ID the venue does not know.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrUnavailable signals a transport-level failure (timeout, 5xx).
	ErrUnavailable = errors.New("exchange unavailable")
)

// BalanceUpdate is an observed account balance for one currency.
type BalanceUpdate struct {
	Currency   string
	FreeMicros int64
	UsedMicros int64
	TsUnixM    quant.TimeStamp
}

// PositionUpdate is an observed position state.
type PositionUpdate struct {
	Symbol      string
	Side        domain.PositionSide
	QtySats     quant.QtySats // unsigned exposure
	EntryMicros quant.PriceMicros
	Leverage    int64
	TsUnixM     quant.TimeStamp
}

// OrderEvent is an observed order state change. FilledSats is
// cumulative, matching how venues report partial fills.
type OrderEvent struct {
	OrderID     string
	Symbol      string
	Side        domain.Side
	Status      domain.Status
	PriceMicros quant.PriceMicros // average fill price when filled
	FilledSats  quant.QtySats
	TsUnixM     quant.TimeStamp
}

// TapeTrade is one public trade-tape entry.
type TapeTrade struct {
	Symbol      string
	Side        domain.Side
	PriceMicros quant.PriceMicros
	QtySats     quant.QtySats
	TsUnixM     quant.TimeStamp
}

// Connector is the full exchange surface the core consumes.
type Connector interface {
	Name() string

	FetchBalance(ctx context.Context) ([]BalanceUpdate, error)
	FetchPositions(ctx context.Context, symbol string) ([]PositionUpdate, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]OrderEvent, error)

	// CreateOrder submits and returns the venue's immediate view of the
	// order: possibly already (partially) filled, possibly just accepted.
	CreateOrder(ctx context.Context, o *domain.Order) (OrderEvent, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	SetLeverage(ctx context.Context, symbol string, leverage int64) error
	SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode) error

	// Watch streams close their channel when ctx is done.
	WatchOrders(ctx context.Context, symbol string) (<-chan OrderEvent, error)
	WatchTrades(ctx context.Context, symbol string) (<-chan TapeTrade, error)
	WatchBalance(ctx context.Context) (<-chan BalanceUpdate, error)
	WatchPositions(ctx context.Context, symbol string) (<-chan PositionUpdate, error)

	Close() error
}
