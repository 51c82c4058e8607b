// Package exec routes generic trading requests to one of three
// backends. Sim fills against stored candles with no wall-clock
// waiting, Paper fills against live order-book depth, Live forwards to
// the exchange connector. All three share the Order/Position model and
// the same return contract: a completed match carries the Trade, a
// queued-but-unfilled order is pending, and everything else is an
// error. Callers must distinguish pending from failed.
package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradecore/internal/domain"
	"tradecore/internal/fill"
	"tradecore/pkg/quant"
)

// Mode selects the execution backend.
type Mode uint8

const (
	ModeSim Mode = iota + 1
	ModePaper
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModeSim:
		return "SIM"
	case ModePaper:
		return "PAPER"
	case ModeLive:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// Kind is the request variant.
type Kind uint8

const (
	KindPlace Kind = iota + 1
	KindCancel
	KindCancelAll
	KindUpdateLeverage
	KindClosePosition
)

func (k Kind) String() string {
	switch k {
	case KindPlace:
		return "PLACE"
	case KindCancel:
		return "CANCEL"
	case KindCancelAll:
		return "CANCEL_ALL"
	case KindUpdateLeverage:
		return "UPDATE_LEVERAGE"
	case KindClosePosition:
		return "CLOSE_POSITION"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNoBackend signals a request key the dispatch table does not map.
	ErrNoBackend = errors.New("no backend for request")
	// ErrNoTrade signals an immediate-or-nothing order that produced no
	// trade. Distinct from pending: the order is terminal.
	ErrNoTrade = errors.New("order produced no trade")
	// ErrUnknownOrder signals a cancel for an order ID the core does not
	// hold.
	ErrUnknownOrder = errors.New("unknown order id")
)

// Request is the single generic command type the strategy issues.
// Fields beyond Kind are read per kind: Spec for placements, OrderID
// for cancels, PosSide+Leverage for leverage updates, PosSide for
// close-position.
type Request struct {
	Kind Kind

	Spec     domain.OrderSpec
	OrderID  string
	Side     domain.Side // cancel-all filter, zero means both sides
	PosSide  domain.PositionSide
	Leverage int64

	// RefPriceMicros prices market orders for cash reservation when no
	// limit price exists. Sim/Paper derive it themselves when zero.
	RefPriceMicros quant.PriceMicros

	// TsUnixM is the tick timestamp. Sim requires it; Paper/Live stamp
	// wall-clock time when zero.
	TsUnixM quant.TimeStamp

	// WaitFor bounds how long Paper/Live block for a confirming event.
	// Zero means do not wait: a queued order returns pending right away.
	WaitFor time.Duration

	// Synced forces a resynchronizing fetch when the wait times out,
	// instead of trusting the asynchronous event path.
	Synced bool
}

// Placement is the uniform placement outcome. Exactly one of the three
// cases holds: Trade set (completed match), Pending true (queued,
// unfilled or partially filled), or the accompanying error is non-nil.
type Placement struct {
	Order   *domain.Order
	Trade   *domain.Trade
	Pending bool
}

// backend is one mode's implementation surface.
type backend interface {
	Place(ctx context.Context, asset *domain.AssetInstance, req Request) (Placement, error)
	Cancel(ctx context.Context, asset *domain.AssetInstance, req Request) error
	CancelAll(ctx context.Context, asset *domain.AssetInstance, req Request) error
	UpdateLeverage(ctx context.Context, asset *domain.AssetInstance, req Request) error
	ClosePosition(ctx context.Context, asset *domain.AssetInstance, req Request) (Placement, error)
}

type placeKey struct {
	mode   Mode
	margin domain.MarginMode
	otype  domain.OrderType
}

type placeFunc func(ctx context.Context, asset *domain.AssetInstance, req Request) (Placement, error)

// Dispatcher owns the built-once dispatch table and the mode backends.
type Dispatcher struct {
	mode     Mode
	margin   domain.MarginMode
	backends map[Mode]backend
	place    map[placeKey]placeFunc
}

// NewDispatcher wires the configured backends and builds the placement
// table over every (mode, margin-mode, order-type) combination it can
// serve. Nil backends simply contribute no entries.
func NewDispatcher(mode Mode, margin domain.MarginMode, sim *SimExecutor, paper *PaperExecutor, live *LiveExecutor) *Dispatcher {
	d := &Dispatcher{
		mode:     mode,
		margin:   margin,
		backends: make(map[Mode]backend),
		place:    make(map[placeKey]placeFunc),
	}
	if sim != nil {
		d.backends[ModeSim] = sim
	}
	if paper != nil {
		d.backends[ModePaper] = paper
	}
	if live != nil {
		d.backends[ModeLive] = live
	}

	margins := []domain.MarginMode{domain.MarginNone, domain.MarginIsolated}
	types := []domain.OrderType{domain.TypeMarket, domain.TypeLimit}
	for m, b := range d.backends {
		for _, mm := range margins {
			for _, ot := range types {
				d.place[placeKey{m, mm, ot}] = b.Place
			}
		}
	}
	return d
}

// Mode returns the dispatcher's active mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Do routes one request to the active backend.
func (d *Dispatcher) Do(ctx context.Context, asset *domain.AssetInstance, req Request) (Placement, error) {
	b, ok := d.backends[d.mode]
	if !ok {
		return Placement{}, fmt.Errorf("%w: mode %s", ErrNoBackend, d.mode)
	}
	switch req.Kind {
	case KindPlace:
		fn, ok := d.place[placeKey{d.mode, d.margin, req.Spec.Type}]
		if !ok {
			return Placement{}, fmt.Errorf("%w: %s/%s/%s", ErrNoBackend, d.mode, d.margin, req.Spec.Type)
		}
		return fn(ctx, asset, req)
	case KindCancel:
		return Placement{}, b.Cancel(ctx, asset, req)
	case KindCancelAll:
		return Placement{}, b.CancelAll(ctx, asset, req)
	case KindUpdateLeverage:
		return Placement{}, b.UpdateLeverage(ctx, asset, req)
	case KindClosePosition:
		return b.ClosePosition(ctx, asset, req)
	default:
		return Placement{}, fmt.Errorf("%w: kind %d", ErrNoBackend, req.Kind)
	}
}

// placementFor condenses a mutated order into the uniform outcome.
// Fully filled orders surface their last trade; anything still open is
// pending.
func placementFor(o *domain.Order) (Placement, error) {
	switch {
	case o.Status == domain.StatusFilled:
		tr := o.Trades[len(o.Trades)-1]
		return Placement{Order: o, Trade: &tr}, nil
	case o.Status.Terminal():
		return Placement{Order: o}, fmt.Errorf("%w: %s ended %s", ErrNoTrade, o.ID, o.Status)
	default:
		return Placement{Order: o, Pending: true}, nil
	}
}

// noFill reports whether err is one of the fill engine's "nothing
// happened" conditions rather than a hard failure.
func noFill(err error) bool {
	return errors.Is(err, fill.ErrNoFill) || errors.Is(err, fill.ErrBelowMinCost) ||
		errors.Is(err, fill.ErrPartialFOK)
}

func nextOrderID(asset *domain.AssetInstance) string {
	return fmt.Sprintf("o-%s-%d", asset.Instrument.Symbol, asset.NextOrderSeq())
}
