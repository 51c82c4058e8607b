package domain

import (
	"errors"
	"fmt"

	"tradecore/pkg/quant"
)

// Side is the order direction.
type Side uint8

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the order variant.
type OrderType uint8

const (
	TypeMarket OrderType = iota + 1
	TypeLimit
)

func (t OrderType) String() string {
	switch t {
	case TypeMarket:
		return "MARKET"
	case TypeLimit:
		return "LIMIT"
	default:
		return "UNKNOWN"
	}
}

// TimeInForce controls how long an order may rest.
type TimeInForce uint8

const (
	TifGTC TimeInForce = iota + 1 // good till canceled
	TifIOC                        // immediate or cancel
	TifFOK                        // fill or kill
)

func (t TimeInForce) String() string {
	switch t {
	case TifGTC:
		return "GTC"
	case TifIOC:
		return "IOC"
	case TifFOK:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

// Status is the order lifecycle state. Transitions are strictly monotonic:
// an order never moves to a lower status.
type Status uint8

const (
	StatusNew Status = iota + 1
	StatusOpen
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusOpen:
		return "OPEN"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

var (
	// ErrOverfill signals a fill larger than the order's remaining amount.
	ErrOverfill = errors.New("fill exceeds remaining amount")
	// ErrStatusRegression signals a backwards status transition.
	ErrStatusRegression = errors.New("order status may only advance")
)

// Order is an immutable request plus mutable execution state.
// Fills and cancels are the only mutators; once terminal the order
// never changes again. Not safe for concurrent use: the owning
// AssetInstance serializes access.
type Order struct {
	ID          string
	Symbol      string
	Side        Side
	Type        OrderType
	Tif         TimeInForce
	ReduceOnly  bool
	Liquidation bool

	PriceMicros  quant.PriceMicros // limit price, 0 for market
	AmountSats   quant.QtySats     // requested amount
	CreatedUnixM quant.TimeStamp

	RemainingSats quant.QtySats
	Status        Status
	Trades        []Trade

	// ReservedMicros is the quote cash still committed for this order.
	// Maintained by the account layer; settled on fills, released on
	// cancel/reject.
	ReservedMicros int64
}

// OrderSpec is the caller-facing request used to construct an Order.
type OrderSpec struct {
	Side        Side
	Type        OrderType
	Tif         TimeInForce
	ReduceOnly  bool
	Liquidation bool
	PriceMicros quant.PriceMicros
	AmountSats  quant.QtySats
}

// NewOrder validates spec against the instrument and builds an order.
//
// Amounts under the instrument minimum are auto-raised to the minimum when
// the raised cost still fits within availableMicros; otherwise a limits
// error is returned. Market orders are forced to FOK so that backtest and
// live agree on market-order semantics.
func NewOrder(id string, inst *Instrument, spec OrderSpec, availableMicros int64, ts quant.TimeStamp) (*Order, error) {
	if spec.Side != SideBuy && spec.Side != SideSell {
		return nil, fmt.Errorf("invalid side %d", spec.Side)
	}

	tif := spec.Tif
	if spec.Type == TypeMarket {
		tif = TifFOK
	} else if tif == 0 {
		tif = TifGTC
	}

	price := inst.RoundPrice(spec.PriceMicros)
	if spec.Type == TypeLimit && price <= 0 {
		return nil, fmt.Errorf("%w: limit order needs a positive price", ErrPriceLimit)
	}

	amount := inst.RoundAmount(spec.AmountSats)
	if amount < inst.Limits.MinAmountSats {
		// Auto-raise to the minimum when still affordable.
		min := inst.Limits.MinAmountSats
		ref := price
		if spec.Type == TypeMarket {
			// No reference price at construction time for market orders;
			// affordability is re-checked by the fill engine.
			ref = 0
		}
		if ref > 0 && quant.Cost(ref, min) > availableMicros {
			return nil, fmt.Errorf("%w: %s below min %s and raise unaffordable on %s",
				ErrAmountLimit, amount, min, inst.Symbol)
		}
		amount = min
	}
	if err := inst.ValidateAmount(amount); err != nil {
		return nil, err
	}

	return &Order{
		ID:            id,
		Symbol:        inst.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Tif:           tif,
		ReduceOnly:    spec.ReduceOnly,
		Liquidation:   spec.Liquidation,
		PriceMicros:   price,
		AmountSats:    amount,
		RemainingSats: amount,
		Status:        StatusNew,
		CreatedUnixM:  ts,
	}, nil
}

// IsOpen reports whether the order can still fill.
func (o *Order) IsOpen() bool {
	return !o.Status.Terminal()
}

// FilledSats returns the executed amount.
func (o *Order) FilledSats() quant.QtySats {
	return o.AmountSats - o.RemainingSats
}

// advance moves the status forward; regressions panic since they indicate
// a bookkeeping bug, not a recoverable condition.
func (o *Order) advance(s Status) {
	if s < o.Status {
		panic(fmt.Sprintf("ORDER_STATUS_REGRESSION: %s -> %s on %s", o.Status, s, o.ID))
	}
	o.Status = s
}

// MarkOpen marks a freshly accepted order as resting.
func (o *Order) MarkOpen() {
	if o.Status == StatusNew {
		o.advance(StatusOpen)
	}
}

// ApplyFill records a trade against the order and advances its status.
func (o *Order) ApplyFill(tr Trade) error {
	if o.Status.Terminal() {
		return fmt.Errorf("%w: order %s is %s", ErrStatusRegression, o.ID, o.Status)
	}
	if tr.AmountSats > o.RemainingSats {
		return fmt.Errorf("%w: %s > %s on %s", ErrOverfill, tr.AmountSats, o.RemainingSats, o.ID)
	}
	o.RemainingSats -= tr.AmountSats
	o.Trades = append(o.Trades, tr)
	if o.RemainingSats == 0 {
		o.advance(StatusFilled)
	} else {
		o.advance(StatusPartiallyFilled)
	}
	return nil
}

// Cancel moves the order to canceled. Canceling a terminal order is a
// no-op success; the second cancel reports changed=false.
func (o *Order) Cancel() (changed bool) {
	if o.Status.Terminal() {
		return false
	}
	o.advance(StatusCanceled)
	return true
}

// Reject marks a new order as rejected.
func (o *Order) Reject() {
	if !o.Status.Terminal() {
		o.advance(StatusRejected)
	}
}
