package domain

import (
	"sync"

	"tradecore/pkg/quant"
)

// AssetInstance binds one Instrument to one exchange connection and owns
// all mutable trading state for the pair: open orders (per side, best
// price first), trade history, base holdings and margin positions.
//
// Two levels of locking:
//   - mu guards the collections; every accessor below takes it, so
//     watchers can publish state concurrently with strategy reads.
//   - OpMu serializes compound operations (place, cancel-all, close)
//     on the instance. Cross-instance operations take each OpMu in
//     turn and never hold two at once.
type AssetInstance struct {
	Instrument *Instrument
	Exchange   string

	// OpMu is the instance's exclusive operation lock.
	OpMu sync.Mutex

	mu     sync.Mutex
	buys   []*Order // ascending by price, insertion order within a price
	sells  []*Order // descending by price, insertion order within a price
	byID   map[string]*Order
	trades []Trade

	positions map[PositionSide]*Position
	hedged    bool

	holdingSats    quant.QtySats // spot base holding
	minHoldingSats quant.QtySats
	maxHoldingSats quant.QtySats

	orderSeq uint64
}

// NewAssetInstance creates the per-(instrument, exchange) state owner.
func NewAssetInstance(inst *Instrument, exchange string, hedged bool) *AssetInstance {
	return &AssetInstance{
		Instrument: inst,
		Exchange:   exchange,
		byID:       make(map[string]*Order),
		positions:  make(map[PositionSide]*Position),
		hedged:     hedged,
	}
}

// Hedged reports whether long and short may be open simultaneously.
func (a *AssetInstance) Hedged() bool { return a.hedged }

// NextOrderSeq returns a monotonically increasing per-instance sequence
// used to mint local order IDs.
func (a *AssetInstance) NextOrderSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orderSeq++
	return a.orderSeq
}

// queueFor returns a pointer to the side's queue.
func (a *AssetInstance) queueFor(s Side) *[]*Order {
	if s == SideBuy {
		return &a.buys
	}
	return &a.sells
}

// better reports whether price x queues ahead of y for side s.
// Buys queue lowest price first, sells highest first; equal prices
// keep insertion order.
func better(s Side, x, y quant.PriceMicros) bool {
	if s == SideBuy {
		return x < y
	}
	return x > y
}

// InsertOrder queues an open order in price priority.
func (a *AssetInstance) InsertOrder(o *Order) {
	a.mu.Lock()
	defer a.mu.Unlock()

	q := a.queueFor(o.Side)
	i := len(*q)
	for j, cur := range *q {
		if better(o.Side, o.PriceMicros, cur.PriceMicros) {
			i = j
			break
		}
	}
	*q = append(*q, nil)
	copy((*q)[i+1:], (*q)[i:])
	(*q)[i] = o
	a.byID[o.ID] = o
}

// RemoveOrder drops an order from its queue, keeping it resolvable by ID
// so late events can still find it.
func (a *AssetInstance) RemoveOrder(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.byID[id]
	if !ok {
		return
	}
	q := a.queueFor(o.Side)
	for i, cur := range *q {
		if cur.ID == id {
			*q = append((*q)[:i], (*q)[i+1:]...)
			break
		}
	}
}

// FindOrder resolves an order by ID including terminal ones.
func (a *AssetInstance) FindOrder(id string) (*Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.byID[id]
	return o, ok
}

// OpenOrders returns a snapshot of the side's queue in price priority.
func (a *AssetInstance) OpenOrders(s Side) []*Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := *a.queueFor(s)
	out := make([]*Order, len(q))
	copy(out, q)
	return out
}

// HasOpenOrders reports whether any order is still resting.
func (a *AssetInstance) HasOpenOrders() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buys)+len(a.sells) > 0
}

// OpenOrderCount returns the number of resting orders on both sides.
func (a *AssetInstance) OpenOrderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buys) + len(a.sells)
}

// AppendTrade records a fill into the audit history. Holdings and
// their watermarks move separately, through AdjustHolding.
func (a *AssetInstance) AppendTrade(tr Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trades = append(a.trades, tr)
}

// Trades returns a copy of the trade history.
func (a *AssetInstance) Trades() []Trade {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Trade, len(a.trades))
	copy(out, a.trades)
	return out
}

// TradeCount returns the number of recorded trades.
func (a *AssetInstance) TradeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.trades)
}

// Position returns the side's position record, creating a closed one on
// first use.
func (a *AssetInstance) Position(side PositionSide) *Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[side]
	if !ok {
		p = NewPosition(a.Instrument.Symbol, side, 1)
		a.positions[side] = p
	}
	return p
}

// OpenPositions returns the currently open positions.
func (a *AssetInstance) OpenPositions() []*Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Position
	for _, p := range a.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// AdjustHolding applies a signed spot base-quantity delta and maintains
// the min/max holdings watermarks.
func (a *AssetInstance) AdjustHolding(delta quant.QtySats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.holdingSats += delta
	if a.holdingSats < a.minHoldingSats {
		a.minHoldingSats = a.holdingSats
	}
	if a.holdingSats > a.maxHoldingSats {
		a.maxHoldingSats = a.holdingSats
	}
}

// Holdings returns the current spot base holding and its historical
// min/max watermarks.
func (a *AssetInstance) Holdings() (cur, min, max quant.QtySats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holdingSats, a.minHoldingSats, a.maxHoldingSats
}

// VerifyInvariant panics when unhedged margin holds both sides open.
func (a *AssetInstance) VerifyInvariant() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hedged {
		return
	}
	long, short := a.positions[PositionLong], a.positions[PositionShort]
	if long != nil && short != nil && long.IsOpen() && short.IsOpen() {
		panic("ASSET_INVARIANT_UNHEDGED_BOTH_SIDES: " + a.Instrument.Symbol)
	}
}

// Reset drops all orders, trades, positions and holdings. Used when a
// strategy state reset is requested.
func (a *AssetInstance) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buys = nil
	a.sells = nil
	a.byID = make(map[string]*Order)
	a.trades = nil
	a.positions = make(map[PositionSide]*Position)
	a.holdingSats = 0
	a.minHoldingSats = 0
	a.maxHoldingSats = 0
}
