package exchange

import (
	"context"
	"sync"

	"tradecore/internal/domain"
)

// FakeConnector is an in-memory Connector used by tests and for paper
// bring-up without venue credentials. Behavior is scripted: CreateOrder
// delegates to CreateFn when set, otherwise acks the order as open, and
// the Emit helpers push events to watchers.
type FakeConnector struct {
	ConnName  string
	CreateFn  func(o *domain.Order) (OrderEvent, error)
	CancelErr error

	mu        sync.Mutex
	balances  []BalanceUpdate
	positions map[string][]PositionUpdate
	open      map[string]OrderEvent
	canceled  []string

	orderSubs   map[string][]chan OrderEvent
	tradeSubs   map[string][]chan TapeTrade
	balanceSubs []chan BalanceUpdate
	posSubs     map[string][]chan PositionUpdate
}

// NewFakeConnector creates an empty fake venue.
func NewFakeConnector(name string) *FakeConnector {
	return &FakeConnector{
		ConnName:  name,
		positions: make(map[string][]PositionUpdate),
		open:      make(map[string]OrderEvent),
		orderSubs: make(map[string][]chan OrderEvent),
		tradeSubs: make(map[string][]chan TapeTrade),
		posSubs:   make(map[string][]chan PositionUpdate),
	}
}

func (f *FakeConnector) Name() string { return f.ConnName }

// SetBalances seeds the balances returned by FetchBalance.
func (f *FakeConnector) SetBalances(b []BalanceUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = b
}

// SetPositions seeds the positions returned by FetchPositions.
func (f *FakeConnector) SetPositions(symbol string, p []PositionUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[symbol] = p
}

// Canceled returns the order IDs cancel was called with.
func (f *FakeConnector) Canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.canceled))
	copy(out, f.canceled)
	return out
}

func (f *FakeConnector) FetchBalance(context.Context) ([]BalanceUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BalanceUpdate, len(f.balances))
	copy(out, f.balances)
	return out, nil
}

func (f *FakeConnector) FetchPositions(_ context.Context, symbol string) ([]PositionUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.positions[symbol]
	out := make([]PositionUpdate, len(src))
	copy(out, src)
	return out, nil
}

func (f *FakeConnector) FetchOpenOrders(_ context.Context, symbol string) ([]OrderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OrderEvent
	for _, ev := range f.open {
		if ev.Symbol == symbol {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *FakeConnector) CreateOrder(_ context.Context, o *domain.Order) (OrderEvent, error) {
	if f.CreateFn != nil {
		ev, err := f.CreateFn(o)
		if err == nil && !ev.Status.Terminal() {
			f.mu.Lock()
			f.open[ev.OrderID] = ev
			f.mu.Unlock()
		}
		return ev, err
	}
	ev := OrderEvent{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Status:  domain.StatusOpen,
	}
	f.mu.Lock()
	f.open[ev.OrderID] = ev
	f.mu.Unlock()
	return ev, nil
}

func (f *FakeConnector) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	if f.CancelErr != nil {
		return f.CancelErr
	}
	delete(f.open, orderID)
	return nil
}

func (f *FakeConnector) SetLeverage(context.Context, string, int64) error { return nil }

func (f *FakeConnector) SetMarginMode(context.Context, string, domain.MarginMode) error {
	return nil
}

func (f *FakeConnector) WatchOrders(ctx context.Context, symbol string) (<-chan OrderEvent, error) {
	ch := make(chan OrderEvent, 64)
	f.mu.Lock()
	f.orderSubs[symbol] = append(f.orderSubs[symbol], ch)
	f.mu.Unlock()
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (f *FakeConnector) WatchTrades(ctx context.Context, symbol string) (<-chan TapeTrade, error) {
	ch := make(chan TapeTrade, 64)
	f.mu.Lock()
	f.tradeSubs[symbol] = append(f.tradeSubs[symbol], ch)
	f.mu.Unlock()
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (f *FakeConnector) WatchBalance(ctx context.Context) (<-chan BalanceUpdate, error) {
	ch := make(chan BalanceUpdate, 64)
	f.mu.Lock()
	f.balanceSubs = append(f.balanceSubs, ch)
	f.mu.Unlock()
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

func (f *FakeConnector) WatchPositions(ctx context.Context, symbol string) (<-chan PositionUpdate, error) {
	ch := make(chan PositionUpdate, 64)
	f.mu.Lock()
	f.posSubs[symbol] = append(f.posSubs[symbol], ch)
	f.mu.Unlock()
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

// EmitOrderEvent pushes an event to all order watchers of its symbol
// and updates the open-orders view.
func (f *FakeConnector) EmitOrderEvent(ev OrderEvent) {
	f.mu.Lock()
	if ev.Status.Terminal() {
		delete(f.open, ev.OrderID)
	} else {
		f.open[ev.OrderID] = ev
	}
	subs := append([]chan OrderEvent(nil), f.orderSubs[ev.Symbol]...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- ev
	}
}

// TapeSubscribers reports how many tape watchers a symbol has. Tests
// use it to wait for a subscription before emitting prints.
func (f *FakeConnector) TapeSubscribers(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tradeSubs[symbol])
}

// OrderSubscribers reports how many order watchers a symbol has.
func (f *FakeConnector) OrderSubscribers(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orderSubs[symbol])
}

// BalanceSubscribers reports how many balance watchers are attached.
func (f *FakeConnector) BalanceSubscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.balanceSubs)
}

// PositionSubscribers reports how many position watchers a symbol has.
func (f *FakeConnector) PositionSubscribers(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posSubs[symbol])
}

// EmitTapeTrade pushes a public trade to all tape watchers of its symbol.
func (f *FakeConnector) EmitTapeTrade(tr TapeTrade) {
	f.mu.Lock()
	subs := append([]chan TapeTrade(nil), f.tradeSubs[tr.Symbol]...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- tr
	}
}

// EmitBalance pushes a balance update to all balance watchers.
func (f *FakeConnector) EmitBalance(b BalanceUpdate) {
	f.mu.Lock()
	subs := append([]chan BalanceUpdate(nil), f.balanceSubs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- b
	}
}

// EmitPosition pushes a position update to its symbol's watchers.
func (f *FakeConnector) EmitPosition(p PositionUpdate) {
	f.mu.Lock()
	subs := append([]chan PositionUpdate(nil), f.posSubs[p.Symbol]...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- p
	}
}

func (f *FakeConnector) Close() error { return nil }
