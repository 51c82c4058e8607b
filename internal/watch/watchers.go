// Package watch keeps local state consistent with asynchronously
// observed exchange events. Per AssetInstance up to three independent
// long-running watchers may be active: balance, positions (margin only)
// and orders. Each starts lazily when first needed and stops itself
// after an idle period with no open orders. Updates are published
// under the instance's locks; waiters block with caller timeouts and
// fall back to a forced resync fetch rather than trusting a possibly
// missed event.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/exchange"
)

// ErrWaitTimeout signals that no confirming event arrived in time.
// Not fatal: callers recover with a forced resync.
var ErrWaitTimeout = errors.New("timed out waiting for order event")

// Config tunes watcher lifecycle.
type Config struct {
	// IdleTimeout stops a watcher that has seen no open orders for this
	// long. Default 1 minute.
	IdleTimeout time.Duration
}

type watcherKind uint8

const (
	kindOrders watcherKind = iota
	kindBalance
	kindPositions
)

// Watchers owns the background reconciliation tasks for one AssetInstance.
type Watchers struct {
	asset *domain.AssetInstance
	acct  *account.Account
	conn  exchange.Connector
	cfg   Config

	mu       sync.Mutex
	cancels  map[watcherKind]*loopHandle
	wg       sync.WaitGroup
	waiters  map[string][]chan exchange.OrderEvent
	activity time.Time
}

// New creates the watcher set for one asset. Nothing runs until a
// watcher is first ensured.
func New(asset *domain.AssetInstance, acct *account.Account, conn exchange.Connector, cfg Config) *Watchers {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &Watchers{
		asset:   asset,
		acct:    acct,
		conn:    conn,
		cfg:     cfg,
		cancels: make(map[watcherKind]*loopHandle),
		waiters: make(map[string][]chan exchange.OrderEvent),
	}
}

type loopHandle struct {
	cancel context.CancelFunc
}

// touch records watcher activity for idle accounting.
func (w *Watchers) touch() {
	w.mu.Lock()
	w.activity = time.Now()
	w.mu.Unlock()
}

// ensure starts the given watcher loop if it is not running.
func (w *Watchers) ensure(ctx context.Context, kind watcherKind, run func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, running := w.cancels[kind]; running {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	h := &loopHandle{cancel: cancel}
	w.cancels[kind] = h
	w.activity = time.Now()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			cancel()
			w.mu.Lock()
			if w.cancels[kind] == h {
				delete(w.cancels, kind)
			}
			w.mu.Unlock()
		}()
		run(wctx)
	}()
}

// idleExpired reports whether the watcher may stop: no open orders and
// no activity within the idle window.
func (w *Watchers) idleExpired() bool {
	if w.asset.HasOpenOrders() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.activity) > w.cfg.IdleTimeout
}

// EnsureOrderWatcher lazily starts the order/trade event watcher.
func (w *Watchers) EnsureOrderWatcher(ctx context.Context) {
	w.ensure(ctx, kindOrders, w.runOrders)
}

// EnsureBalanceWatcher lazily starts the balance watcher.
func (w *Watchers) EnsureBalanceWatcher(ctx context.Context) {
	w.ensure(ctx, kindBalance, w.runBalance)
}

// EnsurePositionWatcher lazily starts the position watcher.
func (w *Watchers) EnsurePositionWatcher(ctx context.Context) {
	w.ensure(ctx, kindPositions, w.runPositions)
}

func (w *Watchers) runOrders(ctx context.Context) {
	symbol := w.asset.Instrument.Symbol
	events, err := w.conn.WatchOrders(ctx, symbol)
	if err != nil {
		slog.Error("order watcher failed to subscribe",
			slog.String("symbol", symbol), slog.Any("error", err))
		return
	}
	idle := time.NewTicker(w.cfg.IdleTimeout / 4)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			if w.idleExpired() {
				slog.Debug("order watcher idle stop", slog.String("symbol", symbol))
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.touch()
			w.ApplyOrderEvent(ev)
		}
	}
}

// ApplyOrderEvent reconciles one observed order event into local state
// and wakes any waiters. Exported so a forced resync can reuse the
// exact same application path as the stream.
func (w *Watchers) ApplyOrderEvent(ev exchange.OrderEvent) {
	w.asset.OpMu.Lock()
	w.applyOrderEventLocked(ev)
	w.asset.OpMu.Unlock()
	w.notify(ev)
}

// ApplyOrderEventLocked is ApplyOrderEvent for callers already holding
// the asset's operation lock, e.g. an executor folding in a create-ack.
func (w *Watchers) ApplyOrderEventLocked(ev exchange.OrderEvent) {
	w.applyOrderEventLocked(ev)
	w.notify(ev)
}

func (w *Watchers) applyOrderEventLocked(ev exchange.OrderEvent) {
	o, ok := w.asset.FindOrder(ev.OrderID)
	if !ok {
		slog.Warn("event for unknown order",
			slog.String("order_id", ev.OrderID), slog.String("symbol", ev.Symbol))
		return
	}
	if o.Status.Terminal() {
		return
	}

	// Cumulative fill delta since our last view.
	delta := ev.FilledSats - o.FilledSats()
	if delta > 0 {
		price := ev.PriceMicros
		if price <= 0 {
			price = o.PriceMicros
		}
		fee := account.FeeBps(w.asset.Instrument, o, o.Status == domain.StatusOpen || o.Status == domain.StatusPartiallyFilled)
		tr := domain.NewTrade(o, price, delta, fee, ev.TsUnixM)
		if err := w.acct.ApplyFill(w.asset, o, tr); err != nil {
			slog.Error("failed to apply observed fill",
				slog.String("order_id", o.ID), slog.Any("error", err))
			return
		}
	}

	switch ev.Status {
	case domain.StatusCanceled:
		if o.Cancel() {
			w.acct.ReleaseOrder(o)
		}
	case domain.StatusRejected:
		o.Reject()
		w.acct.ReleaseOrder(o)
	}
	if o.Status.Terminal() {
		w.asset.RemoveOrder(o.ID)
	}
}

func (w *Watchers) runBalance(ctx context.Context) {
	updates, err := w.conn.WatchBalance(ctx)
	if err != nil {
		slog.Error("balance watcher failed to subscribe", slog.Any("error", err))
		return
	}
	idle := time.NewTicker(w.cfg.IdleTimeout / 4)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			if w.idleExpired() {
				return
			}
		case b, ok := <-updates:
			if !ok {
				return
			}
			w.touch()
			if b.Currency == w.acct.Currency() {
				w.acct.ResyncFree(b.FreeMicros)
			}
		}
	}
}

func (w *Watchers) runPositions(ctx context.Context) {
	symbol := w.asset.Instrument.Symbol
	updates, err := w.conn.WatchPositions(ctx, symbol)
	if err != nil {
		slog.Error("position watcher failed to subscribe",
			slog.String("symbol", symbol), slog.Any("error", err))
		return
	}
	idle := time.NewTicker(w.cfg.IdleTimeout / 4)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			if w.idleExpired() {
				return
			}
		case p, ok := <-updates:
			if !ok {
				return
			}
			w.touch()
			w.asset.OpMu.Lock()
			w.asset.Position(p.Side).ResyncExternal(p.QtySats, p.EntryMicros, p.Leverage, p.TsUnixM)
			w.asset.OpMu.Unlock()
		}
	}
}

// notify wakes waiters registered for the event's order.
func (w *Watchers) notify(ev exchange.OrderEvent) {
	w.mu.Lock()
	chans := w.waiters[ev.OrderID]
	delete(w.waiters, ev.OrderID)
	w.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

// WaitOrder blocks until an event for orderID arrives, the timeout
// elapses, or ctx is done. The core never blocks indefinitely: a zero
// timeout returns immediately with ErrWaitTimeout.
func (w *Watchers) WaitOrder(ctx context.Context, orderID string, timeout time.Duration) (exchange.OrderEvent, error) {
	if timeout <= 0 {
		return exchange.OrderEvent{}, ErrWaitTimeout
	}
	ch := make(chan exchange.OrderEvent, 1)
	w.mu.Lock()
	w.waiters[orderID] = append(w.waiters[orderID], ch)
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev, nil
	case <-timer.C:
		w.dropWaiter(orderID, ch)
		return exchange.OrderEvent{}, ErrWaitTimeout
	case <-ctx.Done():
		w.dropWaiter(orderID, ch)
		return exchange.OrderEvent{}, ctx.Err()
	}
}

func (w *Watchers) dropWaiter(orderID string, ch chan exchange.OrderEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chans := w.waiters[orderID]
	for i, c := range chans {
		if c == ch {
			w.waiters[orderID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.waiters[orderID]) == 0 {
		delete(w.waiters, orderID)
	}
}

// ResyncOpenOrders fetches the venue's open orders and reconciles:
// locally open orders missing remotely are finalized as canceled, and
// remotely reported fills are applied. This is the fallback when a
// waited-for event never arrived.
func (w *Watchers) ResyncOpenOrders(ctx context.Context) error {
	symbol := w.asset.Instrument.Symbol
	remote, err := w.conn.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	byID := make(map[string]exchange.OrderEvent, len(remote))
	for _, ev := range remote {
		byID[ev.OrderID] = ev
	}

	w.asset.OpMu.Lock()
	defer w.asset.OpMu.Unlock()

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		for _, o := range w.asset.OpenOrders(side) {
			ev, stillOpen := byID[o.ID]
			if stillOpen {
				w.applyOrderEventLocked(ev)
				continue
			}
			// Gone remotely without a terminal event: the safe reading
			// is canceled; cash comes back via the balance resync.
			if o.Cancel() {
				w.acct.ReleaseOrder(o)
			}
			w.asset.RemoveOrder(o.ID)
			slog.Warn("open order missing remotely, finalized as canceled",
				slog.String("order_id", o.ID), slog.String("symbol", symbol))
		}
	}
	return nil
}

// ResyncBalance fetches balances and snaps local free cash.
func (w *Watchers) ResyncBalance(ctx context.Context) error {
	balances, err := w.conn.FetchBalance(ctx)
	if err != nil {
		return err
	}
	for _, b := range balances {
		if b.Currency == w.acct.Currency() {
			w.acct.ResyncFree(b.FreeMicros)
		}
	}
	return nil
}

// ResyncPositions fetches positions and overwrites local records.
func (w *Watchers) ResyncPositions(ctx context.Context) error {
	ps, err := w.conn.FetchPositions(ctx, w.asset.Instrument.Symbol)
	if err != nil {
		return err
	}
	w.asset.OpMu.Lock()
	defer w.asset.OpMu.Unlock()
	for _, p := range ps {
		w.asset.Position(p.Side).ResyncExternal(p.QtySats, p.EntryMicros, p.Leverage, p.TsUnixM)
	}
	return nil
}

// Stop cancels every watcher and blocks until all loops have unwound.
// Leftover tasks after Stop are a defect, not cleanup debt.
func (w *Watchers) Stop() {
	w.mu.Lock()
	for kind, h := range w.cancels {
		h.cancel()
		delete(w.cancels, kind)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Running returns the number of active watcher loops.
func (w *Watchers) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cancels)
}
