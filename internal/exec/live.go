package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/exchange"
	"tradecore/internal/watch"
	"tradecore/pkg/quant"
)

// LiveExecutor forwards requests to a real venue. Fills arrive either
// in the create-ack or later through the watch layer; the caller's
// WaitFor bounds how long a placement blocks for confirmation. The
// instance lock is held for local mutation and the venue call, never
// across an event wait: watchers need the lock to publish the very
// events being waited for.
type LiveExecutor struct {
	acct *account.Account
	conn exchange.Connector
	wcfg watch.Config

	// Watchers outlive individual requests, so they run off the
	// executor's own context, not a caller's.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	watchers map[string]*watch.Watchers
}

// NewLiveExecutor builds the venue-backed backend.
func NewLiveExecutor(acct *account.Account, conn exchange.Connector, wcfg watch.Config) *LiveExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveExecutor{
		acct:       acct,
		conn:       conn,
		wcfg:       wcfg,
		baseCtx:    ctx,
		baseCancel: cancel,
		watchers:   make(map[string]*watch.Watchers),
	}
}

// Watchers returns the asset's watcher set, creating it on first use.
func (l *LiveExecutor) Watchers(asset *domain.AssetInstance) *watch.Watchers {
	l.mu.Lock()
	defer l.mu.Unlock()
	symbol := asset.Instrument.Symbol
	w, ok := l.watchers[symbol]
	if !ok {
		w = watch.New(asset, l.acct, l.conn, l.wcfg)
		l.watchers[symbol] = w
	}
	return w
}

func liveNow(req Request) quant.TimeStamp {
	if req.TsUnixM > 0 {
		return req.TsUnixM
	}
	return quant.TimeStamp(time.Now().UnixMicro())
}

// Place submits one order to the venue. The ack may already carry a
// fill; otherwise the order is tracked and, when WaitFor is set, the
// call blocks for a confirming event. A timeout with Synced set falls
// back to a resynchronizing fetch instead of trusting local state.
func (l *LiveExecutor) Place(ctx context.Context, asset *domain.AssetInstance, req Request) (Placement, error) {
	w := l.Watchers(asset)

	asset.OpMu.Lock()
	free, _ := l.acct.Balances()
	o, err := domain.NewOrder(nextOrderID(asset), asset.Instrument, req.Spec, free, liveNow(req))
	if err != nil {
		asset.OpMu.Unlock()
		return Placement{}, err
	}
	if err := l.acct.Reserve(asset, o, req.RefPriceMicros); err != nil {
		asset.OpMu.Unlock()
		return Placement{}, err
	}

	// Tracked before submission so a fast watcher event can resolve it.
	asset.InsertOrder(o)
	w.EnsureOrderWatcher(l.baseCtx)
	w.EnsureBalanceWatcher(l.baseCtx)
	if l.acct.MarginMode() == domain.MarginIsolated {
		w.EnsurePositionWatcher(l.baseCtx)
	}

	ev, err := l.conn.CreateOrder(ctx, o)
	if err != nil {
		l.acct.ReleaseOrder(o)
		o.Reject()
		asset.RemoveOrder(o.ID)
		asset.OpMu.Unlock()
		return Placement{Order: o}, fmt.Errorf("create order: %w", err)
	}
	w.ApplyOrderEventLocked(ev)
	if !o.Status.Terminal() {
		o.MarkOpen()
	}
	done := o.Status.Terminal()
	asset.OpMu.Unlock()

	if !done && req.WaitFor > 0 {
		// Block for a confirming event, lock released: the watcher needs
		// it to publish the event being waited for.
		_, werr := w.WaitOrder(ctx, o.ID, req.WaitFor)
		switch {
		case werr == nil:
		case errors.Is(werr, watch.ErrWaitTimeout):
			if req.Synced {
				if rerr := w.ResyncOpenOrders(ctx); rerr != nil {
					slog.Error("post-timeout resync failed",
						slog.String("order_id", o.ID), slog.Any("error", rerr))
				}
			}
		default: // context ended
			asset.OpMu.Lock()
			defer asset.OpMu.Unlock()
			return Placement{Order: o, Pending: !o.Status.Terminal()}, werr
		}
	}

	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	return placementFor(o)
}

// Cancel issues one venue cancel. Unknown or already-terminal orders
// are a no-op success, matching the idempotent-cancel contract.
func (l *LiveExecutor) Cancel(ctx context.Context, asset *domain.AssetInstance, req Request) error {
	asset.OpMu.Lock()
	o, ok := asset.FindOrder(req.OrderID)
	if !ok || o.Status.Terminal() {
		asset.OpMu.Unlock()
		return nil
	}
	asset.OpMu.Unlock()

	err := l.conn.CancelOrder(ctx, asset.Instrument.Symbol, req.OrderID)
	if err != nil && !errors.Is(err, exchange.ErrUnknownOrder) {
		return fmt.Errorf("cancel %s: %w", req.OrderID, err)
	}

	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	if o.Cancel() {
		l.acct.ReleaseOrder(o)
		asset.RemoveOrder(o.ID)
	}
	return nil
}

// CancelAll cancels every tracked open order, blocks up to WaitFor for
// the queue to drain, then reconciles: cash resync on success when
// Synced is set, full open-orders resync on failure.
func (l *LiveExecutor) CancelAll(ctx context.Context, asset *domain.AssetInstance, req Request) error {
	w := l.Watchers(asset)
	w.EnsureOrderWatcher(l.baseCtx)

	asset.OpMu.Lock()
	var ids []string
	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		if req.Side != 0 && req.Side != side {
			continue
		}
		for _, o := range asset.OpenOrders(side) {
			ids = append(ids, o.ID)
		}
	}
	asset.OpMu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	var firstErr error
	for _, id := range ids {
		if err := l.conn.CancelOrder(ctx, asset.Instrument.Symbol, id); err != nil &&
			!errors.Is(err, exchange.ErrUnknownOrder) {
			if firstErr == nil {
				firstErr = fmt.Errorf("cancel %s: %w", id, err)
			}
		}
	}

	drained := l.awaitDrain(ctx, asset, ids, req.WaitFor)

	if firstErr == nil && drained {
		if req.Synced {
			if err := w.ResyncBalance(ctx); err != nil {
				return fmt.Errorf("cash resync: %w", err)
			}
		}
		return nil
	}

	// Something is off: rebuild the open-order view from the venue
	// instead of trusting local state.
	if err := w.ResyncOpenOrders(ctx); err != nil {
		slog.Error("cancel-all resync failed",
			slog.String("symbol", asset.Instrument.Symbol), slog.Any("error", err))
	}
	if firstErr != nil {
		return firstErr
	}
	return fmt.Errorf("%w: cancel-all on %s", watch.ErrWaitTimeout, asset.Instrument.Symbol)
}

// awaitDrain waits until none of ids is still open, bounded by waitFor.
func (l *LiveExecutor) awaitDrain(ctx context.Context, asset *domain.AssetInstance, ids []string, waitFor time.Duration) bool {
	stillOpen := func() bool {
		asset.OpMu.Lock()
		defer asset.OpMu.Unlock()
		for _, id := range ids {
			if o, ok := asset.FindOrder(id); ok && !o.Status.Terminal() {
				return true
			}
		}
		return false
	}
	if !stillOpen() {
		return true
	}
	if waitFor <= 0 {
		return false
	}

	deadline := time.NewTimer(waitFor)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return !stillOpen()
		case <-deadline.C:
			return !stillOpen()
		case <-tick.C:
			if !stillOpen() {
				return true
			}
		}
	}
}

// UpdateLeverage pushes the change to the venue first, then mirrors it
// locally. Venue rejection leaves local state untouched.
func (l *LiveExecutor) UpdateLeverage(ctx context.Context, asset *domain.AssetInstance, req Request) error {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	if asset.HasOpenOrders() {
		return account.ErrOpenOrders
	}
	if err := l.conn.SetLeverage(ctx, asset.Instrument.Symbol, req.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return l.acct.SetLeverage(asset, req.PosSide, req.Leverage, liveNow(req))
}

// ClosePosition flattens one side with a reduce-only market order.
func (l *LiveExecutor) ClosePosition(ctx context.Context, asset *domain.AssetInstance, req Request) (Placement, error) {
	asset.OpMu.Lock()
	pos := asset.Position(req.PosSide)
	if !pos.IsOpen() {
		asset.OpMu.Unlock()
		return Placement{}, account.ErrNothingToReduce
	}
	side := domain.SideSell
	if req.PosSide == domain.PositionShort {
		side = domain.SideBuy
	}
	exposure := pos.Exposure()
	asset.OpMu.Unlock()

	req.Spec = domain.OrderSpec{
		Side: side, Type: domain.TypeMarket,
		ReduceOnly: true, AmountSats: exposure,
	}
	return l.Place(ctx, asset, req)
}

// Stop winds down every asset's watchers. Leftover tasks are a defect.
func (l *LiveExecutor) Stop() {
	l.baseCancel()
	l.mu.Lock()
	ws := make([]*watch.Watchers, 0, len(l.watchers))
	for _, w := range l.watchers {
		ws = append(ws, w)
	}
	l.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
