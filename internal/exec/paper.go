package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/exchange"
	"tradecore/internal/fill"
	"tradecore/internal/marketdata"
	"tradecore/pkg/quant"
)

// PaperExecutor fills against live order-book depth without touching a
// real venue. Immediate executions walk the latest book snapshot;
// resting GTC orders are matched by a background task replaying the
// public trade tape: a tape print at or through the limit price fills
// the order at its limit, paying maker.
type PaperExecutor struct {
	acct *account.Account
	eng  *fill.Engine
	data marketdata.Provider
	feed exchange.Connector // tape source only, no orders placed

	// Monitors outlive the requests that spawn them, so they hang off
	// the executor's own context rather than a caller's.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	monitors map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewPaperExecutor builds the book-driven backend. feed supplies the
// public trade tape for resting-order matching.
func NewPaperExecutor(acct *account.Account, eng *fill.Engine, data marketdata.Provider, feed exchange.Connector) *PaperExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	return &PaperExecutor{
		acct:       acct,
		eng:        eng,
		data:       data,
		feed:       feed,
		baseCtx:    ctx,
		baseCancel: cancel,
		monitors:   make(map[string]context.CancelFunc),
	}
}

func (p *PaperExecutor) now(req Request) quant.TimeStamp {
	if req.TsUnixM > 0 {
		return req.TsUnixM
	}
	return quant.TimeStamp(time.Now().UnixMicro())
}

// Place fills what the current book grants and queues GTC remainders
// for the tape monitor.
func (p *PaperExecutor) Place(_ context.Context, asset *domain.AssetInstance, req Request) (Placement, error) {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	return p.placeLocked(asset, req)
}

func (p *PaperExecutor) placeLocked(asset *domain.AssetInstance, req Request) (Placement, error) {
	book, err := p.data.LatestBook(asset.Instrument.Symbol)
	if err != nil {
		return Placement{}, fmt.Errorf("no book for %s: %w", asset.Instrument.Symbol, err)
	}

	free, _ := p.acct.Balances()
	ts := p.now(req)
	o, err := domain.NewOrder(nextOrderID(asset), asset.Instrument, req.Spec, free, ts)
	if err != nil {
		return Placement{}, err
	}

	ref := req.RefPriceMicros
	if ref <= 0 {
		ref = refFromBook(o.Side, book)
	}
	if err := p.acct.Reserve(asset, o, ref); err != nil {
		return Placement{}, err
	}

	res, err := p.eng.Book(asset.Instrument, o, book)
	switch {
	case err == nil:
		tr := domain.NewTrade(o, res.PriceMicros, res.AmountSats, account.FeeBps(asset.Instrument, o, false), ts)
		if err := p.acct.ApplyFill(asset, o, tr); err != nil {
			return Placement{Order: o}, err
		}
	case noFill(err) && o.Type == domain.TypeLimit && o.Tif == domain.TifGTC:
		// Rests for the tape monitor.
	default:
		p.acct.ReleaseOrder(o)
		o.Reject()
		return Placement{Order: o}, err
	}

	switch {
	case o.Status == domain.StatusFilled:
		return placementFor(o)
	case o.Tif == domain.TifIOC:
		if o.Cancel() {
			p.acct.ReleaseOrder(o)
		}
		if len(o.Trades) > 0 {
			tr := o.Trades[len(o.Trades)-1]
			return Placement{Order: o, Trade: &tr}, nil
		}
		return Placement{Order: o}, fmt.Errorf("%w: %s", ErrNoTrade, o.ID)
	default:
		o.MarkOpen()
		asset.InsertOrder(o)
		p.ensureMonitor(asset)
		return Placement{Order: o, Pending: true}, nil
	}
}

func refFromBook(side domain.Side, book *domain.BookSnapshot) quant.PriceMicros {
	if side == domain.SideBuy {
		if lv, ok := book.BestAsk(); ok {
			return lv.PriceMicros
		}
	} else if lv, ok := book.BestBid(); ok {
		return lv.PriceMicros
	}
	return book.Mid()
}

// ensureMonitor lazily starts the per-asset tape replay task.
func (p *PaperExecutor) ensureMonitor(asset *domain.AssetInstance) {
	symbol := asset.Instrument.Symbol
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, running := p.monitors[symbol]; running {
		return
	}
	mctx, cancel := context.WithCancel(p.baseCtx)
	p.monitors[symbol] = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.monitors, symbol)
			p.mu.Unlock()
		}()
		p.runMonitor(mctx, asset)
	}()
}

// runMonitor replays tape prints into resting orders until the asset
// has none left or the context ends.
func (p *PaperExecutor) runMonitor(ctx context.Context, asset *domain.AssetInstance) {
	symbol := asset.Instrument.Symbol
	tape, err := p.feed.WatchTrades(ctx, symbol)
	if err != nil {
		slog.Error("tape monitor failed to subscribe",
			slog.String("symbol", symbol), slog.Any("error", err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tape:
			if !ok {
				return
			}
			p.applyTape(asset, t)
			if !asset.HasOpenOrders() {
				return
			}
		}
	}
}

// applyTape matches one public print against the resting queue. A buy
// rests above the market, so any print at or under its limit proves the
// price traded there; sells mirror. Fill amount is capped by the print's
// size.
func (p *PaperExecutor) applyTape(asset *domain.AssetInstance, t exchange.TapeTrade) {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		for _, o := range asset.OpenOrders(side) {
			crossed := (side == domain.SideBuy && t.PriceMicros <= o.PriceMicros) ||
				(side == domain.SideSell && t.PriceMicros >= o.PriceMicros)
			if !crossed {
				continue
			}
			amount := o.RemainingSats
			if t.QtySats < amount {
				amount = t.QtySats
			}
			amount = asset.Instrument.RoundAmount(amount)
			if amount <= 0 {
				continue
			}
			if asset.Instrument.ValidateCost(quant.Cost(o.PriceMicros, amount)) != nil {
				continue // under-minimum tape slice, wait for a bigger print
			}
			fee := account.FeeBps(asset.Instrument, o, true)
			tr := domain.NewTrade(o, o.PriceMicros, amount, fee, t.TsUnixM)
			if err := p.acct.ApplyFill(asset, o, tr); err != nil {
				slog.Error("tape fill apply failed",
					slog.String("order_id", o.ID), slog.Any("error", err))
				continue
			}
			if o.Status.Terminal() {
				asset.RemoveOrder(o.ID)
			}
		}
	}
}

// Cancel removes one resting order, idempotently.
func (p *PaperExecutor) Cancel(_ context.Context, asset *domain.AssetInstance, req Request) error {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	o, ok := asset.FindOrder(req.OrderID)
	if !ok {
		return nil
	}
	if o.Cancel() {
		p.acct.ReleaseOrder(o)
		asset.RemoveOrder(o.ID)
	}
	return nil
}

// CancelAll clears the resting queue, optionally one side.
func (p *PaperExecutor) CancelAll(_ context.Context, asset *domain.AssetInstance, req Request) error {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		if req.Side != 0 && req.Side != side {
			continue
		}
		for _, o := range asset.OpenOrders(side) {
			if o.Cancel() {
				p.acct.ReleaseOrder(o)
				asset.RemoveOrder(o.ID)
			}
		}
	}
	return nil
}

// UpdateLeverage changes local leverage; no venue involved.
func (p *PaperExecutor) UpdateLeverage(_ context.Context, asset *domain.AssetInstance, req Request) error {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()
	return p.acct.SetLeverage(asset, req.PosSide, req.Leverage, p.now(req))
}

// ClosePosition flattens one side with a reduce-only market order
// against the current book.
func (p *PaperExecutor) ClosePosition(_ context.Context, asset *domain.AssetInstance, req Request) (Placement, error) {
	asset.OpMu.Lock()
	defer asset.OpMu.Unlock()

	pos := asset.Position(req.PosSide)
	if !pos.IsOpen() {
		return Placement{}, account.ErrNothingToReduce
	}
	side := domain.SideSell
	if req.PosSide == domain.PositionShort {
		side = domain.SideBuy
	}
	req.Spec = domain.OrderSpec{
		Side: side, Type: domain.TypeMarket,
		ReduceOnly: true, AmountSats: pos.Exposure(),
	}
	return p.placeLocked(asset, req)
}

// Stop cancels all tape monitors and waits for them to unwind.
func (p *PaperExecutor) Stop() {
	p.baseCancel()
	p.mu.Lock()
	for sym, cancel := range p.monitors {
		cancel()
		delete(p.monitors, sym)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
