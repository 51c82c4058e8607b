package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/internal/exchange"
	"tradecore/internal/watch"
	"tradecore/pkg/quant"
)

func watchConfig() watch.Config {
	return watch.Config{IdleTimeout: time.Minute}
}

type liveFixture struct {
	asset *domain.AssetInstance
	acct  *account.Account
	conn  *exchange.FakeConnector
	live  *LiveExecutor
	disp  *Dispatcher
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	asset := domain.NewAssetInstance(testInstrument(), "fake", false)
	acct := account.New("USDT", 1_000_000_000, domain.MarginNone, 0)
	conn := exchange.NewFakeConnector("fake")
	live := NewLiveExecutor(acct, conn, watchConfig())
	t.Cleanup(live.Stop)
	return &liveFixture{
		asset: asset, acct: acct, conn: conn, live: live,
		disp: NewDispatcher(ModeLive, domain.MarginNone, nil, nil, live),
	}
}

func limitBuyReq(price quant.PriceMicros, amount quant.QtySats) Request {
	return Request{
		Kind: KindPlace,
		Spec: domain.OrderSpec{
			Side: domain.SideBuy, Type: domain.TypeLimit, Tif: domain.TifGTC,
			PriceMicros: price, AmountSats: amount,
		},
	}
}

// The venue may fill inside the create-ack; the trade comes straight
// back, no waiting involved.
func TestLive_ImmediateFillInAck(t *testing.T) {
	f := newLiveFixture(t)
	f.conn.CreateFn = func(o *domain.Order) (exchange.OrderEvent, error) {
		return exchange.OrderEvent{
			OrderID: o.ID, Symbol: o.Symbol, Side: o.Side,
			Status: domain.StatusFilled, PriceMicros: o.PriceMicros,
			FilledSats: o.AmountSats, TsUnixM: 1,
		}, nil
	}

	pl, err := f.disp.Do(context.Background(), f.asset, limitBuyReq(100_000_000, 100_000_000))
	require.NoError(t, err)
	require.False(t, pl.Pending)
	require.NotNil(t, pl.Trade)
	require.Equal(t, quant.PriceMicros(100_000_000), pl.Trade.PriceMicros)
	// Matched immediately: taker.
	require.Equal(t, int64(100_000), pl.Trade.FeeMicros)

	free, committed := f.acct.Balances()
	require.Equal(t, int64(899_900_000), free)
	require.Zero(t, committed)
	cur, _, _ := f.asset.Holdings()
	require.Equal(t, quant.QtySats(100_000_000), cur)
}

// A venue rejection fails the placement and returns the reservation.
func TestLive_CreateErrorFails(t *testing.T) {
	f := newLiveFixture(t)
	f.conn.CreateFn = func(o *domain.Order) (exchange.OrderEvent, error) {
		return exchange.OrderEvent{}, exchange.ErrRejected
	}

	_, err := f.disp.Do(context.Background(), f.asset, limitBuyReq(100_000_000, 100_000_000))
	require.ErrorIs(t, err, exchange.ErrRejected)
	require.False(t, f.asset.HasOpenOrders())

	free, committed := f.acct.Balances()
	require.Equal(t, int64(1_000_000_000), free)
	require.Zero(t, committed)
}

// When the ack only queues the order, a WaitFor placement blocks until
// the watcher delivers the fill event; the resting fill pays maker.
func TestLive_WaitForEventFill(t *testing.T) {
	f := newLiveFixture(t)

	go func() {
		// The order watcher picks this up once the order is queued.
		for {
			time.Sleep(10 * time.Millisecond)
			if f.conn.OrderSubscribers("BTC/USDT") == 0 {
				continue
			}
			open, _ := f.conn.FetchOpenOrders(context.Background(), "BTC/USDT")
			if len(open) == 0 {
				continue
			}
			ev := open[0]
			ev.Status = domain.StatusFilled
			ev.PriceMicros = 100_000_000
			ev.FilledSats = 100_000_000
			f.conn.EmitOrderEvent(ev)
			return
		}
	}()

	req := limitBuyReq(100_000_000, 100_000_000)
	req.WaitFor = 2 * time.Second
	pl, err := f.disp.Do(context.Background(), f.asset, req)
	require.NoError(t, err)
	require.False(t, pl.Pending)
	require.NotNil(t, pl.Trade)
	require.Equal(t, int64(80_000), pl.Trade.FeeMicros) // maker on the resting fill

	free, committed := f.acct.Balances()
	require.Equal(t, int64(899_920_000), free)
	require.Zero(t, committed)
}

// No event inside WaitFor: the order is pending, not failed.
func TestLive_TimeoutReturnsPending(t *testing.T) {
	f := newLiveFixture(t)

	req := limitBuyReq(100_000_000, 100_000_000)
	req.WaitFor = 30 * time.Millisecond
	pl, err := f.disp.Do(context.Background(), f.asset, req)
	require.NoError(t, err)
	require.True(t, pl.Pending)
	require.Nil(t, pl.Trade)
	require.True(t, f.asset.HasOpenOrders())
}

// Synced placements fall back to a resync fetch on timeout. An order
// the venue no longer knows is finalized as canceled.
func TestLive_TimeoutSyncedResolvesVanishedOrder(t *testing.T) {
	f := newLiveFixture(t)

	go func() {
		// Cancel on the venue without emitting any event: the async path
		// stays silent and only the resync can notice.
		for {
			time.Sleep(10 * time.Millisecond)
			open, _ := f.conn.FetchOpenOrders(context.Background(), "BTC/USDT")
			if len(open) == 0 {
				continue
			}
			_ = f.conn.CancelOrder(context.Background(), "BTC/USDT", open[0].OrderID)
			return
		}
	}()

	req := limitBuyReq(100_000_000, 100_000_000)
	req.WaitFor = 100 * time.Millisecond
	req.Synced = true
	pl, err := f.disp.Do(context.Background(), f.asset, req)
	require.ErrorIs(t, err, ErrNoTrade)
	require.Equal(t, domain.StatusCanceled, pl.Order.Status)
	require.False(t, f.asset.HasOpenOrders())

	free, committed := f.acct.Balances()
	require.Equal(t, int64(1_000_000_000), free)
	require.Zero(t, committed)
}

func TestLive_CancelIdempotent(t *testing.T) {
	f := newLiveFixture(t)

	pl, err := f.disp.Do(context.Background(), f.asset, limitBuyReq(100_000_000, 100_000_000))
	require.NoError(t, err)
	require.True(t, pl.Pending)

	for i := 0; i < 2; i++ {
		_, err = f.disp.Do(context.Background(), f.asset, Request{Kind: KindCancel, OrderID: pl.Order.ID})
		require.NoError(t, err)
	}
	require.Equal(t, domain.StatusCanceled, pl.Order.Status)
	require.Len(t, f.conn.Canceled(), 1) // second cancel never reaches the venue

	free, committed := f.acct.Balances()
	require.Equal(t, int64(1_000_000_000), free)
	require.Zero(t, committed)
}

// Cancel-all issues venue cancels, waits for the confirming events and
// resyncs cash when asked to.
func TestLive_CancelAll(t *testing.T) {
	f := newLiveFixture(t)
	f.conn.SetBalances([]exchange.BalanceUpdate{{Currency: "USDT", FreeMicros: 1_000_000_000}})

	p1, err := f.disp.Do(context.Background(), f.asset, limitBuyReq(100_000_000, 100_000_000))
	require.NoError(t, err)
	p2, err := f.disp.Do(context.Background(), f.asset, limitBuyReq(99_000_000, 100_000_000))
	require.NoError(t, err)

	go func() {
		// Confirm each venue cancel with a canceled event, as a real
		// venue's private stream would.
		seen := map[string]bool{}
		for len(seen) < 2 {
			time.Sleep(5 * time.Millisecond)
			for _, id := range f.conn.Canceled() {
				if !seen[id] {
					seen[id] = true
					f.conn.EmitOrderEvent(exchange.OrderEvent{
						OrderID: id, Symbol: "BTC/USDT", Side: domain.SideBuy,
						Status: domain.StatusCanceled,
					})
				}
			}
		}
	}()

	_, err = f.disp.Do(context.Background(), f.asset, Request{
		Kind: KindCancelAll, WaitFor: 2 * time.Second, Synced: true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, p1.Order.Status)
	require.Equal(t, domain.StatusCanceled, p2.Order.Status)
	require.False(t, f.asset.HasOpenOrders())

	free, committed := f.acct.Balances()
	require.Equal(t, int64(1_000_000_000), free)
	require.Zero(t, committed)
}

func TestLive_UpdateLeverageBlockedByOpenOrders(t *testing.T) {
	asset := domain.NewAssetInstance(testInstrument(), "fake", false)
	acct := account.New("USDT", 1_000_000_000, domain.MarginIsolated, 0)
	conn := exchange.NewFakeConnector("fake")
	live := NewLiveExecutor(acct, conn, watchConfig())
	t.Cleanup(live.Stop)
	disp := NewDispatcher(ModeLive, domain.MarginIsolated, nil, nil, live)

	req := limitBuyReq(100_000_000, 100_000_000)
	req.RefPriceMicros = 100_000_000
	pl, err := disp.Do(context.Background(), asset, req)
	require.NoError(t, err)
	require.True(t, pl.Pending)

	_, err = disp.Do(context.Background(), asset, Request{
		Kind: KindUpdateLeverage, PosSide: domain.PositionLong, Leverage: 10,
	})
	require.ErrorIs(t, err, account.ErrOpenOrders)
}
