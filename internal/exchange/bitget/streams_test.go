package bitget

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/domain"
)

// The started flag is pre-set so tests can feed OnMessage directly
// without dialing anything.
func startedPublic(cfg Config) *publicStream {
	s := newPublicStream(cfg)
	s.started = true
	return s
}

func startedPrivate(cfg Config) *privateStream {
	s := newPrivateStream(cfg, NewSigner("k", "s", "p"))
	s.started = true
	return s
}

func TestPublicStream_TradeParsing(t *testing.T) {
	s := startedPublic(Config{ProductType: "USDT-FUTURES"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.watchTrades(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("watchTrades: %v", err)
	}

	push := map[string]any{
		"action": "snapshot",
		"arg":    map[string]any{"instType": "USDT-FUTURES", "channel": "trade", "instId": "BTCUSDT"},
		"data": []any{
			map[string]any{"ts": "1704067200000", "price": "92000.50", "size": "0.25", "side": "sell", "tradeId": "t1"},
		},
		"ts": int64(1704067200000),
	}
	raw, _ := json.Marshal(push)
	s.OnMessage(context.Background(), raw)

	select {
	case tr := <-ch:
		if tr.Symbol != "BTC/USDT" {
			t.Errorf("symbol = %q", tr.Symbol)
		}
		if tr.Side != domain.SideSell {
			t.Errorf("side = %s", tr.Side)
		}
		if tr.PriceMicros != 92_000_500_000 {
			t.Errorf("price = %d", tr.PriceMicros)
		}
		if tr.QtySats != 25_000_000 {
			t.Errorf("qty = %d", tr.QtySats)
		}
		if tr.TsUnixM != 1_704_067_200_000_000 {
			t.Errorf("ts = %d", tr.TsUnixM)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no trade received")
	}
}

func TestPublicStream_IgnoresOtherChannels(t *testing.T) {
	s := startedPublic(Config{ProductType: "USDT-FUTURES"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := s.watchTrades(ctx, "BTC/USDT")

	push := map[string]any{
		"arg":  map[string]any{"channel": "ticker", "instId": "BTCUSDT"},
		"data": []any{map[string]any{"lastPr": "92000"}},
	}
	raw, _ := json.Marshal(push)
	s.OnMessage(context.Background(), raw)
	s.OnMessage(context.Background(), []byte("pong"))

	select {
	case <-ch:
		t.Error("non-trade message should be ignored")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublicStream_CancelClosesChannel(t *testing.T) {
	s := startedPublic(Config{ProductType: "USDT-FUTURES"})

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := s.watchTrades(ctx, "BTC/USDT")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestPrivateStream_OrderParsing(t *testing.T) {
	s := startedPrivate(Config{ProductType: "USDT-FUTURES"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.watchOrders(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("watchOrders: %v", err)
	}

	push := map[string]any{
		"arg": map[string]any{"instType": "USDT-FUTURES", "channel": "orders", "instId": "default"},
		"data": []any{
			map[string]any{
				"instId": "BTCUSDT", "orderId": "901", "clientOid": "ord-1",
				"side": "buy", "status": "filled",
				"priceAvg": "50000", "accBaseVolume": "0.001", "uTime": "1704067200000",
			},
		},
	}
	raw, _ := json.Marshal(push)
	s.OnMessage(context.Background(), raw)

	select {
	case ev := <-ch:
		if ev.OrderID != "ord-1" {
			t.Errorf("order id = %q, want client oid", ev.OrderID)
		}
		if ev.Status != domain.StatusFilled {
			t.Errorf("status = %s", ev.Status)
		}
		if ev.FilledSats != 100_000 {
			t.Errorf("filled = %d", ev.FilledSats)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no order event received")
	}
}

func TestPrivateStream_BalanceParsing(t *testing.T) {
	s := startedPrivate(Config{ProductType: "USDT-FUTURES"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := s.watchBalance(ctx)

	push := map[string]any{
		"arg": map[string]any{"channel": "account", "instId": "default"},
		"data": []any{
			map[string]any{"marginCoin": "USDT", "available": "250.75", "frozen": "10"},
		},
		"ts": int64(1704067200000),
	}
	raw, _ := json.Marshal(push)
	s.OnMessage(context.Background(), raw)

	select {
	case b := <-ch:
		if b.Currency != "USDT" || b.FreeMicros != 250_750_000 || b.UsedMicros != 10_000_000 {
			t.Errorf("unexpected balance: %+v", b)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no balance received")
	}
}

func TestPrivateStream_PositionParsing(t *testing.T) {
	s := startedPrivate(Config{ProductType: "USDT-FUTURES"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := s.watchPositions(ctx, "BTC/USDT")

	push := map[string]any{
		"arg": map[string]any{"channel": "positions", "instId": "default"},
		"data": []any{
			map[string]any{
				"instId": "BTCUSDT", "holdSide": "short", "total": "0.5",
				"openPriceAvg": "48000", "leverage": "10", "uTime": "1704067200000",
			},
		},
	}
	raw, _ := json.Marshal(push)
	s.OnMessage(context.Background(), raw)

	select {
	case p := <-ch:
		if p.Side != domain.PositionShort || p.QtySats != 50_000_000 || p.Leverage != 10 {
			t.Errorf("unexpected position: %+v", p)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no position received")
	}
}

func TestPrivateStream_UnknownInstrumentDropped(t *testing.T) {
	s := startedPrivate(Config{ProductType: "USDT-FUTURES"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := s.watchOrders(ctx, "BTC/USDT")

	push := map[string]any{
		"arg": map[string]any{"channel": "orders", "instId": "default"},
		"data": []any{
			map[string]any{"instId": "DOGEUSDT", "orderId": "1", "side": "buy", "status": "filled"},
		},
	}
	raw, _ := json.Marshal(push)
	s.OnMessage(context.Background(), raw)

	select {
	case <-ch:
		t.Error("event for unwatched instrument should be dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

// End-to-end: a real websocket session against a local server,
// covering dial, subscribe and push delivery.
func TestPublicStream_LiveSession(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// First frame must be the subscribe request.
		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !strings.Contains(string(sub), `"op":"subscribe"`) || !strings.Contains(string(sub), "BTCUSDT") {
			t.Errorf("unexpected subscribe frame: %s", sub)
		}

		push := `{"action":"snapshot","arg":{"instType":"USDT-FUTURES","channel":"trade","instId":"BTCUSDT"},` +
			`"data":[{"ts":"1704067200000","price":"91000","size":"1","side":"buy","tradeId":"t9"}],"ts":1704067200000}`
		conn.WriteMessage(websocket.TextMessage, []byte(push))
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	wsURL := strings.Replace(server.URL, "http://", "ws://", 1)
	s := newPublicStream(Config{ProductType: "USDT-FUTURES", PublicWSURL: wsURL})
	defer s.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.watchTrades(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("watchTrades: %v", err)
	}

	select {
	case tr := <-ch:
		if tr.PriceMicros != 91_000_000_000 || tr.Side != domain.SideBuy {
			t.Errorf("unexpected trade: %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trade received over live session")
	}
}
