package bitget

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"tradecore/internal/exchange"
	"tradecore/internal/infra"
	"tradecore/pkg/quant"
)

type wsArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstId   string `json:"instId"`
}

type wsRequest struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

type wsPush struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   wsArg           `json:"arg"`
	Data  json.RawMessage `json:"data"`
	Ts    int64           `json:"ts"`
}

// publicStream carries the unauthenticated trade tape. One worker per
// connector; symbols share the session and subscribe individually.
// The session dials lazily on the first watcher.
type publicStream struct {
	cfg    Config
	worker *infra.WSWorker

	mu      sync.Mutex
	started bool
	syms    map[string]string // instId -> core symbol
	trades  map[string][]chan exchange.TapeTrade
}

func newPublicStream(cfg Config) *publicStream {
	s := &publicStream{
		cfg:    cfg,
		syms:   make(map[string]string),
		trades: make(map[string][]chan exchange.TapeTrade),
	}
	s.worker = infra.NewWSWorker(s)
	return s
}

func (s *publicStream) URL() string  { return s.cfg.PublicWSURL }
func (s *publicStream) Name() string { return "bitget-public" }

func (s *publicStream) watchTrades(ctx context.Context, symbol string) (<-chan exchange.TapeTrade, error) {
	ch := make(chan exchange.TapeTrade, 64)
	inst := instID(symbol)

	s.mu.Lock()
	s.syms[inst] = symbol
	s.trades[inst] = append(s.trades[inst], ch)
	firstUse := !s.started
	s.started = true
	s.mu.Unlock()

	if firstUse {
		s.worker.Start(context.Background())
	} else {
		// Already connected sessions need an incremental subscribe;
		// a reconnect resubscribes everything via OnConnect anyway.
		s.subscribe([]wsArg{{InstType: s.cfg.ProductType, Channel: "trade", InstId: inst}})
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.trades[inst] = dropChan(s.trades[inst], ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *publicStream) subscribe(args []wsArg) {
	if len(args) == 0 {
		return
	}
	req := wsRequest{Op: "subscribe"}
	for _, a := range args {
		req.Args = append(req.Args, a)
	}
	b, _ := json.Marshal(req)
	if err := s.worker.Write(websocket.TextMessage, b); err != nil {
		slog.Warn("ws subscribe deferred", "name", s.Name(), "err", err)
	}
}

func (s *publicStream) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	args := make([]any, 0, len(s.trades))
	for inst := range s.trades {
		args = append(args, wsArg{InstType: s.cfg.ProductType, Channel: "trade", InstId: inst})
	}
	s.mu.Unlock()

	if len(args) == 0 {
		return nil
	}
	b, _ := json.Marshal(wsRequest{Op: "subscribe", Args: args})
	return conn.WriteMessage(websocket.TextMessage, b)
}

type wsTrade struct {
	Ts      string `json:"ts"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	TradeID string `json:"tradeId"`
}

func (s *publicStream) OnMessage(ctx context.Context, msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var push wsPush
	if err := json.Unmarshal(msg, &push); err != nil {
		return
	}
	if push.Event == "error" {
		slog.Warn("ws subscription rejected", "name", s.Name(), "code", push.Code, "msg", push.Msg)
		return
	}
	if push.Arg.Channel != "trade" || len(push.Data) == 0 {
		return
	}

	var prints []wsTrade
	if err := json.Unmarshal(push.Data, &prints); err != nil {
		return
	}

	s.mu.Lock()
	symbol := s.syms[push.Arg.InstId]
	subs := append([]chan exchange.TapeTrade(nil), s.trades[push.Arg.InstId]...)
	s.mu.Unlock()
	if symbol == "" {
		return
	}

	for _, p := range prints {
		price, err := parseMicros(p.Price)
		if err != nil {
			continue
		}
		qty, err := parseSats(p.Size)
		if err != nil {
			continue
		}
		ts, _ := quant.ParseTimeStamp(p.Ts)

		tr := exchange.TapeTrade{
			Symbol:      symbol,
			Side:        parseSide(p.Side),
			PriceMicros: price,
			QtySats:     qty,
			TsUnixM:     ts,
		}
		for _, ch := range subs {
			select {
			case ch <- tr:
			default: // slow consumer, drop
			}
		}
	}
}

func (s *publicStream) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return s.worker.Write(websocket.TextMessage, []byte("ping"))
}

func (s *publicStream) stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.worker.Stop()
	}
}

// privateStream carries authenticated order, balance and position
// pushes. The session logs in on connect and subscribes only after the
// venue acknowledges the login.
type privateStream struct {
	cfg    Config
	signer *Signer
	worker *infra.WSWorker

	mu        sync.Mutex
	started   bool
	syms      map[string]string
	orders    map[string][]chan exchange.OrderEvent
	positions map[string][]chan exchange.PositionUpdate
	balances  []chan exchange.BalanceUpdate
}

func newPrivateStream(cfg Config, signer *Signer) *privateStream {
	s := &privateStream{
		cfg:       cfg,
		signer:    signer,
		syms:      make(map[string]string),
		orders:    make(map[string][]chan exchange.OrderEvent),
		positions: make(map[string][]chan exchange.PositionUpdate),
	}
	s.worker = infra.NewWSWorker(s)
	return s
}

func (s *privateStream) URL() string  { return s.cfg.PrivateWSURL }
func (s *privateStream) Name() string { return "bitget-private" }

func (s *privateStream) ensureStarted() {
	s.mu.Lock()
	firstUse := !s.started
	s.started = true
	s.mu.Unlock()
	if firstUse {
		s.worker.Start(context.Background())
	}
}

func (s *privateStream) watchOrders(ctx context.Context, symbol string) (<-chan exchange.OrderEvent, error) {
	ch := make(chan exchange.OrderEvent, 64)
	inst := instID(symbol)

	s.mu.Lock()
	s.syms[inst] = symbol
	s.orders[inst] = append(s.orders[inst], ch)
	s.mu.Unlock()
	s.ensureStarted()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.orders[inst] = dropChan(s.orders[inst], ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *privateStream) watchBalance(ctx context.Context) (<-chan exchange.BalanceUpdate, error) {
	ch := make(chan exchange.BalanceUpdate, 64)

	s.mu.Lock()
	s.balances = append(s.balances, ch)
	s.mu.Unlock()
	s.ensureStarted()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.balances = dropChan(s.balances, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *privateStream) watchPositions(ctx context.Context, symbol string) (<-chan exchange.PositionUpdate, error) {
	ch := make(chan exchange.PositionUpdate, 64)
	inst := instID(symbol)

	s.mu.Lock()
	s.syms[inst] = symbol
	s.positions[inst] = append(s.positions[inst], ch)
	s.mu.Unlock()
	s.ensureStarted()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.positions[inst] = dropChan(s.positions[inst], ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

type wsLoginArg struct {
	ApiKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

func (s *privateStream) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	apiKey, passphrase, timestamp, sign := s.signer.WSLogin()
	req := wsRequest{Op: "login", Args: []any{wsLoginArg{
		ApiKey:     apiKey,
		Passphrase: passphrase,
		Timestamp:  timestamp,
		Sign:       sign,
	}}}
	b, _ := json.Marshal(req)
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *privateStream) OnMessage(ctx context.Context, msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var push wsPush
	if err := json.Unmarshal(msg, &push); err != nil {
		return
	}

	switch push.Event {
	case "login":
		if push.Code != "0" && push.Code != "" {
			slog.Warn("ws login rejected", "name", s.Name(), "code", push.Code, "msg", push.Msg)
			return
		}
		s.subscribeAll()
		return
	case "error":
		slog.Warn("ws request rejected", "name", s.Name(), "code", push.Code, "msg", push.Msg)
		return
	}

	switch push.Arg.Channel {
	case "orders":
		s.handleOrders(push.Data)
	case "account":
		s.handleAccount(push.Data, push.Ts)
	case "positions":
		s.handlePositions(push.Data)
	}
}

func (s *privateStream) subscribeAll() {
	req := wsRequest{Op: "subscribe", Args: []any{
		wsArg{InstType: s.cfg.ProductType, Channel: "orders", InstId: "default"},
		wsArg{InstType: s.cfg.ProductType, Channel: "account", InstId: "default"},
		wsArg{InstType: s.cfg.ProductType, Channel: "positions", InstId: "default"},
	}}
	b, _ := json.Marshal(req)
	if err := s.worker.Write(websocket.TextMessage, b); err != nil {
		slog.Warn("ws subscribe failed", "name", s.Name(), "err", err)
	}
}

type wsOrder struct {
	InstId        string `json:"instId"`
	OrderID       string `json:"orderId"`
	ClientOid     string `json:"clientOid"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	PriceAvg      string `json:"priceAvg"`
	AccBaseVolume string `json:"accBaseVolume"`
	UTime         string `json:"uTime"`
}

func (s *privateStream) handleOrders(data json.RawMessage) {
	var rows []wsOrder
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	for _, r := range rows {
		s.mu.Lock()
		symbol := s.syms[r.InstId]
		subs := append([]chan exchange.OrderEvent(nil), s.orders[r.InstId]...)
		s.mu.Unlock()
		if symbol == "" {
			continue
		}

		ev, err := orderEvent(symbol, restOrder{
			OrderID:       r.OrderID,
			ClientOid:     r.ClientOid,
			Side:          r.Side,
			Status:        r.Status,
			PriceAvg:      r.PriceAvg,
			AccBaseVolume: r.AccBaseVolume,
			UTime:         r.UTime,
		})
		if err != nil {
			slog.Warn("order push dropped", "name", s.Name(), "order", r.OrderID, "err", err)
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

type wsAccount struct {
	MarginCoin string `json:"marginCoin"`
	Available  string `json:"available"`
	Frozen     string `json:"frozen"`
}

func (s *privateStream) handleAccount(data json.RawMessage, tsMillis int64) {
	var rows []wsAccount
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	s.mu.Lock()
	subs := append([]chan exchange.BalanceUpdate(nil), s.balances...)
	s.mu.Unlock()

	for _, r := range rows {
		free, err := parseMicros(r.Available)
		if err != nil {
			continue
		}
		used, err := parseMicros(r.Frozen)
		if err != nil {
			continue
		}
		b := exchange.BalanceUpdate{
			Currency:   r.MarginCoin,
			FreeMicros: int64(free),
			UsedMicros: int64(used),
			TsUnixM:    quant.TimeStamp(tsMillis * 1000),
		}
		for _, ch := range subs {
			select {
			case ch <- b:
			default:
			}
		}
	}
}

type wsPosition struct {
	InstId       string `json:"instId"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	OpenPriceAvg string `json:"openPriceAvg"`
	Leverage     string `json:"leverage"`
	UTime        string `json:"uTime"`
}

func (s *privateStream) handlePositions(data json.RawMessage) {
	var rows []wsPosition
	if err := json.Unmarshal(data, &rows); err != nil {
		return
	}

	for _, r := range rows {
		s.mu.Lock()
		symbol := s.syms[r.InstId]
		subs := append([]chan exchange.PositionUpdate(nil), s.positions[r.InstId]...)
		s.mu.Unlock()
		if symbol == "" {
			continue
		}

		p, err := parsePosition(symbol, r.HoldSide, r.Total, r.OpenPriceAvg, r.Leverage, r.UTime)
		if err != nil {
			slog.Warn("position push dropped", "name", s.Name(), "symbol", symbol, "err", err)
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- p:
			default:
			}
		}
	}
}

func (s *privateStream) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return s.worker.Write(websocket.TextMessage, []byte("ping"))
}

func (s *privateStream) stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.worker.Stop()
	}
}

func dropChan[T any](subs []chan T, target chan T) []chan T {
	for i, ch := range subs {
		if ch == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
