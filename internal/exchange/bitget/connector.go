// Package bitget implements the exchange.Connector surface against the
// Bitget V2 API: signed REST for order and account mutations, public
// and private websocket streams for observations. Wire decimals are
// parsed into scaled int64 at this boundary; nothing above it sees a
// string amount.
package bitget

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/domain"
	"tradecore/internal/exchange"
	"tradecore/internal/infra"
	"tradecore/pkg/quant"
)

const (
	defaultRESTURL      = "https://api.bitget.com"
	defaultPublicWSURL  = "wss://ws.bitget.com/v2/ws/public"
	defaultPrivateWSURL = "wss://ws.bitget.com/v2/ws/private"
	defaultProductType  = "USDT-FUTURES"
	defaultMarginCoin   = "USDT"
)

// Config carries venue endpoints and credentials. Zero-valued URLs
// fall back to the production endpoints so tests can point individual
// pieces at local servers.
type Config struct {
	RESTURL      string
	PublicWSURL  string
	PrivateWSURL string
	AccessKey    string
	SecretKey    string
	Passphrase   string
	ProductType  string
	MarginCoin   string
}

func (c Config) withDefaults() Config {
	if c.RESTURL == "" {
		c.RESTURL = defaultRESTURL
	}
	if c.PublicWSURL == "" {
		c.PublicWSURL = defaultPublicWSURL
	}
	if c.PrivateWSURL == "" {
		c.PrivateWSURL = defaultPrivateWSURL
	}
	if c.ProductType == "" {
		c.ProductType = defaultProductType
	}
	if c.MarginCoin == "" {
		c.MarginCoin = defaultMarginCoin
	}
	return c
}

// Connector is the Bitget venue adapter.
type Connector struct {
	cfg    Config
	signer *Signer
	rest   *restClient
	limits *infra.VenueLimiters

	public  *publicStream
	private *privateStream
}

// New builds a connector. No network activity happens until the first
// call; streams dial lazily on the first Watch.
func New(cfg Config) *Connector {
	cfg = cfg.withDefaults()
	signer := NewSigner(cfg.AccessKey, cfg.SecretKey, cfg.Passphrase)
	c := &Connector{
		cfg:    cfg,
		signer: signer,
		rest:   newRESTClient(cfg.RESTURL, signer),
		limits: infra.NewBitgetLimiters(),
	}
	c.public = newPublicStream(cfg)
	c.private = newPrivateStream(cfg, signer)
	return c
}

func (c *Connector) Name() string { return "bitget" }

// instID maps a core symbol ("BTC/USDT") to the venue's instrument id
// ("BTCUSDT").
func instID(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

type restBalance struct {
	MarginCoin string `json:"marginCoin"`
	Available  string `json:"available"`
	Locked     string `json:"locked"`
	UTime      string `json:"uTime"`
}

func (c *Connector) FetchBalance(ctx context.Context) ([]exchange.BalanceUpdate, error) {
	q := url.Values{"productType": {c.cfg.ProductType}}
	var rows []restBalance
	if err := c.rest.get(ctx, c.limits.Account, "/api/v2/mix/account/accounts", q, &rows); err != nil {
		return nil, err
	}

	out := make([]exchange.BalanceUpdate, 0, len(rows))
	for _, r := range rows {
		free, err := parseMicros(r.Available)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", r.MarginCoin, err)
		}
		used, err := parseMicros(r.Locked)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", r.MarginCoin, err)
		}
		ts, _ := quant.ParseTimeStamp(r.UTime)
		out = append(out, exchange.BalanceUpdate{
			Currency:   r.MarginCoin,
			FreeMicros: int64(free),
			UsedMicros: int64(used),
			TsUnixM:    ts,
		})
	}
	return out, nil
}

type restPosition struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	OpenPriceAvg string `json:"openPriceAvg"`
	Leverage     string `json:"leverage"`
	UTime        string `json:"uTime"`
}

func (c *Connector) FetchPositions(ctx context.Context, symbol string) ([]exchange.PositionUpdate, error) {
	q := url.Values{
		"productType": {c.cfg.ProductType},
		"marginCoin":  {c.cfg.MarginCoin},
	}
	var rows []restPosition
	if err := c.rest.get(ctx, c.limits.Account, "/api/v2/mix/position/all-position", q, &rows); err != nil {
		return nil, err
	}

	want := instID(symbol)
	var out []exchange.PositionUpdate
	for _, r := range rows {
		if r.Symbol != want {
			continue
		}
		p, err := parsePosition(symbol, r.HoldSide, r.Total, r.OpenPriceAvg, r.Leverage, r.UTime)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type restOrder struct {
	OrderID       string `json:"orderId"`
	ClientOid     string `json:"clientOid"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	PriceAvg      string `json:"priceAvg"`
	BaseVolume    string `json:"baseVolume"`
	AccBaseVolume string `json:"accBaseVolume"`
	UTime         string `json:"uTime"`
}

type restPendingOrders struct {
	EntrustedList []restOrder `json:"entrustedList"`
}

func (c *Connector) FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderEvent, error) {
	q := url.Values{
		"productType": {c.cfg.ProductType},
		"symbol":      {instID(symbol)},
	}
	var data restPendingOrders
	if err := c.rest.get(ctx, c.limits.Orders, "/api/v2/mix/order/orders-pending", q, &data); err != nil {
		return nil, err
	}

	out := make([]exchange.OrderEvent, 0, len(data.EntrustedList))
	for _, r := range data.EntrustedList {
		ev, err := orderEvent(symbol, r)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func orderEvent(symbol string, r restOrder) (exchange.OrderEvent, error) {
	price, err := parseMicros(r.PriceAvg)
	if err != nil {
		return exchange.OrderEvent{}, fmt.Errorf("order %s: %w", r.OrderID, err)
	}
	filled, err := parseSats(r.AccBaseVolume)
	if err != nil {
		return exchange.OrderEvent{}, fmt.Errorf("order %s: %w", r.OrderID, err)
	}
	ts, _ := quant.ParseTimeStamp(r.UTime)

	id := r.ClientOid
	if id == "" {
		id = r.OrderID
	}
	return exchange.OrderEvent{
		OrderID:     id,
		Symbol:      symbol,
		Side:        parseSide(r.Side),
		Status:      parseStatus(r.Status),
		PriceMicros: price,
		FilledSats:  filled,
		TsUnixM:     ts,
	}, nil
}

func (c *Connector) CreateOrder(ctx context.Context, o *domain.Order) (exchange.OrderEvent, error) {
	body := map[string]string{
		"symbol":      instID(o.Symbol),
		"productType": c.cfg.ProductType,
		"marginMode":  "isolated",
		"marginCoin":  c.cfg.MarginCoin,
		"side":        strings.ToLower(o.Side.String()),
		"orderType":   strings.ToLower(o.Type.String()),
		"size":        formatSats(o.AmountSats),
		"clientOid":   o.ID,
	}
	if o.Type == domain.TypeLimit {
		body["price"] = formatMicros(o.PriceMicros)
		body["force"] = strings.ToLower(o.Tif.String())
	}
	if o.ReduceOnly {
		body["reduceOnly"] = "YES"
	}

	var data struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := c.rest.post(ctx, c.limits.Orders, "/api/v2/mix/order/place-order", body, &data); err != nil {
		return exchange.OrderEvent{}, err
	}

	// The place-order response acknowledges acceptance only; fills
	// arrive on the private order stream.
	return exchange.OrderEvent{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Status:  domain.StatusOpen,
		TsUnixM: quant.TimeStamp(time.Now().UnixMicro()),
	}, nil
}

func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{
		"symbol":      instID(symbol),
		"productType": c.cfg.ProductType,
		"clientOid":   orderID,
	}
	return c.rest.post(ctx, c.limits.Orders, "/api/v2/mix/order/cancel-order", body, nil)
}

func (c *Connector) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	body := map[string]string{
		"symbol":      instID(symbol),
		"productType": c.cfg.ProductType,
		"marginCoin":  c.cfg.MarginCoin,
		"leverage":    strconv.FormatInt(leverage, 10),
	}
	return c.rest.post(ctx, c.limits.Account, "/api/v2/mix/account/set-leverage", body, nil)
}

func (c *Connector) SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode) error {
	if mode != domain.MarginIsolated {
		return fmt.Errorf("%w: margin mode %s has no venue equivalent", exchange.ErrRejected, mode)
	}
	body := map[string]string{
		"symbol":      instID(symbol),
		"productType": c.cfg.ProductType,
		"marginCoin":  c.cfg.MarginCoin,
		"marginMode":  "isolated",
	}
	return c.rest.post(ctx, c.limits.Account, "/api/v2/mix/account/set-margin-mode", body, nil)
}

func (c *Connector) WatchOrders(ctx context.Context, symbol string) (<-chan exchange.OrderEvent, error) {
	return c.private.watchOrders(ctx, symbol)
}

func (c *Connector) WatchTrades(ctx context.Context, symbol string) (<-chan exchange.TapeTrade, error) {
	return c.public.watchTrades(ctx, symbol)
}

func (c *Connector) WatchBalance(ctx context.Context) (<-chan exchange.BalanceUpdate, error) {
	return c.private.watchBalance(ctx)
}

func (c *Connector) WatchPositions(ctx context.Context, symbol string) (<-chan exchange.PositionUpdate, error) {
	return c.private.watchPositions(ctx, symbol)
}

// Close stops both streams and wipes the credentials.
func (c *Connector) Close() error {
	c.public.stop()
	c.private.stop()
	c.signer.Wipe()
	return nil
}

func parseSide(s string) domain.Side {
	if strings.EqualFold(s, "sell") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func parseStatus(s string) domain.Status {
	switch strings.ToLower(s) {
	case "live", "new", "init":
		return domain.StatusOpen
	case "partially_filled":
		return domain.StatusPartiallyFilled
	case "filled":
		return domain.StatusFilled
	case "canceled", "cancelled":
		return domain.StatusCanceled
	case "rejected":
		return domain.StatusRejected
	default:
		return domain.StatusOpen
	}
}

func parsePosition(symbol, holdSide, total, openPriceAvg, leverage, uTime string) (exchange.PositionUpdate, error) {
	qty, err := parseSats(total)
	if err != nil {
		return exchange.PositionUpdate{}, fmt.Errorf("position %s: %w", symbol, err)
	}
	entry, err := parseMicros(openPriceAvg)
	if err != nil {
		return exchange.PositionUpdate{}, fmt.Errorf("position %s: %w", symbol, err)
	}
	lev, _ := strconv.ParseInt(leverage, 10, 64)
	ts, _ := quant.ParseTimeStamp(uTime)

	side := domain.PositionLong
	if strings.EqualFold(holdSide, "short") {
		side = domain.PositionShort
	}
	return exchange.PositionUpdate{
		Symbol:      symbol,
		Side:        side,
		QtySats:     qty,
		EntryMicros: entry,
		Leverage:    lev,
		TsUnixM:     ts,
	}, nil
}
