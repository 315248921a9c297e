package coinbase

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"

	"tradewire/internal/circuitbreaker"
	"tradewire/internal/keyring"
	"tradewire/internal/ratelimit"
	"tradewire/internal/transport"
	"tradewire/internal/ws"
	"tradewire/pkg/core"
	"tradewire/pkg/exchange"
	"tradewire/pkg/stream"
)

// CoinbaseExchange implements the Exchange interface for Coinbase spot
// markets. Coinbase has no native idempotent order placement, so client
// order tokens are deduplicated locally within a retention window.
type CoinbaseExchange struct {
	config    *core.Config
	keyRing   *keyring.KeyRing
	transport *transport.Transport
	protocol  *Protocol
	dedup     *exchange.Dedup
	markets   *exchange.MarketCache
	logger    zerolog.Logger

	wsMu      sync.RWMutex
	wsManager *ws.Manager
}

// Option is a functional option for configuring the CoinbaseExchange.
type Option func(*Options)

// Options holds configuration options for the CoinbaseExchange.
type Options struct {
	KeyRing *keyring.KeyRing
	Logger  zerolog.Logger
}

// WithKeyRing returns an option that sets the API key ring for key rotation.
func WithKeyRing(kr *keyring.KeyRing) Option {
	return func(o *Options) {
		o.KeyRing = kr
	}
}

// WithLogger returns an option that sets the logger for the exchange.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// New creates a CoinbaseExchange with the given configuration and options.
// Coinbase lists spot markets only, so a futures configuration is refused.
func New(config *core.Config, opts ...Option) (*CoinbaseExchange, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if config.MarketType == core.MarketTypeFutures {
		return nil, core.NewExchangeError("coinbase", core.ErrorTypeRejected, 0,
			"futures markets are not supported")
	}

	options := &Options{
		Logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(options)
	}

	protocol := NewProtocol()

	limits := config.RateLimits
	if len(limits) == 0 {
		limits = protocol.ClassLimits()
	}

	transportOpts := []transport.Option{
		transport.WithLimiter(ratelimit.New(limits)),
		transport.WithLogger(options.Logger),
	}
	if config.CircuitBreakerEnabled {
		transportOpts = append(transportOpts, transport.WithBreaker(circuitbreaker.New(circuitbreaker.Config{
			FailThreshold:    config.CircuitBreakerFailThreshold,
			SuccessThreshold: config.CircuitBreakerSuccessThreshold,
			Timeout:          config.CircuitBreakerTimeout,
		})))
	}

	t := transport.New(transport.Config{
		BaseURL:  baseURL(config),
		Exchange: protocol.Name(),
		Timeout:  config.Timeout,
		Policy: transport.RetryPolicy{
			MaxAttempts: config.MaxRetries + 1,
			MaxElapsed:  config.MaxElapsed,
			BaseWait:    config.RetryWaitMin,
			MaxWait:     config.RetryWaitMax,
			Multiplier:  2.0,
			Jitter:      0.2,
		},
	}, transportOpts...)

	e := &CoinbaseExchange{
		config:    config,
		keyRing:   options.KeyRing,
		transport: t,
		protocol:  protocol,
		dedup:     exchange.NewDedup(config.DedupRetention),
		logger:    options.Logger,
	}
	e.markets = exchange.NewMarketCache(e.fetchMarkets, config.MarketRefreshInterval)
	return e, nil
}

// Register creates a CoinbaseExchange and registers it with the container.
func Register(container *exchange.Container, config *core.Config, opts ...Option) error {
	ex, err := New(config, opts...)
	if err != nil {
		return fmt.Errorf("create coinbase exchange: %w", err)
	}
	container.Register(ex.Name(), ex)
	return nil
}

// baseURL returns the API base URL for the environment.
func baseURL(config *core.Config) string {
	if config.Sandbox {
		return SandboxURL
	}
	return ProductionURL
}

// Name returns the exchange identifier "coinbase".
func (e *CoinbaseExchange) Name() string {
	return e.protocol.Name()
}

// Version returns the Coinbase API version.
func (e *CoinbaseExchange) Version() string {
	return e.protocol.Version()
}

// Close tears down the websocket connection and the HTTP transport.
// Subsequent calls on the exchange fail with ErrClientClosed.
func (e *CoinbaseExchange) Close() error {
	e.wsMu.Lock()
	if e.wsManager != nil {
		e.wsManager.Close()
		e.wsManager = nil
	}
	e.wsMu.Unlock()

	return e.transport.Close()
}

// GetMarkets retrieves the products Coinbase currently lists, with their
// precision and minimum-size rules. The catalog is served through the
// market cache and re-fetched on the configured refresh interval.
func (e *CoinbaseExchange) GetMarkets(ctx context.Context, opts ...exchange.Option) ([]core.Market, error) {
	return e.markets.All(ctx)
}

func (e *CoinbaseExchange) fetchMarkets(ctx context.Context) ([]core.Market, error) {
	req, err := e.protocol.BuildRequest(ctx, core.OpGetMarkets, core.Params{})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	markets, ok := result.([]core.Market)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	return markets, nil
}

// GetTicker retrieves the current ticker for the specified symbol.
func (e *CoinbaseExchange) GetTicker(ctx context.Context, symbol string, opts ...exchange.Option) (*core.Ticker, error) {
	req, err := e.protocol.BuildRequest(ctx, core.OpGetTicker, core.Params{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	ticker, ok := result.(*core.Ticker)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	ticker.Symbol = symbol
	return ticker, nil
}

// GetOrderBook retrieves the level 2 order book for the specified symbol.
func (e *CoinbaseExchange) GetOrderBook(ctx context.Context, symbol string, opts ...exchange.Option) (*core.OrderBook, error) {
	req, err := e.protocol.BuildRequest(ctx, core.OpGetOrderBook, core.Params{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	orderBook, ok := result.(*core.OrderBook)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	orderBook.Symbol = symbol
	return orderBook, nil
}

// GetTrades retrieves trades for the specified symbol as an iterator.
// Coinbase paginates with an opaque cursor returned in the CB-AFTER
// response header; the iterator follows it across pages for as long as the
// consumer keeps yielding.
func (e *CoinbaseExchange) GetTrades(ctx context.Context, symbol string, opts ...exchange.Option) iter.Seq2[*core.Trade, error] {
	return func(yield func(*core.Trade, error) bool) {
		options := exchange.ApplyOptions(opts...)

		cursor := options.After
		for {
			params := core.Params{"symbol": symbol}
			if options.Limit > 0 {
				params["limit"] = options.Limit
			}
			if options.Before != "" {
				params["before"] = options.Before
			}
			if cursor != "" {
				params["after"] = cursor
			}

			req, err := e.protocol.BuildRequest(ctx, core.OpGetTrades, params)
			if err != nil {
				yield(nil, fmt.Errorf("build request: %w", err))
				return
			}

			result, resp, err := e.doResp(ctx, req)
			if err != nil {
				yield(nil, err)
				return
			}

			trades, ok := result.([]core.Trade)
			if !ok {
				yield(nil, fmt.Errorf("unexpected response type: %T", result))
				return
			}
			if len(trades) == 0 {
				return
			}

			for i := range trades {
				trade := &trades[i]
				trade.Symbol = symbol
				if !yield(trade, nil) {
					return
				}
			}

			cursor = resp.Header().Get("Cb-After")
			if cursor == "" {
				return
			}
		}
	}
}

// GetKlines retrieves candlestick data for the specified symbol.
func (e *CoinbaseExchange) GetKlines(ctx context.Context, symbol string, opts ...exchange.Option) ([]core.Kline, error) {
	options := exchange.ApplyOptions(opts...)

	params := core.Params{"symbol": symbol}
	if options.Interval != "" {
		params["interval"] = options.Interval
	}
	if !options.StartTime.IsZero() {
		params["start"] = options.StartTime.UTC().Format(time.RFC3339)
	}
	if !options.EndTime.IsZero() {
		params["end"] = options.EndTime.UTC().Format(time.RFC3339)
	}

	req, err := e.protocol.BuildRequest(ctx, core.OpGetKlines, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	klines, ok := result.([]core.Kline)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	for i := range klines {
		klines[i].Symbol = symbol
	}

	return klines, nil
}

// GetBalance retrieves account balances for all currencies.
func (e *CoinbaseExchange) GetBalance(ctx context.Context, opts ...exchange.Option) ([]core.Balance, error) {
	req, err := e.protocol.BuildRequest(ctx, core.OpGetBalance, core.Params{})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	balances, ok := result.([]core.Balance)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	return balances, nil
}

// PlaceOrder submits a new order. Coinbase does not honor client order
// tokens itself, so placements carrying a ClientOrderID go through the
// local dedup window: a repeat of the same token within the retention
// returns the original order without touching the exchange.
func (e *CoinbaseExchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest, opts ...exchange.Option) (*core.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return e.dedup.Do(ctx, req.ClientOrderID, func() (*core.Order, error) {
		return e.placeOrder(ctx, req)
	})
}

func (e *CoinbaseExchange) placeOrder(ctx context.Context, req *exchange.OrderRequest) (*core.Order, error) {
	params := core.Params{
		"symbol":   req.Symbol,
		"side":     req.Side.String(),
		"type":     req.Type.String(),
		"quantity": req.Quantity.Text('f'),
	}

	if req.Price.Sign() > 0 {
		params["price"] = req.Price.Text('f')
	}
	if req.StopPrice.Sign() > 0 {
		params["stop_price"] = req.StopPrice.Text('f')
	}
	switch req.Type {
	case core.TypeLimit, core.TypeStopLossLimit:
		params["time_in_force"] = req.TimeInForce.String()
	}
	if req.ClientOrderID != "" {
		params["client_order_id"] = req.ClientOrderID
	}

	coreReq, err := e.protocol.BuildRequest(ctx, core.OpPlaceOrder, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, coreReq)
	if err != nil {
		return nil, err
	}

	order, ok := result.(*core.Order)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	return order, nil
}

// CancelOrder cancels an existing order identified by exchange order ID or
// client order ID. Coinbase returns only the canceled ID, so the order
// comes back with just its identity and canceled status.
func (e *CoinbaseExchange) CancelOrder(ctx context.Context, req *exchange.CancelRequest, opts ...exchange.Option) (*core.Order, error) {
	params := core.Params{"symbol": req.Symbol}
	if req.OrderID != "" {
		params["order_id"] = req.OrderID
	}
	if req.ClientOrderID != "" {
		params["client_order_id"] = req.ClientOrderID
	}

	coreReq, err := e.protocol.BuildRequest(ctx, core.OpCancelOrder, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, coreReq)
	if err != nil {
		return nil, err
	}

	order, ok := result.(*core.Order)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	order.Symbol = req.Symbol
	return order, nil
}

// CancelAllOrders cancels every open order, optionally scoped to a symbol.
func (e *CoinbaseExchange) CancelAllOrders(ctx context.Context, symbol string, opts ...exchange.Option) ([]core.Order, error) {
	params := core.Params{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	req, err := e.protocol.BuildRequest(ctx, core.OpCancelAllOrders, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	orders, ok := result.([]core.Order)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	for i := range orders {
		orders[i].Symbol = symbol
	}

	return orders, nil
}

// GetOrder retrieves the current status of an order.
func (e *CoinbaseExchange) GetOrder(ctx context.Context, req *exchange.OrderQuery, opts ...exchange.Option) (*core.Order, error) {
	params := core.Params{}
	if req.OrderID != "" {
		params["order_id"] = req.OrderID
	}
	if req.ClientOrderID != "" {
		params["client_order_id"] = req.ClientOrderID
	}

	coreReq, err := e.protocol.BuildRequest(ctx, core.OpGetOrder, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, coreReq)
	if err != nil {
		return nil, err
	}

	order, ok := result.(*core.Order)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	return order, nil
}

// GetOpenOrders retrieves all open orders, optionally filtered by symbol.
func (e *CoinbaseExchange) GetOpenOrders(ctx context.Context, symbol string, opts ...exchange.Option) ([]core.Order, error) {
	options := exchange.ApplyOptions(opts...)

	params := core.Params{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	if options.Limit > 0 {
		params["limit"] = options.Limit
	}

	req, err := e.protocol.BuildRequest(ctx, core.OpGetOpenOrders, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	orders, ok := result.([]core.Order)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	return orders, nil
}

// GetOrderHistory retrieves completed orders for the specified symbol.
func (e *CoinbaseExchange) GetOrderHistory(ctx context.Context, symbol string, opts ...exchange.Option) ([]core.Order, error) {
	options := exchange.ApplyOptions(opts...)

	params := core.Params{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	if options.Limit > 0 {
		params["limit"] = options.Limit
	}

	req, err := e.protocol.BuildRequest(ctx, core.OpGetOrderHistory, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	orders, ok := result.([]core.Order)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	return orders, nil
}

// SubscribeTicker subscribes to real-time ticker updates for the symbol.
func (e *CoinbaseExchange) SubscribeTicker(ctx context.Context, symbol string) (*stream.Stream[*core.Ticker], error) {
	sub, err := e.subscribe(ctx, ws.Key{Symbol: symbol, Channel: core.ChannelTicker})
	if err != nil {
		return nil, err
	}
	return stream.New(sub, decodeTicker), nil
}

// SubscribeTrades subscribes to real-time trade updates for the symbol.
func (e *CoinbaseExchange) SubscribeTrades(ctx context.Context, symbol string) (*stream.Stream[*core.Trade], error) {
	sub, err := e.subscribe(ctx, ws.Key{Symbol: symbol, Channel: core.ChannelTrades})
	if err != nil {
		return nil, err
	}
	return stream.New(sub, decodeTrade), nil
}

// SubscribeOrderBook subscribes to real-time order books for the symbol.
// The level2 channel delivers one snapshot followed by deltas; books are
// assembled locally and emitted only once the snapshot has been applied.
// A sequence gap re-issues the subscription to obtain a fresh snapshot.
func (e *CoinbaseExchange) SubscribeOrderBook(ctx context.Context, symbol string) (*stream.Stream[*core.OrderBook], error) {
	m := e.getWS()
	key := ws.Key{Symbol: symbol, Channel: core.ChannelOrderBook}
	if err := m.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	sub, err := m.Subscribe(key)
	if err != nil {
		return nil, err
	}
	resync := func() error { return m.Resubscribe(key) }
	return stream.New(sub, decodeOrderBook(symbol, resync)), nil
}

func (e *CoinbaseExchange) subscribe(ctx context.Context, key ws.Key) (*ws.Subscription, error) {
	m := e.getWS()
	if err := m.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	return m.Subscribe(key)
}

func (e *CoinbaseExchange) getWS() *ws.Manager {
	e.wsMu.RLock()
	if e.wsManager != nil {
		defer e.wsMu.RUnlock()
		return e.wsManager
	}
	e.wsMu.RUnlock()

	e.wsMu.Lock()
	defer e.wsMu.Unlock()

	if e.wsManager != nil {
		return e.wsManager
	}

	m := ws.NewManager(ws.Config{
		URL:               wsURL(e.config.Sandbox),
		ReconnectEnabled:  true,
		ReconnectBaseWait: e.config.ReconnectBaseWait,
		ReconnectMaxWait:  e.config.ReconnectMaxWait,
		HeartbeatTimeout:  e.config.HeartbeatTimeout,
		BufferSize:        e.config.StreamBufferSize,
		BuildSubscribe: func(keys []ws.Key) ([][]byte, error) {
			return buildControlFrames("subscribe", keys)
		},
		BuildUnsubscribe: func(keys []ws.Key) ([][]byte, error) {
			return buildControlFrames("unsubscribe", keys)
		},
		Route: routeFrame,
	})
	m.SetLogger(e.logger)
	e.wsManager = m
	return m
}

// do executes one request through the transport and parses the response.
func (e *CoinbaseExchange) do(ctx context.Context, req *core.Request) (any, error) {
	result, _, err := e.doResp(ctx, req)
	return result, err
}

// doResp is do with the raw response exposed, for callers that read
// pagination headers. Authenticated requests are signed with the key ring's
// current entry, or the config credentials when no ring is installed.
func (e *CoinbaseExchange) doResp(ctx context.Context, req *core.Request) (any, *resty.Response, error) {
	var sign transport.SignFunc
	if req.RequireAuth {
		sign = e.signFunc()
	}

	resp, err := e.transport.Do(ctx, req, sign)
	if err != nil {
		err = e.protocol.RefineError(err)
		if e.keyRing != nil && core.IsAuthError(err) {
			e.keyRing.OnError(err)
		}
		return nil, nil, err
	}

	result, err := e.protocol.ParseResponse(req.Op, resp)
	if err != nil {
		return nil, nil, fmt.Errorf("parse response: %w", err)
	}
	return result, resp, nil
}

func (e *CoinbaseExchange) signFunc() transport.SignFunc {
	return func(r *resty.Request, req *core.Request) error {
		creds, err := e.credentials()
		if err != nil {
			return err
		}
		if err := e.protocol.SignRequest(r, req, creds); err != nil {
			return err
		}
		if e.keyRing != nil {
			e.keyRing.MarkUsed()
		}
		return nil
	}
}

func (e *CoinbaseExchange) credentials() (core.Credentials, error) {
	if e.keyRing != nil {
		entry := e.keyRing.Current()
		if entry == nil {
			return core.Credentials{}, core.ErrNoAPIKey
		}
		return entry.Credentials, nil
	}
	if e.config.Credentials.Valid() {
		return *e.config.Credentials, nil
	}
	return core.Credentials{}, core.ErrNoCredentials
}
