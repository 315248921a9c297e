package binance

import (
	"context"
	"fmt"
	"iter"
	"sync"

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

// BinanceExchange implements the Exchange interface for Binance spot and
// futures markets, with rate limiting, circuit breaking, and API key
// rotation handled by the transport underneath.
type BinanceExchange struct {
	config    *core.Config
	keyRing   *keyring.KeyRing
	transport *transport.Transport
	protocol  *Protocol
	markets   *exchange.MarketCache
	logger    zerolog.Logger

	wsMu      sync.RWMutex
	wsManager *ws.Manager
}

// Option is a functional option for configuring the BinanceExchange.
type Option func(*Options)

// Options holds configuration options for the BinanceExchange.
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

// New creates a BinanceExchange with the given configuration and options.
// It wires the transport with the configured rate limits, retry policy, and
// circuit breaker.
func New(config *core.Config, opts ...Option) (*BinanceExchange, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
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

	e := &BinanceExchange{
		config:    config,
		keyRing:   options.KeyRing,
		transport: t,
		protocol:  protocol,
		logger:    options.Logger,
	}
	e.markets = exchange.NewMarketCache(func(ctx context.Context) ([]core.Market, error) {
		return e.fetchMarkets(ctx, core.MarketTypeSpot)
	}, config.MarketRefreshInterval)
	return e, nil
}

// Register creates a BinanceExchange and registers it with the container.
func Register(container *exchange.Container, config *core.Config, opts ...Option) error {
	ex, err := New(config, opts...)
	if err != nil {
		return fmt.Errorf("create binance exchange: %w", err)
	}
	container.Register(ex.Name(), ex)
	return nil
}

// baseURL returns the API base URL based on market type and sandbox mode.
func baseURL(config *core.Config) string {
	switch config.MarketType {
	case core.MarketTypeFutures:
		if config.Sandbox {
			return "https://testnet.binancefuture.com"
		}
		return FuturesURL
	default:
		if config.Sandbox {
			return SandboxURL
		}
		return ProductionURL
	}
}

// Name returns the exchange identifier "binance".
func (e *BinanceExchange) Name() string {
	return e.protocol.Name()
}

// Version returns the Binance API version.
func (e *BinanceExchange) Version() string {
	return e.protocol.Version()
}

// Close tears down the websocket connection and the HTTP transport.
// Subsequent calls on the exchange fail with ErrClientClosed.
func (e *BinanceExchange) Close() error {
	e.wsMu.Lock()
	if e.wsManager != nil {
		e.wsManager.Close()
		e.wsManager = nil
	}
	e.wsMu.Unlock()

	return e.transport.Close()
}

// GetMarkets retrieves the symbols Binance currently lists, with their
// precision and minimum-size rules. Spot listings are served through the
// market cache and re-fetched on the configured refresh interval; futures
// listings come from a different endpoint and bypass it.
func (e *BinanceExchange) GetMarkets(ctx context.Context, opts ...exchange.Option) ([]core.Market, error) {
	options := exchange.ApplyOptions(opts...)
	if options.MarketType == core.MarketTypeFutures {
		return e.fetchMarkets(ctx, core.MarketTypeFutures)
	}
	return e.markets.All(ctx)
}

func (e *BinanceExchange) fetchMarkets(ctx context.Context, marketType core.MarketType) ([]core.Market, error) {
	req, err := e.protocol.BuildRequest(ctx, core.OpGetMarkets, core.Params{})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if marketType == core.MarketTypeFutures {
		req.Path = "/fapi/v1/exchangeInfo"
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
func (e *BinanceExchange) GetTicker(ctx context.Context, symbol string, opts ...exchange.Option) (*core.Ticker, error) {
	options := exchange.ApplyOptions(opts...)

	req, err := e.protocol.BuildRequest(ctx, core.OpGetTicker, core.Params{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if options.MarketType == core.MarketTypeFutures {
		req.Path = "/fapi/v1/ticker/24hr"
	}

	result, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}

	ticker, ok := result.(*core.Ticker)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", result)
	}

	return ticker, nil
}

// GetOrderBook retrieves the order book for the specified symbol.
func (e *BinanceExchange) GetOrderBook(ctx context.Context, symbol string, opts ...exchange.Option) (*core.OrderBook, error) {
	options := exchange.ApplyOptions(opts...)

	params := core.Params{"symbol": symbol}
	if options.Limit > 0 {
		params["limit"] = options.Limit
	}

	req, err := e.protocol.BuildRequest(ctx, core.OpGetOrderBook, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if options.MarketType == core.MarketTypeFutures {
		req.Path = "/fapi/v1/depth"
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

// GetTrades retrieves recent trades for the specified symbol as an iterator.
func (e *BinanceExchange) GetTrades(ctx context.Context, symbol string, opts ...exchange.Option) iter.Seq2[*core.Trade, error] {
	return func(yield func(*core.Trade, error) bool) {
		options := exchange.ApplyOptions(opts...)

		params := core.Params{"symbol": symbol}
		if options.Limit > 0 {
			params["limit"] = options.Limit
		}

		req, err := e.protocol.BuildRequest(ctx, core.OpGetTrades, params)
		if err != nil {
			yield(nil, fmt.Errorf("build request: %w", err))
			return
		}

		if options.MarketType == core.MarketTypeFutures {
			req.Path = "/fapi/v1/trades"
		}

		result, err := e.do(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}

		trades, ok := result.([]core.Trade)
		if !ok {
			yield(nil, fmt.Errorf("unexpected response type: %T", result))
			return
		}

		for i := range trades {
			trade := &trades[i]
			trade.Symbol = symbol
			if !yield(trade, nil) {
				return
			}
		}
	}
}

// GetKlines retrieves candlestick data for the specified symbol.
func (e *BinanceExchange) GetKlines(ctx context.Context, symbol string, opts ...exchange.Option) ([]core.Kline, error) {
	options := exchange.ApplyOptions(opts...)

	params := core.Params{"symbol": symbol}
	if options.Interval != "" {
		params["interval"] = options.Interval
	}
	if options.Limit > 0 {
		params["limit"] = options.Limit
	}

	req, err := e.protocol.BuildRequest(ctx, core.OpGetKlines, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if options.MarketType == core.MarketTypeFutures {
		req.Path = "/fapi/v1/klines"
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

// GetBalance retrieves account balances for all assets.
func (e *BinanceExchange) GetBalance(ctx context.Context, opts ...exchange.Option) ([]core.Balance, error) {
	options := exchange.ApplyOptions(opts...)

	req, err := e.protocol.BuildRequest(ctx, core.OpGetBalance, core.Params{})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if options.MarketType == core.MarketTypeFutures {
		req.Path = "/fapi/v2/balance"
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

// PlaceOrder submits a new order. The request's ClientOrderID is forwarded
// as Binance's newClientOrderId, which the exchange honors natively:
// resubmitting the same token returns the original order.
func (e *BinanceExchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest, opts ...exchange.Option) (*core.Order, error) {
	options := exchange.ApplyOptions(opts...)

	if err := req.Validate(); err != nil {
		return nil, err
	}

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

	if options.MarketType == core.MarketTypeFutures {
		coreReq.Path = "/fapi/v1/order"
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

// CancelOrder cancels an existing order identified by exchange order ID or
// client order ID.
func (e *BinanceExchange) CancelOrder(ctx context.Context, req *exchange.CancelRequest, opts ...exchange.Option) (*core.Order, error) {
	options := exchange.ApplyOptions(opts...)

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

	if options.MarketType == core.MarketTypeFutures {
		coreReq.Path = "/fapi/v1/order"
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

// CancelAllOrders cancels every open order on the given symbol and returns
// the orders as they stood after cancellation.
func (e *BinanceExchange) CancelAllOrders(ctx context.Context, symbol string, opts ...exchange.Option) ([]core.Order, error) {
	options := exchange.ApplyOptions(opts...)

	req, err := e.protocol.BuildRequest(ctx, core.OpCancelAllOrders, core.Params{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if options.MarketType == core.MarketTypeFutures {
		req.Path = "/fapi/v1/allOpenOrders"
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

// GetOrder retrieves the current status of an order.
func (e *BinanceExchange) GetOrder(ctx context.Context, req *exchange.OrderQuery, opts ...exchange.Option) (*core.Order, error) {
	options := exchange.ApplyOptions(opts...)

	params := core.Params{"symbol": req.Symbol}
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

	if options.MarketType == core.MarketTypeFutures {
		coreReq.Path = "/fapi/v1/order"
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
func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string, opts ...exchange.Option) ([]core.Order, error) {
	options := exchange.ApplyOptions(opts...)

	params := core.Params{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	req, err := e.protocol.BuildRequest(ctx, core.OpGetOpenOrders, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if options.MarketType == core.MarketTypeFutures {
		req.Path = "/fapi/v1/openOrders"
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

// GetOrderHistory retrieves historical orders for the specified symbol,
// optionally bounded by the time range option.
func (e *BinanceExchange) GetOrderHistory(ctx context.Context, symbol string, opts ...exchange.Option) ([]core.Order, error) {
	options := exchange.ApplyOptions(opts...)

	params := core.Params{"symbol": symbol}
	if !options.StartTime.IsZero() {
		params["start_time"] = options.StartTime.UnixMilli()
	}
	if !options.EndTime.IsZero() {
		params["end_time"] = options.EndTime.UnixMilli()
	}
	if options.Limit > 0 {
		params["limit"] = options.Limit
	}

	req, err := e.protocol.BuildRequest(ctx, core.OpGetOrderHistory, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if options.MarketType == core.MarketTypeFutures {
		req.Path = "/fapi/v1/allOrders"
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
func (e *BinanceExchange) SubscribeTicker(ctx context.Context, symbol string) (*stream.Stream[*core.Ticker], error) {
	sub, err := e.subscribe(ctx, ws.Key{Symbol: symbol, Channel: core.ChannelTicker})
	if err != nil {
		return nil, err
	}
	return stream.New(sub, decodeTicker), nil
}

// SubscribeTrades subscribes to real-time trade updates for the symbol.
func (e *BinanceExchange) SubscribeTrades(ctx context.Context, symbol string) (*stream.Stream[*core.Trade], error) {
	sub, err := e.subscribe(ctx, ws.Key{Symbol: symbol, Channel: core.ChannelTrades})
	if err != nil {
		return nil, err
	}
	return stream.New(sub, decodeTrade), nil
}

// SubscribeOrderBook subscribes to real-time order book snapshots for the
// symbol. Binance's partial depth stream delivers complete top-of-book
// snapshots, so no delta assembly is involved.
func (e *BinanceExchange) SubscribeOrderBook(ctx context.Context, symbol string) (*stream.Stream[*core.OrderBook], error) {
	sub, err := e.subscribe(ctx, ws.Key{Symbol: symbol, Channel: core.ChannelOrderBook})
	if err != nil {
		return nil, err
	}
	return stream.New(sub, decodeOrderBook(symbol)), nil
}

func (e *BinanceExchange) subscribe(ctx context.Context, key ws.Key) (*ws.Subscription, error) {
	m := e.getWS()
	if err := m.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	return m.Subscribe(key)
}

func (e *BinanceExchange) getWS() *ws.Manager {
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
		URL:               wsURL(e.config),
		ReconnectEnabled:  true,
		ReconnectBaseWait: e.config.ReconnectBaseWait,
		ReconnectMaxWait:  e.config.ReconnectMaxWait,
		HeartbeatTimeout:  e.config.HeartbeatTimeout,
		BufferSize:        e.config.StreamBufferSize,
		BuildSubscribe: func(keys []ws.Key) ([][]byte, error) {
			return buildControlFrames("SUBSCRIBE", keys)
		},
		BuildUnsubscribe: func(keys []ws.Key) ([][]byte, error) {
			return buildControlFrames("UNSUBSCRIBE", keys)
		},
		Route: routeFrame,
	})
	m.SetLogger(e.logger)
	e.wsManager = m
	return m
}

// do executes one request through the transport and parses the response.
// Authenticated requests are signed with the key ring's current entry, or
// the config credentials when no ring is installed. Errors come back typed
// through the Binance code map.
func (e *BinanceExchange) do(ctx context.Context, req *core.Request) (any, error) {
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
		return nil, err
	}

	result, err := e.protocol.ParseResponse(req.Op, resp)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return result, nil
}

func (e *BinanceExchange) signFunc() transport.SignFunc {
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

func (e *BinanceExchange) credentials() (core.Credentials, error) {
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
