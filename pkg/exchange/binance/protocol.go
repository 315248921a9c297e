package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"resty.dev/v3"

	"tradewire/internal/signer"
	"tradewire/pkg/core"
)

const (
	ProductionURL = "https://api.binance.com"
	SandboxURL    = "https://testnet.binance.vision"
	FuturesURL    = "https://fapi.binance.com"

	recvWindow = "5000"
)

// Protocol implements core.Protocol for the Binance spot API: request
// building, response normalization, and HMAC-SHA256 query-string signing.
type Protocol struct {
	mu      sync.Mutex
	signers map[string]*signer.Signer
}

// NewProtocol creates a new Binance protocol instance.
func NewProtocol() *Protocol {
	return &Protocol{signers: make(map[string]*signer.Signer)}
}

// Name returns the protocol identifier "binance".
func (p *Protocol) Name() string {
	return "binance"
}

// Version returns the Binance API version string.
func (p *Protocol) Version() string {
	return "3"
}

// BaseURL returns the base URL for the Binance API.
// If sandbox is true, returns the testnet URL; otherwise returns the production URL.
func (p *Protocol) BaseURL(sandbox bool) string {
	if sandbox {
		return SandboxURL
	}
	return ProductionURL
}

// SupportedOperations returns the list of operations supported by this protocol.
func (p *Protocol) SupportedOperations() []core.Operation {
	return []core.Operation{
		core.OpGetMarkets,
		core.OpGetTicker,
		core.OpGetOrderBook,
		core.OpGetTrades,
		core.OpGetKlines,
		core.OpGetBalance,
		core.OpPlaceOrder,
		core.OpCancelOrder,
		core.OpCancelAllOrders,
		core.OpGetOrder,
		core.OpGetOpenOrders,
		core.OpGetOrderHistory,
	}
}

// ClassLimits returns the published Binance request budgets per endpoint
// class.
func (p *Protocol) ClassLimits() map[core.EndpointClass]core.ClassLimit {
	return map[core.EndpointClass]core.ClassLimit{
		core.ClassMarketData: {Requests: 1200, Period: time.Minute, Burst: 50},
		core.ClassTrading:    {Requests: 300, Period: time.Minute, Burst: 10},
		core.ClassAccount:    {Requests: 600, Period: time.Minute, Burst: 20},
	}
}

// BuildRequest constructs an exchange-specific HTTP request for the given
// operation. It validates required parameters and sets query parameters and
// weights the way the Binance API charges them.
func (p *Protocol) BuildRequest(ctx context.Context, op core.Operation, params core.Params) (*core.Request, error) {
	switch op {
	case core.OpGetMarkets:
		return p.buildGetMarketsRequest(params)
	case core.OpGetTicker:
		return p.buildGetTickerRequest(params)
	case core.OpGetOrderBook:
		return p.buildGetOrderBookRequest(params)
	case core.OpGetTrades:
		return p.buildGetTradesRequest(params)
	case core.OpGetKlines:
		return p.buildGetKlinesRequest(params)
	case core.OpGetBalance:
		return p.buildGetBalanceRequest(params)
	case core.OpPlaceOrder:
		return p.buildPlaceOrderRequest(params)
	case core.OpCancelOrder:
		return p.buildCancelOrderRequest(params)
	case core.OpCancelAllOrders:
		return p.buildCancelAllOrdersRequest(params)
	case core.OpGetOrder:
		return p.buildGetOrderRequest(params)
	case core.OpGetOpenOrders:
		return p.buildGetOpenOrdersRequest(params)
	case core.OpGetOrderHistory:
		return p.buildGetOrderHistoryRequest(params)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", op)
	}
}

// ParseResponse parses an HTTP response and normalizes it to canonical
// types. Error bodies are refined through the Binance numeric code map.
func (p *Protocol) ParseResponse(op core.Operation, resp *resty.Response) (any, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response")
	}

	if resp.StatusCode() >= 400 {
		return nil, p.parseError(op, resp)
	}

	n := NewNormalizer()
	body := resp.Bytes()

	switch op {
	case core.OpGetMarkets:
		var data binanceExchangeInfo
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal exchange info: %w", err)
		}
		return n.NormalizeMarkets(&data)

	case core.OpGetTicker:
		var data binanceTicker
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal ticker: %w", err)
		}
		return n.NormalizeTicker(&data), nil

	case core.OpGetOrderBook:
		var data binanceOrderBook
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal order book: %w", err)
		}
		return n.NormalizeOrderBook(&data, "")

	case core.OpGetTrades:
		var data []binanceTrade
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal trades: %w", err)
		}
		return n.NormalizeTrades(data, ""), nil

	case core.OpGetKlines:
		var data []binanceKline
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal klines: %w", err)
		}
		return n.NormalizeKlines(data, "")

	case core.OpGetBalance:
		var data binanceAccount
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal account: %w", err)
		}
		return n.NormalizeBalances(&data), nil

	case core.OpPlaceOrder, core.OpGetOrder, core.OpCancelOrder:
		var data binanceOrder
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		return n.NormalizeOrder(&data)

	case core.OpCancelAllOrders, core.OpGetOpenOrders, core.OpGetOrderHistory:
		var data []binanceOrder
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		return n.NormalizeOrders(data)

	default:
		var result any
		if err := sonic.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		return result, nil
	}
}

func (p *Protocol) parseError(op core.Operation, resp *resty.Response) error {
	var apiErr binanceAPIError
	if err := sonic.Unmarshal(resp.Bytes(), &apiErr); err == nil && apiErr.Code != 0 {
		return core.NewExchangeError(
			p.Name(),
			mapErrorCode(apiErr.Code, resp.StatusCode()),
			resp.StatusCode(),
			apiErr.Msg,
		).WithOp(op).WithCode(strconv.Itoa(apiErr.Code))
	}
	return core.NewExchangeError(
		p.Name(),
		statusErrorType(resp.StatusCode()),
		resp.StatusCode(),
		fmt.Sprintf("HTTP error: %s", resp.Status()),
	).WithOp(op)
}

// RefineError re-types a generically classified error using the Binance
// numeric code it carries. Errors without a code pass through unchanged.
func (p *Protocol) RefineError(err error) error {
	var exErr *core.ExchangeError
	if !errors.As(err, &exErr) || exErr.Code == "" {
		return err
	}
	code, convErr := strconv.Atoi(exErr.Code)
	if convErr != nil {
		return err
	}
	exErr.Type = mapErrorCode(code, exErr.StatusCode)
	return exErr
}

// SignRequest signs an HTTP request with HMAC-SHA256 authentication.
// The signature covers the full query string including a fresh monotonic
// timestamp and the recvWindow. Binance signs only the query, so the
// logical request is unused.
func (p *Protocol) SignRequest(r *resty.Request, _ *core.Request, creds core.Credentials) error {
	s, err := p.signerFor(creds)
	if err != nil {
		return err
	}

	if r.QueryParams == nil {
		r.QueryParams = url.Values{}
	}
	queryParams := r.QueryParams
	queryParams.Set("recvWindow", recvWindow)

	// The signature covers every query parameter, so it is computed last and
	// attached outside the signed string.
	material := s.Sign(func(ts string) string {
		queryParams.Set("timestamp", ts)
		return queryParams.Encode()
	})
	queryParams.Set("signature", material.Signature)

	r.SetHeader("X-MBX-APIKEY", s.APIKey())

	return nil
}

// signerFor caches one signer per API key so timestamps stay monotonic per
// credential across requests and key rotations.
func (p *Protocol) signerFor(creds core.Credentials) (*signer.Signer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.signers[creds.APIKey]; ok {
		return s, nil
	}
	s, err := signer.New(creds, signer.EncodingHex)
	if err != nil {
		return nil, err
	}
	p.signers[creds.APIKey] = s
	return s, nil
}

func (p *Protocol) buildGetMarketsRequest(_ core.Params) (*core.Request, error) {
	req := core.NewRequest(core.OpGetMarkets, http.MethodGet, "/api/v3/exchangeInfo")
	req.SetWeight(20)
	return req, nil
}

func (p *Protocol) buildGetTickerRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	req := core.NewRequest(core.OpGetTicker, http.MethodGet, "/api/v3/ticker/24hr")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetWeight(2)

	return req, nil
}

func (p *Protocol) buildGetOrderBookRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	limit := getIntParamWithDefault(params, "limit", 100)

	req := core.NewRequest(core.OpGetOrderBook, http.MethodGet, "/api/v3/depth")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetQuery("limit", strconv.Itoa(limit))
	req.SetWeight(2 + limit/50)

	return req, nil
}

func (p *Protocol) buildGetTradesRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	limit := getIntParamWithDefault(params, "limit", 500)

	req := core.NewRequest(core.OpGetTrades, http.MethodGet, "/api/v3/trades")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetQuery("limit", strconv.Itoa(limit))
	req.SetWeight(2)

	return req, nil
}

func (p *Protocol) buildGetKlinesRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	interval := getStringParamWithDefault(params, "interval", "1m")
	limit := getIntParamWithDefault(params, "limit", 500)

	req := core.NewRequest(core.OpGetKlines, http.MethodGet, "/api/v3/klines")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetQuery("interval", interval)
	req.SetQuery("limit", strconv.Itoa(limit))
	req.SetWeight(2)

	return req, nil
}

func (p *Protocol) buildGetBalanceRequest(_ core.Params) (*core.Request, error) {
	req := core.NewRequest(core.OpGetBalance, http.MethodGet, "/api/v3/account")
	req.SetRequireAuth(true)
	req.SetWeight(10)

	return req, nil
}

func (p *Protocol) buildPlaceOrderRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	side, err := getRequiredStringParam(params, "side")
	if err != nil {
		return nil, err
	}

	orderType, err := getRequiredStringParam(params, "type")
	if err != nil {
		return nil, err
	}

	quantity, err := getRequiredStringParam(params, "quantity")
	if err != nil {
		return nil, err
	}

	req := core.NewRequest(core.OpPlaceOrder, http.MethodPost, "/api/v3/order")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetQuery("side", strings.ToUpper(side))
	req.SetQuery("type", strings.ToUpper(orderType))
	req.SetQuery("quantity", quantity)
	req.SetRequireAuth(true)

	if price, ok := params["price"].(string); ok && price != "" {
		req.SetQuery("price", price)
	}

	if stopPrice, ok := params["stop_price"].(string); ok && stopPrice != "" {
		req.SetQuery("stopPrice", stopPrice)
	}

	if timeInForce, ok := params["time_in_force"].(string); ok && timeInForce != "" {
		req.SetQuery("timeInForce", strings.ToUpper(timeInForce))
	}

	// Binance honors the token natively: resubmitting the same
	// newClientOrderId returns the original order instead of a duplicate.
	if clientOrderID, ok := params["client_order_id"].(string); ok && clientOrderID != "" {
		req.SetQuery("newClientOrderId", clientOrderID)
		req.SetIdempotencyKey(clientOrderID)
	}

	return req, nil
}

func (p *Protocol) buildCancelOrderRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	req := core.NewRequest(core.OpCancelOrder, http.MethodDelete, "/api/v3/order")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetRequireAuth(true)

	if orderID, ok := params["order_id"].(string); ok && orderID != "" {
		req.SetQuery("orderId", orderID)
	}

	if clientOrderID, ok := params["client_order_id"].(string); ok && clientOrderID != "" {
		req.SetQuery("origClientOrderId", clientOrderID)
	}

	return req, nil
}

func (p *Protocol) buildCancelAllOrdersRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	req := core.NewRequest(core.OpCancelAllOrders, http.MethodDelete, "/api/v3/openOrders")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetRequireAuth(true)

	return req, nil
}

func (p *Protocol) buildGetOrderRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	req := core.NewRequest(core.OpGetOrder, http.MethodGet, "/api/v3/order")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetRequireAuth(true)
	req.SetWeight(2)

	if orderID, ok := params["order_id"].(string); ok && orderID != "" {
		req.SetQuery("orderId", orderID)
	}

	if clientOrderID, ok := params["client_order_id"].(string); ok && clientOrderID != "" {
		req.SetQuery("origClientOrderId", clientOrderID)
	}

	return req, nil
}

func (p *Protocol) buildGetOpenOrdersRequest(params core.Params) (*core.Request, error) {
	req := core.NewRequest(core.OpGetOpenOrders, http.MethodGet, "/api/v3/openOrders")
	req.SetRequireAuth(true)
	req.SetWeight(3)

	if symbol, ok := params["symbol"].(string); ok && symbol != "" {
		req.SetQuery("symbol", formatSymbol(symbol))
	}

	return req, nil
}

func (p *Protocol) buildGetOrderHistoryRequest(params core.Params) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}

	req := core.NewRequest(core.OpGetOrderHistory, http.MethodGet, "/api/v3/allOrders")
	req.SetQuery("symbol", formatSymbol(symbol))
	req.SetRequireAuth(true)
	req.SetWeight(10)

	if startTime, ok := params["start_time"].(int64); ok && startTime > 0 {
		req.SetQuery("startTime", strconv.FormatInt(startTime, 10))
	}

	if endTime, ok := params["end_time"].(int64); ok && endTime > 0 {
		req.SetQuery("endTime", strconv.FormatInt(endTime, 10))
	}

	if limit, ok := params["limit"].(int); ok && limit > 0 {
		req.SetQuery("limit", strconv.Itoa(limit))
	}

	return req, nil
}

func formatSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func parseSymbol(binanceSymbol string) string {
	quoteCurrencies := []string{"USDT", "BUSD", "USDC", "BTC", "ETH", "BNB"}

	for _, quote := range quoteCurrencies {
		if base, ok := strings.CutSuffix(binanceSymbol, quote); ok && base != "" {
			return base + "/" + quote
		}
	}

	return binanceSymbol
}

func getRequiredStringParam(params core.Params, key string) (string, error) {
	val, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}

	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string", key)
	}

	if str == "" {
		return "", fmt.Errorf("parameter %s cannot be empty", key)
	}

	return str, nil
}

func getStringParamWithDefault(params core.Params, key, def string) string {
	if val, ok := params[key]; ok {
		if str, ok := val.(string); ok && str != "" {
			return str
		}
	}
	return def
}

func getIntParamWithDefault(params core.Params, key string, def int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
	}
	return def
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapErrorCode refines the taxonomy type from Binance's numeric error code.
func mapErrorCode(code, status int) core.ErrorType {
	switch code {
	case -1003, -1015:
		return core.ErrorTypeRateLimit
	case -1021:
		// Timestamp outside recvWindow: clock skew, safe to retry.
		return core.ErrorTypeTimeout
	case -1022, -2014, -2015:
		return core.ErrorTypeAuth
	case -2010, -2011, -2013, -2018, -2019, -2020:
		return core.ErrorTypeRejected
	}
	switch {
	case code <= -1100 && code > -1200:
		return core.ErrorTypeRejected
	case code <= -2000 && code > -3000:
		return core.ErrorTypeRejected
	default:
		return statusErrorType(status)
	}
}

func statusErrorType(status int) core.ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return core.ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.ErrorTypeAuth
	case status >= 500:
		return core.ErrorTypeTransport
	case status >= 400:
		return core.ErrorTypeRejected
	default:
		return core.ErrorTypeUnknown
	}
}
