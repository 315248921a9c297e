package coinbase

import (
	"context"
	"encoding/base64"
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
	ProductionURL = "https://api.exchange.coinbase.com"
	SandboxURL    = "https://api-public.sandbox.exchange.coinbase.com"
)

// Protocol implements core.Protocol for the Coinbase Exchange API: request
// building, response normalization, and HMAC-SHA256 prehash signing over
// timestamp, method, path, and body.
type Protocol struct {
	mu      sync.Mutex
	signers map[string]*signer.Signer
}

// NewProtocol creates a new Coinbase protocol instance.
func NewProtocol() *Protocol {
	return &Protocol{signers: make(map[string]*signer.Signer)}
}

// Name returns the protocol identifier "coinbase".
func (p *Protocol) Name() string {
	return "coinbase"
}

// Version returns the Coinbase Exchange API version string.
func (p *Protocol) Version() string {
	return "1"
}

// BaseURL returns the base URL for the Coinbase Exchange API.
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

// ClassLimits returns the published Coinbase request budgets per endpoint
// class. Coinbase limits per second rather than per minute.
func (p *Protocol) ClassLimits() map[core.EndpointClass]core.ClassLimit {
	return map[core.EndpointClass]core.ClassLimit{
		core.ClassMarketData: {Requests: 10, Period: time.Second, Burst: 15},
		core.ClassTrading:    {Requests: 15, Period: time.Second, Burst: 30},
		core.ClassAccount:    {Requests: 15, Period: time.Second, Burst: 30},
	}
}

// BuildRequest constructs an exchange-specific HTTP request for the given
// operation.
func (p *Protocol) BuildRequest(ctx context.Context, op core.Operation, params core.Params) (*core.Request, error) {
	switch op {
	case core.OpGetMarkets:
		return core.NewRequest(core.OpGetMarkets, http.MethodGet, "/products"), nil
	case core.OpGetTicker:
		return p.buildProductRequest(core.OpGetTicker, params, "/ticker")
	case core.OpGetOrderBook:
		return p.buildGetOrderBookRequest(params)
	case core.OpGetTrades:
		return p.buildGetTradesRequest(params)
	case core.OpGetKlines:
		return p.buildGetKlinesRequest(params)
	case core.OpGetBalance:
		req := core.NewRequest(core.OpGetBalance, http.MethodGet, "/accounts")
		req.SetRequireAuth(true)
		return req, nil
	case core.OpPlaceOrder:
		return p.buildPlaceOrderRequest(params)
	case core.OpCancelOrder:
		return p.buildCancelOrderRequest(params)
	case core.OpCancelAllOrders:
		return p.buildCancelAllOrdersRequest(params)
	case core.OpGetOrder:
		return p.buildGetOrderRequest(params)
	case core.OpGetOpenOrders:
		return p.buildListOrdersRequest(core.OpGetOpenOrders, params, "open")
	case core.OpGetOrderHistory:
		return p.buildListOrdersRequest(core.OpGetOrderHistory, params, "done")
	default:
		return nil, fmt.Errorf("unsupported operation: %s", op)
	}
}

func (p *Protocol) buildProductRequest(op core.Operation, params core.Params, suffix string) (*core.Request, error) {
	symbol, err := getRequiredStringParam(params, "symbol")
	if err != nil {
		return nil, err
	}
	return core.NewRequest(op, http.MethodGet, "/products/"+formatProduct(symbol)+suffix), nil
}

func (p *Protocol) buildGetOrderBookRequest(params core.Params) (*core.Request, error) {
	req, err := p.buildProductRequest(core.OpGetOrderBook, params, "/book")
	if err != nil {
		return nil, err
	}
	// Level 2 returns the full aggregated book with a sequence number.
	req.SetQuery("level", "2")
	return req, nil
}

func (p *Protocol) buildGetTradesRequest(params core.Params) (*core.Request, error) {
	req, err := p.buildProductRequest(core.OpGetTrades, params, "/trades")
	if err != nil {
		return nil, err
	}
	if limit, ok := params["limit"].(int); ok && limit > 0 {
		req.SetQuery("limit", strconv.Itoa(limit))
	}
	if before, ok := params["before"].(string); ok && before != "" {
		req.SetQuery("before", before)
	}
	if after, ok := params["after"].(string); ok && after != "" {
		req.SetQuery("after", after)
	}
	return req, nil
}

func (p *Protocol) buildGetKlinesRequest(params core.Params) (*core.Request, error) {
	req, err := p.buildProductRequest(core.OpGetKlines, params, "/candles")
	if err != nil {
		return nil, err
	}

	interval := "1m"
	if v, ok := params["interval"].(string); ok && v != "" {
		interval = v
	}
	granularity, err := granularityOf(interval)
	if err != nil {
		return nil, err
	}
	req.SetQuery("granularity", strconv.Itoa(granularity))

	if start, ok := params["start"].(string); ok && start != "" {
		req.SetQuery("start", start)
	}
	if end, ok := params["end"].(string); ok && end != "" {
		req.SetQuery("end", end)
	}
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
	size, err := getRequiredStringParam(params, "quantity")
	if err != nil {
		return nil, err
	}

	body := coinbaseNewOrder{
		ProductID: formatProduct(symbol),
		Side:      strings.ToLower(side),
		Type:      strings.ToLower(orderType),
		Size:      size,
	}
	if price, ok := params["price"].(string); ok && price != "" {
		body.Price = price
	}
	if stopPrice, ok := params["stop_price"].(string); ok && stopPrice != "" {
		body.StopPrice = stopPrice
		// Coinbase expresses the trigger direction instead of a stop type.
		if body.Side == "sell" {
			body.Stop = "loss"
		} else {
			body.Stop = "entry"
		}
		body.Type = "limit"
	}
	if tif, ok := params["time_in_force"].(string); ok && tif != "" {
		body.TimeInForce = strings.ToUpper(tif)
	}

	req := core.NewRequest(core.OpPlaceOrder, http.MethodPost, "/orders")
	req.SetRequireAuth(true)
	req.SetBody(body)

	if clientOrderID, ok := params["client_order_id"].(string); ok && clientOrderID != "" {
		body.ClientOID = clientOrderID
		req.SetBody(body)
		req.SetIdempotencyKey(clientOrderID)
	}

	return req, nil
}

func (p *Protocol) buildCancelOrderRequest(params core.Params) (*core.Request, error) {
	var path string
	if orderID, ok := params["order_id"].(string); ok && orderID != "" {
		path = "/orders/" + orderID
	} else if clientOID, ok := params["client_order_id"].(string); ok && clientOID != "" {
		path = "/orders/client:" + clientOID
	} else {
		return nil, fmt.Errorf("either order_id or client_order_id is required")
	}

	req := core.NewRequest(core.OpCancelOrder, http.MethodDelete, path)
	req.SetRequireAuth(true)
	if symbol, ok := params["symbol"].(string); ok && symbol != "" {
		req.SetQuery("product_id", formatProduct(symbol))
	}
	return req, nil
}

func (p *Protocol) buildCancelAllOrdersRequest(params core.Params) (*core.Request, error) {
	req := core.NewRequest(core.OpCancelAllOrders, http.MethodDelete, "/orders")
	req.SetRequireAuth(true)
	if symbol, ok := params["symbol"].(string); ok && symbol != "" {
		req.SetQuery("product_id", formatProduct(symbol))
	}
	return req, nil
}

func (p *Protocol) buildGetOrderRequest(params core.Params) (*core.Request, error) {
	var path string
	if orderID, ok := params["order_id"].(string); ok && orderID != "" {
		path = "/orders/" + orderID
	} else if clientOID, ok := params["client_order_id"].(string); ok && clientOID != "" {
		path = "/orders/client:" + clientOID
	} else {
		return nil, fmt.Errorf("either order_id or client_order_id is required")
	}

	req := core.NewRequest(core.OpGetOrder, http.MethodGet, path)
	req.SetRequireAuth(true)
	return req, nil
}

func (p *Protocol) buildListOrdersRequest(op core.Operation, params core.Params, status string) (*core.Request, error) {
	req := core.NewRequest(op, http.MethodGet, "/orders")
	req.SetRequireAuth(true)
	req.SetQuery("status", status)
	if symbol, ok := params["symbol"].(string); ok && symbol != "" {
		req.SetQuery("product_id", formatProduct(symbol))
	}
	if limit, ok := params["limit"].(int); ok && limit > 0 {
		req.SetQuery("limit", strconv.Itoa(limit))
	}
	return req, nil
}

// ParseResponse parses an HTTP response and normalizes it to canonical types.
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
		var data []coinbaseProduct
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal products: %w", err)
		}
		return n.NormalizeMarkets(data)

	case core.OpGetTicker:
		var data coinbaseTicker
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal ticker: %w", err)
		}
		return n.NormalizeTicker(&data, ""), nil

	case core.OpGetOrderBook:
		var data coinbaseBook
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal order book: %w", err)
		}
		return n.NormalizeOrderBook(&data, "")

	case core.OpGetTrades:
		var data []coinbaseTrade
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal trades: %w", err)
		}
		return n.NormalizeTrades(data, ""), nil

	case core.OpGetKlines:
		var data []coinbaseCandle
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal candles: %w", err)
		}
		return n.NormalizeKlines(data, "")

	case core.OpGetBalance:
		var data []coinbaseAccount
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal accounts: %w", err)
		}
		return n.NormalizeBalances(data), nil

	case core.OpPlaceOrder, core.OpGetOrder:
		var data coinbaseOrder
		if err := sonic.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		return n.NormalizeOrder(&data)

	case core.OpCancelOrder:
		// The cancel endpoint returns only the order id.
		var id string
		if err := sonic.Unmarshal(body, &id); err != nil {
			return nil, fmt.Errorf("unmarshal canceled id: %w", err)
		}
		return n.CanceledOrder(id), nil

	case core.OpCancelAllOrders:
		var ids []string
		if err := sonic.Unmarshal(body, &ids); err != nil {
			return nil, fmt.Errorf("unmarshal canceled ids: %w", err)
		}
		return n.CanceledOrders(ids), nil

	case core.OpGetOpenOrders, core.OpGetOrderHistory:
		var data []coinbaseOrder
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

type coinbaseAPIError struct {
	Message string `json:"message"`
}

func (p *Protocol) parseError(op core.Operation, resp *resty.Response) error {
	message := fmt.Sprintf("HTTP error: %s", resp.Status())
	var apiErr coinbaseAPIError
	if err := sonic.Unmarshal(resp.Bytes(), &apiErr); err == nil && apiErr.Message != "" {
		message = apiErr.Message
	}
	return core.NewExchangeError(
		p.Name(),
		classifyMessage(message, resp.StatusCode()),
		resp.StatusCode(),
		message,
	).WithOp(op)
}

// RefineError re-types a generically classified error using the Coinbase
// message it carries. Coinbase has no numeric codes, so the message text is
// the only refinement signal.
func (p *Protocol) RefineError(err error) error {
	var exErr *core.ExchangeError
	if !errors.As(err, &exErr) || exErr.Message == "" {
		return err
	}
	exErr.Type = classifyMessage(exErr.Message, exErr.StatusCode)
	return exErr
}

// classifyMessage maps a Coinbase error message to a taxonomy type. The
// status code decides whenever the message is unrecognized.
func classifyMessage(message string, status int) core.ErrorType {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "order size is too small"),
		strings.Contains(msg, "price too"),
		strings.Contains(msg, "product not found"),
		strings.Contains(msg, "notfound"):
		return core.ErrorTypeRejected
	case strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid passphrase"),
		strings.Contains(msg, "invalid signature"),
		strings.Contains(msg, "unauthorized"):
		return core.ErrorTypeAuth
	case strings.Contains(msg, "request timestamp expired"):
		return core.ErrorTypeTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "slow down"):
		return core.ErrorTypeRateLimit
	}

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

// SignRequest signs an HTTP request with Coinbase's prehash scheme: the
// base64-encoded HMAC-SHA256 of timestamp + method + requestPath + body,
// keyed with the base64-decoded secret. The timestamp is in whole seconds.
func (p *Protocol) SignRequest(r *resty.Request, req *core.Request, creds core.Credentials) error {
	if req == nil {
		return fmt.Errorf("coinbase signing requires the logical request")
	}

	s, err := p.signerFor(creds)
	if err != nil {
		return err
	}

	requestPath := req.Path
	if len(req.Query) > 0 {
		requestPath += "?" + encodeQuery(req.Query)
	}

	var body string
	if req.Body != nil {
		data, err := sonic.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("marshal body for signing: %w", err)
		}
		body = string(data)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	material := s.SignAt(func(ts string) string {
		return ts + req.Method + requestPath + body
	}, ts)

	r.SetHeader("CB-ACCESS-KEY", s.APIKey())
	r.SetHeader("CB-ACCESS-SIGN", material.Signature)
	r.SetHeader("CB-ACCESS-TIMESTAMP", material.Timestamp)
	r.SetHeader("CB-ACCESS-PASSPHRASE", s.Passphrase())

	return nil
}

// signerFor caches one signer per API key. The secret is base64-decoded
// before keying, as Coinbase distributes secrets encoded.
func (p *Protocol) signerFor(creds core.Credentials) (*signer.Signer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.signers[creds.APIKey]; ok {
		return s, nil
	}

	if creds.Passphrase == "" {
		return nil, core.NewExchangeError(p.Name(), core.ErrorTypeAuth, 0,
			"coinbase credentials require a passphrase")
	}
	secret, err := base64.StdEncoding.DecodeString(creds.SecretKey)
	if err != nil {
		return nil, core.NewExchangeError(p.Name(), core.ErrorTypeAuth, 0,
			"secret key is not valid base64").WithCause(err)
	}

	decoded := creds
	decoded.SecretKey = string(secret)
	s, err := signer.New(decoded, signer.EncodingBase64)
	if err != nil {
		return nil, err
	}
	p.signers[creds.APIKey] = s
	return s, nil
}

// encodeQuery renders the query the same way the transport will, so the
// signed path matches the path on the wire.
func encodeQuery(params core.Params) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, fmt.Sprint(v))
	}
	return values.Encode()
}

// formatProduct converts "BTC/USDT" to Coinbase's "BTC-USDT".
func formatProduct(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// parseProduct converts "BTC-USDT" back to "BTC/USDT".
func parseProduct(productID string) string {
	return strings.ReplaceAll(productID, "-", "/")
}

// granularityOf maps a canonical interval string to Coinbase's fixed
// candle granularities in seconds.
func granularityOf(interval string) (int, error) {
	switch interval {
	case "1m":
		return 60, nil
	case "5m":
		return 300, nil
	case "15m":
		return 900, nil
	case "1h":
		return 3600, nil
	case "6h":
		return 21600, nil
	case "1d":
		return 86400, nil
	default:
		return 0, fmt.Errorf("unsupported interval: %s", interval)
	}
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
