package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"resty.dev/v3"

	"tradewire/pkg/core"
)

var _ core.Protocol = (*Protocol)(nil)

func TestProtocol_NameAndVersion(t *testing.T) {
	p := NewProtocol()
	assert.Equal(t, "coinbase", p.Name())
	assert.Equal(t, "1", p.Version())
}

func TestProtocol_BaseURL(t *testing.T) {
	p := NewProtocol()
	assert.Equal(t, "https://api.exchange.coinbase.com", p.BaseURL(false))
	assert.Equal(t, "https://api-public.sandbox.exchange.coinbase.com", p.BaseURL(true))
}

func TestProtocol_ClassLimits(t *testing.T) {
	limits := NewProtocol().ClassLimits()
	require.Contains(t, limits, core.ClassMarketData)
	require.Contains(t, limits, core.ClassTrading)
	require.Contains(t, limits, core.ClassAccount)
	assert.Equal(t, 10, limits[core.ClassMarketData].Requests)
	assert.Equal(t, 15, limits[core.ClassTrading].Requests)
}

func TestBuildRequest_GetTicker(t *testing.T) {
	p := NewProtocol()

	req, err := p.BuildRequest(context.Background(), core.OpGetTicker, core.Params{"symbol": "BTC/USD"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/products/BTC-USD/ticker", req.Path)
	assert.Equal(t, core.ClassMarketData, req.Class)
	assert.False(t, req.RequireAuth)
}

func TestBuildRequest_GetTicker_MissingSymbol(t *testing.T) {
	p := NewProtocol()

	_, err := p.BuildRequest(context.Background(), core.OpGetTicker, core.Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol")
}

func TestBuildRequest_GetOrderBook_RequestsLevel2(t *testing.T) {
	p := NewProtocol()

	req, err := p.BuildRequest(context.Background(), core.OpGetOrderBook, core.Params{"symbol": "ETH/USD"})
	require.NoError(t, err)

	assert.Equal(t, "/products/ETH-USD/book", req.Path)
	assert.Equal(t, "2", req.Query["level"])
}

func TestBuildRequest_GetTrades_Pagination(t *testing.T) {
	p := NewProtocol()

	req, err := p.BuildRequest(context.Background(), core.OpGetTrades, core.Params{
		"symbol": "BTC/USD",
		"limit":  50,
		"after":  "7812345",
	})
	require.NoError(t, err)

	assert.Equal(t, "/products/BTC-USD/trades", req.Path)
	assert.Equal(t, "50", req.Query["limit"])
	assert.Equal(t, "7812345", req.Query["after"])
	_, hasBefore := req.Query["before"]
	assert.False(t, hasBefore)
}

func TestBuildRequest_GetKlines_Granularity(t *testing.T) {
	p := NewProtocol()

	req, err := p.BuildRequest(context.Background(), core.OpGetKlines, core.Params{
		"symbol":   "BTC/USD",
		"interval": "1h",
	})
	require.NoError(t, err)

	assert.Equal(t, "/products/BTC-USD/candles", req.Path)
	assert.Equal(t, "3600", req.Query["granularity"])
}

func TestBuildRequest_GetKlines_UnsupportedInterval(t *testing.T) {
	p := NewProtocol()

	_, err := p.BuildRequest(context.Background(), core.OpGetKlines, core.Params{
		"symbol":   "BTC/USD",
		"interval": "3m",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported interval")
}

func TestBuildRequest_PlaceOrder(t *testing.T) {
	p := NewProtocol()

	req, err := p.BuildRequest(context.Background(), core.OpPlaceOrder, core.Params{
		"symbol":          "BTC/USD",
		"side":            "BUY",
		"type":            "LIMIT",
		"quantity":        "0.5",
		"price":           "50000",
		"time_in_force":   "GTC",
		"client_order_id": "tok-1",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/orders", req.Path)
	assert.True(t, req.RequireAuth)
	assert.Equal(t, "tok-1", req.IdempotencyKey)

	body, ok := req.Body.(coinbaseNewOrder)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", body.ProductID)
	assert.Equal(t, "buy", body.Side)
	assert.Equal(t, "limit", body.Type)
	assert.Equal(t, "0.5", body.Size)
	assert.Equal(t, "50000", body.Price)
	assert.Equal(t, "GTC", body.TimeInForce)
	assert.Equal(t, "tok-1", body.ClientOID)
}

func TestBuildRequest_PlaceOrder_StopDirection(t *testing.T) {
	p := NewProtocol()

	req, err := p.BuildRequest(context.Background(), core.OpPlaceOrder, core.Params{
		"symbol":     "BTC/USD",
		"side":       "SELL",
		"type":       "STOP_LOSS_LIMIT",
		"quantity":   "1",
		"price":      "48000",
		"stop_price": "49000",
	})
	require.NoError(t, err)

	body, ok := req.Body.(coinbaseNewOrder)
	require.True(t, ok)
	assert.Equal(t, "loss", body.Stop)
	assert.Equal(t, "49000", body.StopPrice)
	assert.Equal(t, "limit", body.Type)
}

func TestBuildRequest_CancelOrder_ByClientID(t *testing.T) {
	p := NewProtocol()

	req, err := p.BuildRequest(context.Background(), core.OpCancelOrder, core.Params{
		"symbol":          "BTC/USD",
		"client_order_id": "tok-1",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "/orders/client:tok-1", req.Path)
	assert.Equal(t, "BTC-USD", req.Query["product_id"])
	assert.True(t, req.RequireAuth)
}

func TestBuildRequest_CancelOrder_MissingID(t *testing.T) {
	p := NewProtocol()

	_, err := p.BuildRequest(context.Background(), core.OpCancelOrder, core.Params{"symbol": "BTC/USD"})
	require.Error(t, err)
}

func TestBuildRequest_UnsupportedOperation(t *testing.T) {
	p := NewProtocol()

	_, err := p.BuildRequest(context.Background(), core.Operation(99), core.Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported operation")
}

func TestSupportedOperations_AllBuild(t *testing.T) {
	p := NewProtocol()
	params := core.Params{
		"symbol":   "BTC/USD",
		"side":     "BUY",
		"type":     "LIMIT",
		"quantity": "1",
		"price":    "50000",
		"order_id": "abc-123",
	}

	for _, op := range p.SupportedOperations() {
		req, err := p.BuildRequest(context.Background(), op, params)
		require.NoError(t, err, "operation %s", op)
		require.NotNil(t, req)
		assert.Equal(t, op, req.Op)
	}
}

func TestFormatProduct(t *testing.T) {
	assert.Equal(t, "BTC-USD", formatProduct("BTC/USD"))
	assert.Equal(t, "BTC/USD", parseProduct("BTC-USD"))
}

func TestGranularityOf(t *testing.T) {
	cases := map[string]int{
		"1m": 60, "5m": 300, "15m": 900, "1h": 3600, "6h": 21600, "1d": 86400,
	}
	for interval, want := range cases {
		got, err := granularityOf(interval)
		require.NoError(t, err, interval)
		assert.Equal(t, want, got, interval)
	}

	_, err := granularityOf("2h")
	require.Error(t, err)
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		status  int
		want    core.ErrorType
	}{
		{"insufficient funds", "Insufficient funds", 400, core.ErrorTypeRejected},
		{"order too small", "order size is too small", 400, core.ErrorTypeRejected},
		{"product not found", "Product not found", 404, core.ErrorTypeRejected},
		{"invalid api key", "Invalid API Key", 401, core.ErrorTypeAuth},
		{"invalid passphrase", "Invalid Passphrase", 401, core.ErrorTypeAuth},
		{"invalid signature", "invalid signature", 401, core.ErrorTypeAuth},
		{"expired timestamp", "request timestamp expired", 401, core.ErrorTypeTimeout},
		{"slow down", "Slow down", 429, core.ErrorTypeRateLimit},
		{"unknown message 429", "something odd", 429, core.ErrorTypeRateLimit},
		{"unknown message 503", "something odd", 503, core.ErrorTypeTransport},
		{"unknown message 400", "something odd", 400, core.ErrorTypeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyMessage(tt.message, tt.status))
		})
	}
}

func TestRefineError_RetypesFromMessage(t *testing.T) {
	p := NewProtocol()

	err := core.NewExchangeError("coinbase", core.ErrorTypeRejected, 401, "request timestamp expired")
	refined := p.RefineError(err)

	assert.True(t, core.IsTimeoutError(refined))
	assert.True(t, core.IsRetryable(refined))
}

func TestRefineError_PassesThroughWithoutMessage(t *testing.T) {
	p := NewProtocol()

	err := core.NewExchangeError("coinbase", core.ErrorTypeTransport, 503, "")
	assert.Equal(t, err, p.RefineError(err))
}

func testCredentials(t *testing.T) (core.Credentials, []byte) {
	t.Helper()
	secret := []byte("super-secret-signing-key")
	return core.Credentials{
		APIKey:     "test-key",
		SecretKey:  base64.StdEncoding.EncodeToString(secret),
		Passphrase: "test-pass",
	}, secret
}

func TestSignRequest(t *testing.T) {
	p := NewProtocol()
	creds, secret := testCredentials(t)

	body := coinbaseNewOrder{ProductID: "BTC-USD", Side: "buy", Type: "limit", Size: "1", Price: "50000"}
	req := core.NewRequest(core.OpPlaceOrder, http.MethodPost, "/orders")
	req.SetBody(body)

	client := resty.New()
	t.Cleanup(func() { client.Close() })
	r := client.R()

	require.NoError(t, p.SignRequest(r, req, creds))

	assert.Equal(t, "test-key", r.Header.Get("CB-ACCESS-KEY"))
	assert.Equal(t, "test-pass", r.Header.Get("CB-ACCESS-PASSPHRASE"))

	ts := r.Header.Get("CB-ACCESS-TIMESTAMP")
	require.NotEmpty(t, ts)

	raw, err := sonic.Marshal(body)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + http.MethodPost + "/orders" + string(raw)))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, r.Header.Get("CB-ACCESS-SIGN"))
}

func TestSignRequest_QueryInPrehash(t *testing.T) {
	p := NewProtocol()
	creds, secret := testCredentials(t)

	req := core.NewRequest(core.OpGetOpenOrders, http.MethodGet, "/orders")
	req.SetQuery("status", "open")
	req.SetQuery("product_id", "BTC-USD")

	client := resty.New()
	t.Cleanup(func() { client.Close() })
	r := client.R()

	require.NoError(t, p.SignRequest(r, req, creds))

	ts := r.Header.Get("CB-ACCESS-TIMESTAMP")
	mac := hmac.New(sha256.New, secret)
	// url.Values encodes keys in sorted order.
	mac.Write([]byte(ts + http.MethodGet + "/orders?product_id=BTC-USD&status=open"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, r.Header.Get("CB-ACCESS-SIGN"))
}

func TestSignRequest_MissingPassphrase(t *testing.T) {
	p := NewProtocol()
	creds, _ := testCredentials(t)
	creds.Passphrase = ""

	req := core.NewRequest(core.OpGetBalance, http.MethodGet, "/accounts")

	client := resty.New()
	t.Cleanup(func() { client.Close() })

	err := p.SignRequest(client.R(), req, creds)
	require.Error(t, err)
	assert.True(t, core.IsAuthError(err))
}

func TestSignRequest_SecretNotBase64(t *testing.T) {
	p := NewProtocol()
	creds, _ := testCredentials(t)
	creds.SecretKey = "not base64!!!"

	req := core.NewRequest(core.OpGetBalance, http.MethodGet, "/accounts")

	client := resty.New()
	t.Cleanup(func() { client.Close() })

	err := p.SignRequest(client.R(), req, creds)
	require.Error(t, err)
	assert.True(t, core.IsAuthError(err))
}

func TestParseResponse_Ticker(t *testing.T) {
	p := NewProtocol()

	resp := fakeResponse(t, http.StatusOK, `{
		"trade_id": 86326522,
		"price": "6268.48",
		"size": "0.00698254",
		"bid": "6265.15",
		"ask": "6267.71",
		"volume": "53602.03940154",
		"time": "2026-08-20T01:23:45.120Z"
	}`)

	result, err := p.ParseResponse(core.OpGetTicker, resp)
	require.NoError(t, err)

	ticker, ok := result.(*core.Ticker)
	require.True(t, ok)
	assert.Equal(t, "6268.48", ticker.Last.Text('f'))
	assert.Equal(t, "6265.15", ticker.Bid.Text('f'))
}

func TestParseResponse_CancelOrder_BareID(t *testing.T) {
	p := NewProtocol()

	resp := fakeResponse(t, http.StatusOK, `"144c6f8e-713f-4682-8435-5280fbe8b2b4"`)

	result, err := p.ParseResponse(core.OpCancelOrder, resp)
	require.NoError(t, err)

	order, ok := result.(*core.Order)
	require.True(t, ok)
	assert.Equal(t, "144c6f8e-713f-4682-8435-5280fbe8b2b4", order.ID)
	assert.Equal(t, core.StatusCanceled, order.Status)
}

func TestParseResponse_ErrorBody(t *testing.T) {
	p := NewProtocol()

	resp := fakeResponse(t, http.StatusBadRequest, `{"message":"Insufficient funds"}`)

	_, err := p.ParseResponse(core.OpPlaceOrder, resp)
	require.Error(t, err)
	assert.True(t, core.IsRejected(err))
	assert.Contains(t, err.Error(), "Insufficient funds")
}

func TestParseResponse_MalformedErrorBody(t *testing.T) {
	p := NewProtocol()

	resp := fakeResponse(t, http.StatusServiceUnavailable, `<html>upstream</html>`)

	_, err := p.ParseResponse(core.OpGetTicker, resp)
	require.Error(t, err)
	assert.True(t, core.IsTransportError(err))
}

func fakeResponse(t *testing.T, status int, body string) *resty.Response {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client := resty.New()
	t.Cleanup(func() { client.Close() })

	resp, err := client.R().Get(srv.URL)
	require.NoError(t, err)
	return resp
}
