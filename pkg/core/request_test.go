package core

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(OpGetTicker, http.MethodGet, "/api/v3/ticker/24hr")

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/api/v3/ticker/24hr", req.Path)
	assert.Equal(t, OpGetTicker, req.Op)
	assert.NotNil(t, req.Query)
	assert.NotNil(t, req.Headers)
	assert.Equal(t, 1, req.Weight)
	assert.Equal(t, ClassMarketData, req.Class)
	assert.False(t, req.RequireAuth)
}

func TestNewRequest_ClassFollowsOperation(t *testing.T) {
	assert.Equal(t, ClassTrading, NewRequest(OpPlaceOrder, http.MethodPost, "/order").Class)
	assert.Equal(t, ClassAccount, NewRequest(OpGetBalance, http.MethodGet, "/account").Class)
}

func TestRequest_SetQuery(t *testing.T) {
	req := NewRequest(OpGetTicker, http.MethodGet, "/ticker")
	result := req.SetQuery("symbol", "BTCUSDT")

	assert.Equal(t, req, result)
	assert.Equal(t, "BTCUSDT", req.Query["symbol"])
}

func TestRequest_SetQueryParams(t *testing.T) {
	req := NewRequest(OpGetTicker, http.MethodGet, "/ticker")
	result := req.SetQueryParams(Params{
		"symbol": "BTCUSDT",
		"limit":  100,
	})

	assert.Equal(t, req, result)
	assert.Equal(t, "BTCUSDT", req.Query["symbol"])
	assert.Equal(t, 100, req.Query["limit"])
}

func TestRequest_SetBody(t *testing.T) {
	req := NewRequest(OpPlaceOrder, http.MethodPost, "/orders")
	body := map[string]string{"product_id": "BTC-USD"}
	result := req.SetBody(body)

	assert.Equal(t, req, result)
	assert.Equal(t, body, req.Body)
}

func TestRequest_SetHeader(t *testing.T) {
	req := NewRequest(OpGetTicker, http.MethodGet, "/ticker")
	result := req.SetHeader("X-Custom", "value")

	assert.Equal(t, req, result)
	assert.Equal(t, "value", req.Headers["X-Custom"])
}

func TestRequest_Chained(t *testing.T) {
	req := NewRequest(OpPlaceOrder, http.MethodPost, "/order").
		SetQuery("symbol", "BTCUSDT").
		SetWeight(2).
		SetClass(ClassTrading).
		SetRequireAuth(true).
		SetIdempotencyKey("tok-1")

	assert.Equal(t, "BTCUSDT", req.Query["symbol"])
	assert.Equal(t, 2, req.Weight)
	assert.Equal(t, ClassTrading, req.Class)
	assert.True(t, req.RequireAuth)
	assert.Equal(t, "tok-1", req.IdempotencyKey)
}

func TestRequest_SetQueryOnNilMap(t *testing.T) {
	req := &Request{}
	req.SetQuery("k", "v")
	req.SetHeader("h", "v")

	assert.Equal(t, "v", req.Query["k"])
	assert.Equal(t, "v", req.Headers["h"])
}
