package exchange

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewire/pkg/core"
	"tradewire/pkg/stream"
)

type mockExchange struct {
	name   string
	closed bool
}

func (m *mockExchange) Name() string    { return m.name }
func (m *mockExchange) Version() string { return "1.0" }
func (m *mockExchange) GetMarkets(ctx context.Context, opts ...Option) ([]core.Market, error) {
	return nil, nil
}
func (m *mockExchange) GetTicker(ctx context.Context, s string, opts ...Option) (*core.Ticker, error) {
	return nil, nil
}
func (m *mockExchange) GetOrderBook(ctx context.Context, s string, opts ...Option) (*core.OrderBook, error) {
	return nil, nil
}
func (m *mockExchange) GetTrades(ctx context.Context, s string, opts ...Option) iter.Seq2[*core.Trade, error] {
	return nil
}
func (m *mockExchange) GetKlines(ctx context.Context, s string, opts ...Option) ([]core.Kline, error) {
	return nil, nil
}
func (m *mockExchange) GetBalance(ctx context.Context, opts ...Option) ([]core.Balance, error) {
	return nil, nil
}
func (m *mockExchange) PlaceOrder(ctx context.Context, req *OrderRequest, opts ...Option) (*core.Order, error) {
	return nil, nil
}
func (m *mockExchange) CancelOrder(ctx context.Context, req *CancelRequest, opts ...Option) (*core.Order, error) {
	return nil, nil
}
func (m *mockExchange) CancelAllOrders(ctx context.Context, s string, opts ...Option) ([]core.Order, error) {
	return nil, nil
}
func (m *mockExchange) GetOrder(ctx context.Context, req *OrderQuery, opts ...Option) (*core.Order, error) {
	return nil, nil
}
func (m *mockExchange) GetOpenOrders(ctx context.Context, s string, opts ...Option) ([]core.Order, error) {
	return nil, nil
}
func (m *mockExchange) GetOrderHistory(ctx context.Context, s string, opts ...Option) ([]core.Order, error) {
	return nil, nil
}
func (m *mockExchange) SubscribeTicker(ctx context.Context, s string) (*stream.Stream[*core.Ticker], error) {
	return nil, nil
}
func (m *mockExchange) SubscribeTrades(ctx context.Context, s string) (*stream.Stream[*core.Trade], error) {
	return nil, nil
}
func (m *mockExchange) SubscribeOrderBook(ctx context.Context, s string) (*stream.Stream[*core.OrderBook], error) {
	return nil, nil
}
func (m *mockExchange) Close() error {
	m.closed = true
	return nil
}

func TestContainerRegisterAndGet(t *testing.T) {
	c := NewContainer()
	ex := &mockExchange{name: "binance"}

	c.Register("binance", ex)

	got, err := c.Get("binance")
	require.NoError(t, err)
	assert.Equal(t, "binance", got.Name())
}

func TestContainerGetUnknown(t *testing.T) {
	c := NewContainer()

	_, err := c.Get("kraken")
	assert.ErrorContains(t, err, "not found")
}

func TestContainerNames(t *testing.T) {
	c := NewContainer()
	c.Register("binance", &mockExchange{name: "binance"})
	c.Register("coinbase", &mockExchange{name: "coinbase"})

	assert.ElementsMatch(t, []string{"binance", "coinbase"}, c.Names())
}

func TestContainerUnregister(t *testing.T) {
	c := NewContainer()
	c.Register("binance", &mockExchange{name: "binance"})

	c.Unregister("binance")

	assert.False(t, c.Exists("binance"))
}

func TestContainerCloseAll(t *testing.T) {
	c := NewContainer()
	first := &mockExchange{name: "binance"}
	second := &mockExchange{name: "coinbase"}
	c.Register("binance", first)
	c.Register("coinbase", second)

	require.NoError(t, c.CloseAll())

	assert.True(t, first.closed)
	assert.True(t, second.closed)
	assert.Empty(t, c.Names())
}
