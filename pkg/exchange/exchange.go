// Package exchange defines the unified client surface for cryptocurrency
// exchanges and the registry and shared behavior adapters build on.
package exchange

import (
	"context"
	"iter"

	"github.com/cockroachdb/apd/v3"
	"github.com/go-playground/validator/v10"

	"tradewire/pkg/core"
	"tradewire/pkg/stream"
)

// Exchange defines the unified interface for interacting with cryptocurrency
// exchanges. Implementations provide market data retrieval, account
// management, order execution, and real-time streaming. Operations an
// exchange cannot serve return an error of type Rejected.
type Exchange interface {
	Name() string
	Version() string

	GetMarkets(ctx context.Context, opts ...Option) ([]core.Market, error)
	GetTicker(ctx context.Context, symbol string, opts ...Option) (*core.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, opts ...Option) (*core.OrderBook, error)
	GetTrades(ctx context.Context, symbol string, opts ...Option) iter.Seq2[*core.Trade, error]
	GetKlines(ctx context.Context, symbol string, opts ...Option) ([]core.Kline, error)

	GetBalance(ctx context.Context, opts ...Option) ([]core.Balance, error)

	PlaceOrder(ctx context.Context, req *OrderRequest, opts ...Option) (*core.Order, error)
	CancelOrder(ctx context.Context, req *CancelRequest, opts ...Option) (*core.Order, error)
	CancelAllOrders(ctx context.Context, symbol string, opts ...Option) ([]core.Order, error)
	GetOrder(ctx context.Context, req *OrderQuery, opts ...Option) (*core.Order, error)
	GetOpenOrders(ctx context.Context, symbol string, opts ...Option) ([]core.Order, error)
	GetOrderHistory(ctx context.Context, symbol string, opts ...Option) ([]core.Order, error)

	SubscribeTicker(ctx context.Context, symbol string) (*stream.Stream[*core.Ticker], error)
	SubscribeTrades(ctx context.Context, symbol string) (*stream.Stream[*core.Trade], error)
	SubscribeOrderBook(ctx context.Context, symbol string) (*stream.Stream[*core.OrderBook], error)

	Close() error
}

// OrderRequest contains the parameters required to place a new order.
// ClientOrderID is the caller's idempotency token: placing twice with the
// same token yields one order, whether the exchange honors the token
// natively or the client emulates it.
type OrderRequest struct {
	Symbol        string           `validate:"required"`
	Side          core.OrderSide   `validate:"min=0,max=1"`
	Type          core.OrderType   `validate:"min=0,max=3"`
	Price         apd.Decimal      `validate:"-"`
	Quantity      apd.Decimal      `validate:"-"`
	StopPrice     apd.Decimal      `validate:"-"`
	TimeInForce   core.TimeInForce `validate:"min=0,max=2"`
	ClientOrderID string
}

var requestValidator = validator.New()

// Validate rejects requests that no exchange could accept: limit orders
// need a positive price, every order needs a positive quantity, and stop
// variants need a stop price.
func (r *OrderRequest) Validate() error {
	if err := requestValidator.Struct(r); err != nil {
		return core.NewExchangeError("", core.ErrorTypeRejected, 0, err.Error()).WithOp(core.OpPlaceOrder)
	}
	if r.Quantity.Sign() <= 0 {
		return rejected("order quantity must be positive")
	}
	switch r.Type {
	case core.TypeLimit, core.TypeStopLossLimit:
		if r.Price.Sign() <= 0 {
			return rejected("limit orders require a positive price")
		}
	}
	switch r.Type {
	case core.TypeStopLoss, core.TypeStopLossLimit:
		if r.StopPrice.Sign() <= 0 {
			return rejected("stop orders require a positive stop price")
		}
	}
	return nil
}

func rejected(msg string) error {
	return core.NewExchangeError("", core.ErrorTypeRejected, 0, msg).WithOp(core.OpPlaceOrder)
}

// CancelRequest contains the parameters required to cancel an existing
// order. Either OrderID or ClientOrderID identifies the order.
type CancelRequest struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
}

// OrderQuery contains the parameters required to query order status.
type OrderQuery struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
}
