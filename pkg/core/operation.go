package core

// Operation represents a type of action that can be performed on an exchange.
type Operation int

// Operation constants define all supported exchange operations.
const (
	// OpGetMarkets retrieves the tradable pairs and their constraints.
	OpGetMarkets Operation = iota
	// OpGetTicker retrieves current market ticker data for a symbol.
	OpGetTicker
	// OpGetOrderBook retrieves the current order book depth.
	OpGetOrderBook
	// OpGetTrades retrieves recent trades for a symbol.
	OpGetTrades
	// OpGetKlines retrieves candlestick/OHLCV data.
	OpGetKlines
	// OpGetBalance retrieves account balance information.
	OpGetBalance
	// OpPlaceOrder submits a new order to the exchange.
	OpPlaceOrder
	// OpCancelOrder cancels an existing order.
	OpCancelOrder
	// OpCancelAllOrders cancels every open order, optionally per symbol.
	OpCancelAllOrders
	// OpGetOrder retrieves details of a specific order.
	OpGetOrder
	// OpGetOpenOrders retrieves all open orders.
	OpGetOpenOrders
	// OpGetOrderHistory retrieves historical orders.
	OpGetOrderHistory
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	return [...]string{
		"GET_MARKETS",
		"GET_TICKER",
		"GET_ORDER_BOOK",
		"GET_TRADES",
		"GET_KLINES",
		"GET_BALANCE",
		"PLACE_ORDER",
		"CANCEL_ORDER",
		"CANCEL_ALL_ORDERS",
		"GET_ORDER",
		"GET_OPEN_ORDERS",
		"GET_ORDER_HISTORY",
	}[o]
}

// Class returns the rate-limit endpoint class this operation belongs to.
// Exchanges meter trading and market-data traffic independently, so the
// limiter must never charge one class for the other's requests.
func (o Operation) Class() EndpointClass {
	switch o {
	case OpPlaceOrder, OpCancelOrder, OpCancelAllOrders:
		return ClassTrading
	case OpGetBalance, OpGetOrder, OpGetOpenOrders, OpGetOrderHistory:
		return ClassAccount
	default:
		return ClassMarketData
	}
}

// EndpointClass groups operations that share one exchange-side rate limit.
type EndpointClass int

// Endpoint classes mirror the independent limits exchanges enforce.
const (
	// ClassMarketData covers public data endpoints.
	ClassMarketData EndpointClass = iota
	// ClassTrading covers order placement and cancellation.
	ClassTrading
	// ClassAccount covers authenticated account queries.
	ClassAccount
)

// String returns the string representation of the endpoint class.
func (c EndpointClass) String() string {
	return [...]string{"market_data", "trading", "account"}[c]
}
