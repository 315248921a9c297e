package coinbase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"tradewire/pkg/core"
)

// coinbaseProduct is one tradable pair from the products endpoint.
type coinbaseProduct struct {
	ID             string `json:"id"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
	BaseIncrement  string `json:"base_increment"`
	QuoteIncrement string `json:"quote_increment"`
	BaseMinSize    string `json:"base_min_size"`
	Status         string `json:"status"`
}

// coinbaseTicker is the product ticker response.
type coinbaseTicker struct {
	TradeID int64       `json:"trade_id"`
	Price   apd.Decimal `json:"price"`
	Size    apd.Decimal `json:"size"`
	Bid     apd.Decimal `json:"bid"`
	Ask     apd.Decimal `json:"ask"`
	Volume  apd.Decimal `json:"volume"`
	Time    time.Time   `json:"time"`
}

// coinbaseBook is the level-2 book response. Each level is
// [price, size, num_orders]; the third element is ignored.
type coinbaseBook struct {
	Sequence int64   `json:"sequence"`
	Bids     [][]any `json:"bids"`
	Asks     [][]any `json:"asks"`
}

// coinbaseTrade is one public trade.
type coinbaseTrade struct {
	Time    time.Time   `json:"time"`
	TradeID int64       `json:"trade_id"`
	Price   apd.Decimal `json:"price"`
	Size    apd.Decimal `json:"size"`
	Side    string      `json:"side"`
}

// coinbaseCandle is the positional candle array: [time, low, high, open,
// close, volume] with time in whole seconds.
type coinbaseCandle []float64

// coinbaseAccount is one entry from the accounts endpoint.
type coinbaseAccount struct {
	ID        string      `json:"id"`
	Currency  string      `json:"currency"`
	Balance   apd.Decimal `json:"balance"`
	Hold      apd.Decimal `json:"hold"`
	Available apd.Decimal `json:"available"`
}

// coinbaseNewOrder is the order placement request body.
type coinbaseNewOrder struct {
	ClientOID   string `json:"client_oid,omitempty"`
	ProductID   string `json:"product_id"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price,omitempty"`
	Size        string `json:"size"`
	Stop        string `json:"stop,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
	TimeInForce string `json:"time_in_force,omitempty"`
}

// coinbaseOrder is the order response shape.
type coinbaseOrder struct {
	ID          string      `json:"id"`
	ClientOID   string      `json:"client_oid"`
	ProductID   string      `json:"product_id"`
	Side        string      `json:"side"`
	Type        string      `json:"type"`
	Price       apd.Decimal `json:"price"`
	Size        apd.Decimal `json:"size"`
	FilledSize  apd.Decimal `json:"filled_size"`
	Stop        string      `json:"stop"`
	StopPrice   apd.Decimal `json:"stop_price"`
	TimeInForce string      `json:"time_in_force"`
	Status      string      `json:"status"`
	DoneReason  string      `json:"done_reason"`
	CreatedAt   time.Time   `json:"created_at"`
	DoneAt      time.Time   `json:"done_at"`
}

// Normalizer converts Coinbase wire structures to canonical core types.
type Normalizer struct{}

// NewNormalizer creates a new Normalizer instance.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeMarkets converts the products list to canonical Markets. The
// precision fields are derived from the increment decimals.
func (n *Normalizer) NormalizeMarkets(products []coinbaseProduct) ([]core.Market, error) {
	markets := make([]core.Market, 0, len(products))
	for _, p := range products {
		market := core.Market{
			Symbol:         p.BaseCurrency + "/" + p.QuoteCurrency,
			Base:           p.BaseCurrency,
			Quote:          p.QuoteCurrency,
			BasePrecision:  precisionOf(p.BaseIncrement),
			QuotePrecision: precisionOf(p.QuoteIncrement),
			Active:         p.Status == "online",
		}
		if p.BaseMinSize != "" {
			if _, _, err := apd.BaseContext.SetString(&market.MinOrderSize, p.BaseMinSize); err != nil {
				return nil, fmt.Errorf("parse base min size for %s: %w", p.ID, err)
			}
		}
		markets = append(markets, market)
	}
	return markets, nil
}

// precisionOf counts the fractional digits of an increment like "0.01".
func precisionOf(increment string) int32 {
	_, frac, ok := strings.Cut(increment, ".")
	if !ok {
		return 0
	}
	return int32(len(strings.TrimRight(frac, "0")))
}

// NormalizeTicker converts a product ticker to a canonical Ticker. The
// endpoint does not report 24h high or low, so those stay zero.
func (n *Normalizer) NormalizeTicker(data *coinbaseTicker, symbol string) *core.Ticker {
	ticker := &core.Ticker{
		Symbol:    symbol,
		Bid:       data.Bid,
		Ask:       data.Ask,
		Last:      data.Price,
		Volume:    data.Volume,
		Timestamp: data.Time,
	}
	if ticker.Timestamp.IsZero() {
		ticker.Timestamp = time.Now()
	}
	return ticker
}

// NormalizeOrderBook converts a level-2 book to a canonical OrderBook.
func (n *Normalizer) NormalizeOrderBook(data *coinbaseBook, symbol string) (*core.OrderBook, error) {
	book := &core.OrderBook{
		Symbol:    symbol,
		Sequence:  data.Sequence,
		Timestamp: time.Now(),
	}

	bids, err := normalizeLevels(data.Bids)
	if err != nil {
		return nil, fmt.Errorf("normalize bids: %w", err)
	}
	book.Bids = bids

	asks, err := normalizeLevels(data.Asks)
	if err != nil {
		return nil, fmt.Errorf("normalize asks: %w", err)
	}
	book.Asks = asks

	return book, nil
}

func normalizeLevels(levels [][]any) ([]core.OrderBookLevel, error) {
	result := make([]core.OrderBookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		var obl core.OrderBookLevel
		if err := parseDecimalFromAny(&obl.Price, level[0]); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if err := parseDecimalFromAny(&obl.Quantity, level[1]); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		result = append(result, obl)
	}
	return result, nil
}

// NormalizeTrade converts a public trade to a canonical Trade. The side
// field names the maker order's side, so the taker direction is inverted:
// a "buy" side trade executed as a sell.
func (n *Normalizer) NormalizeTrade(data *coinbaseTrade) *core.Trade {
	side := core.SideBuy
	if data.Side == "buy" {
		side = core.SideSell
	}
	return &core.Trade{
		ID:        strconv.FormatInt(data.TradeID, 10),
		Side:      side,
		Price:     data.Price,
		Quantity:  data.Size,
		Timestamp: data.Time,
	}
}

// NormalizeTrades converts multiple trades to canonical Trades.
func (n *Normalizer) NormalizeTrades(data []coinbaseTrade, symbol string) []core.Trade {
	trades := make([]core.Trade, 0, len(data))
	for i := range data {
		trade := n.NormalizeTrade(&data[i])
		trade.Symbol = symbol
		trades = append(trades, *trade)
	}
	return trades
}

// NormalizeKlines converts positional candle arrays to canonical Klines.
// Coinbase orders candles newest first; the order is preserved.
func (n *Normalizer) NormalizeKlines(data []coinbaseCandle, symbol string) ([]core.Kline, error) {
	klines := make([]core.Kline, 0, len(data))
	for _, c := range data {
		if len(c) < 6 {
			return nil, fmt.Errorf("insufficient candle elements: %d", len(c))
		}
		kline := core.Kline{
			Symbol:   symbol,
			OpenTime: time.Unix(int64(c[0]), 0),
		}
		if err := setDecimalFromFloat(&kline.Low, c[1]); err != nil {
			return nil, fmt.Errorf("parse low: %w", err)
		}
		if err := setDecimalFromFloat(&kline.High, c[2]); err != nil {
			return nil, fmt.Errorf("parse high: %w", err)
		}
		if err := setDecimalFromFloat(&kline.Open, c[3]); err != nil {
			return nil, fmt.Errorf("parse open: %w", err)
		}
		if err := setDecimalFromFloat(&kline.Close, c[4]); err != nil {
			return nil, fmt.Errorf("parse close: %w", err)
		}
		if err := setDecimalFromFloat(&kline.Volume, c[5]); err != nil {
			return nil, fmt.Errorf("parse volume: %w", err)
		}
		klines = append(klines, kline)
	}
	return klines, nil
}

// NormalizeBalances converts accounts to canonical Balances. Available
// funds map to Free and holds to Locked.
func (n *Normalizer) NormalizeBalances(accounts []coinbaseAccount) []core.Balance {
	balances := make([]core.Balance, 0, len(accounts))
	for _, a := range accounts {
		balances = append(balances, core.Balance{
			Asset:  a.Currency,
			Free:   a.Available,
			Locked: a.Hold,
		})
	}
	return balances
}

// NormalizeOrder converts an order response to a canonical Order.
func (n *Normalizer) NormalizeOrder(data *coinbaseOrder) (*core.Order, error) {
	order := &core.Order{
		ID:             data.ID,
		ClientOrderID:  data.ClientOID,
		Symbol:         parseProduct(data.ProductID),
		Side:           parseOrderSide(data.Side),
		Type:           parseOrderType(data),
		Status:         parseOrderStatus(data.Status, data.DoneReason),
		TimeInForce:    parseTimeInForce(data.TimeInForce),
		Price:          data.Price,
		Quantity:       data.Size,
		FilledQuantity: data.FilledSize,
		CreatedAt:      data.CreatedAt,
	}
	if !data.DoneAt.IsZero() {
		order.UpdatedAt = data.DoneAt
	}

	var remaining apd.Decimal
	if _, err := apd.BaseContext.Sub(&remaining, &order.Quantity, &order.FilledQuantity); err != nil {
		return nil, fmt.Errorf("calculate remaining: %w", err)
	}
	order.RemainingQty = remaining

	return order, nil
}

// NormalizeOrders converts multiple order responses to canonical Orders.
func (n *Normalizer) NormalizeOrders(data []coinbaseOrder) ([]core.Order, error) {
	orders := make([]core.Order, 0, len(data))
	for i := range data {
		order, err := n.NormalizeOrder(&data[i])
		if err != nil {
			return nil, fmt.Errorf("normalize order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// CanceledOrder builds the minimal canonical Order the cancel endpoint
// allows: Coinbase returns only the order id.
func (n *Normalizer) CanceledOrder(id string) *core.Order {
	return &core.Order{
		ID:        id,
		Status:    core.StatusCanceled,
		UpdatedAt: time.Now(),
	}
}

// CanceledOrders builds minimal canonical Orders from a list of ids.
func (n *Normalizer) CanceledOrders(ids []string) []core.Order {
	orders := make([]core.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, *n.CanceledOrder(id))
	}
	return orders
}

func parseDecimalFromAny(dest *apd.Decimal, val any) error {
	switch v := val.(type) {
	case string:
		if v == "" {
			*dest = apd.Decimal{}
			return nil
		}
		_, _, err := apd.BaseContext.SetString(dest, v)
		return err
	case float64:
		return setDecimalFromFloat(dest, v)
	default:
		return fmt.Errorf("unsupported type for decimal: %T", val)
	}
}

func setDecimalFromFloat(dest *apd.Decimal, v float64) error {
	_, _, err := apd.BaseContext.SetString(dest, strconv.FormatFloat(v, 'f', -1, 64))
	return err
}

func parseOrderSide(s string) core.OrderSide {
	if s == "sell" {
		return core.SideSell
	}
	return core.SideBuy
}

func parseOrderType(data *coinbaseOrder) core.OrderType {
	if data.Stop != "" {
		if data.Type == "limit" {
			return core.TypeStopLossLimit
		}
		return core.TypeStopLoss
	}
	if data.Type == "limit" {
		return core.TypeLimit
	}
	return core.TypeMarket
}

func parseOrderStatus(status, doneReason string) core.OrderStatus {
	switch status {
	case "open", "pending", "active", "received":
		return core.StatusOpen
	case "done":
		switch doneReason {
		case "canceled", "cancelled":
			return core.StatusCanceled
		default:
			return core.StatusFilled
		}
	case "rejected":
		return core.StatusRejected
	default:
		return core.StatusOpen
	}
}

func parseTimeInForce(s string) core.TimeInForce {
	switch s {
	case "IOC":
		return core.IOC
	case "FOK":
		return core.FOK
	default:
		return core.GTC
	}
}
