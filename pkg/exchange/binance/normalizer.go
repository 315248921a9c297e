package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"

	"tradewire/pkg/core"
)

// binanceTicker represents the raw ticker response from the Binance API.
type binanceTicker struct {
	Symbol             string      `json:"symbol"`
	PriceChange        apd.Decimal `json:"priceChange"`
	PriceChangePercent apd.Decimal `json:"priceChangePercent"`
	LastPrice          apd.Decimal `json:"lastPrice"`
	HighPrice          apd.Decimal `json:"highPrice"`
	LowPrice           apd.Decimal `json:"lowPrice"`
	Volume             apd.Decimal `json:"volume"`
	BidPrice           apd.Decimal `json:"bidPrice"`
	AskPrice           apd.Decimal `json:"askPrice"`
	CloseTime          int64       `json:"closeTime"`
}

// binanceOrder represents the raw order response from the Binance API.
type binanceOrder struct {
	Symbol        string      `json:"symbol"`
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Price         apd.Decimal `json:"price"`
	OrigQty       apd.Decimal `json:"origQty"`
	ExecutedQty   apd.Decimal `json:"executedQty"`
	Status        string      `json:"status"`
	Type          string      `json:"type"`
	Side          string      `json:"side"`
	TimeInForce   string      `json:"timeInForce"`
	TransactTime  int64       `json:"transactTime"`
	Time          int64       `json:"time"`
	UpdateTime    int64       `json:"updateTime"`
}

// binanceBalance represents a single asset balance.
type binanceBalance struct {
	Asset  string      `json:"asset"`
	Free   apd.Decimal `json:"free"`
	Locked apd.Decimal `json:"locked"`
}

// binanceAccount represents the account information response.
type binanceAccount struct {
	CanTrade    bool             `json:"canTrade"`
	CanWithdraw bool             `json:"canWithdraw"`
	CanDeposit  bool             `json:"canDeposit"`
	Balances    []binanceBalance `json:"balances"`
}

// binanceTrade represents a public trade.
type binanceTrade struct {
	ID           int64       `json:"id"`
	Price        apd.Decimal `json:"price"`
	Qty          apd.Decimal `json:"qty"`
	QuoteQty     apd.Decimal `json:"quoteQty"`
	Time         int64       `json:"time"`
	IsBuyerMaker bool        `json:"isBuyerMaker"`
}

// binanceOrderBook represents the depth endpoint response.
type binanceOrderBook struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// binanceKline is the positional candlestick array Binance returns.
type binanceKline []any

// binanceSymbolFilter is one entry in a symbol's filters array.
type binanceSymbolFilter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

// binanceSymbol is one tradable pair from the exchangeInfo endpoint.
type binanceSymbol struct {
	Symbol             string                `json:"symbol"`
	Status             string                `json:"status"`
	BaseAsset          string                `json:"baseAsset"`
	BaseAssetPrecision int32                 `json:"baseAssetPrecision"`
	QuoteAsset         string                `json:"quoteAsset"`
	QuotePrecision     int32                 `json:"quoteAssetPrecision"`
	Filters            []binanceSymbolFilter `json:"filters"`
}

// binanceExchangeInfo is the exchangeInfo endpoint response.
type binanceExchangeInfo struct {
	Symbols []binanceSymbol `json:"symbols"`
}

// Normalizer converts Binance wire structures to canonical core types.
type Normalizer struct{}

// NewNormalizer creates a new Normalizer instance.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeMarkets converts the exchangeInfo symbol list to canonical
// Markets. The LOT_SIZE filter supplies the minimum order quantity.
func (n *Normalizer) NormalizeMarkets(info *binanceExchangeInfo) ([]core.Market, error) {
	markets := make([]core.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		market := core.Market{
			Symbol:         s.BaseAsset + "/" + s.QuoteAsset,
			Base:           s.BaseAsset,
			Quote:          s.QuoteAsset,
			BasePrecision:  s.BaseAssetPrecision,
			QuotePrecision: s.QuotePrecision,
			Active:         s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" && f.MinQty != "" {
				if err := parseDecimal(&market.MinOrderSize, f.MinQty); err != nil {
					return nil, fmt.Errorf("parse min qty for %s: %w", s.Symbol, err)
				}
				break
			}
		}
		markets = append(markets, market)
	}
	return markets, nil
}

// NormalizeTicker converts a Binance ticker response to a canonical Ticker.
func (n *Normalizer) NormalizeTicker(data *binanceTicker) *core.Ticker {
	ticker := &core.Ticker{
		Symbol:    parseSymbol(data.Symbol),
		Bid:       data.BidPrice,
		Ask:       data.AskPrice,
		Last:      data.LastPrice,
		High:      data.HighPrice,
		Low:       data.LowPrice,
		Volume:    data.Volume,
		Timestamp: time.Now(),
	}
	if data.CloseTime > 0 {
		ticker.Timestamp = time.UnixMilli(data.CloseTime)
	}
	return ticker
}

// NormalizeOrder converts a Binance order response to a canonical Order.
// It calculates the remaining quantity from total and filled quantities.
func (n *Normalizer) NormalizeOrder(data *binanceOrder) (*core.Order, error) {
	order := &core.Order{
		ID:             strconv.FormatInt(data.OrderID, 10),
		ClientOrderID:  data.ClientOrderID,
		Symbol:         parseSymbol(data.Symbol),
		Side:           parseOrderSide(data.Side),
		Type:           parseOrderType(data.Type),
		Status:         parseOrderStatus(data.Status),
		TimeInForce:    parseTimeInForce(data.TimeInForce),
		Price:          data.Price,
		Quantity:       data.OrigQty,
		FilledQuantity: data.ExecutedQty,
	}

	created := data.TransactTime
	if created == 0 {
		created = data.Time
	}
	if created > 0 {
		order.CreatedAt = time.UnixMilli(created)
	}
	if data.UpdateTime > 0 {
		order.UpdatedAt = time.UnixMilli(data.UpdateTime)
	}

	var remaining apd.Decimal
	if _, err := apd.BaseContext.Sub(&remaining, &order.Quantity, &order.FilledQuantity); err != nil {
		return nil, fmt.Errorf("calculate remaining: %w", err)
	}
	order.RemainingQty = remaining

	return order, nil
}

// NormalizeBalances extracts and converts all balances from an account
// response.
func (n *Normalizer) NormalizeBalances(account *binanceAccount) []core.Balance {
	balances := make([]core.Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		balances = append(balances, core.Balance{
			Asset:  b.Asset,
			Free:   b.Free,
			Locked: b.Locked,
		})
	}
	return balances
}

// NormalizeTrade converts a Binance public trade to a canonical Trade.
// The depth endpoint does not echo the symbol, so the caller supplies it.
func (n *Normalizer) NormalizeTrade(data *binanceTrade) *core.Trade {
	trade := &core.Trade{
		ID:       strconv.FormatInt(data.ID, 10),
		Side:     parseSideFromBuyerMaker(data.IsBuyerMaker),
		Price:    data.Price,
		Quantity: data.Qty,
	}
	if data.Time > 0 {
		trade.Timestamp = time.UnixMilli(data.Time)
	}
	return trade
}

// NormalizeTrades converts multiple Binance trades to canonical Trades.
func (n *Normalizer) NormalizeTrades(data []binanceTrade, symbol string) []core.Trade {
	trades := make([]core.Trade, 0, len(data))
	for i := range data {
		trade := n.NormalizeTrade(&data[i])
		trade.Symbol = symbol
		trades = append(trades, *trade)
	}
	return trades
}

// NormalizeKline converts a positional Binance kline array to a canonical
// Kline. Returns an error if the array has too few elements.
func (n *Normalizer) NormalizeKline(data binanceKline, symbol string) (*core.Kline, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("insufficient kline data elements: %d", len(data))
	}

	kline := &core.Kline{Symbol: symbol}

	if openTime, ok := data[0].(float64); ok {
		kline.OpenTime = time.UnixMilli(int64(openTime))
	}
	if err := parseDecimalFromAny(&kline.Open, data[1]); err != nil {
		return nil, fmt.Errorf("parse open: %w", err)
	}
	if err := parseDecimalFromAny(&kline.High, data[2]); err != nil {
		return nil, fmt.Errorf("parse high: %w", err)
	}
	if err := parseDecimalFromAny(&kline.Low, data[3]); err != nil {
		return nil, fmt.Errorf("parse low: %w", err)
	}
	if err := parseDecimalFromAny(&kline.Close, data[4]); err != nil {
		return nil, fmt.Errorf("parse close: %w", err)
	}
	if err := parseDecimalFromAny(&kline.Volume, data[5]); err != nil {
		return nil, fmt.Errorf("parse volume: %w", err)
	}
	if closeTime, ok := data[6].(float64); ok {
		kline.CloseTime = time.UnixMilli(int64(closeTime))
	}
	if len(data) > 7 {
		if err := parseDecimalFromAny(&kline.QuoteVolume, data[7]); err != nil {
			kline.QuoteVolume = apd.Decimal{}
		}
	}
	if len(data) > 8 {
		if numTrades, ok := data[8].(float64); ok {
			kline.NumTrades = int64(numTrades)
		}
	}

	return kline, nil
}

// NormalizeKlines converts multiple Binance klines to canonical Klines.
func (n *Normalizer) NormalizeKlines(data []binanceKline, symbol string) ([]core.Kline, error) {
	klines := make([]core.Kline, 0, len(data))
	for _, k := range data {
		kline, err := n.NormalizeKline(k, symbol)
		if err != nil {
			return nil, fmt.Errorf("normalize kline: %w", err)
		}
		klines = append(klines, *kline)
	}
	return klines, nil
}

// NormalizeOrderBook converts a depth response to a canonical OrderBook.
func (n *Normalizer) NormalizeOrderBook(data *binanceOrderBook, symbol string) (*core.OrderBook, error) {
	orderBook := &core.OrderBook{
		Symbol:    symbol,
		Sequence:  data.LastUpdateID,
		Timestamp: time.Now(),
	}

	bids, err := normalizeLevels(data.Bids)
	if err != nil {
		return nil, fmt.Errorf("normalize bids: %w", err)
	}
	orderBook.Bids = bids

	asks, err := normalizeLevels(data.Asks)
	if err != nil {
		return nil, fmt.Errorf("normalize asks: %w", err)
	}
	orderBook.Asks = asks

	return orderBook, nil
}

func normalizeLevels(levels [][]string) ([]core.OrderBookLevel, error) {
	result := make([]core.OrderBookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		var obl core.OrderBookLevel
		if err := parseDecimal(&obl.Price, level[0]); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if err := parseDecimal(&obl.Quantity, level[1]); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		result = append(result, obl)
	}
	return result, nil
}

// NormalizeOrders converts multiple Binance orders to canonical Orders.
func (n *Normalizer) NormalizeOrders(data []binanceOrder) ([]core.Order, error) {
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

func parseDecimal(dest *apd.Decimal, s string) error {
	if s == "" {
		*dest = apd.Decimal{}
		return nil
	}
	if _, _, err := apd.BaseContext.SetString(dest, s); err != nil {
		return fmt.Errorf("set decimal from string: %w", err)
	}
	return nil
}

func parseDecimalFromAny(dest *apd.Decimal, val any) error {
	switch v := val.(type) {
	case string:
		return parseDecimal(dest, v)
	case float64:
		_, _, err := apd.BaseContext.SetString(dest, strconv.FormatFloat(v, 'f', -1, 64))
		return err
	default:
		return fmt.Errorf("unsupported type for decimal: %T", val)
	}
}

func parseOrderSide(s string) core.OrderSide {
	if s == "SELL" {
		return core.SideSell
	}
	return core.SideBuy
}

func parseOrderType(s string) core.OrderType {
	switch s {
	case "LIMIT":
		return core.TypeLimit
	case "STOP_LOSS":
		return core.TypeStopLoss
	case "STOP_LOSS_LIMIT":
		return core.TypeStopLossLimit
	default:
		return core.TypeMarket
	}
}

func parseOrderStatus(s string) core.OrderStatus {
	switch s {
	case "PARTIALLY_FILLED":
		return core.StatusPartiallyFilled
	case "FILLED":
		return core.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return core.StatusCanceled
	case "REJECTED":
		return core.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.StatusExpired
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

// The maker flag tells which side rested on the book; the taker drove the
// trade, so a buyer-maker trade executed as a sell.
func parseSideFromBuyerMaker(isBuyerMaker bool) core.OrderSide {
	if isBuyerMaker {
		return core.SideSell
	}
	return core.SideBuy
}
