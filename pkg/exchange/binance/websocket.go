package binance

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"

	"tradewire/internal/ws"
	"tradewire/pkg/core"
)

// The combined-stream endpoint wraps every frame in an envelope naming its
// stream, so routing never has to sniff payload shapes.
const (
	ProductionWSURL = "wss://stream.binance.com:9443/stream"
	SandboxWSURL    = "wss://testnet.binance.vision/stream"
	FuturesWSURL    = "wss://fstream.binance.com/stream"
)

var wsRequestID atomic.Int64

// wsURL returns the combined-stream endpoint for the configured market type
// and environment.
func wsURL(config *core.Config) string {
	switch config.MarketType {
	case core.MarketTypeFutures:
		if config.Sandbox {
			return "wss://stream.binancefuture.com/stream"
		}
		return FuturesWSURL
	default:
		if config.Sandbox {
			return SandboxWSURL
		}
		return ProductionWSURL
	}
}

// streamName renders the Binance stream identifier for a subscription key,
// e.g. "btcusdt@ticker".
func streamName(key ws.Key) string {
	symbol := strings.ToLower(formatSymbol(key.Symbol))
	switch key.Channel {
	case core.ChannelTrades:
		return symbol + "@trade"
	case core.ChannelOrderBook:
		return symbol + "@depth20@100ms"
	default:
		return symbol + "@ticker"
	}
}

// keyFromStream inverts streamName for inbound routing.
func keyFromStream(stream string) (ws.Key, bool) {
	symbol, suffix, ok := strings.Cut(stream, "@")
	if !ok {
		return ws.Key{}, false
	}
	key := ws.Key{Symbol: parseSymbol(strings.ToUpper(symbol))}
	switch suffix {
	case "ticker":
		key.Channel = core.ChannelTicker
	case "trade":
		key.Channel = core.ChannelTrades
	case "depth20@100ms":
		key.Channel = core.ChannelOrderBook
	default:
		return ws.Key{}, false
	}
	return key, true
}

type wsControlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func buildControlFrames(method string, keys []ws.Key) ([][]byte, error) {
	params := make([]string, 0, len(keys))
	for _, key := range keys {
		params = append(params, streamName(key))
	}
	frame, err := sonic.Marshal(wsControlFrame{
		Method: method,
		Params: params,
		ID:     wsRequestID.Add(1),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// wsEnvelope is the combined-stream wrapper around every data frame.
// Control acknowledgements have no stream field and are dropped.
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func routeFrame(frame []byte) (ws.Key, bool) {
	var env wsEnvelope
	if err := sonic.Unmarshal(frame, &env); err != nil || env.Stream == "" {
		return ws.Key{}, false
	}
	return keyFromStream(env.Stream)
}

// unwrap extracts the payload from a combined-stream envelope.
func unwrap(frame []byte) ([]byte, error) {
	var env wsEnvelope
	if err := sonic.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// wsTickerFrame is the 24hrTicker stream payload.
type wsTickerFrame struct {
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Last      apd.Decimal `json:"c"`
	Bid       apd.Decimal `json:"b"`
	Ask       apd.Decimal `json:"a"`
	High      apd.Decimal `json:"h"`
	Low       apd.Decimal `json:"l"`
	Volume    apd.Decimal `json:"v"`
}

func decodeTicker(frame []byte) (*core.Ticker, error) {
	payload, err := unwrap(frame)
	if err != nil {
		return nil, protocolError("unwrap ticker frame", err)
	}
	var msg wsTickerFrame
	if err := sonic.Unmarshal(payload, &msg); err != nil {
		return nil, protocolError("decode ticker frame", err)
	}
	return &core.Ticker{
		Symbol:    parseSymbol(msg.Symbol),
		Bid:       msg.Bid,
		Ask:       msg.Ask,
		Last:      msg.Last,
		High:      msg.High,
		Low:       msg.Low,
		Volume:    msg.Volume,
		Timestamp: time.UnixMilli(msg.EventTime),
	}, nil
}

// wsTradeFrame is the trade stream payload.
type wsTradeFrame struct {
	EventTime    int64       `json:"E"`
	Symbol       string      `json:"s"`
	TradeID      int64       `json:"t"`
	Price        apd.Decimal `json:"p"`
	Quantity     apd.Decimal `json:"q"`
	IsBuyerMaker bool        `json:"m"`
}

func decodeTrade(frame []byte) (*core.Trade, error) {
	payload, err := unwrap(frame)
	if err != nil {
		return nil, protocolError("unwrap trade frame", err)
	}
	var msg wsTradeFrame
	if err := sonic.Unmarshal(payload, &msg); err != nil {
		return nil, protocolError("decode trade frame", err)
	}
	return &core.Trade{
		ID:        strconv.FormatInt(msg.TradeID, 10),
		Symbol:    parseSymbol(msg.Symbol),
		Side:      parseSideFromBuyerMaker(msg.IsBuyerMaker),
		Price:     msg.Price,
		Quantity:  msg.Quantity,
		Timestamp: time.UnixMilli(msg.EventTime),
	}, nil
}

// wsDepthFrame is the partial book depth stream payload. Each frame is a
// complete top-of-book snapshot, so no delta assembly is needed.
type wsDepthFrame struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func decodeOrderBook(symbol string) func(frame []byte) (*core.OrderBook, error) {
	n := NewNormalizer()
	return func(frame []byte) (*core.OrderBook, error) {
		payload, err := unwrap(frame)
		if err != nil {
			return nil, protocolError("unwrap depth frame", err)
		}
		var msg wsDepthFrame
		if err := sonic.Unmarshal(payload, &msg); err != nil {
			return nil, protocolError("decode depth frame", err)
		}
		book, err := n.NormalizeOrderBook(&binanceOrderBook{
			LastUpdateID: msg.LastUpdateID,
			Bids:         msg.Bids,
			Asks:         msg.Asks,
		}, symbol)
		if err != nil {
			return nil, protocolError("normalize depth frame", err)
		}
		return book, nil
	}
}

func protocolError(msg string, err error) error {
	return core.NewExchangeError("binance", core.ErrorTypeProtocol, 0, msg).WithCause(err)
}
