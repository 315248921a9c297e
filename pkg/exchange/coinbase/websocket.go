package coinbase

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"

	"tradewire/internal/ws"
	"tradewire/pkg/core"
	"tradewire/pkg/stream"
)

const (
	ProductionWSURL = "wss://ws-feed.exchange.coinbase.com"
	SandboxWSURL    = "wss://ws-feed-public.sandbox.exchange.coinbase.com"
)

// wsURL returns the feed endpoint for the environment.
func wsURL(sandbox bool) string {
	if sandbox {
		return SandboxWSURL
	}
	return ProductionWSURL
}

// channelName maps a canonical channel to Coinbase's feed channel.
func channelName(channel core.ChannelType) string {
	switch channel {
	case core.ChannelTrades:
		return "matches"
	case core.ChannelOrderBook:
		return "level2"
	default:
		return "ticker"
	}
}

type wsChannelSpec struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type wsControlFrame struct {
	Type     string          `json:"type"`
	Channels []wsChannelSpec `json:"channels"`
}

// buildControlFrames renders one subscribe or unsubscribe frame covering
// all keys, grouped by channel the way the feed expects.
func buildControlFrames(frameType string, keys []ws.Key) ([][]byte, error) {
	byChannel := make(map[string][]string)
	order := make([]string, 0, 3)
	for _, key := range keys {
		name := channelName(key.Channel)
		if _, ok := byChannel[name]; !ok {
			order = append(order, name)
		}
		byChannel[name] = append(byChannel[name], formatProduct(key.Symbol))
	}

	channels := make([]wsChannelSpec, 0, len(order))
	for _, name := range order {
		channels = append(channels, wsChannelSpec{Name: name, ProductIDs: byChannel[name]})
	}

	frame, err := sonic.Marshal(wsControlFrame{Type: frameType, Channels: channels})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// wsEnvelope carries the two fields every routable feed message has.
type wsEnvelope struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
}

// routeFrame demultiplexes a feed message to its subscription key.
// Heartbeats, subscription confirmations, and errors carry no product
// routing and are dropped.
func routeFrame(frame []byte) (ws.Key, bool) {
	var env wsEnvelope
	if err := sonic.Unmarshal(frame, &env); err != nil || env.ProductID == "" {
		return ws.Key{}, false
	}

	key := ws.Key{Symbol: parseProduct(env.ProductID)}
	switch env.Type {
	case "ticker":
		key.Channel = core.ChannelTicker
	case "match", "last_match":
		key.Channel = core.ChannelTrades
	case "snapshot", "l2update":
		key.Channel = core.ChannelOrderBook
	default:
		return ws.Key{}, false
	}
	return key, true
}

// wsTickerFrame is the ticker channel message.
type wsTickerFrame struct {
	ProductID string      `json:"product_id"`
	Price     apd.Decimal `json:"price"`
	BestBid   apd.Decimal `json:"best_bid"`
	BestAsk   apd.Decimal `json:"best_ask"`
	High24h   apd.Decimal `json:"high_24h"`
	Low24h    apd.Decimal `json:"low_24h"`
	Volume24h apd.Decimal `json:"volume_24h"`
	Time      time.Time   `json:"time"`
}

func decodeTicker(frame []byte) (*core.Ticker, error) {
	var msg wsTickerFrame
	if err := sonic.Unmarshal(frame, &msg); err != nil {
		return nil, protocolError("decode ticker frame", err)
	}
	return &core.Ticker{
		Symbol:    parseProduct(msg.ProductID),
		Bid:       msg.BestBid,
		Ask:       msg.BestAsk,
		Last:      msg.Price,
		High:      msg.High24h,
		Low:       msg.Low24h,
		Volume:    msg.Volume24h,
		Timestamp: msg.Time,
	}, nil
}

// wsMatchFrame is the matches channel message.
type wsMatchFrame struct {
	TradeID   int64       `json:"trade_id"`
	ProductID string      `json:"product_id"`
	Price     apd.Decimal `json:"price"`
	Size      apd.Decimal `json:"size"`
	Side      string      `json:"side"`
	Time      time.Time   `json:"time"`
}

func decodeTrade(frame []byte) (*core.Trade, error) {
	var msg wsMatchFrame
	if err := sonic.Unmarshal(frame, &msg); err != nil {
		return nil, protocolError("decode match frame", err)
	}
	trade := NewNormalizer().NormalizeTrade(&coinbaseTrade{
		TradeID: msg.TradeID,
		Price:   msg.Price,
		Size:    msg.Size,
		Side:    msg.Side,
		Time:    msg.Time,
	})
	trade.Symbol = parseProduct(msg.ProductID)
	return trade, nil
}

// wsBookFrame covers both the snapshot and l2update shapes of the level2
// channel. Snapshots carry bids/asks as [price, size] pairs; updates carry
// changes as [side, price, size] triples. A size of zero removes the level.
type wsBookFrame struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id"`
	Sequence  int64       `json:"sequence"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Changes   [][3]string `json:"changes"`
	Time      time.Time   `json:"time"`
}

// decodeOrderBook returns a stateful decoder maintaining one assembled book
// per subscription. The feed delivers a snapshot followed by deltas; deltas
// arriving before the snapshot are buffered by the assembler, and a
// sequence gap discards the book until the next snapshot. When the feed
// omits sequence numbers the decoder assigns them in arrival order.
//
// The level2 channel only snapshots on subscribe, so a gap triggers resync
// to request a fresh baseline. The gap is suppressed from the subscriber
// stream while resynchronization is still being attempted; only a failed
// resync request or repeated gap escalation surfaces.
func decodeOrderBook(symbol string, resync func() error) func(frame []byte) (*core.OrderBook, error) {
	assembler := stream.NewBookAssembler("coinbase", symbol)
	var localSeq int64

	return func(frame []byte) (*core.OrderBook, error) {
		var msg wsBookFrame
		if err := sonic.Unmarshal(frame, &msg); err != nil {
			return nil, protocolError("decode book frame", err)
		}

		seq := msg.Sequence
		if seq == 0 {
			seq = localSeq + 1
		}
		localSeq = seq

		update := core.OrderBookUpdate{
			Symbol:    symbol,
			Sequence:  seq,
			Timestamp: msg.Time,
		}

		switch msg.Type {
		case "snapshot":
			update.Snapshot = true
			bids, err := parseBookLevels(msg.Bids)
			if err != nil {
				return nil, protocolError("parse snapshot bids", err)
			}
			asks, err := parseBookLevels(msg.Asks)
			if err != nil {
				return nil, protocolError("parse snapshot asks", err)
			}
			update.Bids, update.Asks = bids, asks

		case "l2update":
			for _, change := range msg.Changes {
				var delta core.BookDelta
				if _, _, err := apd.BaseContext.SetString(&delta.Price, change[1]); err != nil {
					return nil, protocolError("parse change price", err)
				}
				if _, _, err := apd.BaseContext.SetString(&delta.Quantity, change[2]); err != nil {
					return nil, protocolError("parse change size", err)
				}
				if change[0] == "buy" {
					update.Bids = append(update.Bids, delta)
				} else {
					update.Asks = append(update.Asks, delta)
				}
			}

		default:
			return nil, stream.ErrSkip
		}

		book, err := assembler.Apply(update)
		if core.IsSequenceGap(err) && resync != nil {
			if rerr := resync(); rerr != nil {
				return nil, err
			}
			return nil, stream.ErrSkip
		}
		if err != nil {
			return nil, err
		}
		if book == nil {
			// Buffered delta, nothing to emit yet.
			return nil, stream.ErrSkip
		}
		return book, nil
	}
}

func parseBookLevels(levels [][2]string) ([]core.BookDelta, error) {
	deltas := make([]core.BookDelta, 0, len(levels))
	for _, level := range levels {
		var delta core.BookDelta
		if _, _, err := apd.BaseContext.SetString(&delta.Price, level[0]); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if _, _, err := apd.BaseContext.SetString(&delta.Quantity, level[1]); err != nil {
			return nil, fmt.Errorf("parse size: %w", err)
		}
		deltas = append(deltas, delta)
	}
	return deltas, nil
}

func protocolError(msg string, err error) error {
	return core.NewExchangeError("coinbase", core.ErrorTypeProtocol, 0, msg).WithCause(err)
}
