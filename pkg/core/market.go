package core

import (
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Market describes a tradable pair and its exchange-imposed constraints.
// Markets are immutable once loaded; adapters refresh the set periodically
// and replace it wholesale rather than mutating entries in place.
type Market struct {
	// Symbol is the canonical pair identifier (e.g., "BTC/USDT").
	Symbol string `json:"symbol"`
	// Base is the asset being bought or sold.
	Base string `json:"base"`
	// Quote is the asset the price is denominated in.
	Quote string `json:"quote"`
	// BasePrecision is the decimal scale allowed for quantities.
	BasePrecision int32 `json:"base_precision"`
	// QuotePrecision is the decimal scale allowed for prices.
	QuotePrecision int32 `json:"quote_precision"`
	// MinOrderSize is the smallest quantity the exchange accepts.
	MinOrderSize apd.Decimal `json:"min_order_size"`
	// Active reports whether the pair is currently open for trading.
	Active bool `json:"active"`
}

// ChannelType identifies a websocket data channel.
type ChannelType int

// Channel type constants name the streaming channels an exchange exposes.
const (
	// ChannelTicker streams best bid/ask and last-trade updates.
	ChannelTicker ChannelType = iota
	// ChannelTrades streams public executions.
	ChannelTrades
	// ChannelOrderBook streams depth snapshots and deltas.
	ChannelOrderBook
)

// String returns the string representation of the channel type.
func (c ChannelType) String() string {
	return [...]string{"ticker", "trades", "orderbook"}[c]
}

// BookDelta is one price-level change within an order book update.
// A zero Quantity removes the level.
type BookDelta struct {
	Price    apd.Decimal `json:"price"`
	Quantity apd.Decimal `json:"quantity"`
}

// OrderBookUpdate is a sequenced depth message for one market. Sequence
// numbers are strictly increasing per market per connection; a gap means the
// local book is stale and must be rebuilt from a fresh snapshot.
type OrderBookUpdate struct {
	// Symbol is the trading pair this update applies to.
	Symbol string `json:"symbol"`
	// Sequence orders updates within a connection.
	Sequence int64 `json:"sequence"`
	// Snapshot marks a full book replacing all prior state.
	Snapshot bool `json:"snapshot"`
	// Bids holds buy-side level changes.
	Bids []BookDelta `json:"bids"`
	// Asks holds sell-side level changes.
	Asks []BookDelta `json:"asks"`
	// Timestamp is the exchange-reported event time.
	Timestamp time.Time `json:"timestamp"`
}
