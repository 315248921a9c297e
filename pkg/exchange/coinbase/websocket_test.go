package coinbase

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewire/internal/ws"
	"tradewire/pkg/core"
	"tradewire/pkg/stream"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "ticker", channelName(core.ChannelTicker))
	assert.Equal(t, "matches", channelName(core.ChannelTrades))
	assert.Equal(t, "level2", channelName(core.ChannelOrderBook))
}

func TestBuildControlFrames_GroupsByChannel(t *testing.T) {
	frames, err := buildControlFrames("subscribe", []ws.Key{
		{Symbol: "BTC/USD", Channel: core.ChannelTicker},
		{Symbol: "ETH/USD", Channel: core.ChannelTicker},
		{Symbol: "BTC/USD", Channel: core.ChannelOrderBook},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var frame wsControlFrame
	require.NoError(t, sonic.Unmarshal(frames[0], &frame))

	assert.Equal(t, "subscribe", frame.Type)
	require.Len(t, frame.Channels, 2)
	assert.Equal(t, "ticker", frame.Channels[0].Name)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, frame.Channels[0].ProductIDs)
	assert.Equal(t, "level2", frame.Channels[1].Name)
	assert.Equal(t, []string{"BTC-USD"}, frame.Channels[1].ProductIDs)
}

func TestRouteFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  ws.Key
		ok    bool
	}{
		{
			"ticker",
			`{"type":"ticker","product_id":"BTC-USD","price":"50000"}`,
			ws.Key{Symbol: "BTC/USD", Channel: core.ChannelTicker},
			true,
		},
		{
			"match",
			`{"type":"match","product_id":"ETH-USD"}`,
			ws.Key{Symbol: "ETH/USD", Channel: core.ChannelTrades},
			true,
		},
		{
			"last match",
			`{"type":"last_match","product_id":"ETH-USD"}`,
			ws.Key{Symbol: "ETH/USD", Channel: core.ChannelTrades},
			true,
		},
		{
			"snapshot",
			`{"type":"snapshot","product_id":"BTC-USD","bids":[],"asks":[]}`,
			ws.Key{Symbol: "BTC/USD", Channel: core.ChannelOrderBook},
			true,
		},
		{
			"l2update",
			`{"type":"l2update","product_id":"BTC-USD","changes":[]}`,
			ws.Key{Symbol: "BTC/USD", Channel: core.ChannelOrderBook},
			true,
		},
		{"subscriptions ack", `{"type":"subscriptions","channels":[]}`, ws.Key{}, false},
		{"heartbeat", `{"type":"heartbeat","product_id":"BTC-USD"}`, ws.Key{}, false},
		{"error", `{"type":"error","message":"failed to subscribe"}`, ws.Key{}, false},
		{"not json", `ping`, ws.Key{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := routeFrame([]byte(tt.frame))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, key)
			}
		})
	}
}

func TestDecodeTicker(t *testing.T) {
	frame := []byte(`{
		"type": "ticker",
		"product_id": "BTC-USD",
		"price": "50000.10",
		"best_bid": "49999.90",
		"best_ask": "50000.20",
		"high_24h": "51000",
		"low_24h": "49000",
		"volume_24h": "1234.5",
		"time": "2026-08-20T01:23:45.120Z"
	}`)

	ticker, err := decodeTicker(frame)
	require.NoError(t, err)

	assert.Equal(t, "BTC/USD", ticker.Symbol)
	assert.Equal(t, "50000.10", ticker.Last.Text('f'))
	assert.Equal(t, "49999.90", ticker.Bid.Text('f'))
	assert.Equal(t, "50000.20", ticker.Ask.Text('f'))
	assert.Equal(t, "1234.5", ticker.Volume.Text('f'))
	assert.False(t, ticker.Timestamp.IsZero())
}

func TestDecodeTicker_Malformed(t *testing.T) {
	_, err := decodeTicker([]byte(`{"price": {}}`))
	require.Error(t, err)
	assert.True(t, core.IsProtocolError(err))
}

func TestDecodeTrade(t *testing.T) {
	frame := []byte(`{
		"type": "match",
		"trade_id": 10,
		"product_id": "BTC-USD",
		"price": "50000.10",
		"size": "0.25",
		"side": "buy",
		"time": "2026-08-20T01:23:45.120Z"
	}`)

	trade, err := decodeTrade(frame)
	require.NoError(t, err)

	assert.Equal(t, "10", trade.ID)
	assert.Equal(t, "BTC/USD", trade.Symbol)
	// The side names the maker, so the taker sold.
	assert.Equal(t, core.SideSell, trade.Side)
	assert.Equal(t, "50000.10", trade.Price.Text('f'))
	assert.Equal(t, "0.25", trade.Quantity.Text('f'))
}

func TestDecodeOrderBook_SnapshotThenUpdates(t *testing.T) {
	decode := decodeOrderBook("BTC/USD", nil)

	book, err := decode([]byte(`{
		"type": "snapshot",
		"product_id": "BTC-USD",
		"bids": [["50000.00", "1.5"], ["49999.00", "2.0"]],
		"asks": [["50001.00", "0.5"]]
	}`))
	require.NoError(t, err)
	require.NotNil(t, book)

	assert.Equal(t, "BTC/USD", book.Symbol)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, "50000.00", book.Bids[0].Price.Text('f'))

	// An update replaces one level and removes another.
	book, err = decode([]byte(`{
		"type": "l2update",
		"product_id": "BTC-USD",
		"changes": [["buy", "50000.00", "3.0"], ["sell", "50001.00", "0"]],
		"time": "2026-08-20T01:23:45.120Z"
	}`))
	require.NoError(t, err)
	require.NotNil(t, book)

	require.Len(t, book.Bids, 2)
	assert.Equal(t, "3.0", book.Bids[0].Quantity.Text('f'))
	assert.Empty(t, book.Asks)
}

func TestDecodeOrderBook_UpdateBeforeSnapshotSkipped(t *testing.T) {
	decode := decodeOrderBook("BTC/USD", nil)

	book, err := decode([]byte(`{
		"type": "l2update",
		"product_id": "BTC-USD",
		"changes": [["buy", "50000.00", "1.0"]]
	}`))
	require.ErrorIs(t, err, stream.ErrSkip)
	assert.Nil(t, book)
}

func TestDecodeOrderBook_GapTriggersResync(t *testing.T) {
	resyncs := 0
	decode := decodeOrderBook("BTC/USD", func() error {
		resyncs++
		return nil
	})

	_, err := decode([]byte(`{
		"type": "snapshot",
		"product_id": "BTC-USD",
		"sequence": 100,
		"bids": [["50000.00", "1.5"]],
		"asks": []
	}`))
	require.NoError(t, err)

	// The feed skips ahead; the book is invalid until a new snapshot, so a
	// fresh subscription is requested and the subscriber sees no error.
	book, err := decode([]byte(`{
		"type": "l2update",
		"product_id": "BTC-USD",
		"sequence": 105,
		"changes": [["buy", "50000.00", "2.0"]]
	}`))
	require.ErrorIs(t, err, stream.ErrSkip)
	assert.Nil(t, book)
	assert.Equal(t, 1, resyncs)

	// The re-issued subscription answers with a snapshot and the stream
	// recovers.
	book, err = decode([]byte(`{
		"type": "snapshot",
		"product_id": "BTC-USD",
		"sequence": 105,
		"bids": [["50000.00", "2.0"]],
		"asks": []
	}`))
	require.NoError(t, err)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, "2.0", book.Bids[0].Quantity.Text('f'))

	book, err = decode([]byte(`{
		"type": "l2update",
		"product_id": "BTC-USD",
		"sequence": 106,
		"changes": [["buy", "49999.00", "1.0"]]
	}`))
	require.NoError(t, err)
	assert.Len(t, book.Bids, 2)
}

func TestDecodeOrderBook_GapSurfacesWhenResyncFails(t *testing.T) {
	decode := decodeOrderBook("BTC/USD", func() error {
		return assert.AnError
	})

	_, err := decode([]byte(`{
		"type": "snapshot",
		"product_id": "BTC-USD",
		"sequence": 100,
		"bids": [],
		"asks": []
	}`))
	require.NoError(t, err)

	_, err = decode([]byte(`{
		"type": "l2update",
		"product_id": "BTC-USD",
		"sequence": 105,
		"changes": []
	}`))
	require.Error(t, err)
	assert.True(t, core.IsSequenceGap(err))
}

func TestDecodeOrderBook_UnknownTypeSkipped(t *testing.T) {
	decode := decodeOrderBook("BTC/USD", nil)

	_, err := decode([]byte(`{"type":"heartbeat","product_id":"BTC-USD"}`))
	require.ErrorIs(t, err, stream.ErrSkip)
}

func TestDecodeOrderBook_Malformed(t *testing.T) {
	decode := decodeOrderBook("BTC/USD", nil)

	_, err := decode([]byte(`{"type":"snapshot","bids":"nope"}`))
	require.Error(t, err)
	assert.True(t, core.IsProtocolError(err))
}
