package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lxzan/gws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewire/pkg/core"
)

// captureServer is a websocket echo endpoint that records inbound frames
// and lets tests drop connections to exercise the reconnect path.
type captureServer struct {
	gws.BuiltinEventHandler
	mu     sync.Mutex
	frames []string
	conns  []*gws.Conn
}

func (s *captureServer) OnOpen(socket *gws.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, socket)
	s.mu.Unlock()
}

func (s *captureServer) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	s.mu.Lock()
	s.frames = append(s.frames, message.Data.String())
	s.mu.Unlock()
}

func (s *captureServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *captureServer) dropClients() {
	s.mu.Lock()
	conns := append([]*gws.Conn(nil), s.conns...)
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.NetConn().Close()
	}
}

func (s *captureServer) send(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.WriteMessage(gws.OpcodeText, []byte(data))
	}
}

func startCaptureServer(t *testing.T) (*captureServer, string) {
	t.Helper()

	handler := &captureServer{}
	upgrader := gws.NewUpgrader(handler, &gws.ServerOption{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r)
		if err != nil {
			return
		}
		go socket.ReadLoop()
	}))
	t.Cleanup(srv.Close)

	return handler, "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectEnabled:  true,
		ReconnectBaseWait: 20 * time.Millisecond,
		ReconnectMaxWait:  100 * time.Millisecond,
		BufferSize:        16,
		BuildSubscribe: func(keys []Key) ([][]byte, error) {
			frames := make([][]byte, 0, len(keys))
			for _, key := range keys {
				frames = append(frames, fmt.Appendf(nil, `{"op":"subscribe","topic":"%s.%s"}`, key.Channel, key.Symbol))
			}
			return frames, nil
		},
		BuildUnsubscribe: func(keys []Key) ([][]byte, error) {
			frames := make([][]byte, 0, len(keys))
			for _, key := range keys {
				frames = append(frames, fmt.Appendf(nil, `{"op":"unsubscribe","topic":"%s.%s"}`, key.Channel, key.Symbol))
			}
			return frames, nil
		},
		Route: func(frame []byte) (Key, bool) {
			if strings.Contains(string(frame), "heartbeat") {
				return Key{}, false
			}
			return Key{Symbol: "BTC-USD", Channel: core.ChannelTicker}, true
		},
	}
}

func TestManagerConnectAndDeliver(t *testing.T) {
	server, url := startCaptureServer(t)

	m := NewManager(testConfig(url))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.IsLive())

	sub, err := m.Subscribe(tickerKey("BTC-USD"))
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		for _, frame := range server.received() {
			if strings.Contains(frame, `"subscribe"`) && strings.Contains(frame, "BTC-USD") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "subscribe frame should reach the server")

	server.send(`{"symbol":"BTC-USD","price":"42000"}`)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventData, ev.Kind)
		assert.Contains(t, string(ev.Data), "42000")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data event")
	}
}

func TestManagerHeartbeatFramesNotDelivered(t *testing.T) {
	server, url := startCaptureServer(t)

	m := NewManager(testConfig(url))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	sub, err := m.Subscribe(tickerKey("BTC-USD"))
	require.NoError(t, err)
	defer sub.Close()

	server.send(`{"op":"heartbeat"}`)
	server.send(`{"symbol":"BTC-USD","price":"1"}`)

	select {
	case ev := <-sub.Events():
		assert.NotContains(t, string(ev.Data), "heartbeat")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data event")
	}
}

func TestManagerResubscribesAfterDrop(t *testing.T) {
	server, url := startCaptureServer(t)

	m := NewManager(testConfig(url))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	symbols := []string{"BTC-USD", "ETH-USD", "SOL-USD"}
	subs := make([]*Subscription, 0, len(symbols))
	keys := make([]Key, 0, len(symbols))
	for _, symbol := range symbols {
		sub, err := m.Subscribe(tickerKey(symbol))
		require.NoError(t, err)
		defer sub.Close()
		subs = append(subs, sub)
		keys = append(keys, tickerKey(symbol))
	}

	require.Eventually(t, func() bool {
		return subscribeCount(server.received()) >= len(symbols)
	}, 2*time.Second, 10*time.Millisecond)

	server.dropClients()

	// Every subscriber learns about the gap, then about the restored
	// stream, in that order.
	for _, sub := range subs {
		waitForEvent(t, sub, EventDisconnected)
		waitForEvent(t, sub, EventResubscribed)
	}

	assert.Equal(t, StateConnected, m.State())
	for _, symbol := range symbols {
		symbol := symbol
		require.Eventually(t, func() bool {
			return subscribeCountFor(server.received(), symbol) >= 2
		}, 2*time.Second, 10*time.Millisecond,
			"%s must be re-issued after reconnect", symbol)
	}
	assert.ElementsMatch(t, keys, m.Subscriptions())
}

func TestManagerResubscribeReissuesKey(t *testing.T) {
	server, url := startCaptureServer(t)

	m := NewManager(testConfig(url))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	sub, err := m.Subscribe(tickerKey("BTC-USD"))
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		return subscribeCount(server.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Resubscribe(tickerKey("BTC-USD")))

	// The wire sees unsubscribe then subscribe; the registration never
	// leaves the hub.
	require.Eventually(t, func() bool {
		frames := server.received()
		unsub := -1
		for i, frame := range frames {
			if strings.Contains(frame, `"unsubscribe"`) {
				unsub = i
			}
		}
		return unsub >= 0 && subscribeCount(frames[unsub:]) == 1
	}, 2*time.Second, 10*time.Millisecond, "resubscribe must unsubscribe then subscribe again")
	assert.Equal(t, []Key{tickerKey("BTC-USD")}, m.Subscriptions())
}

func TestManagerResubscribeWhenDisconnected(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1"))
	defer m.Close()

	assert.Error(t, m.Resubscribe(tickerKey("BTC-USD")))
}

func subscribeCount(frames []string) int {
	n := 0
	for _, frame := range frames {
		if strings.Contains(frame, `"subscribe"`) {
			n++
		}
	}
	return n
}

func subscribeCountFor(frames []string, symbol string) int {
	n := 0
	for _, frame := range frames {
		if strings.Contains(frame, `"subscribe"`) && strings.Contains(frame, symbol) {
			n++
		}
	}
	return n
}

func waitForEvent(t *testing.T, sub *Subscription, kind EventKind) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestManagerSubscribeBeforeConnect(t *testing.T) {
	server, url := startCaptureServer(t)

	m := NewManager(testConfig(url))
	defer m.Close()

	// Registration works offline; the frame goes out during the
	// resubscribe phase of the first connect.
	sub, err := m.Subscribe(tickerKey("BTC-USD"))
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, server.received())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	require.Eventually(t, func() bool {
		return subscribeCount(server.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerUnsubscribeOnLastClose(t *testing.T) {
	server, url := startCaptureServer(t)

	m := NewManager(testConfig(url))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	first, err := m.Subscribe(tickerKey("BTC-USD"))
	require.NoError(t, err)
	second, err := m.Subscribe(tickerKey("BTC-USD"))
	require.NoError(t, err)

	first.Close()
	second.Close()

	require.Eventually(t, func() bool {
		for _, frame := range server.received() {
			if strings.Contains(frame, `"unsubscribe"`) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "unsubscribe frame should go out once the last consumer leaves")

	assert.Equal(t, 1, subscribeCount(server.received()),
		"the shared key subscribes once")
	assert.Empty(t, m.Subscriptions())
}

func TestManagerCloseIsTerminal(t *testing.T) {
	_, url := startCaptureServer(t)

	m := NewManager(testConfig(url))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())

	_, err := m.Subscribe(tickerKey("BTC-USD"))
	assert.Error(t, err)
}

func TestManagerWriteWhenDisconnected(t *testing.T) {
	m := NewManager(testConfig("ws://127.0.0.1:1"))
	defer m.Close()

	err := m.SendJSON(map[string]string{"op": "ping"})
	assert.Error(t, err)
}

func TestReconnectBackoffBounds(t *testing.T) {
	m := NewManager(Config{
		ReconnectBaseWait: 100 * time.Millisecond,
		ReconnectMaxWait:  2 * time.Second,
	})

	for attempt := range 40 {
		wait := m.reconnectBackoff(attempt)
		assert.GreaterOrEqual(t, wait, 75*time.Millisecond)
		assert.LessOrEqual(t, wait, 2500*time.Millisecond)
	}
}
