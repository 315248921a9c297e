// Package ws owns websocket connections for one exchange: the connection
// state machine, the subscription registry, reconnection with backoff, and
// fan-out delivery to subscribers.
package ws

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog"
)

// Config holds configuration options for a stream manager.
type Config struct {
	// URL is the websocket server endpoint to connect to.
	URL string
	// ReconnectEnabled determines whether automatic reconnection is enabled.
	ReconnectEnabled bool
	// ReconnectBaseWait is the delay before the first reconnection attempt.
	ReconnectBaseWait time.Duration
	// ReconnectMaxWait caps the delay between reconnection attempts.
	ReconnectMaxWait time.Duration
	// HeartbeatTimeout forces a disconnect when no frame of any kind
	// (data, ping, or pong) arrives within the window.
	HeartbeatTimeout time.Duration
	// BufferSize is the per-subscriber event buffer used during fan-out.
	BufferSize int

	// BuildSubscribe renders the control frames that subscribe the given
	// keys. Called on first subscription of a key and for the whole set
	// during the resubscribe phase of a reconnect.
	BuildSubscribe func(keys []Key) ([][]byte, error)
	// BuildUnsubscribe renders the control frames that unsubscribe the
	// given keys when their last subscriber leaves.
	BuildUnsubscribe func(keys []Key) ([][]byte, error)
	// Route demultiplexes an inbound frame to its (market, channel) key.
	// ok=false marks heartbeats and control acknowledgements, which are
	// consumed without delivery.
	Route func(frame []byte) (Key, bool)
}

// Manager owns one websocket connection and its subscription set. The
// subscription registry survives reconnects: after an unexpected drop the
// manager reconnects with capped exponential backoff and re-issues every
// registered subscription before reporting the stream live.
type Manager struct {
	config  Config
	state   *State
	hub     *hub
	handler *eventHandler
	logger  zerolog.Logger

	mu                sync.Mutex
	conn              *gws.Conn
	connectedChan     chan struct{}
	stopChan          chan struct{}
	wg                sync.WaitGroup
	reconnectAttempts int
}

type eventHandler struct {
	m *Manager
}

// NewManager creates a stream manager with the given configuration.
// Default values are applied for any zero-valued fields.
func NewManager(config Config) *Manager {
	if config.ReconnectBaseWait == 0 {
		config.ReconnectBaseWait = 1 * time.Second
	}
	if config.ReconnectMaxWait == 0 {
		config.ReconnectMaxWait = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 30 * time.Second
	}
	if config.BufferSize == 0 {
		config.BufferSize = 256
	}

	m := &Manager{
		config:        config,
		state:         &State{},
		connectedChan: make(chan struct{}),
		stopChan:      make(chan struct{}),
		logger:        zerolog.Nop(),
	}
	m.hub = newHub(config.BufferSize, m.onKeyGone)
	m.state.Store(StateDisconnected)
	m.handler = &eventHandler{m: m}
	return m
}

// SetLogger configures the logger for the manager.
func (m *Manager) SetLogger(logger zerolog.Logger) {
	m.logger = logger
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	return m.state.Load()
}

// IsLive returns true when the connection is up with all subscriptions
// re-issued.
func (m *Manager) IsLive() bool {
	return m.state.Load() == StateConnected
}

// Connect establishes the websocket connection and blocks until the
// resubscribe phase completes, the context is done, or the manager closes.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.state.CompareAndSwap(StateDisconnected, StateConnecting) &&
		!m.state.CompareAndSwap(StateReconnecting, StateConnecting) {
		current := m.state.Load()
		if current == StateConnected || current == StateResubscribing {
			return nil
		}
		return fmt.Errorf("invalid state for connect: %s", current)
	}

	socket, _, err := gws.NewClient(m.handler, &gws.ClientOption{
		Addr: m.config.URL,
	})
	if err != nil {
		m.state.Store(StateDisconnected)
		return fmt.Errorf("connect websocket: %w", err)
	}

	m.mu.Lock()
	m.conn = socket
	connected := m.connectedChan
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		socket.ReadLoop()
	}()

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		_ = socket.NetConn().Close()
		m.state.Store(StateDisconnected)
		return ctx.Err()
	case <-m.stopChan:
		_ = socket.NetConn().Close()
		m.state.Store(StateClosed)
		return fmt.Errorf("manager closed")
	}
}

// Close shuts the manager down permanently and releases all subscribers.
func (m *Manager) Close() error {
	if !m.state.CompareAndSwap(StateConnected, StateClosed) &&
		!m.state.CompareAndSwap(StateResubscribing, StateClosed) &&
		!m.state.CompareAndSwap(StateConnecting, StateClosed) &&
		!m.state.CompareAndSwap(StateReconnecting, StateClosed) &&
		!m.state.CompareAndSwap(StateDisconnected, StateClosed) {
		return nil
	}

	close(m.stopChan)

	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.NetConn().Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Subscribe registers a consumer for the given key. The first consumer of a
// key sends the subscribe control frame when connected; later consumers
// share the existing stream. The registration itself survives reconnects.
func (m *Manager) Subscribe(key Key) (*Subscription, error) {
	select {
	case <-m.stopChan:
		return nil, fmt.Errorf("manager closed")
	default:
	}

	sub, isNew := m.hub.add(key)
	if isNew && m.connectionUsable() {
		if err := m.sendSubscribe([]Key{key}); err != nil {
			sub.Close()
			return nil, fmt.Errorf("subscribe %s/%s: %w", key.Symbol, key.Channel, err)
		}
	}

	m.logger.Debug().
		Str("symbol", key.Symbol).
		Str("channel", key.Channel.String()).
		Int("refs", m.hub.refs(key)).
		Msg("subscribed")

	return sub, nil
}

// Resubscribe re-issues a registered key's subscription on the live
// connection: unsubscribe, then subscribe. Feeds that snapshot on subscribe
// deliver a fresh baseline, which is how adapters recover a desynchronized
// order book without dropping the connection.
func (m *Manager) Resubscribe(key Key) error {
	if !m.connectionUsable() {
		return fmt.Errorf("websocket not connected")
	}
	if m.config.BuildUnsubscribe != nil {
		frames, err := m.config.BuildUnsubscribe([]Key{key})
		if err != nil {
			return fmt.Errorf("build unsubscribe: %w", err)
		}
		for _, frame := range frames {
			if err := m.write(frame); err != nil {
				return err
			}
		}
	}
	m.logger.Debug().
		Str("symbol", key.Symbol).
		Str("channel", key.Channel.String()).
		Msg("resubscribing stream")
	return m.sendSubscribe([]Key{key})
}

// Subscriptions returns the keys currently registered.
func (m *Manager) Subscriptions() []Key {
	return m.hub.keys()
}

// onKeyGone sends the unsubscribe control frame once a key's last
// subscriber has left. The connection stays up for the remaining keys.
func (m *Manager) onKeyGone(key Key) {
	if !m.connectionUsable() || m.config.BuildUnsubscribe == nil {
		return
	}
	frames, err := m.config.BuildUnsubscribe([]Key{key})
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", key.Symbol).Msg("build unsubscribe")
		return
	}
	for _, frame := range frames {
		if err := m.write(frame); err != nil {
			m.logger.Warn().Err(err).Str("symbol", key.Symbol).Msg("send unsubscribe")
			return
		}
	}
	m.logger.Debug().
		Str("symbol", key.Symbol).
		Str("channel", key.Channel.String()).
		Msg("unsubscribed")
}

func (m *Manager) connectionUsable() bool {
	state := m.state.Load()
	return state == StateConnected || state == StateResubscribing
}

func (m *Manager) sendSubscribe(keys []Key) error {
	if m.config.BuildSubscribe == nil || len(keys) == 0 {
		return nil
	}
	frames, err := m.config.BuildSubscribe(keys)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := m.write(frame); err != nil {
			return err
		}
	}
	return nil
}

// write sends raw bytes over the websocket connection.
func (m *Manager) write(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || !m.connectionUsable() {
		return fmt.Errorf("websocket not connected")
	}
	return conn.WriteMessage(gws.OpcodeText, data)
}

// SendJSON marshals v and sends it as a text frame, for adapter-level
// control messages outside the subscribe/unsubscribe lifecycle.
func (m *Manager) SendJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return m.write(data)
}

func (h *eventHandler) OnOpen(socket *gws.Conn) {
	m := h.m
	m.state.Store(StateResubscribing)
	_ = socket.SetDeadline(time.Now().Add(m.config.HeartbeatTimeout))

	m.mu.Lock()
	m.reconnectAttempts = 0
	m.mu.Unlock()

	m.logger.Info().Str("url", m.config.URL).Msg("websocket connected, resubscribing")

	// Re-issue the whole subscription set before declaring the stream live.
	keys := m.hub.keys()
	if err := m.resendSubscriptions(socket, keys); err != nil {
		m.logger.Error().Err(err).Msg("resubscribe failed")
		_ = socket.NetConn().Close()
		return
	}

	m.state.Store(StateConnected)
	if len(keys) > 0 {
		m.hub.broadcast(EventResubscribed)
	}

	m.mu.Lock()
	select {
	case <-m.connectedChan:
	default:
		close(m.connectedChan)
	}
	m.mu.Unlock()

	m.logger.Info().Int("subscriptions", len(keys)).Msg("stream live")
}

// resendSubscriptions writes the subscribe frames directly on the socket;
// the manager is still in StateResubscribing so Manager.write would refuse.
func (m *Manager) resendSubscriptions(socket *gws.Conn, keys []Key) error {
	if m.config.BuildSubscribe == nil || len(keys) == 0 {
		return nil
	}
	frames, err := m.config.BuildSubscribe(keys)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := socket.WriteMessage(gws.OpcodeText, frame); err != nil {
			return err
		}
	}
	return nil
}

func (h *eventHandler) OnClose(socket *gws.Conn, err error) {
	m := h.m
	if m.state.Load() == StateClosed {
		return
	}
	m.state.Store(StateDisconnected)

	m.mu.Lock()
	m.connectedChan = make(chan struct{})
	m.mu.Unlock()

	m.logger.Warn().Err(err).Str("url", m.config.URL).Msg("websocket disconnected")

	// Surface the gap so subscribers can tell a resumed stream from a
	// continuous one.
	m.hub.broadcast(EventDisconnected)

	if m.config.ReconnectEnabled {
		select {
		case <-m.stopChan:
		default:
			go m.attemptReconnect()
		}
	}
}

func (h *eventHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.SetDeadline(time.Now().Add(h.m.config.HeartbeatTimeout))
	_ = socket.WritePong(payload)
}

func (h *eventHandler) OnPong(socket *gws.Conn, payload []byte) {
	_ = socket.SetDeadline(time.Now().Add(h.m.config.HeartbeatTimeout))
}

func (h *eventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	m := h.m

	// Any frame proves the connection is alive.
	_ = socket.SetDeadline(time.Now().Add(m.config.HeartbeatTimeout))

	data := message.Bytes()
	if len(data) == 0 {
		return
	}

	if m.config.Route == nil {
		return
	}
	key, ok := m.config.Route(data)
	if !ok {
		return
	}

	// OnMessage owns the frame's buffer; copy before handing it out.
	frame := make([]byte, len(data))
	copy(frame, data)
	m.hub.publish(key, frame)
}

func (m *Manager) attemptReconnect() {
	if !m.state.CompareAndSwap(StateDisconnected, StateReconnecting) {
		return
	}

	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		m.mu.Lock()
		attempt := m.reconnectAttempts
		m.reconnectAttempts++
		m.mu.Unlock()

		wait := m.reconnectBackoff(attempt)
		m.logger.Info().Dur("wait", wait).Int("attempt", attempt+1).Msg("attempting reconnect")

		select {
		case <-time.After(wait):
		case <-m.stopChan:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.Connect(ctx)
		cancel()
		if err != nil {
			m.logger.Error().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
			m.state.CompareAndSwap(StateConnecting, StateReconnecting)
			m.state.CompareAndSwap(StateDisconnected, StateReconnecting)
			continue
		}

		m.logger.Info().Msg("reconnected")
		return
	}
}

// reconnectBackoff doubles the base wait per attempt, capped, with ±25%
// jitter so a fleet of clients does not stampede the exchange.
func (m *Manager) reconnectBackoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	wait := min(m.config.ReconnectBaseWait*time.Duration(1<<uint(attempt)), m.config.ReconnectMaxWait)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(wait) * jitter)
}
