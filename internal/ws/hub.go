package ws

import (
	"sync"

	"tradewire/pkg/core"
)

// Key identifies one stream: a market and a channel.
type Key struct {
	Symbol  string
	Channel core.ChannelType
}

// EventKind distinguishes data frames from stream status transitions.
type EventKind int

const (
	// EventData carries an inbound frame for the subscription's key.
	EventData EventKind = iota
	// EventDisconnected marks an unexpected drop; frames may be missing
	// until EventResubscribed arrives.
	EventDisconnected
	// EventResubscribed marks a completed reconnect with the subscription
	// re-issued; data after this point is live again.
	EventResubscribed
)

// Event is one delivery to a subscriber: a raw frame or a status change.
type Event struct {
	Kind EventKind
	Data []byte
}

// Subscription is one consumer's registration for a (market, channel) key.
// Closing it deregisters the consumer without touching the connection while
// other consumers of the same key remain.
type Subscription struct {
	key    Key
	events chan Event
	hub    *hub
	id     int64
	once   sync.Once
}

// Key returns the (market, channel) this subscription covers.
func (s *Subscription) Key() Key {
	return s.key
}

// Events returns the subscriber's ordered event stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close deregisters the subscriber. The underlying stream is unsubscribed
// on the wire only when no other subscriber of the same key remains.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// hub is the subscription registry and fan-out point. It is the only
// structure mutated by multiple concurrent callers, so a single lock guards
// it; delivery itself is non-blocking per subscriber.
type hub struct {
	mu         sync.Mutex
	entries    map[Key]map[int64]*Subscription
	nextID     int64
	bufferSize int
	// onKeyGone is called when the last subscriber for a key leaves.
	onKeyGone func(Key)
}

func newHub(bufferSize int, onKeyGone func(Key)) *hub {
	return &hub{
		entries:    make(map[Key]map[int64]*Subscription),
		bufferSize: bufferSize,
		onKeyGone:  onKeyGone,
	}
}

// add registers a new subscriber and reports whether its key is new to the
// registry (meaning a subscribe control frame must go out).
func (h *hub) add(key Key) (*Subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		key:    key,
		events: make(chan Event, h.bufferSize),
		hub:    h,
		id:     h.nextID,
	}

	subs, ok := h.entries[key]
	if !ok {
		subs = make(map[int64]*Subscription)
		h.entries[key] = subs
	}
	subs[sub.id] = sub
	return sub, !ok
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	subs, ok := h.entries[sub.key]
	if ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.entries, sub.key)
		}
	}
	lastForKey := ok && len(subs) == 0
	// Delivery holds the same lock, so nobody can be mid-send here.
	close(sub.events)
	h.mu.Unlock()

	if lastForKey && h.onKeyGone != nil {
		h.onKeyGone(sub.key)
	}
}

// keys returns the registered subscription keys, the set a reconnect must
// re-issue.
func (h *hub) keys() []Key {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := make([]Key, 0, len(h.entries))
	for key := range h.entries {
		keys = append(keys, key)
	}
	return keys
}

// refs returns the subscriber count for a key.
func (h *hub) refs(key Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries[key])
}

// publish fans a data frame out to every subscriber of the key. A full
// subscriber buffer drops its oldest event so a slow consumer delays only
// itself, never ingestion. Delivery never blocks, so it runs under the
// lock; this also orders it against channel close in remove.
func (h *hub) publish(key Key, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.entries[key] {
		deliver(sub.events, Event{Kind: EventData, Data: data})
	}
}

// broadcast sends a status event to every subscriber of every key.
func (h *hub) broadcast(kind EventKind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, entry := range h.entries {
		for _, sub := range entry {
			deliver(sub.events, Event{Kind: kind})
		}
	}
}

// deliver pushes an event, evicting the oldest buffered event when the
// subscriber is full.
func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
