// Package stream exposes typed market-data streams on top of the raw
// websocket layer, and maintains order-book consistency from snapshot and
// delta feeds.
package stream

import (
	"errors"

	"tradewire/internal/ws"
)

// ErrSkip tells the pump to drop the current frame without emitting
// anything. Stateful decoders return it while buffering, e.g. book deltas
// that arrive before the first snapshot.
var ErrSkip = errors.New("skip frame")

// ConnState re-exports the websocket connection states for callers that
// only import this package.
type ConnState = ws.ConnState

const (
	StateDisconnected  = ws.StateDisconnected
	StateConnecting    = ws.StateConnecting
	StateResubscribing = ws.StateResubscribing
	StateConnected     = ws.StateConnected
	StateReconnecting  = ws.StateReconnecting
	StateClosed        = ws.StateClosed
)

// Kind classifies a stream event.
type Kind int

const (
	// KindData carries a decoded payload.
	KindData Kind = iota
	// KindError carries a decode or consistency failure; the stream
	// continues afterwards.
	KindError
	// KindDisconnected marks a connection drop; payloads may be missing
	// until KindResubscribed arrives.
	KindDisconnected
	// KindResubscribed marks a restored connection with the subscription
	// re-issued.
	KindResubscribed
)

// Event is one typed delivery: a payload, an error, or a status change.
type Event[T any] struct {
	Kind Kind
	Data T
	Err  error
}

// DecodeFunc turns a raw exchange frame into a typed payload.
type DecodeFunc[T any] func(frame []byte) (T, error)

// Source is a raw event feed, normally a *ws.Subscription.
type Source interface {
	Events() <-chan ws.Event
	Close()
}

// Stream decodes a raw subscription into typed events. Closing the stream
// releases the underlying subscription.
type Stream[T any] struct {
	src    Source
	events chan Event[T]
}

// New wraps a raw subscription with a decoder. The pump goroutine exits
// when the subscription closes, closing the typed channel behind it.
func New[T any](src Source, decode DecodeFunc[T]) *Stream[T] {
	s := &Stream[T]{
		src:    src,
		events: make(chan Event[T], cap(src.Events())),
	}
	go s.pump(decode)
	return s
}

// Events returns the typed event stream, in delivery order.
func (s *Stream[T]) Events() <-chan Event[T] {
	return s.events
}

// Close releases the underlying subscription. The typed channel closes
// once the pump drains.
func (s *Stream[T]) Close() {
	s.src.Close()
}

func (s *Stream[T]) pump(decode DecodeFunc[T]) {
	defer close(s.events)
	for ev := range s.src.Events() {
		switch ev.Kind {
		case ws.EventData:
			data, err := decode(ev.Data)
			if errors.Is(err, ErrSkip) {
				continue
			}
			if err != nil {
				s.events <- Event[T]{Kind: KindError, Err: err}
				continue
			}
			s.events <- Event[T]{Kind: KindData, Data: data}
		case ws.EventDisconnected:
			s.events <- Event[T]{Kind: KindDisconnected}
		case ws.EventResubscribed:
			s.events <- Event[T]{Kind: KindResubscribed}
		}
	}
}
