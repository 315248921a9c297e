package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewire/internal/ws"
)

type fakeSource struct {
	ch   chan ws.Event
	once sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan ws.Event, 16)}
}

func (f *fakeSource) Events() <-chan ws.Event { return f.ch }
func (f *fakeSource) Close()                  { f.once.Do(func() { close(f.ch) }) }

func (f *fakeSource) data(frame string) {
	f.ch <- ws.Event{Kind: ws.EventData, Data: []byte(frame)}
}

type tickLite struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func decodeTickLite(frame []byte) (tickLite, error) {
	var tick tickLite
	if err := sonic.Unmarshal(frame, &tick); err != nil {
		return tickLite{}, fmt.Errorf("decode ticker: %w", err)
	}
	return tick, nil
}

func collect[T any](t *testing.T, s *Stream[T], n int) []Event[T] {
	t.Helper()
	events := make([]Event[T], 0, n)
	deadline := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "stream closed early")
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestStreamDecodesDataFrames(t *testing.T) {
	src := newFakeSource()
	s := New(src, decodeTickLite)

	src.data(`{"symbol":"BTC-USD","price":"42000"}`)

	events := collect(t, s, 1)
	assert.Equal(t, KindData, events[0].Kind)
	assert.Equal(t, "42000", events[0].Data.Price)
}

func TestStreamSurfacesDecodeErrors(t *testing.T) {
	src := newFakeSource()
	s := New(src, decodeTickLite)

	src.data(`{not json`)
	src.data(`{"symbol":"BTC-USD","price":"1"}`)

	events := collect(t, s, 2)
	assert.Equal(t, KindError, events[0].Kind)
	assert.Error(t, events[0].Err)
	assert.Equal(t, KindData, events[1].Kind, "the stream continues past a bad frame")
}

func TestStreamForwardsStatusEvents(t *testing.T) {
	src := newFakeSource()
	s := New(src, decodeTickLite)

	src.ch <- ws.Event{Kind: ws.EventDisconnected}
	src.ch <- ws.Event{Kind: ws.EventResubscribed}

	events := collect(t, s, 2)
	assert.Equal(t, KindDisconnected, events[0].Kind)
	assert.Equal(t, KindResubscribed, events[1].Kind)
}

func TestStreamCloseEndsEventChannel(t *testing.T) {
	src := newFakeSource()
	s := New(src, decodeTickLite)

	s.Close()

	select {
	case _, ok := <-s.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("typed channel did not close")
	}
}
