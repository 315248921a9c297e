package stream

import (
	"sort"

	"github.com/cockroachdb/apd/v3"

	"tradewire/pkg/core"
)

// maxResyncFailures bounds how many consecutive resynchronizations may fail
// before the feed is treated as broken.
const maxResyncFailures = 3

// BookAssembler rebuilds a full order book from a snapshot-plus-delta feed
// for one market. Deltas apply only in exact sequence; a gap invalidates the
// local book until a fresh snapshot arrives. Not safe for concurrent use;
// each market's feed is consumed by one goroutine.
type BookAssembler struct {
	exchange string
	symbol   string

	bids map[string]core.OrderBookLevel
	asks map[string]core.OrderBookLevel

	seq            int64
	primed         bool
	pending        []core.OrderBookUpdate
	resyncFailures int
}

// NewBookAssembler creates an assembler for one market. The exchange name
// is carried into the errors it raises.
func NewBookAssembler(exchange, symbol string) *BookAssembler {
	return &BookAssembler{
		exchange: exchange,
		symbol:   symbol,
		bids:     make(map[string]core.OrderBookLevel),
		asks:     make(map[string]core.OrderBookLevel),
	}
}

// Primed reports whether the assembler holds a consistent book. False means
// a snapshot is needed before deltas can apply.
func (a *BookAssembler) Primed() bool {
	return a.primed
}

// Sequence returns the sequence number of the last applied update.
func (a *BookAssembler) Sequence() int64 {
	return a.seq
}

// Apply folds one update into the book and returns the resulting state.
//
// A snapshot replaces all prior state and replays any buffered deltas that
// follow it contiguously. A delta applies only when its sequence is exactly
// one past the last applied update; older deltas are dropped as stale, and
// a sequence gap returns a consistency error, after which the caller must
// feed a fresh snapshot. When resynchronization keeps failing the error
// escalates to a protocol error and the feed should be abandoned.
func (a *BookAssembler) Apply(update core.OrderBookUpdate) (*core.OrderBook, error) {
	if update.Snapshot {
		return a.applySnapshot(update)
	}
	return a.applyDelta(update)
}

func (a *BookAssembler) applySnapshot(update core.OrderBookUpdate) (*core.OrderBook, error) {
	a.bids = make(map[string]core.OrderBookLevel, len(update.Bids))
	a.asks = make(map[string]core.OrderBookLevel, len(update.Asks))
	a.applyLevels(update)
	a.seq = update.Sequence
	a.primed = true

	// Deltas that raced ahead of the snapshot replay in order; anything at
	// or before the snapshot is already included.
	pending := a.pending
	a.pending = nil
	sort.Slice(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
	for _, delta := range pending {
		if delta.Sequence <= a.seq {
			continue
		}
		if delta.Sequence != a.seq+1 {
			break
		}
		a.applyLevels(delta)
		a.seq = delta.Sequence
		a.resyncFailures = 0
	}

	return a.book(update), nil
}

func (a *BookAssembler) applyDelta(update core.OrderBookUpdate) (*core.OrderBook, error) {
	if !a.primed {
		// No baseline yet; hold the delta for replay after the snapshot.
		a.pending = append(a.pending, update)
		return nil, nil
	}

	if update.Sequence <= a.seq {
		return a.book(update), nil
	}

	if update.Sequence != a.seq+1 {
		a.primed = false
		a.pending = nil
		a.bids = make(map[string]core.OrderBookLevel)
		a.asks = make(map[string]core.OrderBookLevel)
		a.resyncFailures++

		if a.resyncFailures >= maxResyncFailures {
			return nil, core.NewExchangeError(a.exchange, core.ErrorTypeProtocol, 0,
				"order book feed cannot be resynchronized").WithOp(core.OpGetOrderBook)
		}
		return nil, core.NewExchangeError(a.exchange, core.ErrorTypeSequenceGap, 0,
			"order book sequence gap, snapshot required").WithOp(core.OpGetOrderBook)
	}

	a.applyLevels(update)
	a.seq = update.Sequence
	// The rebuilt book made progress, so the resync worked.
	a.resyncFailures = 0
	return a.book(update), nil
}

func (a *BookAssembler) applyLevels(update core.OrderBookUpdate) {
	for _, delta := range update.Bids {
		applyLevel(a.bids, delta)
	}
	for _, delta := range update.Asks {
		applyLevel(a.asks, delta)
	}
}

func applyLevel(side map[string]core.OrderBookLevel, delta core.BookDelta) {
	key := levelKey(&delta.Price)
	if delta.Quantity.IsZero() {
		delete(side, key)
		return
	}
	side[key] = core.OrderBookLevel{Price: delta.Price, Quantity: delta.Quantity}
}

// levelKey renders a price in reduced form so every rendering of the same
// value ("1.50", "1.5") keys one entry.
func levelKey(price *apd.Decimal) string {
	var reduced apd.Decimal
	reduced.Reduce(price)
	return reduced.Text('f')
}

// book renders the current state with bids descending and asks ascending.
func (a *BookAssembler) book(update core.OrderBookUpdate) *core.OrderBook {
	bids := sortedLevels(a.bids, func(cmp int) bool { return cmp > 0 })
	asks := sortedLevels(a.asks, func(cmp int) bool { return cmp < 0 })

	return &core.OrderBook{
		Symbol:    a.symbol,
		Sequence:  a.seq,
		Bids:      bids,
		Asks:      asks,
		Timestamp: update.Timestamp,
	}
}

func sortedLevels(side map[string]core.OrderBookLevel, first func(cmp int) bool) []core.OrderBookLevel {
	levels := make([]core.OrderBookLevel, 0, len(side))
	for _, level := range side {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool {
		return first(levels[i].Price.Cmp(&levels[j].Price))
	})
	return levels
}
