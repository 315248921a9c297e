package exchange

import (
	"context"
	"sync"
	"time"

	"tradewire/pkg/core"
)

// Dedup is a bounded-retention idempotency window keyed by client order
// token. It is the emulation path for exchanges without native token
// support: two placements with the same token, even concurrent ones, reach
// the exchange exactly once and both callers see the same order.
type Dedup struct {
	mu        sync.Mutex
	entries   map[string]*dedupEntry
	retention time.Duration
	now       func() time.Time
}

type dedupEntry struct {
	done    chan struct{}
	order   *core.Order
	err     error
	expires time.Time
}

// NewDedup creates a window that remembers completed placements for the
// given retention. Tokens older than the retention are forgotten, and a
// repeat after that is a new placement.
func NewDedup(retention time.Duration) *Dedup {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Dedup{
		entries:   make(map[string]*dedupEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Do runs place at most once per token within the retention window. The
// first caller for a token executes; concurrent and later callers with the
// same token wait for and share its result. A failed placement releases the
// token so the caller can retry with it. An empty token disables
// deduplication for the call.
func (d *Dedup) Do(ctx context.Context, token string, place func() (*core.Order, error)) (*core.Order, error) {
	if token == "" {
		return place()
	}

	d.mu.Lock()
	d.evictLocked()

	if entry, ok := d.entries[token]; ok {
		d.mu.Unlock()
		select {
		case <-entry.done:
			return entry.order, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	entry := &dedupEntry{done: make(chan struct{})}
	d.entries[token] = entry
	d.mu.Unlock()

	entry.order, entry.err = place()
	entry.expires = d.now().Add(d.retention)
	close(entry.done)

	if entry.err != nil {
		d.mu.Lock()
		delete(d.entries, token)
		d.mu.Unlock()
	}
	return entry.order, entry.err
}

// Seen reports whether the token currently occupies the window.
func (d *Dedup) Seen(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked()
	_, ok := d.entries[token]
	return ok
}

// Len returns the number of tokens held in the window.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked()
	return len(d.entries)
}

func (d *Dedup) evictLocked() {
	now := d.now()
	for token, entry := range d.entries {
		select {
		case <-entry.done:
		default:
			continue
		}
		if now.After(entry.expires) {
			delete(d.entries, token)
		}
	}
}
