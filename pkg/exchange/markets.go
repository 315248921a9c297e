package exchange

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"tradewire/pkg/core"
)

// MarketCache holds an exchange's market catalog and refreshes it when it
// goes stale. Market metadata (precision, minimum sizes, active flags)
// changes rarely, so callers that validate many orders read from the cache
// instead of re-fetching the catalog per request.
type MarketCache struct {
	fetch func(ctx context.Context) ([]core.Market, error)
	ttl   time.Duration

	mu      sync.Mutex
	markets map[string]core.Market
	fetched time.Time
}

// NewMarketCache creates a cache over the given fetch function. A
// non-positive ttl defaults to one hour. The catalog is loaded lazily on
// first access.
func NewMarketCache(fetch func(ctx context.Context) ([]core.Market, error), ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MarketCache{
		fetch:   fetch,
		ttl:     ttl,
		markets: make(map[string]core.Market),
	}
}

// Get returns the market for a symbol, refreshing the catalog if it has
// never been loaded or has gone stale. An unknown symbol after a fresh
// catalog is a rejection, not a retryable condition.
func (c *MarketCache) Get(ctx context.Context, symbol string) (core.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureFreshLocked(ctx); err != nil {
		return core.Market{}, err
	}
	m, ok := c.markets[symbol]
	if !ok {
		return core.Market{}, core.NewExchangeError("", core.ErrorTypeRejected, 0, "unknown market "+symbol)
	}
	return m, nil
}

// All returns every cached market sorted by symbol, refreshing first when
// stale.
func (c *MarketCache) All(ctx context.Context) ([]core.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureFreshLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b core.Market) int {
		return strings.Compare(a.Symbol, b.Symbol)
	})
	return out, nil
}

// Refresh re-fetches the catalog unconditionally. A failed fetch leaves the
// previous catalog in place.
func (c *MarketCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// Age reports how long ago the catalog was last fetched, or a negative
// duration when it has never been loaded.
func (c *MarketCache) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetched.IsZero() {
		return -1
	}
	return time.Since(c.fetched)
}

func (c *MarketCache) ensureFreshLocked(ctx context.Context) error {
	if !c.fetched.IsZero() && time.Since(c.fetched) < c.ttl {
		return nil
	}
	err := c.refreshLocked(ctx)
	// Stale data beats no data when a refresh fails mid-flight.
	if err != nil && !c.fetched.IsZero() {
		return nil
	}
	return err
}

func (c *MarketCache) refreshLocked(ctx context.Context) error {
	markets, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]core.Market, len(markets))
	for _, m := range markets {
		next[m.Symbol] = m
	}
	c.markets = next
	c.fetched = time.Now()
	return nil
}
