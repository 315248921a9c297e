package exchange

import (
	"time"

	"tradewire/pkg/core"
)

// Option customizes a single request.
type Option func(*Options)

// Options carries the per-request knobs shared across exchanges. Adapters
// translate only the fields relevant to each endpoint.
type Options struct {
	Limit      int
	Interval   string
	StartTime  time.Time
	EndTime    time.Time
	MarketType core.MarketType
	// Before and After are opaque pagination cursors, exchange-defined.
	Before string
	After  string
}

func WithLimit(limit int) Option {
	return func(o *Options) {
		o.Limit = limit
	}
}

func WithInterval(interval string) Option {
	return func(o *Options) {
		o.Interval = interval
	}
}

func WithTimeRange(start, end time.Time) Option {
	return func(o *Options) {
		o.StartTime = start
		o.EndTime = end
	}
}

func WithMarketType(mt core.MarketType) Option {
	return func(o *Options) {
		o.MarketType = mt
	}
}

// WithBefore requests the page preceding the cursor.
func WithBefore(cursor string) Option {
	return func(o *Options) {
		o.Before = cursor
	}
}

// WithAfter requests the page following the cursor.
func WithAfter(cursor string) Option {
	return func(o *Options) {
		o.After = cursor
	}
}

func ApplyOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
