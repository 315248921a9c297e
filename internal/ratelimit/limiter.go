// Package ratelimit bounds outbound request rate per exchange and per
// endpoint class using independent token buckets.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"tradewire/pkg/core"
)

// Limiter admits requests against one token bucket per endpoint class.
// Buckets are independent: saturating the trading class never delays
// market-data requests, and vice versa.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[core.EndpointClass]*rate.Limiter
	metrics *Metrics
}

// Metrics tracks statistics about limiter usage.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
}

// New creates a Limiter with one bucket per configured endpoint class.
func New(limits map[core.EndpointClass]core.ClassLimit) *Limiter {
	buckets := make(map[core.EndpointClass]*rate.Limiter, len(limits))
	for class, limit := range limits {
		buckets[class] = rate.NewLimiter(classRate(limit), limit.Burst)
	}
	return &Limiter{
		buckets: buckets,
		metrics: &Metrics{},
	}
}

func classRate(limit core.ClassLimit) rate.Limit {
	return rate.Limit(float64(limit.Requests) / limit.Period.Seconds())
}

// Wait blocks until the class bucket admits n tokens or the context is done.
// A context deadline surfaces as the context's error so the transport can
// classify it as a timeout.
func (l *Limiter) Wait(ctx context.Context, class core.EndpointClass, n int) error {
	l.metrics.totalRequests.Add(1)
	if n < 1 {
		n = 1
	}
	bucket := l.bucket(class)
	if bucket == nil {
		l.metrics.allowedRequests.Add(1)
		return nil
	}
	if err := bucket.WaitN(ctx, n); err != nil {
		l.metrics.deniedRequests.Add(1)
		return err
	}
	l.metrics.allowedRequests.Add(1)
	return nil
}

// Allow reports whether the class bucket admits one token immediately.
func (l *Limiter) Allow(class core.EndpointClass) bool {
	l.metrics.totalRequests.Add(1)
	bucket := l.bucket(class)
	if bucket == nil {
		l.metrics.allowedRequests.Add(1)
		return true
	}
	allowed := bucket.Allow()
	if allowed {
		l.metrics.allowedRequests.Add(1)
	} else {
		l.metrics.deniedRequests.Add(1)
	}
	return allowed
}

// SetClassLimit replaces the limit for one endpoint class, creating the
// bucket if it does not exist yet.
func (l *Limiter) SetClassLimit(class core.EndpointClass, limit core.ClassLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok := l.buckets[class]; ok {
		bucket.SetLimit(classRate(limit))
		bucket.SetBurst(limit.Burst)
		return
	}
	l.buckets[class] = rate.NewLimiter(classRate(limit), limit.Burst)
}

func (l *Limiter) bucket(class core.EndpointClass) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[class]
}

// Metrics returns a snapshot of the current limiter statistics.
func (l *Limiter) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:   l.metrics.totalRequests.Load(),
		AllowedRequests: l.metrics.allowedRequests.Load(),
		DeniedRequests:  l.metrics.deniedRequests.Load(),
	}
}

// MetricsSnapshot is a point-in-time capture of limiter statistics.
type MetricsSnapshot struct {
	// TotalRequests is the total number of admission checks performed.
	TotalRequests int64
	// AllowedRequests is the number of requests that were admitted.
	AllowedRequests int64
	// DeniedRequests is the number of requests denied or cancelled.
	DeniedRequests int64
}
