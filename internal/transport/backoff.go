package transport

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy describes how failed attempts are retried: exponential delays
// with jitter, bounded by an attempt count and a total elapsed budget.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// MaxElapsed bounds the total time spent across attempts and waits.
	MaxElapsed time.Duration
	// BaseWait is the delay before the first retry.
	BaseWait time.Duration
	// MaxWait caps the delay between attempts.
	MaxWait time.Duration
	// Multiplier grows the delay after each attempt.
	Multiplier float64
	// Jitter randomizes each delay within ±(Jitter/2) of its nominal value,
	// expressed as a fraction (0.2 means ±10%).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when the config does not
// override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		MaxElapsed:  30 * time.Second,
		BaseWait:    100 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Backoff is the retry loop's explicit state: attempt count, start time, and
// the next nominal delay. Keeping it a standalone value makes the policy
// testable without any HTTP machinery behind it.
type Backoff struct {
	policy  RetryPolicy
	attempt int
	start   time.Time
	next    time.Duration
	now     func() time.Time
	randFn  func() float64
}

// NewBackoff starts a fresh retry state under the given policy.
func NewBackoff(policy RetryPolicy) *Backoff {
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2.0
	}
	return &Backoff{
		policy: policy,
		start:  time.Now(),
		next:   policy.BaseWait,
		now:    time.Now,
		randFn: rand.Float64,
	}
}

// Attempt returns the number of attempts consumed so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Next consumes one attempt and returns the delay to wait before the
// following attempt. ok is false when the attempt or elapsed budget is
// spent, meaning the caller must stop retrying and surface the last error.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}
	if b.policy.MaxElapsed > 0 && b.now().Sub(b.start) >= b.policy.MaxElapsed {
		return 0, false
	}

	delay = b.jitter(b.next)

	b.next = time.Duration(float64(b.next) * b.policy.Multiplier)
	if b.policy.MaxWait > 0 && b.next > b.policy.MaxWait {
		b.next = b.policy.MaxWait
	}
	return delay, true
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	if b.policy.Jitter <= 0 {
		return d
	}
	// Spread the delay uniformly across [d*(1-j/2), d*(1+j/2)].
	factor := 1 - b.policy.Jitter/2 + b.randFn()*b.policy.Jitter
	return time.Duration(float64(d) * factor)
}
