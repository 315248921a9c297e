// Package circuitbreaker sheds load toward an exchange that is failing
// repeatedly, before the retry loop burns its budget against it.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	FailThreshold    int           `json:"fail_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
}

// Breaker trips open after FailThreshold consecutive failures, rejects
// requests for Timeout, then admits probes in half-open state until
// SuccessThreshold consecutive successes close it again.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailTime time.Time
	config       Config
	metrics      *Metrics
}

type Metrics struct {
	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	stateChanges    atomic.Int32
}

func New(config Config) *Breaker {
	return &Breaker{
		state:   StateClosed,
		config:  config,
		metrics: &Metrics{},
	}
}

// Allow reports whether a request may proceed. An open breaker admits one
// probe once the timeout has elapsed, moving to half-open.
func (b *Breaker) Allow() bool {
	b.metrics.totalRequests.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailTime) >= b.config.Timeout {
			b.transitionTo(StateHalfOpen)
			b.successes = 0
			return true
		}
		return false
	}
	return false
}

// Record feeds the outcome of an admitted request back into the breaker.
func (b *Breaker) Record(success bool) {
	if success {
		b.metrics.successRequests.Add(1)
	} else {
		b.metrics.failedRequests.Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.config.FailThreshold {
			b.lastFailTime = time.Now()
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			b.lastFailTime = time.Now()
			b.successes = 0
			b.transitionTo(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transitionTo(StateClosed)
		}
	case StateOpen:
		if !success {
			b.lastFailTime = time.Now()
		}
	}
}

func (b *Breaker) transitionTo(newState State) {
	b.state = newState
	b.metrics.stateChanges.Add(1)
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		TotalRequests:   b.metrics.totalRequests.Load(),
		SuccessRequests: b.metrics.successRequests.Load(),
		FailedRequests:  b.metrics.failedRequests.Load(),
		StateChanges:    b.metrics.stateChanges.Load(),
		CurrentState:    b.State().String(),
	}
}

type MetricsSnapshot struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	StateChanges    int32
	CurrentState    string
}
