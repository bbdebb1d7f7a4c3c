package proxy

import (
	"sync"
	"time"
)

// BreakerState represents the state of an origin circuit breaker.
type BreakerState int

const (
	// BreakerClosed means the origin is healthy; requests flow through.
	BreakerClosed BreakerState = iota
	// BreakerOpen means the origin has tripped; fetches fail fast.
	BreakerOpen
	// BreakerHalfOpen means the origin is being probed for recovery.
	BreakerHalfOpen
)

// Breaker is a per-origin-host circuit breaker:
// Closed → Open after failureThreshold consecutive transport failures,
// Open → HalfOpen once resetTimeout elapses,
// HalfOpen → Closed after halfOpenMax consecutive successes, or back to
// Open on any failure. A tripped breaker turns dials toward a dead origin
// into immediate 502s instead of held connections.
type Breaker struct {
	mu sync.Mutex

	state            BreakerState
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureTime     time.Time
}

// NewBreaker creates a Breaker with the given thresholds.
func NewBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *Breaker {
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

// Allow reports whether a fetch should be permitted. In the Open state it
// transitions to HalfOpen once the reset timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailureTime) >= b.resetTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess notes a successful exchange. In HalfOpen, enough successes
// close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0

	if b.state == BreakerHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenMax {
			b.state = BreakerClosed
		}
	}
}

// RecordFailure notes a transport failure. Closed trips to Open at the
// threshold; HalfOpen trips straight back to Open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.halfOpenSuccesses = 0
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerRegistry holds one Breaker per origin host, created lazily.
type BreakerRegistry struct {
	mu sync.Mutex

	breakers         map[string]*Breaker
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
}

// NewBreakerRegistry creates a registry whose breakers share thresholds.
func NewBreakerRegistry(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

// Get returns the breaker for host, creating it on first use.
func (r *BreakerRegistry) Get(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[host]
	if !ok {
		b = NewBreaker(r.failureThreshold, r.resetTimeout, r.halfOpenMax)
		r.breakers[host] = b
	}
	return b
}
