package proxy

import (
	"sync"
	"time"
)

// tokenBucket implements a token-bucket rate limiter for a single client.
type tokenBucket struct {
	rate       float64 // tokens per second
	burst      int     // max burst size
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// newTokenBucket creates a bucket starting full.
func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// allow consumes one token if available.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > float64(tb.burst) {
		tb.tokens = float64(tb.burst)
	}
	tb.lastRefill = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// ClientLimiter throttles requests per client IP. Buckets are created
// lazily and swept once they have been idle long enough to refill, so the
// map cannot grow without bound under address churn.
type ClientLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rate    float64
	burst   int

	lastSweep time.Time
}

// sweepInterval bounds how often the idle-bucket sweep runs.
const sweepInterval = 10 * time.Minute

// NewClientLimiter creates a limiter allowing rate requests per second with
// the given burst per client.
func NewClientLimiter(rate float64, burst int) *ClientLimiter {
	return &ClientLimiter{
		buckets:   make(map[string]*tokenBucket),
		rate:      rate,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow reports whether the client identified by addr may proceed.
func (l *ClientLimiter) Allow(addr string) bool {
	l.mu.Lock()
	if time.Since(l.lastSweep) > sweepInterval {
		l.sweepLocked()
	}
	tb, ok := l.buckets[addr]
	if !ok {
		tb = newTokenBucket(l.rate, l.burst)
		l.buckets[addr] = tb
	}
	l.mu.Unlock()

	return tb.allow()
}

// sweepLocked drops buckets idle long enough to be full again.
func (l *ClientLimiter) sweepLocked() {
	idle := time.Duration(float64(l.burst)/l.rate)*time.Second + time.Minute
	cutoff := time.Now().Add(-idle)
	for addr, tb := range l.buckets {
		tb.mu.Lock()
		stale := tb.lastRefill.Before(cutoff)
		tb.mu.Unlock()
		if stale {
			delete(l.buckets, addr)
		}
	}
	l.lastSweep = time.Now()
}
