package proxy

import (
	"testing"
	"time"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute, 1)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker open after %d failures, threshold is 3", i+1)
		}
	}
	b.RecordFailure()
	if b.Allow() {
		t.Error("breaker must be open after the threshold failure")
	}
	if b.State() != BreakerOpen {
		t.Errorf("state: got %v, want open", b.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(2, time.Minute, 1)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if !b.Allow() {
		t.Error("interleaved success must reset the consecutive count")
	}
}

func TestBreaker_HalfOpenProbeAndRecovery(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond, 2)
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected open circuit")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open probe after reset timeout")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state: got %v, want half-open", b.State())
	}

	b.RecordSuccess()
	if b.State() != BreakerHalfOpen {
		t.Error("one success of two must keep the circuit half-open")
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Error("enough successes must close the circuit")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond, 1)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected half-open probe")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Error("half-open failure must reopen the circuit")
	}
}

func TestBreakerRegistry_PerHost(t *testing.T) {
	r := NewBreakerRegistry(1, time.Minute, 1)
	r.Get("a.test:443").RecordFailure()

	if r.Get("a.test:443").Allow() {
		t.Error("a.test breaker must be open")
	}
	if !r.Get("b.test:443").Allow() {
		t.Error("b.test breaker must be independent")
	}
	if r.Get("a.test:443") != r.Get("a.test:443") {
		t.Error("registry must return the same breaker per host")
	}
}

func TestClientLimiter_BurstThenThrottle(t *testing.T) {
	l := NewClientLimiter(1, 2)

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst of 2 must be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Error("third immediate request must be throttled")
	}
	// A different client has its own bucket.
	if !l.Allow("10.0.0.2") {
		t.Error("distinct clients must not share buckets")
	}
}

func TestClientLimiter_Refills(t *testing.T) {
	l := NewClientLimiter(20, 1)
	if !l.Allow("10.0.0.1") {
		t.Fatal("first request must pass")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("bucket must be empty")
	}
	time.Sleep(100 * time.Millisecond)
	if !l.Allow("10.0.0.1") {
		t.Error("bucket must refill at the configured rate")
	}
}
