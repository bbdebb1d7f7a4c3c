package policy

import (
	"net/http"
	"testing"
	"time"
)

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	return New(10_000_000, time.Hour, 24*time.Hour)
}

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

// ---------------------------------------------------------------------------
// IsCacheable tests
// ---------------------------------------------------------------------------

func TestIsCacheable_GetOK(t *testing.T) {
	p := newTestPolicy(t)
	if !p.IsCacheable("GET", 200, 2, headers(), headers()) {
		t.Error("expected plain GET 200 to be cacheable")
	}
}

func TestIsCacheable_MethodGate(t *testing.T) {
	p := newTestPolicy(t)
	for _, method := range []string{"POST", "PUT", "DELETE", "PATCH", "CONNECT"} {
		if p.IsCacheable(method, 200, 2, headers(), headers()) {
			t.Errorf("expected %s to be non-cacheable", method)
		}
	}
	if !p.IsCacheable("HEAD", 200, 0, headers(), headers()) {
		t.Error("expected HEAD to be cacheable")
	}
}

func TestIsCacheable_StatusGate(t *testing.T) {
	p := newTestPolicy(t)
	for _, status := range []int{201, 202, 302, 400, 401, 403, 500, 502, 503} {
		if p.IsCacheable("GET", status, 2, headers(), headers()) {
			t.Errorf("expected status %d to be non-cacheable", status)
		}
	}
	for _, status := range []int{200, 203, 204, 206, 300, 301, 404, 405, 410, 414, 501} {
		if !p.IsCacheable("GET", status, 2, headers(), headers()) {
			t.Errorf("expected status %d to be cacheable", status)
		}
	}
}

func TestIsCacheable_BodySizeCap(t *testing.T) {
	p := New(100, time.Hour, 0)
	if p.IsCacheable("GET", 200, 101, headers(), headers()) {
		t.Error("expected oversized body to be non-cacheable")
	}
	if !p.IsCacheable("GET", 200, 100, headers(), headers()) {
		t.Error("expected body at the cap to be cacheable")
	}
}

func TestIsCacheable_ResponseDirectives(t *testing.T) {
	p := newTestPolicy(t)
	for _, cc := range []string{"no-store", "private", "no-cache", "max-age=60, no-store"} {
		if p.IsCacheable("GET", 200, 2, headers(), headers("Cache-Control", cc)) {
			t.Errorf("expected Cache-Control %q to forbid storage", cc)
		}
	}
	if !p.IsCacheable("GET", 200, 2, headers(), headers("Cache-Control", "max-age=60")) {
		t.Error("expected max-age alone to permit storage")
	}
}

func TestIsCacheable_AuthorizationRequiresPublic(t *testing.T) {
	p := newTestPolicy(t)
	req := headers("Authorization", "Bearer secret")
	if p.IsCacheable("GET", 200, 2, req, headers()) {
		t.Error("expected Authorization without public to forbid storage")
	}
	if !p.IsCacheable("GET", 200, 2, req, headers("Cache-Control", "public, max-age=60")) {
		t.Error("expected public directive to allow storage with Authorization")
	}
}

func TestIsCacheable_Vary(t *testing.T) {
	p := newTestPolicy(t)
	if p.IsCacheable("GET", 200, 2, headers(), headers("Vary", "Accept")) {
		t.Error("expected Vary: Accept to forbid storage")
	}
	if p.IsCacheable("GET", 200, 2, headers(), headers("Vary", "Accept-Encoding, User-Agent")) {
		t.Error("expected Vary listing User-Agent to forbid storage")
	}
	if !p.IsCacheable("GET", 200, 2, headers(), headers("Vary", "Accept-Encoding")) {
		t.Error("expected Vary: Accept-Encoding alone to permit storage")
	}
}

// ---------------------------------------------------------------------------
// TTL tests
// ---------------------------------------------------------------------------

func TestTTL_MaxAgeWins(t *testing.T) {
	p := newTestPolicy(t)
	now := time.Now()
	h := headers(
		"Cache-Control", "max-age=60",
		"Expires", now.Add(10*time.Minute).UTC().Format(http.TimeFormat),
	)
	if got := p.TTL(h, now); got != 60*time.Second {
		t.Errorf("expected max-age to win, got %v", got)
	}
}

func TestTTL_ExpiresFallback(t *testing.T) {
	p := newTestPolicy(t)
	now := time.Now()
	h := headers("Expires", now.Add(10*time.Minute).UTC().Format(http.TimeFormat))
	got := p.TTL(h, now)
	// http.TimeFormat has one-second granularity.
	if got < 9*time.Minute || got > 10*time.Minute {
		t.Errorf("expected roughly 10m from Expires, got %v", got)
	}
}

func TestTTL_PastExpiresIsZero(t *testing.T) {
	p := newTestPolicy(t)
	now := time.Now()
	h := headers("Expires", now.Add(-time.Minute).UTC().Format(http.TimeFormat))
	if got := p.TTL(h, now); got != 0 {
		t.Errorf("expected zero TTL for past Expires, got %v", got)
	}
}

func TestTTL_DefaultWhenNoDirectives(t *testing.T) {
	p := newTestPolicy(t)
	if got := p.TTL(headers(), time.Now()); got != time.Hour {
		t.Errorf("expected default TTL, got %v", got)
	}
}

func TestTTL_CeilingApplied(t *testing.T) {
	p := New(0, time.Hour, 2*time.Hour)
	h := headers("Cache-Control", "max-age=86400")
	if got := p.TTL(h, time.Now()); got != 2*time.Hour {
		t.Errorf("expected TTL clamped to ceiling, got %v", got)
	}
}
