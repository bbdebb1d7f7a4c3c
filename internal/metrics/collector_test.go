package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecordRequest_Counters(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("HIT", 200, time.Millisecond)
	c.RecordRequest("HIT", 200, time.Millisecond)
	c.RecordRequest("MISS", 200, 10*time.Millisecond)
	c.RecordRequest("BYPASS", 502, 5*time.Millisecond)

	stats := c.Stats()
	if stats.TotalRequests != 4 {
		t.Errorf("TotalRequests: got %d, want 4", stats.TotalRequests)
	}
	if stats.CacheHits != 2 || stats.CacheMisses != 1 || stats.Bypasses != 1 {
		t.Errorf("unexpected decision counters: %+v", stats)
	}
	if stats.Errors5xx != 1 {
		t.Errorf("Errors5xx: got %d, want 1", stats.Errors5xx)
	}
	// 2 hits out of 3 lookups.
	if stats.CacheHitRate < 66 || stats.CacheHitRate > 67 {
		t.Errorf("CacheHitRate: got %g", stats.CacheHitRate)
	}
}

func TestTunnelGauges(t *testing.T) {
	c := NewCollector()
	c.TunnelOpened()
	c.TunnelOpened()
	c.TunnelClosed()

	stats := c.Stats()
	if stats.TunnelsOpened != 2 {
		t.Errorf("TunnelsOpened: got %d, want 2", stats.TunnelsOpened)
	}
	if stats.TunnelsActive != 1 {
		t.Errorf("TunnelsActive: got %d, want 1", stats.TunnelsActive)
	}
}

func TestRecordRequest_Concurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.RecordRequest("MISS", 200, time.Millisecond)
			}
		}()
	}
	wg.Wait()
	if got := c.Stats().TotalRequests; got != 4000 {
		t.Errorf("TotalRequests: got %d, want 4000", got)
	}
}

func TestPrometheusHandler_Exposition(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("HIT", 200, time.Millisecond)
	c.RecordUpstreamError("timeout")

	gauges := func() map[string]float64 {
		return map[string]float64{"cachetap_cache_entries": 7}
	}

	rec := httptest.NewRecorder()
	PrometheusHandler(c, gauges)(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"cachetap_requests_total 1",
		"cachetap_cache_hits_total 1",
		`cachetap_upstream_errors_total{kind="timeout"} 1`,
		`cachetap_requests_by_outcome_total{decision="HIT",status="2xx"} 1`,
		"cachetap_cache_entries 7",
		"cachetap_request_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("unexpected content type %q", got)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 502: "5xx", 100: "1xx"}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d): got %q, want %q", status, got, want)
		}
	}
}
