package events

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// ---------------------------------------------------------------------------
// Mock bus
// ---------------------------------------------------------------------------

type mockBus struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (m *mockBus) Publish(_ context.Context, batch []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := make([]Event, len(batch))
	copy(cp, batch)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockBus) events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Event
	for _, b := range m.batches {
		all = append(all, b...)
	}
	return all
}

type slowBus struct {
	delay time.Duration
}

func (s *slowBus) Publish(context.Context, []Event) error {
	time.Sleep(s.delay)
	return errors.New("bus down")
}

func testEvent(url string) Event {
	return Event{
		Fingerprint: "fp-" + url,
		Method:      "GET",
		URL:         url,
		Status:      200,
		CacheStatus: DecisionMiss,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// ---------------------------------------------------------------------------
// Publisher tests
// ---------------------------------------------------------------------------

func TestPublish_DeliveredInBatches(t *testing.T) {
	bus := &mockBus{}
	p := NewPublisher(bus, 64, 4, 20*time.Millisecond)
	defer p.Close()

	for i := 0; i < 8; i++ {
		p.Publish(testEvent("https://a.test/x"))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(bus.events()) == 8 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 8 delivered events, got %d", len(bus.events()))
}

func TestPublish_TimeoutFlushesPartialBatch(t *testing.T) {
	bus := &mockBus{}
	p := NewPublisher(bus, 64, 100, 20*time.Millisecond)
	defer p.Close()

	p.Publish(testEvent("https://a.test/one"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(bus.events()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the single event to flush on batch timeout")
}

func TestPublish_DropsOldestOnOverflow(t *testing.T) {
	// White-box: no worker goroutine, so the queue state is inspected
	// without racing a drain.
	p := &Publisher{
		batchSize:    4,
		batchTimeout: time.Hour,
		ring:         make([]Event, 4),
		notify:       make(chan struct{}, 1),
	}

	for _, url := range []string{"a", "b", "c", "d", "e", "f"} {
		p.Publish(testEvent("https://a.test/" + url))
	}

	stats := p.Stats()
	if stats.Dropped != 2 {
		t.Errorf("expected 2 dropped events, got %d", stats.Dropped)
	}
	if stats.Queued != 4 {
		t.Errorf("expected 4 queued events, got %d", stats.Queued)
	}

	// The survivors are the NEWEST four; the oldest two were dropped.
	batch := p.take(4)
	if got := batch[0].URL; got != "https://a.test/c" {
		t.Errorf("expected oldest survivor c, got %s", got)
	}
	if got := batch[3].URL; got != "https://a.test/f" {
		t.Errorf("expected newest survivor f, got %s", got)
	}
}

func TestPublish_NeverBlocks(t *testing.T) {
	// A slow, failing bus keeps the worker busy so the queue stays full.
	bus := &slowBus{delay: 10 * time.Millisecond}
	p := NewPublisher(bus, 8, 8, time.Hour)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			p.Publish(testEvent("https://a.test/flood"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked under a full queue")
	}
	if p.Stats().Dropped == 0 {
		t.Error("expected drops to be counted")
	}
}

func TestPublish_FailuresCountedNotRetried(t *testing.T) {
	bus := &mockBus{err: errors.New("bus down")}
	p := NewPublisher(bus, 64, 2, 10*time.Millisecond)
	defer p.Close()

	p.Publish(testEvent("https://a.test/x"))
	p.Publish(testEvent("https://a.test/y"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Failed == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.Stats().Failed; got != 2 {
		t.Fatalf("expected 2 failed events, got %d", got)
	}

	// The failed batch is gone; nothing to re-deliver once the bus recovers.
	bus.mu.Lock()
	bus.err = nil
	bus.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	if got := len(bus.events()); got != 0 {
		t.Errorf("expected no redelivery after failure, got %d events", got)
	}
}

func TestClose_FlushesPending(t *testing.T) {
	bus := &mockBus{}
	p := NewPublisher(bus, 64, 100, time.Hour)

	for i := 0; i < 5; i++ {
		p.Publish(testEvent("https://a.test/pending"))
	}
	p.Close()

	if got := len(bus.events()); got != 5 {
		t.Errorf("expected final flush to deliver 5 events, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// HTTPBus tests
// ---------------------------------------------------------------------------

func TestHTTPBus_PostsNDJSONWithAuth(t *testing.T) {
	var gotAuth, gotContentType string
	var lines []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		lines = strings.Split(strings.TrimSpace(string(body)), "\n")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	bus := NewHTTPBus(srv.URL, "sekrit", time.Second)
	batch := []Event{
		{Fingerprint: "fp1", Method: "GET", URL: "https://a.test/1", Status: 200, CacheStatus: DecisionHit},
		{Fingerprint: "fp2", Method: "GET", URL: "https://a.test/2", Status: 200, CacheStatus: DecisionMiss, UpstreamHost: "a.test"},
	}
	if err := bus.Publish(context.Background(), batch); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if gotAuth != "Bearer sekrit" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotContentType != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", gotContentType)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decoding line: %v", err)
	}
	if first["cache_status"] != "HIT" {
		t.Errorf("unexpected cache_status %v", first["cache_status"])
	}
	// Empty optionals are omitted on the wire.
	if _, present := first["upstream_host"]; present {
		t.Error("expected empty upstream_host to be omitted")
	}
	if _, present := first["principal"]; present {
		t.Error("expected empty principal to be omitted")
	}
}

func TestHTTPBus_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	bus := NewHTTPBus(srv.URL, "", time.Second)
	if err := bus.Publish(context.Background(), []Event{testEvent("https://a.test/x")}); err == nil {
		t.Error("expected error for 503 from the bus")
	}
}
