package cache

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/allaspectsdev/cachetap/internal/fingerprint"
)

func testFP(t *testing.T, rawURL string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Parse("GET", rawURL)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return fp
}

func testArtifact(body string) *Artifact {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return NewArtifact(200, h, []byte(body))
}

func newTestStore(t *testing.T, capacity int) *Store {
	t.Helper()
	s, err := New(capacity)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_InsertThenGet(t *testing.T) {
	s := newTestStore(t, 128)
	fp := testFP(t, "https://a.test/x")

	s.Insert(fp, testArtifact("ok"), time.Minute)

	a, ok := s.Get(fp)
	if !ok {
		t.Fatal("expected a hit after insert")
	}
	if string(a.Body) != "ok" {
		t.Errorf("unexpected body %q", a.Body)
	}
	if a.Status != 200 {
		t.Errorf("unexpected status %d", a.Status)
	}
}

func TestStore_MissForUnknownKey(t *testing.T) {
	s := newTestStore(t, 128)
	if _, ok := s.Get(testFP(t, "https://a.test/unknown")); ok {
		t.Error("expected a miss for an unknown key")
	}
}

func TestStore_StaleEntryInvisibleAndRemoved(t *testing.T) {
	s := newTestStore(t, 128)
	now := time.Now()
	s.now = func() time.Time { return now }

	fp := testFP(t, "https://a.test/x")
	s.Insert(fp, testArtifact("ok"), time.Second)

	// Advance past the TTL.
	now = now.Add(2 * time.Second)

	if _, ok := s.Get(fp); ok {
		t.Fatal("expected a miss for a stale entry")
	}
	if s.Len() != 0 {
		t.Errorf("expected stale entry to be removed on access, len=%d", s.Len())
	}
}

func TestStore_EntryFreshAtBoundary(t *testing.T) {
	s := newTestStore(t, 128)
	now := time.Now()
	s.now = func() time.Time { return now }

	fp := testFP(t, "https://a.test/x")
	s.Insert(fp, testArtifact("ok"), time.Second)

	// Exactly at stored_at + ttl the entry is stale (strict inequality).
	now = now.Add(time.Second)
	if _, ok := s.Get(fp); ok {
		t.Error("expected entry to be stale at exactly stored_at+ttl")
	}
}

func TestStore_NonPositiveTTLNotStored(t *testing.T) {
	s := newTestStore(t, 128)
	fp := testFP(t, "https://a.test/x")
	s.Insert(fp, testArtifact("ok"), 0)
	if s.Len() != 0 {
		t.Error("expected zero-TTL insert to be dropped")
	}
}

func TestStore_CapacityBound(t *testing.T) {
	const capacity = 64
	s := newTestStore(t, capacity)
	for i := 0; i < capacity*4; i++ {
		fp := testFP(t, fmt.Sprintf("https://a.test/item/%d", i))
		s.Insert(fp, testArtifact("x"), time.Minute)
	}
	if got := s.Len(); got > capacity {
		t.Errorf("store exceeded capacity: %d > %d", got, capacity)
	}
	if s.Stats().Evictions == 0 {
		t.Error("expected evictions to be counted")
	}
}

func TestStore_Invalidate(t *testing.T) {
	s := newTestStore(t, 128)
	fp := testFP(t, "https://a.test/x")
	s.Insert(fp, testArtifact("ok"), time.Minute)
	s.Invalidate(fp)
	if _, ok := s.Get(fp); ok {
		t.Error("expected a miss after invalidate")
	}
}

func TestStore_ByteAccounting(t *testing.T) {
	s := newTestStore(t, 128)
	fp := testFP(t, "https://a.test/x")
	a := testArtifact("0123456789")

	s.Insert(fp, a, time.Minute)
	if got := s.Stats().Bytes; got != a.Size() {
		t.Errorf("expected %d accounted bytes, got %d", a.Size(), got)
	}

	s.Invalidate(fp)
	if got := s.Stats().Bytes; got != 0 {
		t.Errorf("expected zero accounted bytes after invalidate, got %d", got)
	}
}

func TestStore_ReplaceKeepsAccountingBalanced(t *testing.T) {
	s := newTestStore(t, 128)
	fp := testFP(t, "https://a.test/x")

	s.Insert(fp, testArtifact("first"), time.Minute)
	replacement := testArtifact("second-longer-body")
	s.Insert(fp, replacement, time.Minute)

	if got := s.Stats().Bytes; got != replacement.Size() {
		t.Errorf("expected %d accounted bytes after replace, got %d", replacement.Size(), got)
	}
}

func TestStore_Reap(t *testing.T) {
	s := newTestStore(t, 128)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Insert(testFP(t, "https://a.test/short"), testArtifact("x"), time.Second)
	s.Insert(testFP(t, "https://a.test/long"), testArtifact("y"), time.Hour)

	now = now.Add(2 * time.Second)
	if removed := s.Reap(); removed != 1 {
		t.Errorf("expected 1 reaped entry, got %d", removed)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 surviving entry, got %d", s.Len())
	}
}

func TestStore_ConcurrentDistinctKeys(t *testing.T) {
	s := newTestStore(t, 4096)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				fp := testFP(t, fmt.Sprintf("https://a.test/g%d/i%d", g, i))
				s.Insert(fp, testArtifact("v"), time.Minute)
				if _, ok := s.Get(fp); !ok {
					t.Errorf("expected hit for freshly inserted key g=%d i=%d", g, i)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestArtifact_HeaderValueCaseInsensitive(t *testing.T) {
	a := testArtifact("x")
	if v, ok := a.HeaderValue("content-type"); !ok || v != "text/plain" {
		t.Errorf("expected case-insensitive header lookup, got %q %v", v, ok)
	}
}

func TestArtifact_CloneSharesBody(t *testing.T) {
	a := testArtifact("shared")
	clone := *a
	if &clone.Body[0] != &a.Body[0] {
		t.Error("expected cloned artifact to share body bytes")
	}
}
