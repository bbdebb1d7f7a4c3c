package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/allaspectsdev/cachetap/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func journalEvent(decision events.Decision, size int64, ts time.Time) events.Event {
	return events.Event{
		Fingerprint: "fp",
		Method:      "GET",
		URL:         "https://a.test/x",
		Status:      200,
		CacheStatus: decision,
		TimestampMs: ts.UnixMilli(),
		SizeBytes:   size,
	}
}

func TestOpen_MigratesSchema(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	version, err := s.currentVersion()
	if err != nil {
		t.Fatalf("currentVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	// A second open against the same file must not re-run migrations.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer s2.Close()
}

func TestPublish_AndRecentEvents(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	batch := []events.Event{
		journalEvent(events.DecisionMiss, 100, now.Add(-2*time.Second)),
		journalEvent(events.DecisionHit, 100, now.Add(-time.Second)),
		journalEvent(events.DecisionHit, 100, now),
	}
	if err := s.Publish(context.Background(), batch); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	records, err := s.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	// Most recent first.
	if records[0].CacheStatus != "HIT" {
		t.Errorf("expected newest record first, got %s", records[0].CacheStatus)
	}
	if records[0].URL != "https://a.test/x" {
		t.Errorf("unexpected URL %q", records[0].URL)
	}
}

func TestEventStats_Aggregates(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	batch := []events.Event{
		journalEvent(events.DecisionMiss, 10, now),
		journalEvent(events.DecisionHit, 20, now),
		journalEvent(events.DecisionHit, 30, now),
		journalEvent(events.DecisionBypass, 40, now),
	}
	if err := s.Publish(context.Background(), batch); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	stats, err := s.EventStats()
	if err != nil {
		t.Fatalf("EventStats: %v", err)
	}
	if stats.TotalEvents != 4 || stats.Hits != 2 || stats.Misses != 1 || stats.Bypasses != 1 {
		t.Errorf("unexpected aggregates: %+v", stats)
	}
	if stats.TotalBytes != 100 {
		t.Errorf("expected 100 total bytes, got %d", stats.TotalBytes)
	}
}

func TestPrune_RemovesOldEvents(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().AddDate(0, 0, -30)
	recent := time.Now()

	if err := s.Publish(context.Background(), []events.Event{
		journalEvent(events.DecisionMiss, 1, old),
		journalEvent(events.DecisionHit, 1, recent),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deleted, err := s.Prune(14)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 pruned row, got %d", deleted)
	}

	records, err := s.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 surviving record, got %d", len(records))
	}
}
