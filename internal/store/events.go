package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/allaspectsdev/cachetap/internal/events"
)

// EventRecord is one journalled cache event.
type EventRecord struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	Fingerprint  string `json:"fingerprint"`
	Method       string `json:"method"`
	URL          string `json:"url"`
	Status       int    `json:"status"`
	CacheStatus  string `json:"cache_status"`
	UpstreamHost string `json:"upstream_host,omitempty"`
	LatencyMs    int64  `json:"latency_ms"`
	SizeBytes    int64  `json:"size_bytes"`
	Principal    string `json:"principal,omitempty"`
}

// EventStats holds aggregate counters over the journal.
type EventStats struct {
	TotalEvents int64 `json:"total_events"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Bypasses    int64 `json:"bypasses"`
	TotalBytes  int64 `json:"total_bytes"`
}

// Publish appends a batch of events to the journal, satisfying events.Bus so
// the Store can sit behind the publisher alongside (or instead of) the HTTP
// bus. The batch is written in one transaction.
func (s *Store) Publish(ctx context.Context, batch []events.Event) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin event batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			id, timestamp, fingerprint, method, url, status,
			cache_status, upstream_host, latency_ms, size_bytes, principal
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare event insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		e := &batch[i]
		ts := time.UnixMilli(e.TimestampMs).UTC().Format(time.RFC3339Nano)
		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(), ts, e.Fingerprint, e.Method, e.URL, e.Status,
			string(e.CacheStatus), e.UpstreamHost, e.LatencyMs, e.SizeBytes, e.Principal,
		); err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns the newest limit events, most recent first.
func (s *Store) RecentEvents(limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader.Query(`
		SELECT id, timestamp, fingerprint, method, url, status,
		       cache_status, upstream_host, latency_ms, size_bytes, principal
		FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query recent events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Fingerprint, &r.Method, &r.URL, &r.Status,
			&r.CacheStatus, &r.UpstreamHost, &r.LatencyMs, &r.SizeBytes, &r.Principal,
		); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// EventStats aggregates hit/miss/bypass counts and total bytes served.
func (s *Store) EventStats() (*EventStats, error) {
	var stats EventStats
	err := s.reader.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN cache_status = 'HIT' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN cache_status = 'MISS' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN cache_status = 'BYPASS' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(size_bytes), 0)
		FROM events`).Scan(
		&stats.TotalEvents, &stats.Hits, &stats.Misses, &stats.Bypasses, &stats.TotalBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("store: event stats: %w", err)
	}
	return &stats, nil
}

// Prune removes journalled events older than retentionDays. It returns the
// number of rows deleted.
func (s *Store) Prune(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	result, err := s.writer.Exec("DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune rows affected: %w", err)
	}
	return n, nil
}
