package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Bus is the external event sink. Implementations must tolerate being called
// from a single background worker with batches of up to the configured batch
// size. Delivery is at-most-once; a returned error means the whole batch is
// counted as failed and never retried.
type Bus interface {
	Publish(ctx context.Context, batch []Event) error
}

// HTTPBus forwards event batches as NDJSON POSTs to a collector endpoint.
type HTTPBus struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPBus creates an HTTPBus. token may be empty for unauthenticated
// collectors.
func NewHTTPBus(endpoint, token string, timeout time.Duration) *HTTPBus {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPBus{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// Publish encodes the batch as newline-delimited JSON and posts it.
func (b *HTTPBus) Publish(ctx context.Context, batch []Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			return fmt.Errorf("events: encoding batch: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("events: creating bus request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("events: posting to bus: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("events: bus returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiBus fans a batch out to several buses. The batch counts as delivered
// when every bus accepts it; the first error is returned after all buses
// have been offered the batch.
func MultiBus(buses []Bus) Bus {
	return multiBus(buses)
}

type multiBus []Bus

func (m multiBus) Publish(ctx context.Context, batch []Event) error {
	var firstErr error
	for _, b := range m {
		if err := b.Publish(ctx, batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogBus writes events to the logger at debug level. Used when no collector
// endpoint is configured, and by tests.
type LogBus struct {
	Logger zerolog.Logger
}

// Publish logs each event in the batch.
func (b *LogBus) Publish(_ context.Context, batch []Event) error {
	for i := range batch {
		e := &batch[i]
		b.Logger.Debug().
			Str("fingerprint", e.Fingerprint).
			Str("method", e.Method).
			Str("url", e.URL).
			Int("status", e.Status).
			Str("cache_status", string(e.CacheStatus)).
			Int64("latency_ms", e.LatencyMs).
			Int64("size_bytes", e.SizeBytes).
			Msg("cache event")
	}
	return nil
}
