// Package events carries cache telemetry from the request path to the
// external event bus without ever blocking the proxy.
package events

// Decision is the cache outcome recorded on an event.
type Decision string

const (
	DecisionHit    Decision = "HIT"
	DecisionMiss   Decision = "MISS"
	DecisionBypass Decision = "BYPASS"
)

// Event is one completed request, in the wire schema consumed by the bus.
// Optional fields are omitted when empty.
type Event struct {
	Fingerprint  string   `json:"fingerprint"`
	Method       string   `json:"method"`
	URL          string   `json:"url"`
	Status       int      `json:"status"`
	CacheStatus  Decision `json:"cache_status"`
	UpstreamHost string   `json:"upstream_host,omitempty"`
	TimestampMs  int64    `json:"timestamp_ms"`
	LatencyMs    int64    `json:"latency_ms"`
	SizeBytes    int64    `json:"size_bytes"`
	Principal    string   `json:"principal,omitempty"`
}
