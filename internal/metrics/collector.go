package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// labeledCounter tracks a counter value for a specific label combination.
type labeledCounter struct {
	labels map[string]string
	value  int64
}

// histogram tracks a distribution of observed values using pre-defined buckets.
type histogram struct {
	mu      sync.Mutex
	labels  map[string]string
	buckets []float64 // upper bounds, sorted ascending
	counts  []int64   // count per bucket
	sum     float64
	count   int64
}

func newHistogram(labels map[string]string, buckets []float64) *histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &histogram{
		labels:  labels,
		buckets: sorted,
		counts:  make([]int64, len(sorted)),
	}
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
			break
		}
	}
}

// counterVec is a thread-safe collection of labeled counters.
type counterVec struct {
	mu       sync.RWMutex
	counters map[string]*labeledCounter
}

func newCounterVec() *counterVec {
	return &counterVec{counters: make(map[string]*labeledCounter)}
}

func (cv *counterVec) inc(labels map[string]string) {
	key := labelsKey(labels)
	cv.mu.Lock()
	c, ok := cv.counters[key]
	if !ok {
		c = &labeledCounter{labels: copyLabels(labels)}
		cv.counters[key] = c
	}
	cv.mu.Unlock()
	atomic.AddInt64(&c.value, 1)
}

func (cv *counterVec) snapshot() []labeledCounter {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	result := make([]labeledCounter, 0, len(cv.counters))
	for _, c := range cv.counters {
		result = append(result, labeledCounter{
			labels: copyLabels(c.labels),
			value:  atomic.LoadInt64(&c.value),
		})
	}
	return result
}

// histogramVec is a thread-safe collection of labeled histograms.
type histogramVec struct {
	mu         sync.RWMutex
	histograms map[string]*histogram
	buckets    []float64
}

func newHistogramVec(buckets []float64) *histogramVec {
	return &histogramVec{
		histograms: make(map[string]*histogram),
		buckets:    buckets,
	}
}

func (hv *histogramVec) observe(labels map[string]string, v float64) {
	key := labelsKey(labels)
	hv.mu.RLock()
	h, ok := hv.histograms[key]
	hv.mu.RUnlock()
	if !ok {
		hv.mu.Lock()
		h, ok = hv.histograms[key]
		if !ok {
			h = newHistogram(copyLabels(labels), hv.buckets)
			hv.histograms[key] = h
		}
		hv.mu.Unlock()
	}
	h.observe(v)
}

func (hv *histogramVec) snapshot() []*histogram {
	hv.mu.RLock()
	defer hv.mu.RUnlock()
	result := make([]*histogram, 0, len(hv.histograms))
	for _, h := range hv.histograms {
		h.mu.Lock()
		snap := &histogram{
			labels:  copyLabels(h.labels),
			buckets: h.buckets,
			counts:  make([]int64, len(h.counts)),
			sum:     h.sum,
			count:   h.count,
		}
		copy(snap.counts, h.counts)
		h.mu.Unlock()
		result = append(result, snap)
	}
	return result
}

// gaugeVec tracks a set of labeled gauges that can be set to any value.
type gaugeVec struct {
	mu     sync.RWMutex
	gauges map[string]*labeledGauge
}

type labeledGauge struct {
	labels map[string]string
	value  uint64 // float64 stored via math.Float64bits
}

func newGaugeVec() *gaugeVec {
	return &gaugeVec{gauges: make(map[string]*labeledGauge)}
}

func (gv *gaugeVec) set(labels map[string]string, v float64) {
	key := labelsKey(labels)
	gv.mu.Lock()
	g, ok := gv.gauges[key]
	if !ok {
		g = &labeledGauge{labels: copyLabels(labels)}
		gv.gauges[key] = g
	}
	gv.mu.Unlock()
	atomic.StoreUint64(&g.value, math.Float64bits(v))
}

func (gv *gaugeVec) snapshot() []struct {
	labels map[string]string
	value  float64
} {
	gv.mu.RLock()
	defer gv.mu.RUnlock()
	result := make([]struct {
		labels map[string]string
		value  float64
	}, 0, len(gv.gauges))
	for _, g := range gv.gauges {
		result = append(result, struct {
			labels map[string]string
			value  float64
		}{
			labels: copyLabels(g.labels),
			value:  math.Float64frombits(atomic.LoadUint64(&g.value)),
		})
	}
	return result
}

func labelsKey(labels map[string]string) string {
	// Build a deterministic key from sorted label pairs.
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := ""
	for _, k := range keys {
		key += k + "=" + labels[k] + ","
	}
	return key
}

func copyLabels(labels map[string]string) map[string]string {
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return cp
}

// Collector tracks live proxy metrics using atomic counters for lock-free,
// concurrent-safe updates: request throughput, cache performance, tunnel
// activity, upstream failures, and event publishing health.
type Collector struct {
	totalRequests int64
	cacheHits     int64
	cacheMisses   int64
	bypasses      int64
	errors5xx     int64

	tunnelsOpened int64
	tunnelsActive int64
	certsMinted   int64

	activeRequests int64

	startTime time.Time

	// Labeled Prometheus-style metrics.
	requests       *counterVec   // labels: decision, status
	upstreamErrors *counterVec   // labels: kind
	latency        *histogramVec // labels: decision
}

// Stats is a point-in-time snapshot of the collector's counters, suitable
// for JSON serialisation on the admin API.
type Stats struct {
	Uptime         string  `json:"uptime"`
	TotalRequests  int64   `json:"total_requests"`
	CacheHits      int64   `json:"cache_hits"`
	CacheMisses    int64   `json:"cache_misses"`
	Bypasses       int64   `json:"bypasses"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	Errors5xx      int64   `json:"errors_5xx"`
	TunnelsOpened  int64   `json:"tunnels_opened"`
	TunnelsActive  int64   `json:"tunnels_active"`
	CertsMinted    int64   `json:"certs_minted"`
	ActiveRequests int64   `json:"active_requests"`
}

// latencyBuckets are tuned for proxy hop durations: cache hits resolve in
// microseconds, origin fetches in tens of milliseconds to seconds.
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// NewCollector creates a new Collector with all counters initialised to zero
// and the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		startTime:      time.Now(),
		requests:       newCounterVec(),
		upstreamErrors: newCounterVec(),
		latency:        newHistogramVec(latencyBuckets),
	}
}

// RecordRequest atomically updates the counters for one completed request.
// decision is the cache outcome (HIT, MISS, BYPASS).
func (c *Collector) RecordRequest(decision string, status int, latency time.Duration) {
	atomic.AddInt64(&c.totalRequests, 1)
	switch decision {
	case "HIT":
		atomic.AddInt64(&c.cacheHits, 1)
	case "MISS":
		atomic.AddInt64(&c.cacheMisses, 1)
	default:
		atomic.AddInt64(&c.bypasses, 1)
	}
	if status >= 500 {
		atomic.AddInt64(&c.errors5xx, 1)
	}

	c.requests.inc(map[string]string{"decision": decision, "status": statusClass(status)})
	c.latency.observe(map[string]string{"decision": decision}, latency.Seconds())
}

// RecordUpstreamError counts one classified origin failure.
func (c *Collector) RecordUpstreamError(kind string) {
	c.upstreamErrors.inc(map[string]string{"kind": kind})
}

// TunnelOpened records a CONNECT tunnel being established.
func (c *Collector) TunnelOpened() {
	atomic.AddInt64(&c.tunnelsOpened, 1)
	atomic.AddInt64(&c.tunnelsActive, 1)
}

// TunnelClosed records a CONNECT tunnel ending.
func (c *Collector) TunnelClosed() {
	atomic.AddInt64(&c.tunnelsActive, -1)
}

// CertMinted records one leaf sign operation.
func (c *Collector) CertMinted() {
	atomic.AddInt64(&c.certsMinted, 1)
}

// IncrementActive marks a request entering the pipeline.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeRequests, 1)
}

// DecrementActive marks a request leaving the pipeline.
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeRequests, -1)
}

// Stats returns a point-in-time snapshot of all counters.
func (c *Collector) Stats() *Stats {
	hits := atomic.LoadInt64(&c.cacheHits)
	misses := atomic.LoadInt64(&c.cacheMisses)

	var hitRate float64
	if lookups := hits + misses; lookups > 0 {
		hitRate = float64(hits) / float64(lookups) * 100
	}

	return &Stats{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		TotalRequests:  atomic.LoadInt64(&c.totalRequests),
		CacheHits:      hits,
		CacheMisses:    misses,
		Bypasses:       atomic.LoadInt64(&c.bypasses),
		CacheHitRate:   hitRate,
		Errors5xx:      atomic.LoadInt64(&c.errors5xx),
		TunnelsOpened:  atomic.LoadInt64(&c.tunnelsOpened),
		TunnelsActive:  atomic.LoadInt64(&c.tunnelsActive),
		CertsMinted:    atomic.LoadInt64(&c.certsMinted),
		ActiveRequests: atomic.LoadInt64(&c.activeRequests),
	}
}

// Requests exposes the labeled request counters for exposition.
func (c *Collector) Requests() *counterVec { return c.requests }

// UpstreamErrors exposes the labeled upstream failure counters.
func (c *Collector) UpstreamErrors() *counterVec { return c.upstreamErrors }

// Latency exposes the labeled latency histograms.
func (c *Collector) Latency() *histogramVec { return c.latency }

// statusClass collapses a status code to its class for low-cardinality labels.
func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
