package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// GaugeSource supplies point-in-time gauge values from other subsystems
// (entry store size, publisher queue depth, leaf cache length) without the
// collector holding references to them.
type GaugeSource func() map[string]float64

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). It does not require the
// Prometheus client library; metrics are formatted manually.
func PrometheusHandler(collector *Collector, gauges GaugeSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		uptimeSeconds := time.Since(collector.startTime).Seconds()

		writeMetric(w, "cachetap_requests_total",
			"Total number of proxied requests.",
			"counter", stats.TotalRequests)

		writeMetric(w, "cachetap_cache_hits_total",
			"Total number of cache hits.",
			"counter", stats.CacheHits)

		writeMetric(w, "cachetap_cache_misses_total",
			"Total number of cache misses.",
			"counter", stats.CacheMisses)

		writeMetric(w, "cachetap_bypasses_total",
			"Total number of requests served without consulting the cache.",
			"counter", stats.Bypasses)

		writeMetricFloat(w, "cachetap_cache_hit_rate",
			"Cache hit rate percentage over lookups.",
			"gauge", stats.CacheHitRate)

		writeMetric(w, "cachetap_errors_5xx_total",
			"Total number of 5xx responses returned to clients.",
			"counter", stats.Errors5xx)

		writeMetric(w, "cachetap_tunnels_opened_total",
			"Total number of CONNECT tunnels established.",
			"counter", stats.TunnelsOpened)

		writeMetric(w, "cachetap_tunnels_active",
			"Number of CONNECT tunnels currently open.",
			"gauge", stats.TunnelsActive)

		writeMetric(w, "cachetap_certs_minted_total",
			"Total number of leaf certificate sign operations.",
			"counter", stats.CertsMinted)

		writeMetric(w, "cachetap_active_requests",
			"Number of requests currently being processed.",
			"gauge", stats.ActiveRequests)

		writeMetricFloat(w, "cachetap_uptime_seconds",
			"Number of seconds since the service started.",
			"gauge", uptimeSeconds)

		// Cross-subsystem gauges (entry store, publisher, mint).
		if gauges != nil {
			names := gauges()
			keys := make([]string, 0, len(names))
			for k := range names {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, name := range keys {
				writeMetricFloat(w, name, "", "gauge", names[name])
			}
		}

		// --- Labeled metrics ---

		writeCounterVec(w, "cachetap_requests_by_outcome_total",
			"Total requests by cache decision and status class.",
			collector.Requests())

		writeCounterVec(w, "cachetap_upstream_errors_total",
			"Total classified upstream failures by kind.",
			collector.UpstreamErrors())

		writeHistogramVec(w, "cachetap_request_duration_seconds",
			"Request duration in seconds by cache decision.",
			collector.Latency())
	}
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	if help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as Prometheus label string, e.g. {decision="HIT"}.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// writeCounterVec writes a labeled counter vec in Prometheus text format.
func writeCounterVec(w http.ResponseWriter, name, help string, cv *counterVec) {
	entries := cv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(e.labels), e.value)
	}
}

// writeHistogramVec writes a labeled histogram vec in Prometheus text format.
func writeHistogramVec(w http.ResponseWriter, name, help string, hv *histogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, h := range histograms {
		labels := formatLabels(h.labels)
		// Cumulative bucket counts.
		var cumulative int64
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			le := fmt.Sprintf("%g", bound)
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithLe(h.labels, le), cumulative)
		}
		// +Inf bucket.
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithLe(h.labels, "+Inf"), h.count)
		fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
	}
}

// formatLabelsWithLe formats labels with an additional "le" label for histogram buckets.
func formatLabelsWithLe(labels map[string]string, le string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	if len(keys) > 0 {
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "le=%q", le)
	b.WriteByte('}')
	return b.String()
}
