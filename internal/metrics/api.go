package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/cachetap/internal/cache"
	"github.com/allaspectsdev/cachetap/internal/events"
	"github.com/allaspectsdev/cachetap/internal/store"
	"github.com/allaspectsdev/cachetap/internal/tracing"
	"github.com/allaspectsdev/cachetap/internal/version"
)

// AdminServer serves the operational surface on the metrics port: health
// probes, Prometheus exposition, and JSON stats over the collector, entry
// store, publisher, and event journal.
type AdminServer struct {
	router    chi.Router
	collector *Collector
	cache     *cache.Store
	publisher *events.Publisher
	journal   *store.Store // may be nil when the journal is disabled
	addr      string
	server    *http.Server
}

// NewAdminServer wires the admin router. journal may be nil; its endpoints
// then report 404.
func NewAdminServer(collector *Collector, cacheStore *cache.Store, publisher *events.Publisher, journal *store.Store, gauges GaugeSource, addr string) *AdminServer {
	a := &AdminServer{
		collector: collector,
		cache:     cacheStore,
		publisher: publisher,
		journal:   journal,
		addr:      addr,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tracing.HTTPMiddleware)

	r.Get("/health", a.handleHealth)
	r.Get("/health/ready", a.handleReady)
	r.Get("/metrics", PrometheusHandler(collector, gauges))
	r.Get("/api/stats", a.handleStats)
	r.Get("/api/cache", a.handleCache)
	r.Get("/api/events", a.handleEventStats)
	r.Get("/api/events/recent", a.handleRecentEvents)

	a.router = r
	a.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return a
}

// Router returns the underlying chi.Router, useful for tests.
func (a *AdminServer) Router() chi.Router {
	return a.router
}

// Start begins listening. It blocks until the server is shut down.
func (a *AdminServer) Start() error {
	log.Info().Str("addr", a.addr).Msg("admin server listening")
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (a *AdminServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.journal != nil {
		if err := a.journal.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

func (a *AdminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"proxy":     a.collector.Stats(),
		"cache":     a.cache.Stats(),
		"publisher": a.publisher.Stats(),
	})
}

func (a *AdminServer) handleCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.cache.Stats())
}

func (a *AdminServer) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		http.NotFound(w, r)
		return
	}
	stats, err := a.journal.EventStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (a *AdminServer) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		http.NotFound(w, r)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	records, err := a.journal.RecentEvents(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.EventRecord{}
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("admin server: encoding response")
	}
}
