// Package daemon wires the proxy subsystems together and manages the
// process lifecycle: logging, PID file, config hot-reload, servers, and
// graceful shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/cachetap/internal/cache"
	"github.com/allaspectsdev/cachetap/internal/config"
	"github.com/allaspectsdev/cachetap/internal/events"
	"github.com/allaspectsdev/cachetap/internal/flight"
	"github.com/allaspectsdev/cachetap/internal/metrics"
	"github.com/allaspectsdev/cachetap/internal/mitm"
	"github.com/allaspectsdev/cachetap/internal/pipeline"
	"github.com/allaspectsdev/cachetap/internal/policy"
	"github.com/allaspectsdev/cachetap/internal/proxy"
	"github.com/allaspectsdev/cachetap/internal/store"
	"github.com/allaspectsdev/cachetap/internal/tracing"
	"github.com/allaspectsdev/cachetap/internal/vault"
	"github.com/allaspectsdev/cachetap/internal/version"
)

// reapInterval is how often stale cache entries are reclaimed in the
// background, independent of lookups.
const reapInterval = time.Minute

// Run is the main daemon orchestrator. It initialises all subsystems,
// starts the proxy and admin servers, and blocks until a shutdown signal
// is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	logPath := filepath.Join(dataDir, "cachetap.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "cachetap").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("cachetap starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("cachetap is already running (PID file exists at %s)", pidPath(dataDir))
	}

	// 3. Tracing.
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(
			context.Background(),
			cfg.Tracing.ServiceName, version.Version,
			cfg.Tracing.Exporter, cfg.Tracing.Endpoint,
			cfg.Tracing.SampleRate, cfg.Tracing.Insecure,
		)
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("tracing shutdown")
			}
		}()
		log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing enabled")
	}

	// 4. CA material and certificate mint.
	ca, err := mitm.LoadCA(cfg.MITM.CACertPath, cfg.MITM.CAKeyPath)
	if err != nil {
		return fmt.Errorf("loading CA (generate one with 'cachetap mint-ca'): %w", err)
	}
	mint, err := mitm.NewMint(ca, cfg.MITM.CertCacheCapacity, time.Duration(cfg.MITM.LeafTTLSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("creating certificate mint: %w", err)
	}
	log.Info().Str("ca_cert", cfg.MITM.CACertPath).Msg("CA loaded")

	// 5. Metrics collector; the mint reports sign operations into it.
	collector := metrics.NewCollector()
	mint.OnSign(collector.CertMinted)

	// 6. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()
	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 7. Entry store and single-flight gate.
	entryStore, err := cache.New(cfg.Cache.Capacity)
	if err != nil {
		return fmt.Errorf("creating entry store: %w", err)
	}
	gate := flight.NewGate(time.Duration(cfg.Upstream.RequestTimeout) * time.Second)
	pol := policy.New(
		cfg.Cache.MaxBodySize,
		time.Duration(cfg.Cache.DefaultTTLSeconds)*time.Second,
		time.Duration(cfg.Cache.MaxTTLSeconds)*time.Second,
	)

	// 8. Event journal and bus.
	var journal *store.Store
	if cfg.Events.JournalEnabled {
		dbPath := filepath.Join(dataDir, "cachetap.db")
		journal, err = store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening event journal: %w", err)
		}
		defer journal.Close()
		log.Info().Str("db_path", dbPath).Msg("event journal opened")
	}

	var buses []events.Bus
	if cfg.Events.BusEndpoint != "" {
		token, err := vault.New().ResolveRef(cfg.Events.BusTokenRef)
		if err != nil {
			log.Warn().Err(err).Msg("bus token unresolved; publishing unauthenticated")
		}
		buses = append(buses, events.NewHTTPBus(cfg.Events.BusEndpoint, token, 5*time.Second))
		log.Info().Str("endpoint", cfg.Events.BusEndpoint).Msg("event bus configured")
	}
	if journal != nil {
		buses = append(buses, journal)
	}
	var bus events.Bus
	switch len(buses) {
	case 0:
		bus = &events.LogBus{Logger: log.Logger}
	case 1:
		bus = buses[0]
	default:
		bus = events.MultiBus(buses)
	}

	publisher := events.NewPublisher(
		bus,
		cfg.Events.QueueCapacity,
		cfg.Events.BatchSize,
		time.Duration(cfg.Events.BatchTimeoutMs)*time.Millisecond,
	)

	// 9. Upstream client, pipeline, proxy handler.
	var breakers *proxy.BreakerRegistry
	if cfg.Breaker.Enabled {
		breakers = proxy.NewBreakerRegistry(
			cfg.Breaker.FailureThreshold,
			time.Duration(cfg.Breaker.ResetTimeoutSec)*time.Second,
			cfg.Breaker.HalfOpenMax,
		)
	}
	upstream := proxy.NewUpstreamClient(cfg.Upstream, cfg.Cache.MaxBodySize, breakers)

	pipe := pipeline.New(entryStore, gate, upstream, pol, publisher, collector, log.Logger, nil)

	var limiter *proxy.ClientLimiter
	if cfg.RateLimit.Enabled {
		limiter = proxy.NewClientLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	}

	handler := proxy.NewHandler(
		pipe, mint, collector, limiter, log.Logger,
		cfg.Server.RequestTimeoutDuration(),
		cfg.Server.TunnelIdleTimeoutDuration(),
	)

	proxyAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	proxyServer := proxy.NewServer(handler, proxyAddr, 120*time.Second)

	adminAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	adminServer := metrics.NewAdminServer(collector, entryStore, publisher, journal, func() map[string]float64 {
		cs := entryStore.Stats()
		ps := publisher.Stats()
		return map[string]float64{
			"cachetap_cache_entries":          float64(cs.Entries),
			"cachetap_cache_bytes":            float64(cs.Bytes),
			"cachetap_cache_evictions_total":  float64(cs.Evictions),
			"cachetap_events_queued":          float64(ps.Queued),
			"cachetap_events_published_total": float64(ps.Published),
			"cachetap_events_dropped_total":   float64(ps.Dropped),
			"cachetap_events_failed_total":    float64(ps.Failed),
			"cachetap_leaf_cache_entries":     float64(mint.Len()),
			"cachetap_fetches_in_flight":      float64(gate.InFlight()),
		}
	}, adminAddr)

	// 10. Config watcher for hot-reloadable settings.
	configFile := config.ConfigFilePath()
	if configFile != "" {
		if w, watchErr := config.Watch(configFile); watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(old, newCfg *config.Config) {
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 11. Background reclamation: stale entries and journal retention.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		runReaper(bgCtx, entryStore, journal, cfg.Events.RetentionDays)
	}()

	// 12. Start servers.
	errCh := make(chan error, 2)
	go func() {
		if err := proxyServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := adminServer.Start(); err != nil {
			errCh <- err
		}
	}()

	log.Info().
		Int("http_port", cfg.Server.HTTPPort).
		Int("metrics_port", cfg.Server.MetricsPort).
		Msg("cachetap is ready")

	if foreground {
		fmt.Printf("\n  cachetap is running!\n")
		fmt.Printf("  Proxy:   http://localhost:%d\n", cfg.Server.HTTPPort)
		fmt.Printf("  Admin:   http://localhost:%d\n\n", cfg.Server.MetricsPort)
	}

	// 13. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 14. Graceful shutdown.
	grace := time.Duration(cfg.Server.ShutdownGraceSecs) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("proxy server shutdown error")
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}

	// Publisher last: flush what the final requests enqueued.
	publisher.Close()

	bgCancel()
	<-reaperDone

	log.Info().Msg("cachetap stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("cachetap does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("cachetap is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to cachetap (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary from the
// admin API.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("cachetap is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("cachetap is running (PID %d)\n", pid)

	statsURL := fmt.Sprintf("http://localhost:%d/api/stats", cfg.Server.MetricsPort)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(statsURL)
	if err != nil {
		fmt.Println("  (admin server unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var payload struct {
		Proxy     metrics.Stats `json:"proxy"`
		Cache     cache.Stats   `json:"cache"`
		Publisher events.Stats  `json:"publisher"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}

	fmt.Printf("\n  Uptime:         %s\n", payload.Proxy.Uptime)
	fmt.Printf("  Total Requests: %d\n", payload.Proxy.TotalRequests)
	fmt.Printf("  Cache Hit Rate: %.1f%% (%d hits / %d misses)\n", payload.Proxy.CacheHitRate, payload.Proxy.CacheHits, payload.Proxy.CacheMisses)
	fmt.Printf("  Bypasses:       %d\n", payload.Proxy.Bypasses)
	fmt.Printf("  Cached Entries: %d (%d bytes)\n", payload.Cache.Entries, payload.Cache.Bytes)
	fmt.Printf("  Tunnels Active: %d\n", payload.Proxy.TunnelsActive)
	fmt.Printf("  Events Queued:  %d (dropped %d)\n", payload.Publisher.Queued, payload.Publisher.Dropped)

	return nil
}

// runReaper periodically reclaims stale cache entries and prunes the
// journal to its retention window.
func runReaper(ctx context.Context, entryStore *cache.Store, journal *store.Store, retentionDays int) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	var lastPrune time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("reaper: recovered from panic")
					}
				}()

				if removed := entryStore.Reap(); removed > 0 {
					log.Debug().Int("removed", removed).Msg("reaped stale cache entries")
				}

				if journal != nil && retentionDays > 0 && time.Since(lastPrune) > time.Hour {
					lastPrune = time.Now()
					n, err := journal.Prune(retentionDays)
					if err != nil {
						log.Error().Err(err).Msg("journal pruning failed")
					} else if n > 0 {
						log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned journalled events")
					}
				}
			}()
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
