package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/cachetap/internal/metrics"
	"github.com/allaspectsdev/cachetap/internal/mitm"
	"github.com/allaspectsdev/cachetap/internal/pipeline"
)

// Handler is the forward-proxy entry point. Plain requests in absolute form
// go straight to the pipeline; CONNECT requests are intercepted, TLS is
// terminated with a minted leaf, and the decrypted stream re-enters the
// pipeline per inner request.
type Handler struct {
	pipeline  *pipeline.Pipeline
	mint      *mitm.Mint
	collector *metrics.Collector
	limiter   *ClientLimiter // nil when rate limiting is disabled
	logger    zerolog.Logger

	requestTimeout    time.Duration
	tunnelIdleTimeout time.Duration
}

// NewHandler creates a Handler. limiter may be nil.
func NewHandler(
	pipe *pipeline.Pipeline,
	mint *mitm.Mint,
	collector *metrics.Collector,
	limiter *ClientLimiter,
	logger zerolog.Logger,
	requestTimeout, tunnelIdleTimeout time.Duration,
) *Handler {
	return &Handler{
		pipeline:          pipe,
		mint:              mint,
		collector:         collector,
		limiter:           limiter,
		logger:            logger,
		requestTimeout:    requestTimeout,
		tunnelIdleTimeout: tunnelIdleTimeout,
	}
}

// ServeHTTP dispatches one proxy request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(clientIP(r.RemoteAddr)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}

	// A forward proxy is addressed with absolute-form request targets.
	// Anything else is a client speaking origin-form at the wrong server.
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requests must use an absolute URI", http.StatusBadRequest)
		return
	}

	h.serve(w, r)
}

// serve runs one request through the pipeline under the overall deadline.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	h.collector.IncrementActive()
	defer h.collector.DecrementActive()

	h.pipeline.Serve(w, r.WithContext(ctx))
}

// clientIP strips the port from a RemoteAddr.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
