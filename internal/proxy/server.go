package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server binds the proxy Handler to its listen address. The proxy speaks
// HTTP/1.1 only: CONNECT interception hijacks the raw connection, which has
// no HTTP/2 equivalent here.
type Server struct {
	handler *Handler
	addr    string
	httpSrv *http.Server
}

// NewServer creates a proxy Server. Read and write timeouts are deliberately
// not set on the http.Server: CONNECT tunnels are long-lived hijacked
// connections, and per-request deadlines are enforced in the Handler.
func NewServer(handler *Handler, addr string, idleTimeout time.Duration) *Server {
	return &Server{
		handler: handler,
		addr:    addr,
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       idleTimeout,
		},
	}
}

// Start begins listening for proxy connections. It blocks until the server
// is shut down or encounters a fatal error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("proxy listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline. Hijacked tunnels are not
// tracked by net/http and end on their own idle timeouts.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
