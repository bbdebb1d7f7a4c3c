// Package pipeline orchestrates the per-request path: classify, cache
// lookup, single-flight fetch, store, respond, and event emission.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/allaspectsdev/cachetap/internal/events"
)

// UpstreamErrorKind classifies origin failures. The pipeline maps kinds to
// terminal status codes; upstream implementations must return one of these
// for every failure and never panic.
type UpstreamErrorKind int

const (
	// KindUnreachable covers DNS, connect, and TLS failures toward origin.
	KindUnreachable UpstreamErrorKind = iota
	// KindTimeout is a deadline expiring during the origin exchange.
	KindTimeout
	// KindProtocol is malformed framing or headers from origin.
	KindProtocol
	// KindBodyTooLarge is a response body exceeding the collection cap.
	KindBodyTooLarge
)

// String returns the kind name used in logs and metrics labels.
func (k UpstreamErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindBodyTooLarge:
		return "body_too_large"
	}
	return "unknown"
}

// UpstreamError is the typed failure returned by Upstream implementations.
type UpstreamError struct {
	Kind UpstreamErrorKind
	Host string
	Err  error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %s: %v", e.Host, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *UpstreamError) Unwrap() error { return e.Err }

// StatusCode maps the kind to the client-facing terminal status.
func (e *UpstreamError) StatusCode() int {
	if e.Kind == KindTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// UpstreamResponse is a collected origin response. Body holds at most the
// configured cap plus one byte; when the origin sent more than the cap,
// Body holds cap+1 bytes, Oversized is true and Rest
// streams the unconsumed remainder. The receiver owns Rest and must close
// it (serving drains it to the client; discarding closes early).
type UpstreamResponse struct {
	Status    int
	Header    http.Header
	Body      []byte
	Host      string
	Oversized bool
	Rest      io.ReadCloser
}

// Close releases the streaming remainder, if any.
func (r *UpstreamResponse) Close() {
	if r.Rest != nil {
		_ = r.Rest.Close()
	}
}

// Upstream is the pooled origin client contract. Fetch collects the response
// body up to the configured cap; Passthrough returns the raw response for
// streaming bypass traffic. Both classify failures as *UpstreamError.
type Upstream interface {
	Fetch(ctx context.Context, req *http.Request) (*UpstreamResponse, error)
	Passthrough(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Emitter receives completed-request telemetry. Implementations must never
// block; the events.Publisher satisfies this.
type Emitter interface {
	Publish(e events.Event)
}
