package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/allaspectsdev/cachetap/internal/config"
	"github.com/allaspectsdev/cachetap/internal/pipeline"
	"github.com/allaspectsdev/cachetap/internal/tracing"
)

// errCircuitOpen short-circuits fetches toward an origin whose breaker has
// tripped; it maps to 502 like any other unreachable origin.
var errCircuitOpen = errors.New("origin circuit open")

// UpstreamClient is the pooled HTTP(S) client toward origins. It never
// follows redirects (a proxy relays them), classifies every failure into
// the pipeline's error taxonomy, and collects bodies subject to the cache
// cap. It implements pipeline.Upstream.
type UpstreamClient struct {
	client   *http.Client
	maxBody  int64
	breakers *BreakerRegistry // nil when the breaker is disabled
}

// Compile-time assertion that UpstreamClient implements pipeline.Upstream.
var _ pipeline.Upstream = (*UpstreamClient)(nil)

// NewUpstreamClient creates an UpstreamClient from the pool settings.
// maxBody bounds collected response bodies; larger responses surface as
// Oversized with the remainder left streaming.
func NewUpstreamClient(cfg config.UpstreamConfig, maxBody int64, breakers *BreakerRegistry) *UpstreamClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.DialTimeout) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.PoolMaxIdle,
		MaxIdleConnsPerHost: cfg.PoolMaxIdlePerHost,
		IdleConnTimeout:     time.Duration(cfg.PoolIdleTimeout) * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &UpstreamClient{
		client: &http.Client{
			Transport: transport,
			// Relay redirects to the client instead of chasing them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody:  maxBody,
		breakers: breakers,
	}
}

// Fetch sends the request and collects the response body up to the cap.
// The returned response owns any streaming remainder.
func (u *UpstreamClient) Fetch(ctx context.Context, req *http.Request) (*pipeline.UpstreamResponse, error) {
	host := req.URL.Host

	resp, err := u.send(ctx, req)
	if err != nil {
		return nil, err
	}

	// A zero cap means bodies are collected in full, matching the guard below.
	var src io.Reader = resp.Body
	if u.maxBody > 0 {
		src = io.LimitReader(resp.Body, u.maxBody+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		resp.Body.Close()
		u.recordFailure(host)
		return nil, classify(host, fmt.Errorf("reading body: %w", err))
	}

	out := &pipeline.UpstreamResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
		Host:   host,
	}
	if u.maxBody > 0 && int64(len(body)) > u.maxBody {
		out.Oversized = true
		out.Rest = resp.Body
	} else {
		resp.Body.Close()
	}
	return out, nil
}

// Passthrough sends the request and returns the raw response for streaming.
// The caller owns the body.
func (u *UpstreamClient) Passthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	return u.send(ctx, req)
}

// send runs the exchange with breaker accounting and tracing.
func (u *UpstreamClient) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	host := req.URL.Host

	if u.breakers != nil && !u.breakers.Get(host).Allow() {
		return nil, &pipeline.UpstreamError{Kind: pipeline.KindUnreachable, Host: host, Err: errCircuitOpen}
	}

	ctx, span := tracing.StartUpstreamSpan(ctx, req.URL.String(), host)
	defer span.End()
	tracing.InjectHeaders(ctx, req)

	resp, err := u.client.Do(req.WithContext(ctx))
	if err != nil {
		tracing.RecordError(ctx, err)
		u.recordFailure(host)
		return nil, classify(host, err)
	}
	if u.breakers != nil {
		u.breakers.Get(host).RecordSuccess()
	}
	return resp, nil
}

func (u *UpstreamClient) recordFailure(host string) {
	if u.breakers != nil {
		u.breakers.Get(host).RecordFailure()
	}
}

// classify maps a transport error onto the pipeline taxonomy. Timeouts win
// over everything; dial, DNS, and TLS failures are unreachable; the rest is
// a protocol fault from origin.
func classify(host string, err error) *pipeline.UpstreamError {
	kind := pipeline.KindProtocol

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = pipeline.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = pipeline.KindTimeout
	case isUnreachable(err):
		kind = pipeline.KindUnreachable
	}

	return &pipeline.UpstreamError{Kind: kind, Host: host, Err: err}
}

func isUnreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}
