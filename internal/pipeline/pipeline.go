package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/cachetap/internal/cache"
	"github.com/allaspectsdev/cachetap/internal/events"
	"github.com/allaspectsdev/cachetap/internal/fingerprint"
	"github.com/allaspectsdev/cachetap/internal/flight"
	"github.com/allaspectsdev/cachetap/internal/metrics"
	"github.com/allaspectsdev/cachetap/internal/policy"
	"github.com/allaspectsdev/cachetap/internal/tracing"
)

// cacheHeader is stamped on every proxied response with the cache decision.
const cacheHeader = "X-Cache"

// hopByHopHeaders are stripped when forwarding and when storing artifacts.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// PrincipalFunc extracts the authenticated principal for event attribution.
// Authentication itself is an external collaborator; the default returns "".
type PrincipalFunc func(*http.Request) string

// Pipeline drives a client request through classification, cache lookup,
// single-flight coalescing, fetch, store, response, and event emission.
type Pipeline struct {
	store     *cache.Store
	gate      *flight.Gate
	upstream  Upstream
	policy    *policy.Policy
	emitter   Emitter
	collector *metrics.Collector
	logger    zerolog.Logger
	principal PrincipalFunc
	now       func() time.Time
}

// New wires a Pipeline. emitter may be nil when telemetry is disabled;
// principal may be nil when no authenticator is installed.
func New(
	store *cache.Store,
	gate *flight.Gate,
	upstream Upstream,
	pol *policy.Policy,
	emitter Emitter,
	collector *metrics.Collector,
	logger zerolog.Logger,
	principal PrincipalFunc,
) *Pipeline {
	return &Pipeline{
		store:     store,
		gate:      gate,
		upstream:  upstream,
		policy:    pol,
		emitter:   emitter,
		collector: collector,
		logger:    logger,
		principal: principal,
		now:       time.Now,
	}
}

// Serve handles one client request whose URL is already absolute (either a
// forward-proxy request line or a tunnel-reconstructed inner request). It
// writes the response and emits one cache event for it. A client that goes
// away before a response is written gets no response and no event.
func (p *Pipeline) Serve(w http.ResponseWriter, r *http.Request) {
	start := p.now()
	ctx, span := tracing.StartPipelineSpan(r.Context(), r.Method, r.URL.String())
	defer span.End()
	r = r.WithContext(ctx)

	// Classify. Anything that can never be stored bypasses the cache and
	// the gate entirely. Range requests bypass: serving partial content
	// from a full artifact is deliberately not attempted.
	if !policy.CacheableMethod(r.Method) || r.Header.Get("Range") != "" {
		p.bypass(w, r, start)
		return
	}

	fp := fingerprint.New(r.Method, r.URL)

	if artifact, ok := p.store.Get(fp); ok {
		p.respondArtifact(w, r, artifact, events.DecisionHit)
		p.finish(r, fp, start, events.DecisionHit, artifact.Status, int64(len(artifact.Body)), "")
		return
	}

	// Miss: coalesce with any in-flight fetch for this fingerprint. The
	// leader's storage decision is carried out of the closure; followers
	// always observe a shared artifact or the shared error.
	leaderDecision := events.DecisionMiss
	var oversized *UpstreamResponse

	artifact, shared, err := p.gate.Do(ctx, fp, func(fctx context.Context) (*cache.Artifact, error) {
		resp, fetchErr := p.upstream.Fetch(fctx, p.outbound(fctx, r))
		if fetchErr != nil {
			return nil, fetchErr
		}
		if resp.Oversized {
			oversized = resp
			return nil, &UpstreamError{Kind: KindBodyTooLarge, Host: r.URL.Hostname(), Err: errors.New("body exceeds cache cap")}
		}

		removeHopByHop(resp.Header)
		artifact := cache.NewArtifact(resp.Status, resp.Header, resp.Body)
		if p.policy.IsCacheable(fp.Method(), resp.Status, int64(len(resp.Body)), r.Header, resp.Header) {
			p.store.Insert(fp, artifact, p.policy.TTL(resp.Header, p.now()))
		} else {
			leaderDecision = events.DecisionBypass
		}
		return artifact, nil
	})

	switch {
	case err == nil:
		decision := leaderDecision
		if shared {
			// Followers share the leader's artifact without a fetch of
			// their own; their events record a HIT.
			decision = events.DecisionHit
		}
		p.respondArtifact(w, r, artifact, decision)
		p.finish(r, fp, start, decision, artifact.Status, int64(len(artifact.Body)), r.URL.Hostname())

	case oversized != nil:
		// This request led the fetch and the body blew the cache cap:
		// forward it in full, never store it.
		n := p.streamOversized(w, r, oversized)
		p.finish(r, fp, start, events.DecisionBypass, oversized.Status, n, r.URL.Hostname())

	case isBodyTooLarge(err) && shared:
		// The leader's response was unshareably large. Fetch our own copy
		// in passthrough mode; coalescing is impossible for a stream.
		p.bypass(w, r, start)

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// The overall request deadline expired while fetching.
		p.respondError(w, r, fp, start, events.DecisionMiss, &UpstreamError{
			Kind: KindTimeout, Host: r.URL.Hostname(), Err: ctx.Err(),
		})

	case ctx.Err() != nil:
		// Client is gone; there is nobody to respond to. Detach silently.
		p.logger.Debug().Str("fingerprint", fp.String()).Msg("client cancelled during fetch")

	default:
		p.respondError(w, r, fp, start, events.DecisionMiss, err)
	}
}

// bypass forwards the request without consulting or populating the store.
// The response streams straight through; bodies are not collected.
func (p *Pipeline) bypass(w http.ResponseWriter, r *http.Request, start time.Time) {
	fp := fingerprint.New(r.Method, r.URL)

	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopByHop(out.Header)

	resp, err := p.upstream.Passthrough(r.Context(), out)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			return
		}
		p.respondError(w, r, fp, start, events.DecisionBypass, err)
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(cacheHeader, string(events.DecisionBypass))
	w.WriteHeader(resp.StatusCode)

	var n int64
	if r.Method != http.MethodHead {
		n, _ = io.Copy(w, resp.Body)
	}
	p.finish(r, fp, start, events.DecisionBypass, resp.StatusCode, n, r.URL.Hostname())
}

// respondArtifact serves a stored or freshly fetched artifact. HEAD requests
// receive headers only; the artifact was cached under the GET fingerprint.
func (p *Pipeline) respondArtifact(w http.ResponseWriter, r *http.Request, a *cache.Artifact, decision events.Decision) {
	a.WriteHeaders(w.Header())
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Body)))
	w.Header().Set(cacheHeader, string(decision))
	w.WriteHeader(a.Status)

	if r.Method != http.MethodHead {
		_, _ = w.Write(a.Body)
	}
}

// streamOversized forwards a response whose body exceeded the cache cap:
// the buffered prefix first, then the live remainder. Returns bytes written.
func (p *Pipeline) streamOversized(w http.ResponseWriter, r *http.Request, resp *UpstreamResponse) int64 {
	defer resp.Close()

	removeHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(cacheHeader, string(events.DecisionBypass))
	w.WriteHeader(resp.Status)

	if r.Method == http.MethodHead {
		return 0
	}
	n, _ := w.Write(resp.Body)
	rest, _ := io.Copy(w, resp.Rest)
	return int64(n) + rest
}

// respondError maps an upstream failure to its terminal status and still
// emits an event carrying the recorded decision.
func (p *Pipeline) respondError(w http.ResponseWriter, r *http.Request, fp fingerprint.Fingerprint, start time.Time, decision events.Decision, err error) {
	status := http.StatusBadGateway
	var ue *UpstreamError
	if errors.As(err, &ue) {
		status = ue.StatusCode()
		p.collector.RecordUpstreamError(ue.Kind.String())
	} else if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	p.logger.Warn().Err(err).Str("url", r.URL.String()).Int("status", status).Msg("upstream fetch failed")
	tracing.RecordError(r.Context(), err)

	http.Error(w, http.StatusText(status), status)
	p.finish(r, fp, start, decision, status, 0, r.URL.Hostname())
}

// finish emits the cache event and records metrics for a completed request.
func (p *Pipeline) finish(r *http.Request, fp fingerprint.Fingerprint, start time.Time, decision events.Decision, status int, size int64, upstreamHost string) {
	latency := p.now().Sub(start)
	p.collector.RecordRequest(string(decision), status, latency)
	tracing.SetCacheAttributes(r.Context(), string(decision), status, size)

	if p.emitter == nil {
		return
	}
	var principal string
	if p.principal != nil {
		principal = p.principal(r)
	}
	p.emitter.Publish(events.Event{
		Fingerprint:  fp.Key(),
		Method:       r.Method,
		URL:          fp.URL(),
		Status:       status,
		CacheStatus:  decision,
		UpstreamHost: upstreamHost,
		TimestampMs:  p.now().UnixMilli(),
		LatencyMs:    latency.Milliseconds(),
		SizeBytes:    size,
		Principal:    principal,
	})
}

// outbound builds the origin-bound request for a cacheable fetch. HEAD is
// widened to GET so the artifact carries a body for later GET hits.
func (p *Pipeline) outbound(ctx context.Context, r *http.Request) *http.Request {
	out := r.Clone(ctx)
	out.Method = http.MethodGet
	out.RequestURI = ""
	out.Body = nil
	out.ContentLength = 0
	removeHopByHop(out.Header)
	return out
}

func removeHopByHop(h http.Header) {
	// Headers named by the Connection header are also hop-by-hop.
	for _, field := range h.Values("Connection") {
		h.Del(field)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isBodyTooLarge(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == KindBodyTooLarge
}
