// Package flight coalesces concurrent cache misses for the same fingerprint
// into a single upstream fetch.
package flight

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/allaspectsdev/cachetap/internal/cache"
	"github.com/allaspectsdev/cachetap/internal/fingerprint"
)

// errLeaderAborted is published to waiters when a leader's client went away
// before the fetch resolved. Waiters react by re-acquiring the flight; the
// first one in installs a fresh record and becomes the new leader. It is
// never returned to callers.
var errLeaderAborted = errors.New("flight: leader aborted")

// Fetch performs the actual origin fetch for a fingerprint. The context
// carries the gate's per-fetch deadline when one is configured.
type Fetch func(ctx context.Context) (*cache.Artifact, error)

// call is the in-flight record for one fingerprint. It exists only between
// the first miss and the fetch's resolution. Waiters hold the done channel,
// never the record's slot in the table.
type call struct {
	done     chan struct{}
	artifact *cache.Artifact
	err      error
}

// Gate ensures at most one concurrent origin fetch per fingerprint. The
// table lock is held only to install or remove a record; the leader's fetch
// runs outside it.
type Gate struct {
	mu      sync.Mutex
	flights map[string]*call

	// fetchTimeout bounds each leader's fetch. Zero means no gate-imposed
	// deadline beyond the caller's context.
	fetchTimeout time.Duration
}

// NewGate creates a Gate with the given per-fetch deadline.
func NewGate(fetchTimeout time.Duration) *Gate {
	return &Gate{
		flights:      make(map[string]*call),
		fetchTimeout: fetchTimeout,
	}
}

// Do runs fn for fp, coalescing with any fetch already in flight. The shared
// return is false when this call led the fetch and true when the result came
// from another caller's fetch.
//
// Semantics:
//   - All waiters that attached before the leader removed the record observe
//     the leader's outcome, success or failure. A failed fetch is delivered
//     as the same error to every waiter; waiters do not retry it.
//   - If the leader's own context is cancelled mid-fetch, waiting followers
//     re-acquire and one of them becomes the new leader; the record is
//     replaced. The aborted leader sees its context error.
//   - A follower whose context is cancelled while waiting detaches silently;
//     the underlying fetch continues for the remaining waiters.
func (g *Gate) Do(ctx context.Context, fp fingerprint.Fingerprint, fn Fetch) (artifact *cache.Artifact, shared bool, err error) {
	key := fp.Key()

	for {
		g.mu.Lock()
		c, inFlight := g.flights[key]
		if !inFlight {
			c = &call{done: make(chan struct{})}
			g.flights[key] = c
			g.mu.Unlock()

			art, leadErr := g.lead(ctx, key, c, fn)
			if errors.Is(leadErr, errLeaderAborted) {
				return nil, false, ctx.Err()
			}
			return art, false, leadErr
		}
		g.mu.Unlock()

		select {
		case <-c.done:
			if errors.Is(c.err, errLeaderAborted) {
				// Promotion path: contend for leadership of a fresh record.
				continue
			}
			return c.artifact, true, c.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}
}

// lead runs the fetch as the flight's leader and publishes the outcome.
// The record is removed before done is closed, so every waiter that attached
// while the record existed observes the completion. The returned error is
// the published one, so a cancelled leader sees errLeaderAborted and Do can
// translate it back to the context error.
func (g *Gate) lead(ctx context.Context, key string, c *call, fn Fetch) (*cache.Artifact, error) {
	fctx := ctx
	if g.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, g.fetchTimeout)
		defer cancel()
	}

	art, err := fn(fctx)

	if err != nil && ctx.Err() != nil {
		// The leading client went away; hand the flight to a waiter.
		err = errLeaderAborted
	}

	g.mu.Lock()
	delete(g.flights, key)
	g.mu.Unlock()

	c.artifact, c.err = art, err
	close(c.done)

	return art, err
}

// InFlight returns the number of fingerprints currently being fetched.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
