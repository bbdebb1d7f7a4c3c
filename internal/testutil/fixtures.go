package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// Origin is a scripted upstream for proxy tests. It counts requests and
// serves a fixed body with the configured headers.
type Origin struct {
	Server *httptest.Server
	hits   atomic.Int64
}

// NewOrigin starts an httptest origin returning status with body and the
// given header pairs. It shuts down with the test.
func NewOrigin(t *testing.T, status int, body string, headerPairs ...string) *Origin {
	t.Helper()
	o := &Origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		for i := 0; i+1 < len(headerPairs); i += 2 {
			w.Header().Set(headerPairs[i], headerPairs[i+1])
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(o.Server.Close)
	return o
}

// Hits returns how many requests reached the origin.
func (o *Origin) Hits() int64 {
	return o.hits.Load()
}

// URL returns the origin's base URL.
func (o *Origin) URL() string {
	return o.Server.URL
}
