// Package cache implements the bounded, TTL-aware entry store mapping
// request fingerprints to immutable response artifacts.
package cache

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// Header is a single response header pair. Names are case-preserving but
// compared case-insensitively. Artifacts hold headers as an ordered slice
// rather than an http.Header map: serving iterates them linearly far more
// often than it looks one up by name.
type Header struct {
	Name  string
	Value string
}

// Artifact is the cached value for a fingerprint. The header slice and body
// are shared between the store and every response writer serving the
// artifact; neither may be mutated after construction. Copying an Artifact
// copies only the struct header, never the body bytes.
type Artifact struct {
	Status  int
	Headers []Header
	Body    []byte
}

// NewArtifact builds an Artifact from an upstream status, header map, and
// body. The header order follows http.Header's sorted-key iteration so a
// given response always produces the same artifact. Hop-by-hop headers are
// the caller's concern; the artifact stores what it is given.
func NewArtifact(status int, headers http.Header, body []byte) *Artifact {
	pairs := make([]Header, 0, len(headers))
	for _, name := range sortedKeys(headers) {
		for _, v := range headers[name] {
			pairs = append(pairs, Header{Name: name, Value: v})
		}
	}
	return &Artifact{Status: status, Headers: pairs, Body: body}
}

// HeaderValue returns the first value for the named header, comparing
// case-insensitively, and whether it was present.
func (a *Artifact) HeaderValue(name string) (string, bool) {
	for _, h := range a.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Size returns the in-memory footprint the store accounts for: body bytes
// plus header bytes.
func (a *Artifact) Size() int64 {
	n := int64(len(a.Body))
	for _, h := range a.Headers {
		n += int64(len(h.Name) + len(h.Value))
	}
	return n
}

// WriteHeaders copies the artifact headers into an http.Header, preserving
// order within repeated names.
func (a *Artifact) WriteHeaders(dst http.Header) {
	for _, h := range a.Headers {
		dst.Add(h.Name, h.Value)
	}
}

// Entry associates an Artifact with its storage time and derived TTL.
// Entries are owned solely by the store; the artifact inside is shared.
type Entry struct {
	Artifact *Artifact
	StoredAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the entry is still servable at the given instant.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
