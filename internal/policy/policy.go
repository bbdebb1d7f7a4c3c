// Package policy holds the shared cacheability predicate and TTL derivation
// used by the request pipeline.
package policy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// cacheableStatuses are the response codes eligible for storage.
var cacheableStatuses = map[int]bool{
	200: true, 203: true, 204: true, 206: true,
	300: true, 301: true,
	404: true, 405: true, 410: true, 414: true,
	501: true,
}

// Policy decides whether a response may be stored and for how long.
type Policy struct {
	MaxBodySize int64
	DefaultTTL  time.Duration
	MaxTTL      time.Duration
}

// New creates a Policy. A non-positive defaultTTL falls back to one hour;
// a non-positive maxTTL leaves the ceiling unbounded.
func New(maxBodySize int64, defaultTTL, maxTTL time.Duration) *Policy {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Policy{
		MaxBodySize: maxBodySize,
		DefaultTTL:  defaultTTL,
		MaxTTL:      maxTTL,
	}
}

// CacheableMethod reports whether the method can ever produce a cacheable
// response. Used by the pipeline to skip the store entirely for writes.
func CacheableMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

// IsCacheable applies the full storage predicate: method, status, body size,
// response directives, and the Authorization interaction.
//
// Contract notes:
//   - no-cache is treated as non-cacheable because this cache does not
//     revalidate.
//   - A Vary header listing anything other than Accept-Encoding makes the
//     response non-cacheable (simplification over RFC 9111).
func (p *Policy) IsCacheable(method string, status int, bodySize int64, reqHeaders, respHeaders http.Header) bool {
	if !CacheableMethod(method) {
		return false
	}
	if !cacheableStatuses[status] {
		return false
	}
	if p.MaxBodySize > 0 && bodySize > p.MaxBodySize {
		return false
	}

	cc := parseCacheControl(respHeaders)
	if _, ok := cc["no-store"]; ok {
		return false
	}
	if _, ok := cc["private"]; ok {
		return false
	}
	if _, ok := cc["no-cache"]; ok {
		return false
	}

	if reqHeaders.Get("Authorization") != "" {
		if _, ok := cc["public"]; !ok {
			return false
		}
	}

	if vary := respHeaders.Get("Vary"); vary != "" {
		for _, field := range strings.Split(vary, ",") {
			if !strings.EqualFold(strings.TrimSpace(field), "Accept-Encoding") {
				return false
			}
		}
	}

	return true
}

// TTL derives the effective lifetime of a response, in priority order:
// Cache-Control max-age, then Expires, then the configured default. The
// result is clamped to the configured ceiling.
func (p *Policy) TTL(respHeaders http.Header, now time.Time) time.Duration {
	ttl := p.DefaultTTL

	cc := parseCacheControl(respHeaders)
	if v, ok := cc["max-age"]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
			ttl = time.Duration(secs) * time.Second
			return p.clamp(ttl)
		}
	}

	if expires := respHeaders.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil {
			d := t.Sub(now)
			if d < 0 {
				d = 0
			}
			return p.clamp(d)
		}
	}

	return p.clamp(ttl)
}

func (p *Policy) clamp(d time.Duration) time.Duration {
	if p.MaxTTL > 0 && d > p.MaxTTL {
		return p.MaxTTL
	}
	return d
}

// parseCacheControl splits a Cache-Control header into a directive map.
// Directive names are lowercased; valueless directives map to "".
func parseCacheControl(headers http.Header) map[string]string {
	cc := map[string]string{}
	for _, part := range strings.Split(headers.Get("Cache-Control"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, found := strings.Cut(part, "="); found {
			cc[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
		} else {
			cc[strings.ToLower(part)] = ""
		}
	}
	return cc
}
