// Package fingerprint derives stable cache identities from client requests.
package fingerprint

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is the canonical identity of a cacheable request. It is derived
// from the uppercased method and the absolute request URL (fragment stripped)
// and is immutable once computed. Two requests with equal fingerprints are
// interchangeable for cache purposes.
//
// The embedded 64-bit hash makes Fingerprint cheap to use as a map key; the
// method and URL are retained so the original tuple can be printed when
// debugging.
type Fingerprint struct {
	method string
	url    string
	sum    uint64
}

// New computes the fingerprint for the given method and target URL. The
// method is uppercased; the URL keeps scheme, host, port (when non-default
// ports are present in the input), path, and query verbatim, and drops any
// fragment. HEAD shares the fingerprint of GET so a HEAD can be answered
// from an artifact stored by a GET.
func New(method string, u *url.URL) Fingerprint {
	m := strings.ToUpper(method)
	if m == "HEAD" {
		m = "GET"
	}

	// Rebuild without the fragment. url.URL.String already omits Fragment
	// when cleared; copy so the caller's URL is untouched.
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	target := c.String()

	h := xxhash.New()
	h.WriteString(m)
	h.Write([]byte{0}) // separator
	h.WriteString(target)

	return Fingerprint{method: m, url: target, sum: h.Sum64()}
}

// Parse is a convenience wrapper around New for a raw URL string. It returns
// an error when the target does not parse as an absolute URL.
func Parse(method, rawURL string) (Fingerprint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint: parsing url: %w", err)
	}
	if !u.IsAbs() {
		return Fingerprint{}, fmt.Errorf("fingerprint: url %q is not absolute", rawURL)
	}
	return New(method, u), nil
}

// Sum returns the 64-bit hash of the fingerprint. Useful for shard selection.
func (f Fingerprint) Sum() uint64 { return f.sum }

// Method returns the canonical (uppercased, HEAD-folded) method.
func (f Fingerprint) Method() string { return f.method }

// URL returns the canonical target URL.
func (f Fingerprint) URL() string { return f.url }

// Key returns a string form suitable for map keys and wire serialization.
// The hash alone is not used as the key so that hash collisions can never
// alias two distinct requests.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%016x:%s %s", f.sum, f.method, f.url)
}

// String implements fmt.Stringer for debug logging.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s %s (%016x)", f.method, f.url, f.sum)
}
