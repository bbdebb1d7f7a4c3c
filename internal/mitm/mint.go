package mitm

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// reissueMargin is how close to a leaf's not-after a cached record may get
// before the next request re-mints it. For leaves whose lifetime is two hours
// or less the margin is half the lifetime, so short-lived leaves are reused too.
const reissueMargin = time.Hour

// Mint synthesizes and caches leaf certificates signed by the root CA,
// keyed by SNI host. Records are immutable once minted and shared across
// concurrent TLS sessions; the cache is LRU-bounded. Concurrent requests
// for the same host are coalesced so a burst of CONNECTs performs exactly
// one sign operation.
type Mint struct {
	ca      *CA
	leafTTL time.Duration
	cache   *lru.Cache[string, *tls.Certificate]
	group   singleflight.Group

	signs  atomic.Int64
	onSign func()
	now    func() time.Time
}

// NewMint creates a Mint backed by ca. capacity bounds the leaf cache;
// leafTTL sets minted validity (default 30 days when non-positive).
func NewMint(ca *CA, capacity int, leafTTL time.Duration) (*Mint, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	if leafTTL <= 0 {
		leafTTL = 30 * 24 * time.Hour
	}
	cache, err := lru.New[string, *tls.Certificate](capacity)
	if err != nil {
		return nil, fmt.Errorf("mint: creating leaf cache: %w", err)
	}
	return &Mint{ca: ca, leafTTL: leafTTL, cache: cache, now: time.Now}, nil
}

// Leaf returns the cached certificate for host, minting one on demand.
// host may carry a port, which is stripped.
func (m *Mint) Leaf(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)

	if cert, ok := m.cache.Get(host); ok && m.usable(cert) {
		return cert, nil
	}

	// Coalesce concurrent mints for the same host; exactly one goroutine
	// signs, the rest share the result.
	v, err, _ := m.group.Do(host, func() (interface{}, error) {
		if cert, ok := m.cache.Get(host); ok && m.usable(cert) {
			return cert, nil
		}
		cert, err := m.sign(host)
		if err != nil {
			return nil, err
		}
		m.cache.Add(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// usable reports whether a cached leaf is still worth presenting.
func (m *Mint) usable(cert *tls.Certificate) bool {
	margin := reissueMargin
	if half := m.leafTTL / 2; half < margin {
		margin = half
	}
	return cert.Leaf != nil && m.now().Add(margin).Before(cert.Leaf.NotAfter)
}

// sign creates a leaf for host: subject CN = host, SAN carries the host as
// a DNS name or IP, validity from now-1h to now+leafTTL, key matching the
// CA algorithm. Leaves never carry CA-capable basic constraints.
func (m *Mint) sign(host string) (*tls.Certificate, error) {
	key, err := m.ca.newLeafKey()
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("mint: generating serial: %w", err)
	}

	now := m.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(m.leafTTL),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.ca.cert, key.Public(), m.ca.key)
	if err != nil {
		return nil, fmt.Errorf("mint: signing leaf for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("mint: parsing minted leaf: %w", err)
	}
	m.signs.Add(1)
	if m.onSign != nil {
		m.onSign()
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, m.ca.certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// OnSign registers a callback fired after each sign operation. Set once at
// startup, before the mint sees traffic.
func (m *Mint) OnSign(fn func()) { m.onSign = fn }

// Signs returns the number of sign operations performed. Used by metrics
// and by tests asserting mint idempotency.
func (m *Mint) Signs() int64 { return m.signs.Load() }

// Len returns the number of cached leaf records.
func (m *Mint) Len() int { return m.cache.Len() }

// TLSConfig returns a server-side TLS config that resolves certificates
// from the mint using the client's SNI, falling back to the CONNECT target
// host when no SNI is present.
func (m *Mint) TLSConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = fallbackHost
			}
			return m.Leaf(host)
		},
	}
}

// normalizeHost lowercases and strips any :port suffix.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
