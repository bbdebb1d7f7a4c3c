// Package mitm loads the root CA material and synthesizes per-host leaf
// certificates for TLS interception.
package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// CA holds the root certificate and signing key. The key is loaded once at
// startup and never written back; leaf signing borrows it read-only.
type CA struct {
	cert *x509.Certificate
	key  crypto.Signer

	// raw DER of the root, appended to every minted chain so clients can
	// build a path to the trusted root.
	certDER []byte
}

// LoadCA reads a PEM-encoded root certificate and private key from disk.
// RSA (PKCS#1/PKCS#8) and ECDSA (SEC1/PKCS#8) keys are accepted. The
// certificate must carry the CA basic constraint.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("mitm: reading CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("mitm: reading CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("mitm: %s does not contain a PEM certificate", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("mitm: parsing CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("mitm: certificate at %s is not a CA", certPath)
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("mitm: parsing CA key: %w", err)
	}

	return &CA{cert: cert, key: key, certDER: certBlock.Bytes}, nil
}

// parsePrivateKey decodes the first PEM private-key block it understands.
func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, pemBytes = pem.Decode(pemBytes)
		if block == nil {
			return nil, fmt.Errorf("no usable private key block found")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
			}
			return signer, nil
		}
	}
}

// newLeafKey generates a fresh leaf key matching the CA key's algorithm:
// RSA CAs sign RSA-2048 leaves, ECDSA CAs sign leaves on the same curve.
func (ca *CA) newLeafKey() (crypto.Signer, error) {
	switch k := ca.key.(type) {
	case *rsa.PrivateKey:
		return rsa.GenerateKey(rand.Reader, 2048)
	case *ecdsa.PrivateKey:
		return ecdsa.GenerateKey(k.Curve, rand.Reader)
	default:
		return nil, fmt.Errorf("mitm: unsupported CA key type %T", ca.key)
	}
}

// GenerateCA creates a new root CA pair on disk for lab and first-run use.
// Existing files are never overwritten. Production deployments should point
// the config at corporate CA material instead.
func GenerateCA(certPath, keyPath, commonName string, validity time.Duration) error {
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("mitm: %s already exists, refusing to overwrite", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("mitm: %s already exists, refusing to overwrite", keyPath)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("mitm: generating CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("mitm: generating serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"cachetap"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("mitm: creating CA certificate: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("mitm: marshalling CA key: %w", err)
	}
	return writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mitm: creating directory for %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("mitm: creating %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("mitm: encoding %s: %w", path, err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
