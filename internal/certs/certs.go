// Package certs manages the control-plane's self-signed TLS certificate:
// generation, on-disk storage, and the startup expiry check that triggers
// regeneration. Grounded on the teacher's GenerateControlPlaneCertPair
// shape, adjusted to write directly to the filesystem paths spec.md names
// (server.crt/server.key) instead of caching PEM in encrypted DB columns.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/ssh-tunnel-manager/daemon/internal/pinnedtls"
)

// RegenerateWithin is the not-after lead time that triggers regeneration on
// daemon startup even if the cert has not expired yet.
const RegenerateWithin = 30 * 24 * time.Hour

// validBefore and validAfter match spec.md §4.7: generate with a NotBefore
// one day in the past so clock skew during generation never produces a
// not-yet-valid certificate, valid for ten years.
const (
	validBefore = -24 * time.Hour
	validAfter  = 10 * 365 * 24 * time.Hour
)

// Pair is a generated certificate and its PEM encodings.
type Pair struct {
	CertPEM     []byte
	KeyPEM      []byte
	Fingerprint string
	NotAfter    time.Time
}

// Generate creates a self-signed ECDSA P-256 certificate for the
// control-plane TLS listener with SANs localhost/127.0.0.1/::1.
func Generate() (Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("certs: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Pair{}, fmt.Errorf("certs: generate serial: %w", err)
	}

	now := time.Now()
	notBefore := now.Add(validBefore)
	notAfter := now.Add(validAfter)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "ssh-tunnel-manager daemon"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return Pair{}, fmt.Errorf("certs: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return Pair{}, fmt.Errorf("certs: marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return Pair{
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		Fingerprint: pinnedtls.Fingerprint(der),
		NotAfter:    notAfter,
	}, nil
}

// Write persists a Pair to certPath/keyPath at mode 0600.
func Write(certPath, keyPath string, p Pair) error {
	if err := os.WriteFile(certPath, p.CertPEM, 0o600); err != nil {
		return fmt.Errorf("certs: write %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, p.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("certs: write %s: %w", keyPath, err)
	}
	return nil
}

// leafNotAfter inspects an existing cert file's NotAfter without fully
// parsing the key, for the startup regeneration check.
func leafNotAfter(certPath string) (time.Time, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return time.Time{}, fmt.Errorf("certs: %s is not PEM", certPath)
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("certs: parse %s: %w", certPath, err)
	}
	return leaf.NotAfter, nil
}

// Result describes the outcome of LoadOrGenerate.
type Result struct {
	TLSCert     tls.Certificate
	Fingerprint string
	Regenerated bool
}

// LoadOrGenerate loads the cert/key pair at certPath/keyPath, regenerating
// and overwriting both files if they are missing or the existing cert's
// NotAfter is within RegenerateWithin (or already past).
func LoadOrGenerate(certPath, keyPath string) (Result, error) {
	if notAfter, err := leafNotAfter(certPath); err == nil {
		if time.Until(notAfter) > RegenerateWithin {
			if tlsCert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
				certDER := tlsCert.Certificate[0]
				return Result{TLSCert: tlsCert, Fingerprint: pinnedtls.Fingerprint(certDER)}, nil
			}
		}
	}

	pair, err := Generate()
	if err != nil {
		return Result{}, err
	}
	if err := Write(certPath, keyPath, pair); err != nil {
		return Result{}, err
	}
	tlsCert, err := tls.X509KeyPair(pair.CertPEM, pair.KeyPEM)
	if err != nil {
		return Result{}, fmt.Errorf("certs: parse generated pair: %w", err)
	}
	return Result{TLSCert: tlsCert, Fingerprint: pair.Fingerprint, Regenerated: true}, nil
}
