// Package cert generates the self-signed ECDSA certificate this gateway
// presents for every DTLS handshake, and computes its SDP fingerprint.
// Certificate generation is plain crypto/x509: no example repo wraps it
// in a third-party library, since DTLS itself (pion/dtls/v3) takes a
// tls.Certificate and leaves generation to the caller, exactly as the
// teacher's own certificate.go does.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mediabridge/iceproxy/internal/ovrerr"
)

// Certificate bundles the ECDSA key and X.509 certificate this gateway
// authenticates itself with for one process lifetime: it is
// process-scoped, not per-session.
type Certificate struct {
	Leaf    *x509.Certificate
	private *ecdsa.PrivateKey
}

// Generate creates a fresh self-signed ECDSA P-256 certificate valid for
// one year, grounded on the teacher's GenerateCertificate.
func Generate() (*Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &ovrerr.ConfigInvalid{Err: err}
	}

	origin := make([]byte, 16)
	if _, err := rand.Read(origin); err != nil {
		return nil, &ovrerr.ConfigInvalid{Err: err}
	}
	maxSerial := new(big.Int).Sub(new(big.Int).Exp(big.NewInt(2), big.NewInt(130), nil), big.NewInt(1))
	serial, err := rand.Int(rand.Reader, maxSerial)
	if err != nil {
		return nil, &ovrerr.ConfigInvalid{Err: err}
	}

	tpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hex.EncodeToString(origin)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return nil, &ovrerr.ConfigInvalid{Err: err}
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &ovrerr.ConfigInvalid{Err: err}
	}

	return &Certificate{Leaf: leaf, private: key}, nil
}

// LoadFromFiles loads a certificate/key pair from disk, for deployments
// that pin a fixed certificate rather than generating one per process
// start.
func LoadFromFiles(certFile, keyFile string) (*Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, &ovrerr.ConfigInvalid{Err: err}
	}
	ecKey, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, &ovrerr.ConfigInvalid{Err: fmt.Errorf("cert: only ECDSA keys are supported")}
	}
	leaf := pair.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, &ovrerr.ConfigInvalid{Err: err}
		}
	}
	return &Certificate{Leaf: leaf, private: ecKey}, nil
}

// TLSCertificate returns the tls.Certificate form pion/dtls/v3 expects.
func (c *Certificate) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.Leaf.Raw},
		PrivateKey:  c.private,
		Leaf:        c.Leaf,
	}
}

// Fingerprint renders the SHA-256 fingerprint of the certificate's DER
// encoding in the "sha-256 AB:CD:..." form used by SDP's a=fingerprint
// attribute (RFC 8122).
func (c *Certificate) Fingerprint() string {
	sum := sha256.Sum256(c.Leaf.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return "sha-256 " + strings.Join(parts, ":")
}
