package quictransport

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/beenet-mesh/meshfs/pkg/identity"
)

// selfSignedTLSConfig builds a tls.Config around a certificate derived
// from id's own Ed25519 key pair. There is no certificate authority in
// this mesh: QUIC/TLS only proves the peer holds some key pair, and the
// noiseik handshake layered on top is what actually binds the session to
// a specific identity hex-hash.
func selfSignedTLSConfig(id *identity.Identity) (*tls.Config, error) {
	serial, err := randSerial()
	if err != nil {
		return nil, fmt.Errorf("quictransport: generate certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.HexHash()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(nil, template, template, id.SigningPublicKey, id.SigningPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("quictransport: create self-signed certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  id.SigningPrivateKey,
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // identity is bound by noiseik, not by CA trust
	}, nil
}

func randSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
