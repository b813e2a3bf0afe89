package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"
)

const (
	defaultSelfSignedDir = ".tezmesh/certs"

	selfSignedValidity = 365 * 24 * time.Hour

	// A stored certificate this close to expiry is replaced at startup.
	selfSignedRenewBefore = 30 * 24 * time.Hour
)

// selfSignedSource keeps a generated certificate under dir and reuses it
// across restarts until it nears expiry.
type selfSignedSource struct {
	holder
	files    pairFiles
	hostname string
	now      func() time.Time
	log      *slog.Logger
}

func newSelfSignedSource(dir, hostname string, log *slog.Logger) *selfSignedSource {
	if dir == "" {
		dir = defaultSelfSignedDir
	}
	return &selfSignedSource{
		files:    pairIn(dir, "server.crt", "server.key"),
		hostname: hostname,
		now:      time.Now,
		log:      log,
	}
}

func (s *selfSignedSource) Prepare(context.Context) error {
	if c, err := s.files.load(); err == nil {
		if !expiresWithin(c, selfSignedRenewBefore, s.now()) {
			s.set(c)
			s.log.Info("loaded existing self-signed certificate", "cert_file", s.files.cert, "not_after", c.Leaf.NotAfter)
			return nil
		}
		s.log.Info("self-signed certificate near expiry, regenerating", "not_after", c.Leaf.NotAfter)
	}

	certPEM, keyPEM, err := selfSign(s.hostname, s.now())
	if err != nil {
		return err
	}
	c, err := s.files.store(certPEM, keyPEM)
	if err != nil {
		return err
	}
	s.set(c)
	s.log.Info("generated self-signed certificate", "hostname", s.hostname, "cert_file", s.files.cert, "expires", c.Leaf.NotAfter)
	return nil
}

// selfSign creates a P-256 certificate for hostname that also covers the
// loopback names used in development.
func selfSign(hostname string, now time.Time) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"tezmesh"}, CommonName: hostname},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
	} else if hostname != "" && hostname != "localhost" {
		tmpl.DNSNames = append(tmpl.DNSNames, hostname)
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		nil
}
