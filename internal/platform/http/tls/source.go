// Package tls supplies the certificates the HTTPS listener presents.
package tls

import (
	"context"
	cryptotls "crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

var (
	ErrInvalidTLSMode = errors.New("invalid TLS mode")
	ErrMissingCert    = errors.New("missing certificate or key file")
	ErrNoCertificate  = errors.New("no certificate available")
)

// Source supplies the listener certificate for one TLS mode.
type Source interface {
	// Prepare loads, generates or obtains the certificate. Call before serving.
	Prepare(ctx context.Context) error

	// GetCertificate is installed as tls.Config.GetCertificate.
	GetCertificate(hello *cryptotls.ClientHelloInfo) (*cryptotls.Certificate, error)
}

// NewSource returns the source for cfg.Mode. Mode "off" returns (nil, nil).
// hostname names the certificate for selfsigned mode and is the default
// ACME domain.
func NewSource(cfg *config.TLSConfig, hostname string, rootCAs *x509.CertPool, log *slog.Logger) (Source, error) {
	log = logutil.NoopIfNil(log)
	switch cfg.Mode {
	case "off":
		return nil, nil
	case "static":
		return &staticSource{files: pairFiles{cert: cfg.CertFile, key: cfg.KeyFile}, log: log}, nil
	case "selfsigned":
		return newSelfSignedSource(cfg.SelfSignedDir, hostname, log), nil
	case "acme":
		acmeCfg := cfg.ACME
		if acmeCfg.Domain == "" {
			acmeCfg.Domain = hostname
		}
		return NewACMESource(&acmeCfg, rootCAs, log), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTLSMode, cfg.Mode)
	}
}

// ServerConfig returns a listener config that asks src for every handshake.
func ServerConfig(src Source) *cryptotls.Config {
	return &cryptotls.Config{
		GetCertificate: src.GetCertificate,
		MinVersion:     cryptotls.VersionTLS12,
	}
}

// holder keeps the current certificate so sources can swap it while serving.
type holder struct {
	mu   sync.RWMutex
	cert *cryptotls.Certificate
}

func (h *holder) set(c *cryptotls.Certificate) {
	h.mu.Lock()
	h.cert = c
	h.mu.Unlock()
}

func (h *holder) current() *cryptotls.Certificate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cert
}

func (h *holder) GetCertificate(*cryptotls.ClientHelloInfo) (*cryptotls.Certificate, error) {
	if c := h.current(); c != nil {
		return c, nil
	}
	return nil, ErrNoCertificate
}

// pairFiles is a PEM certificate and key on disk.
type pairFiles struct {
	cert string
	key  string
}

func pairIn(dir, certName, keyName string) pairFiles {
	return pairFiles{cert: filepath.Join(dir, certName), key: filepath.Join(dir, keyName)}
}

func (p pairFiles) load() (*cryptotls.Certificate, error) {
	c, err := cryptotls.LoadX509KeyPair(p.cert, p.key)
	if err != nil {
		return nil, err
	}
	return withLeaf(&c)
}

// store writes the pair, creating the directory, and returns it parsed.
func (p pairFiles) store(certPEM, keyPEM []byte) (*cryptotls.Certificate, error) {
	if err := os.MkdirAll(filepath.Dir(p.cert), 0o700); err != nil {
		return nil, fmt.Errorf("create cert directory: %w", err)
	}
	if err := os.WriteFile(p.cert, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(p.key, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	c, err := cryptotls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return withLeaf(&c)
}

func withLeaf(c *cryptotls.Certificate) (*cryptotls.Certificate, error) {
	if c.Leaf != nil {
		return c, nil
	}
	if len(c.Certificate) == 0 {
		return nil, ErrNoCertificate
	}
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}
	c.Leaf = leaf
	return c, nil
}

// expiresWithin reports whether c is invalid at now+d.
func expiresWithin(c *cryptotls.Certificate, d time.Duration, now time.Time) bool {
	return c.Leaf == nil || !now.Add(d).Before(c.Leaf.NotAfter)
}

// staticSource serves an operator-provided pair.
type staticSource struct {
	holder
	files pairFiles
	log   *slog.Logger
}

func (s *staticSource) Prepare(context.Context) error {
	if s.files.cert == "" || s.files.key == "" {
		return ErrMissingCert
	}
	c, err := s.files.load()
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	if expiresWithin(c, 0, time.Now()) {
		s.log.Warn("static TLS certificate has expired", "cert_file", s.files.cert, "not_after", c.Leaf.NotAfter)
	}
	s.set(c)
	s.log.Info("loaded static TLS certificate", "cert_file", s.files.cert, "key_file", s.files.key)
	return nil
}
