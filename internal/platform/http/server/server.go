// Package server mounts the services behind the shared middleware chain and
// runs the HTTP(S) listeners.
package server

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/instanceid"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"

	tlspkg "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/tls"
)

var ErrMissingSharedDeps = errors.New("shared deps not initialized: call deps.SetDeps() before server.New()")

// acmeCheckInterval is how often the ACME certificate is checked for renewal.
const acmeCheckInterval = 12 * time.Hour

// Server owns the router, the listeners and the mounted services.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	logger     *slog.Logger
	services   map[string]service.Service // keyed by service name

	// challengeServer answers ACME HTTP-01 challenges and redirects to HTTPS.
	// Nil outside ACME mode.
	challengeServer *http.Server

	// RootCAPool is used for the ACME directory connection. Set before Start.
	RootCAPool *x509.CertPool

	// background stops certificate maintenance on Shutdown.
	background context.Context
	stop       context.CancelFunc

	// mountedServices is in mount order; Shutdown closes them in reverse.
	mountedServices []service.Service
}

// New creates a Server. Services are mounted in service.CoreServices order;
// missing entries are skipped. Returns ErrMissingSharedDeps before deps.SetDeps.
func New(cfg *config.Config, logger *slog.Logger, services map[string]service.Service) (*Server, error) {
	logger = logutil.NoopIfNil(logger)
	if deps.GetDeps() == nil {
		return nil, ErrMissingSharedDeps
	}

	s := &Server{cfg: cfg, logger: logger, services: services}
	s.background, s.stop = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the root router. Tests serve it through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetRootCAPool sets the pool for the ACME directory connection.
func (s *Server) SetRootCAPool(pool *x509.CertPool) {
	s.RootCAPool = pool
}

// Start serves until Shutdown and returns http.ErrServerClosed after a clean
// stop.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"public_origin", s.cfg.PublicOrigin,
		"deployment", s.cfg.Deployment,
		"tls_mode", s.cfg.TLS.Mode,
	)

	hostname, err := instanceid.Hostname(s.cfg.PublicOrigin)
	if err != nil {
		return fmt.Errorf("derive TLS hostname: %w", err)
	}
	src, err := tlspkg.NewSource(&s.cfg.TLS, hostname, s.RootCAPool, s.logger)
	if err != nil {
		return err
	}
	if src == nil {
		return s.httpServer.ListenAndServe()
	}

	s.httpServer.TLSConfig = tlspkg.ServerConfig(src)
	if acme, ok := src.(*tlspkg.ACMESource); ok {
		return s.serveACME(acme)
	}
	if err := src.Prepare(s.background); err != nil {
		return fmt.Errorf("prepare TLS certificate: %w", err)
	}
	// Certificates come from TLSConfig.GetCertificate.
	return s.httpServer.ListenAndServeTLS("", "")
}

// acmeAddrs returns the challenge and HTTPS listen addresses. The port of
// ListenAddr is ignored in ACME mode.
func acmeAddrs(cfg *config.Config) (httpAddr, httpsAddr string, err error) {
	host, _, splitErr := net.SplitHostPort(cfg.ListenAddr)
	if splitErr != nil {
		host = cfg.ListenAddr
	}
	if cfg.TLS.HTTPPort == 0 {
		return "", "", errors.New("tls.http_port must be set for ACME mode")
	}
	if cfg.TLS.HTTPSPort == 0 {
		return "", "", errors.New("tls.https_port must be set for ACME mode")
	}
	if u, perr := url.Parse(cfg.PublicOrigin); perr == nil && u.Port() != "" {
		if p, _ := strconv.Atoi(u.Port()); p != cfg.TLS.HTTPSPort {
			return "", "", fmt.Errorf("public_origin port %d does not match tls.https_port %d", p, cfg.TLS.HTTPSPort)
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.TLS.HTTPPort)),
		net.JoinHostPort(host, strconv.Itoa(cfg.TLS.HTTPSPort)), nil
}

type listenerExit struct {
	name string
	err  error
}

// serveACME runs the challenge listener first so the directory can reach
// it while the certificate is obtained, then the HTTPS listener.
func (s *Server) serveACME(src *tlspkg.ACMESource) error {
	httpAddr, httpsAddr, err := acmeAddrs(s.cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(tlspkg.ChallengePrefix, src.ChallengeHandler())
	mux.Handle("/", newHTTPSRedirectHandler(s.cfg.TLS.HTTPSPort))
	s.challengeServer = &http.Server{
		Addr:         httpAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	challengeLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("challenge listener bind failed on %s: %w", httpAddr, err)
	}

	exits := make(chan listenerExit, 2)
	go func() {
		exits <- listenerExit{"challenge", s.challengeServer.Serve(challengeLn)}
	}()

	if err := src.Prepare(s.background); err != nil {
		s.closeQuietly(s.challengeServer)
		return fmt.Errorf("ACME initialization failed: %w", err)
	}
	go src.Maintain(s.background, acmeCheckInterval)

	s.httpServer.Addr = httpsAddr
	httpsLn, err := net.Listen("tcp", httpsAddr)
	if err != nil {
		s.closeQuietly(s.challengeServer)
		return fmt.Errorf("https listener bind failed on %s: %w", httpsAddr, err)
	}
	go func() {
		exits <- listenerExit{"https", s.httpServer.ServeTLS(httpsLn, "", "")}
	}()

	s.logger.Info("starting ACME server", "http_addr", httpAddr, "https_addr", httpsAddr, "domain", s.cfg.TLS.ACME.Domain)

	first := <-exits
	switch {
	case first.name == "https":
		s.closeQuietly(s.challengeServer)
		return first.err
	case errors.Is(first.err, http.ErrServerClosed):
		// Shutdown closed the challenge listener first; wait for HTTPS.
		return (<-exits).err
	default:
		s.closeQuietly(s.httpServer)
		return fmt.Errorf("challenge server exited unexpectedly: %w", first.err)
	}
}

func (s *Server) closeQuietly(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Close()
	}
}

// newHTTPSRedirectHandler answers 308 with the HTTPS form of the request URL.
func newHTTPSRedirectHandler(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			host = "[" + host + "]"
		}
		if httpsPort != 443 {
			host = host + ":" + strconv.Itoa(httpsPort)
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusPermanentRedirect)
	})
}

// Shutdown stops the listeners, then closes services in reverse mount order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.stop()

	var challengeErr error
	if s.challengeServer != nil {
		challengeErr = s.challengeServer.Shutdown(ctx)
	}
	httpErr := s.httpServer.Shutdown(ctx)

	for i := len(s.mountedServices) - 1; i >= 0; i-- {
		svc := s.mountedServices[i]
		name := svc.Prefix()
		if name == "" {
			name = "(root)"
		}
		if err := svc.Close(); err != nil {
			s.logger.Warn("service close error", "service", name, "error", err)
		} else {
			s.logger.Debug("service closed", "service", name)
		}
	}
	return errors.Join(challengeErr, httpErr)
}
