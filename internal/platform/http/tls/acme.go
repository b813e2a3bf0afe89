package tls

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

const (
	legoStagingURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	legoProductionURL = "https://acme-v02.api.letsencrypt.org/directory"

	// ChallengePrefix is the HTTP-01 path served on the plain HTTP listener.
	ChallengePrefix = "/.well-known/acme-challenge/"

	// challengeTTL bounds how long a presented HTTP-01 token is served.
	challengeTTL = 10 * time.Minute

	// acmeRenewBefore is how early Maintain replaces the certificate.
	acmeRenewBefore = 30 * 24 * time.Hour
)

// acmeAccount implements lego's registration.User.
type acmeAccount struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *acmeAccount) GetEmail() string                        { return a.Email }
func (a *acmeAccount) GetRegistration() *registration.Resource { return a.Registration }
func (a *acmeAccount) GetPrivateKey() crypto.PrivateKey        { return a.key }

// challengeStore answers HTTP-01 challenges from memory. The server owns the
// listener; lego never binds a port.
type challengeStore struct {
	mu     sync.Mutex
	tokens map[string]pendingChallenge
	now    func() time.Time
}

type pendingChallenge struct {
	keyAuth   string
	expiresAt time.Time
}

func newChallengeStore() *challengeStore {
	return &challengeStore{tokens: make(map[string]pendingChallenge), now: time.Now}
}

// Present implements challenge.Provider.
func (s *challengeStore) Present(_, token, keyAuth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = pendingChallenge{keyAuth: keyAuth, expiresAt: s.now().Add(challengeTTL)}
	return nil
}

// CleanUp implements challenge.Provider.
func (s *challengeStore) CleanUp(_, token, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

// lookup returns the key authorization for token, dropping it once expired.
func (s *challengeStore) lookup(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	if !s.now().Before(c.expiresAt) {
		delete(s.tokens, token)
		return "", false
	}
	return c.keyAuth, true
}

// ACMESource obtains and renews a certificate through an ACME directory
// using HTTP-01 challenges.
type ACMESource struct {
	holder
	cfg        *config.ACMEConfig
	rootCAs    *x509.CertPool
	log        *slog.Logger
	challenges *challengeStore
	files      pairFiles
	now        func() time.Time

	clientMu sync.Mutex
	client   *lego.Client
}

// NewACMESource creates an ACME source. rootCAs is used for the directory
// connection; nil means system roots.
func NewACMESource(cfg *config.ACMEConfig, rootCAs *x509.CertPool, log *slog.Logger) *ACMESource {
	return &ACMESource{
		cfg:        cfg,
		rootCAs:    rootCAs,
		log:        logutil.NoopIfNil(log),
		challenges: newChallengeStore(),
		files:      pairIn(cfg.StorageDir, "cert.pem", "key.pem"),
		now:        time.Now,
	}
}

// Prepare reuses a stored certificate without network calls when it is not
// near expiry, and otherwise obtains a new one. The challenge handler must
// already be reachable.
func (a *ACMESource) Prepare(ctx context.Context) error {
	if a.cfg.Domain == "" {
		return errors.New("ACME domain is required")
	}
	if a.cfg.Email == "" {
		return errors.New("ACME email is required")
	}
	if err := os.MkdirAll(a.cfg.StorageDir, 0o700); err != nil {
		return fmt.Errorf("create ACME storage dir: %w", err)
	}

	if c, err := a.files.load(); err == nil && !expiresWithin(c, acmeRenewBefore, a.now()) {
		a.set(c)
		a.log.Info("loaded existing ACME certificate", "domain", a.cfg.Domain, "not_after", c.Leaf.NotAfter)
		return nil
	}
	a.log.Info("no usable certificate, contacting ACME server", "domain", a.cfg.Domain)
	return a.obtain(ctx)
}

// Maintain checks the certificate every interval and renews it once it is
// within the renewal window. It returns when ctx is done.
func (a *ACMESource) Maintain(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c := a.current()
		if c != nil && !expiresWithin(c, acmeRenewBefore, a.now()) {
			continue
		}
		a.log.Info("renewing ACME certificate", "domain", a.cfg.Domain)
		if err := a.obtain(ctx); err != nil {
			a.log.Error("ACME renewal failed", "domain", a.cfg.Domain, "error", err)
		}
	}
}

// ChallengeHandler serves HTTP-01 key authorizations under ChallengePrefix.
func (a *ACMESource) ChallengeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.URL.Path, ChallengePrefix)
		if !ok || token == "" {
			http.NotFound(w, r)
			return
		}
		keyAuth, ok := a.challenges.lookup(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, keyAuth)
	})
}

func (a *ACMESource) obtain(ctx context.Context) error {
	client, err := a.legoClient()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{a.cfg.Domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("obtain certificate: %w", err)
	}
	c, err := a.files.store(res.Certificate, res.PrivateKey)
	if err != nil {
		return err
	}
	a.set(c)
	a.log.Info("obtained ACME certificate", "domain", a.cfg.Domain, "cert_file", a.files.cert, "not_after", c.Leaf.NotAfter)
	return nil
}

// legoClient builds the client on first use and registers the account if
// it has no registration yet.
func (a *ACMESource) legoClient() (*lego.Client, error) {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	acct, err := a.loadOrCreateAccount()
	if err != nil {
		return nil, fmt.Errorf("ACME account: %w", err)
	}

	legoCfg := lego.NewConfig(acct)
	legoCfg.CADirURL = a.directoryURL()
	legoCfg.Certificate.KeyType = certcrypto.EC256
	if a.rootCAs != nil {
		legoCfg.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &cryptotls.Config{RootCAs: a.rootCAs, MinVersion: cryptotls.VersionTLS12},
			},
		}
	}

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create ACME client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(a.challenges); err != nil {
		return nil, fmt.Errorf("set HTTP-01 provider: %w", err)
	}

	if acct.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("register ACME account: %w", err)
		}
		acct.Registration = reg
		if err := a.saveAccount(acct); err != nil {
			a.log.Warn("failed to save ACME account", "error", err)
		}
	}
	a.client = client
	return client, nil
}

func (a *ACMESource) directoryURL() string {
	switch {
	case a.cfg.Directory != "":
		return a.cfg.Directory
	case a.cfg.UseStaging:
		return legoStagingURL
	default:
		return legoProductionURL
	}
}

func (a *ACMESource) accountFiles() (record, key string) {
	return filepath.Join(a.cfg.StorageDir, "account.json"), filepath.Join(a.cfg.StorageDir, "account.key")
}

// loadOrCreateAccount reads the stored account, or makes a fresh key when
// any part of it is missing or unreadable.
func (a *ACMESource) loadOrCreateAccount() (*acmeAccount, error) {
	recordFile, keyFile := a.accountFiles()
	if acct, err := readAccount(recordFile, keyFile); err == nil {
		return acct, nil
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	return &acmeAccount{Email: a.cfg.Email, key: key}, nil
}

func readAccount(recordFile, keyFile string) (*acmeAccount, error) {
	record, err := os.ReadFile(recordFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	var acct acmeAccount
	if err := json.Unmarshal(record, &acct); err != nil {
		return nil, err
	}
	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	acct.key = key
	return &acct, nil
}

func (a *ACMESource) saveAccount(acct *acmeAccount) error {
	recordFile, keyFile := a.accountFiles()
	record, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(recordFile, record, 0o600); err != nil {
		return err
	}
	return os.WriteFile(keyFile, certcrypto.PEMEncode(acct.key), 0o600)
}
