// Package client is the outbound HTTP client used for federation traffic.
// It refuses private destinations, ignores proxy environment variables and
// never replays a body or bearer token against a redirect target.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
)

var (
	ErrSSRFBlocked         = errors.New("request blocked by SSRF protection")
	ErrHostUnresolvable    = errors.New("host could not be resolved")
	ErrInvalidURL          = errors.New("invalid URL")
	ErrResponseTooLarge    = errors.New("response body too large")
	ErrTooManyRedirects    = errors.New("too many redirects")
	ErrRedirectBlocked     = errors.New("redirect blocked by policy")
	ErrNoRedirect          = errors.New("federation requests cannot follow redirects")
	ErrRedirectNotSameHost = errors.New("redirect to different host blocked")
	ErrRedirectDowngrade   = errors.New("redirect from https to http blocked")
)

// UserAgent is sent on every outbound request that does not set its own.
const UserAgent = "tezmesh-go"

const defaultMaxBody = 1 << 20

func defaultOutbound() *config.OutboundHTTPConfig {
	return &config.OutboundHTTPConfig{
		SSRFMode:         "strict",
		TimeoutMS:        10000,
		ConnectTimeoutMS: 2000,
		MaxRedirects:     1,
		MaxResponseBytes: defaultMaxBody,
	}
}

// Client sends outbound requests through the destination guard.
type Client struct {
	cfg   *config.OutboundHTTPConfig
	guard *guard
	hc    *http.Client
	tlsc  *tls.Config
}

// New builds a Client. A nil cfg means strict SSRF checks with the default
// limits.
func New(cfg *config.OutboundHTTPConfig) *Client {
	if cfg == nil {
		cfg = defaultOutbound()
	}
	c := &Client{
		cfg:   cfg,
		guard: &guard{enabled: cfg.SSRFMode == "strict"},
		tlsc:  &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}

	dialer := &net.Dialer{Timeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond}
	transport := &http.Transport{
		Proxy: nil,
		// The dial-time check catches DNS answers that changed after the
		// pre-flight lookup.
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			if err := c.guard.check(ctx, host); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig: c.tlsc,
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}
	c.hc = &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c
}

// SetRootCAs makes peers verify against pool. Nil keeps the system pool.
func (c *Client) SetRootCAs(pool *x509.CertPool) {
	if pool != nil {
		c.tlsc.RootCAs = pool
	}
}

// SetResolver swaps the resolver used by the destination guard.
func (c *Client) SetResolver(r Resolver) {
	c.guard.resolver = r
}

// Get issues a GET that may follow one same-host redirect.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return c.send(req, true)
}

// GetJSON issues a GET and returns the body, bounded by max_response_bytes.
func (c *Client) GetJSON(ctx context.Context, rawURL string) ([]byte, *http.Response, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := c.read(resp.Body)
	return body, resp, err
}

// Do sends req. Only anonymous GET and HEAD requests follow redirects.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.send(req, replayable(req))
}

// DoNoRedirect sends req and fails on any 3xx answer.
func (c *Client) DoNoRedirect(req *http.Request) (*http.Response, error) {
	return c.send(req, false)
}

func (c *Client) send(req *http.Request, follow bool) (*http.Response, error) {
	if err := c.guard.check(req.Context(), req.URL.Hostname()); err != nil {
		return nil, err
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if !isRedirect(resp.StatusCode) {
		return resp, nil
	}
	if !follow {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: received %d", ErrNoRedirect, resp.StatusCode)
	}
	return c.redirect(req, resp)
}

func (c *Client) read(r io.Reader) ([]byte, error) {
	limit := c.cfg.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

// IsSSRFError reports whether err came from the destination guard.
func IsSSRFError(err error) bool {
	return errors.Is(err, ErrSSRFBlocked) || errors.Is(err, ErrHostUnresolvable)
}

// IsRedirectError reports whether err came from the redirect policy.
func IsRedirectError(err error) bool {
	for _, target := range []error{ErrRedirectBlocked, ErrNoRedirect, ErrRedirectNotSameHost, ErrRedirectDowngrade, ErrTooManyRedirects} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ContextClient adapts Client to HTTPClient.
type ContextClient struct {
	client *Client
}

func NewContextClient(c *Client) *ContextClient {
	return &ContextClient{client: c}
}

func (c *ContextClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(ctx))
}

func (c *ContextClient) DoNoRedirect(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.client.DoNoRedirect(req.WithContext(ctx))
}

// ReadLimited reads resp's body, bounded by max_response_bytes.
func (c *ContextClient) ReadLimited(resp *http.Response) ([]byte, error) {
	return c.client.read(resp.Body)
}
