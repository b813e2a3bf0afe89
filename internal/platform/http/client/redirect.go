package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// replayable reports whether req may be re-sent to a redirect target:
// no body and no bearer token.
func replayable(req *http.Request) bool {
	if req.Header.Get("Authorization") != "" {
		return false
	}
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirect follows Location hops up to max_redirects. Each hop must stay on
// the same host and port and must not leave https.
func (c *Client) redirect(prev *http.Request, resp *http.Response) (*http.Response, error) {
	limit := c.cfg.MaxRedirects
	if limit <= 0 {
		limit = 1
	}
	for hop := 0; ; hop++ {
		resp.Body.Close()
		if hop >= limit {
			return nil, fmt.Errorf("%w: exceeded limit of %d", ErrTooManyRedirects, limit)
		}
		next, err := nextHop(prev, resp.Header.Get("Location"))
		if err != nil {
			return nil, err
		}
		if err := c.guard.check(prev.Context(), next.URL.Hostname()); err != nil {
			return nil, err
		}
		resp, err = c.hc.Do(next)
		if err != nil {
			return nil, err
		}
		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}
		prev = next
	}
}

func nextHop(prev *http.Request, location string) (*http.Request, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: no Location header", ErrRedirectBlocked)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid Location: %v", ErrRedirectBlocked, err)
	}
	target := prev.URL.ResolveReference(ref)
	if prev.URL.Scheme == "https" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s -> %s", ErrRedirectDowngrade, prev.URL.Scheme, target.Scheme)
	}
	if !sameOrigin(prev.URL, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrRedirectNotSameHost, prev.URL.Host, target.Host)
	}

	req, err := http.NewRequestWithContext(prev.Context(), prev.Method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedirectBlocked, err)
	}
	// Authorization is never carried over.
	for _, h := range []string{"User-Agent", "Accept"} {
		if v := prev.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	return req, nil
}

// sameOrigin compares hostnames case-insensitively and ports after filling
// in scheme defaults, so https://a and https://a:443 match. An http to https
// upgrade on the default ports counts as the same host.
func sameOrigin(a, b *url.URL) bool {
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	pa, pb := portOf(a), portOf(b)
	if pa == pb {
		return true
	}
	return a.Port() == "" && b.Port() == "" && a.Scheme == "http" && b.Scheme == "https"
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
