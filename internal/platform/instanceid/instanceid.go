// Package instanceid derives this server's federation host from config.PublicOrigin.
package instanceid

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/hostport"
)

// NormalizePublicOrigin lowercases scheme and host and drops a trailing slash.
// Default ports are kept as written.
func NormalizePublicOrigin(publicOrigin string) (string, error) {
	u, err := parse(publicOrigin)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// ProviderFQDN returns the lowercased host[:port] of a public origin.
func ProviderFQDN(publicOrigin string) (string, error) {
	u, err := parse(publicOrigin)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Host), nil
}

// FederationHost returns the canonical host other servers use to address
// this instance: the public origin's authority run through hostport.Normalize.
func FederationHost(publicOrigin string) (string, error) {
	u, err := parse(publicOrigin)
	if err != nil {
		return "", err
	}
	return hostport.Normalize(u.Host, u.Scheme)
}

// Hostname returns the hostname only (no port), for TLS certificate generation.
func Hostname(publicOrigin string) (string, error) {
	u, err := parse(publicOrigin)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Hostname()), nil
}

func parse(publicOrigin string) (*url.URL, error) {
	u, err := url.Parse(publicOrigin)
	if err != nil {
		return nil, fmt.Errorf("instanceid: invalid public origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("instanceid: public origin must be an absolute URL with scheme and host: %q", publicOrigin)
	}
	return u, nil
}
