// Package hostport normalizes federation hosts so that two spellings of the
// same server compare equal in trust records, outbox rows and addresses.
package hostport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidHost is returned for values that cannot name a federation host.
var ErrInvalidHost = errors.New("hostport: invalid host")

var lookup = idna.New(idna.MapForLookup(), idna.Transitional(false), idna.StrictDomainName(false))

var defaultPorts = map[string]string{"https": "443", "http": "80"}

// Normalize returns the canonical host[:port] for an authority. Names become
// lowercase ASCII (punycode), IP literals take their canonical text form and
// the default port of scheme is dropped. IPv6 literals keep their brackets.
func Normalize(authority, scheme string) (string, error) {
	authority = strings.TrimSpace(authority)
	invalid := func(why string) error {
		return fmt.Errorf("%w: %q %s", ErrInvalidHost, authority, why)
	}
	switch {
	case authority == "":
		return "", fmt.Errorf("%w: empty authority", ErrInvalidHost)
	case strings.Contains(authority, "://"):
		return "", invalid("must not contain a scheme")
	case strings.ContainsAny(authority, "/?#@ "):
		return "", invalid("must be a bare host[:port]")
	}

	host, port, err := split(authority)
	if err != nil {
		return "", invalid(err.Error())
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		host = addr.String()
	} else if host, err = lookup.ToASCII(host); err != nil {
		return "", invalid(err.Error())
	}
	host = strings.ToLower(host)

	if port == defaultPorts[strings.ToLower(scheme)] {
		port = ""
	}
	switch {
	case port != "":
		return net.JoinHostPort(host, port), nil
	case strings.Contains(host, ":"):
		return "[" + host + "]", nil
	}
	return host, nil
}

// split separates host and an optional port. A bare IPv6 literal without
// brackets is taken as a host.
func split(authority string) (host, port string, err error) {
	switch {
	case strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]"):
		host = authority[1 : len(authority)-1]
	case strings.HasPrefix(authority, "["), strings.Count(authority, ":") == 1:
		if host, port, err = net.SplitHostPort(authority); err != nil {
			return "", "", err
		}
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return "", "", errors.New("has an invalid port")
		}
	default:
		host = authority
	}
	if host == "" {
		return "", "", errors.New("has no host")
	}
	return host, port, nil
}

// Equal reports whether two authorities name the same host under scheme.
// Invalid authorities are never equal.
func Equal(a, b, scheme string) bool {
	na, errA := Normalize(a, scheme)
	nb, errB := Normalize(b, scheme)
	return errA == nil && errB == nil && na == nb
}
