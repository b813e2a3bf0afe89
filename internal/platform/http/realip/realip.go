// Package realip extracts the client IP, honoring X-Forwarded-For and
// X-Real-IP only when the direct peer is a trusted proxy.
package realip

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies holds the prefixes whose forwarding headers are believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// Parse builds TrustedProxies from CIDRs or bare IPs and rejects invalid entries.
func Parse(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			tp.prefixes = append(tp.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("realip: invalid trusted proxy %q", e)
		}
		tp.prefixes = append(tp.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return tp, nil
}

// NewTrustedProxies is Parse for static lists; invalid entries are skipped.
func NewTrustedProxies(entries []string) *TrustedProxies {
	tp := &TrustedProxies{}
	for _, e := range entries {
		one, err := Parse([]string{e})
		if err == nil {
			tp.prefixes = append(tp.prefixes, one.prefixes...)
		}
	}
	return tp
}

// IsTrusted reports whether addr falls in a trusted prefix.
func (tp *TrustedProxies) IsTrusted(addr netip.Addr) bool {
	if tp == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// GetClientIP returns the client address, or an invalid Addr if RemoteAddr
// cannot be parsed.
func (tp *TrustedProxies) GetClientIP(r *http.Request) netip.Addr {
	direct := parseRemoteAddr(r.RemoteAddr)
	if !direct.IsValid() || !tp.IsTrusted(direct) {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if addr, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
				return addr.Unmap()
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap()
		}
	}
	return direct
}

// GetClientIPString returns the client IP for logging and rate limiting.
func (tp *TrustedProxies) GetClientIPString(r *http.Request) string {
	addr := tp.GetClientIP(r)
	if !addr.IsValid() {
		return "unknown"
	}
	return addr.String()
}

func parseRemoteAddr(s string) netip.Addr {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}
