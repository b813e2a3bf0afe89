package bundle

import (
	"errors"
	"strings"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/hostport"
)

// ErrInvalidAddress is returned for anything that is not user@host.
var ErrInvalidAddress = errors.New("address must be user@host")

// SplitAddress splits user@host at the last '@' and normalizes the host.
func SplitAddress(address string) (user, host string, err error) {
	i := strings.LastIndex(address, "@")
	if i <= 0 || i == len(address)-1 {
		return "", "", ErrInvalidAddress
	}
	user = address[:i]
	if strings.ContainsAny(user, "@/ \t") {
		return "", "", ErrInvalidAddress
	}
	host, err = hostport.Normalize(address[i+1:], "")
	if err != nil {
		return "", "", ErrInvalidAddress
	}
	return user, host, nil
}

// HostOf returns the normalized host of an address, or "" if it is invalid.
func HostOf(address string) string {
	_, host, err := SplitAddress(address)
	if err != nil {
		return ""
	}
	return host
}

// JoinAddress builds user@host.
func JoinAddress(user, host string) string {
	return user + "@" + host
}

// GroupByHost groups addresses by normalized host, keeping first-seen order
// and dropping duplicates. Invalid addresses are returned separately.
func GroupByHost(addresses []string) (hosts []string, byHost map[string][]string, bad []string) {
	byHost = make(map[string][]string)
	seen := make(map[string]bool)
	for _, a := range addresses {
		user, host, err := SplitAddress(a)
		if err != nil {
			bad = append(bad, a)
			continue
		}
		norm := JoinAddress(user, host)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		if _, ok := byHost[host]; !ok {
			hosts = append(hosts, host)
		}
		byHost[host] = append(byHost[host], norm)
	}
	return hosts, byHost, bad
}
