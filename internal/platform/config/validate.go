package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Validate checks enum fields, cross-field constraints and public_origin.
// The first failing check is returned.
func (c *Config) Validate() error {
	for _, check := range []func(*Config) error{
		checkEnums,
		checkDelivery,
		checkHub,
		checkRatelimitProfiles,
		checkPublicOrigin,
	} {
		if err := check(c); err != nil {
			return err
		}
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("invalid %s %q: must be one of %s", field, value, strings.Join(allowed, ", "))
}

func checkEnums(c *Config) error {
	err := errors.Join(
		oneOf("deployment", c.Deployment, string(DeploymentPersonal), string(DeploymentTeam)),
		oneOf("tls.mode", c.TLS.Mode, "off", "static", "selfsigned", "acme"),
		oneOf("outbound_http.ssrf_mode", c.OutboundHTTP.SSRFMode, "strict", "off"),
		oneOf("store.driver", c.Store.Driver, "sqlite", "memory"),
		oneOf("logging.level", c.Logging.Level, "trace", "debug", "info", "warn", "error"),
		oneOf("federation.peer_scheme", c.Federation.PeerScheme, "http", "https"),
	)
	if err != nil {
		return err
	}
	if c.Cache.Driver != "" {
		if err := oneOf("cache.driver", c.Cache.Driver, "memory", "redis"); err != nil {
			return err
		}
	}
	if c.Store.Driver == "sqlite" && c.Store.DataDir == "" {
		return errors.New("store.data_dir is required for the sqlite driver")
	}
	if c.Federation.PeerScheme == "http" && Mode(c.Mode) != ModeDev {
		return errors.New("federation.peer_scheme http is only allowed in dev mode")
	}
	return nil
}

func checkDelivery(c *Config) error {
	d := c.Federation.Delivery
	switch {
	case d.Workers < 1 || d.MaxAttempts < 1 || d.BatchSize < 1:
		return errors.New("federation.delivery workers, max_attempts and batch_size must be positive")
	case d.MaxBackoffMS < d.InitialBackoffMS:
		return errors.New("federation.delivery.max_backoff_ms must not be below initial_backoff_ms")
	case d.Randomization < 0 || d.Randomization > 1:
		return errors.New("federation.delivery.randomization must be within [0, 1]")
	case d.AttemptTimeoutMS < 1 || d.LeaseSeconds < 1:
		return errors.New("federation.delivery attempt_timeout_ms and lease_seconds must be positive")
	case int64(d.LeaseSeconds)*1000 <= int64(d.AttemptTimeoutMS):
		// A lease that ends mid-attempt hands the entry to a second worker.
		return fmt.Errorf("federation.delivery.lease_seconds (%d) must outlast attempt_timeout_ms (%d)",
			d.LeaseSeconds, d.AttemptTimeoutMS)
	}
	return nil
}

func checkHub(c *Config) error {
	for _, capability := range c.Federation.Hub.Capabilities {
		if !slices.Contains(KnownCapabilities, capability) {
			return fmt.Errorf("invalid federation.hub.capabilities entry %q: must be one of %s",
				capability, strings.Join(KnownCapabilities, ", "))
		}
	}
	if c.IsTeam() && strings.TrimSpace(c.Federation.Hub.PrimaryTeam) == "" {
		return errors.New("federation.hub.primary_team must be set for team deployments")
	}
	return nil
}

// checkRatelimitProfiles makes sure every [http.services.<svc>.ratelimit]
// profile names an entry under [http.interceptors.ratelimit.profiles].
func checkRatelimitProfiles(c *Config) error {
	defined := map[string]bool{}
	if raw, ok := c.HTTP.Interceptors["ratelimit"]["profiles"]; ok {
		profiles, ok := raw.(map[string]any)
		if !ok {
			return errors.New("http.interceptors.ratelimit.profiles must be a map")
		}
		for name, p := range profiles {
			if _, ok := p.(map[string]any); !ok {
				return fmt.Errorf("http.interceptors.ratelimit.profiles.%s must be a map", name)
			}
			defined[name] = true
		}
	}
	for svc, m := range c.HTTP.Services {
		rl, _ := m["ratelimit"].(map[string]any)
		if name, ok := rl["profile"].(string); ok && !defined[name] {
			return fmt.Errorf("http.services.%s.ratelimit references undefined profile %q", svc, name)
		}
	}
	return nil
}

// checkPublicOrigin accepts only an absolute http(s) URL made of scheme and
// authority.
func checkPublicOrigin(c *Config) error {
	origin := c.PublicOrigin
	if origin == "" {
		return errors.New("public_origin is required")
	}
	bad := func(why string) error {
		return fmt.Errorf("invalid public_origin %q: %s", origin, why)
	}
	if origin != strings.TrimSpace(origin) {
		return bad("must not contain leading or trailing whitespace")
	}
	u, err := url.Parse(origin)
	switch {
	case err != nil:
		return fmt.Errorf("invalid public_origin %q: %w", origin, err)
	case !u.IsAbs():
		return bad("must be an absolute URL with http or https scheme")
	case u.Scheme != "http" && u.Scheme != "https":
		return bad(fmt.Sprintf("scheme must be http or https, got %q", u.Scheme))
	case u.Host == "":
		return bad("must include a host")
	case u.User != nil:
		return bad("must not include userinfo")
	case u.RawQuery != "" || u.Fragment != "":
		return bad("must not include a query string or fragment")
	case u.Path != "" && u.Path != "/":
		return bad("must not include a path")
	}
	return nil
}
