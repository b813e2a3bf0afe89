// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/instanceid"
)

// Deployment selects which side of the hub/spoke relationship this server plays.
type Deployment string

const (
	// DeploymentPersonal is a personal instance that joins hubs as a spoke.
	DeploymentPersonal Deployment = "personal"
	// DeploymentTeam is a team instance that approves spokes as a hub.
	DeploymentTeam Deployment = "team"
)

// Config holds the server configuration.
type Config struct {
	// Mode is the operating mode: strict or dev.
	Mode string `toml:"mode"`

	// Deployment is personal or team.
	Deployment string `toml:"deployment"`

	// PublicOrigin is the public origin (scheme + host + port) for this instance.
	// Its authority is the server's federation host.
	PublicOrigin string `toml:"public_origin"`

	// ListenAddr is the address to listen on. Example: ":9200"
	ListenAddr string `toml:"listen_addr"`

	Server       ServerConfig       `toml:"server"`
	TLS          TLSConfig          `toml:"tls"`
	OutboundHTTP OutboundHTTPConfig `toml:"outbound_http"`
	Store        StoreConfig        `toml:"store"`
	Cache        CacheConfig        `toml:"cache"`
	Logging      LoggingConfig      `toml:"logging"`
	Identity     IdentityConfig     `toml:"identity"`
	Federation   FederationConfig   `toml:"federation"`

	// HTTP holds per-service HTTP configuration.
	HTTP HTTPConfig `toml:"http"`
}

// HTTPConfig holds per-service HTTP configuration.
// Services are configured under [http.services.<svcname>].
// Interceptors are configured under [http.interceptors.<name>].
type HTTPConfig struct {
	Services     map[string]map[string]any `toml:"services"`
	Interceptors map[string]map[string]any `toml:"interceptors"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `toml:"level"`

	// AllowSensitive permits logging of tokens and secrets. Debug only.
	AllowSensitive bool `toml:"allow_sensitive"`
}

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	// Driver is sqlite (file under DataDir) or memory (private in-memory sqlite).
	Driver string `toml:"driver"`

	// DataDir holds the sqlite database file.
	DataDir string `toml:"data_dir"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Driver is the cache driver name: memory (default) or redis.
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration, e.g. [cache.drivers.redis].
	Drivers map[string]any `toml:"drivers"`
}

// IdentityConfig locates the server signing key.
type IdentityConfig struct {
	// KeyPath is where the Ed25519 private key (PKCS8 PEM) is stored.
	KeyPath string `toml:"key_path"`
}

// FederationConfig holds server-to-server settings.
type FederationConfig struct {
	// PeerScheme is the scheme used to reach other servers. https outside tests.
	PeerScheme string `toml:"peer_scheme"`

	// RequireTrusted refuses bundles from pending hosts (default-deny federation).
	RequireTrusted bool `toml:"require_trusted"`

	// MaxBundleBytes caps the inbound bundle body size.
	MaxBundleBytes int64 `toml:"max_bundle_bytes"`

	Delivery DeliveryConfig `toml:"delivery"`
	Hub      HubConfig      `toml:"hub"`
}

// DeliveryConfig tunes the outbound dispatcher.
type DeliveryConfig struct {
	Workers          int     `toml:"workers"`
	MaxAttempts      int     `toml:"max_attempts"`
	InitialBackoffMS int     `toml:"initial_backoff_ms"`
	MaxBackoffMS     int     `toml:"max_backoff_ms"`
	Multiplier       float64 `toml:"multiplier"`
	Randomization    float64 `toml:"randomization"`
	PollIntervalMS   int     `toml:"poll_interval_ms"`
	AttemptTimeoutMS int     `toml:"attempt_timeout_ms"`
	BatchSize        int     `toml:"batch_size"`
	LeaseSeconds     int     `toml:"lease_seconds"`
}

// HubConfig holds hub-side join and token settings.
type HubConfig struct {
	TokenTTLSeconds     int      `toml:"token_ttl_seconds"`
	RefreshGraceSeconds int      `toml:"refresh_grace_seconds"`
	Capabilities        []string `toml:"capabilities"`
	PrimaryTeam         string   `toml:"primary_team"`
	RequireInviteCode   bool     `toml:"require_invite_code"`
	JoinTimeoutMS       int      `toml:"join_timeout_ms"`
}

// ServerConfig holds server-level settings.
type ServerConfig struct {
	// TrustedProxies is a list of CIDR ranges for trusted reverse proxies.
	// X-Forwarded-* headers are only honored from these addresses.
	TrustedProxies []string `toml:"trusted_proxies"`

	BootstrapAdmin BootstrapAdminConfig `toml:"bootstrap_admin"`
}

// BootstrapAdminConfig holds bootstrap admin credentials.
type BootstrapAdminConfig struct {
	Username string `toml:"username"`

	// Password for the super admin. If empty on first boot, a random password is generated.
	Password string `toml:"password"`
}

// TLSConfig holds TLS-related settings.
type TLSConfig struct {
	// Mode is one of: off, static, selfsigned, acme
	Mode string `toml:"mode"`

	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	// HTTPPort serves ACME challenges and redirects.
	HTTPPort  int `toml:"http_port"`
	HTTPSPort int `toml:"https_port"`

	SelfSignedDir string `toml:"self_signed_dir"`

	// RootCAFile and RootCADir extend the system pool for outbound TLS and the
	// ACME directory. Useful with private CAs between test servers.
	RootCAFile string `toml:"root_ca_file"`
	RootCADir  string `toml:"root_ca_dir"`

	ACME ACMEConfig `toml:"acme"`
}

// ACMEConfig holds ACME/Let's Encrypt settings.
type ACMEConfig struct {
	Email      string `toml:"email"`
	Domain     string `toml:"domain"`
	Directory  string `toml:"directory"`
	StorageDir string `toml:"storage_dir"`
	UseStaging bool   `toml:"use_staging"`
}

// OutboundHTTPConfig holds settings for outbound HTTP requests.
type OutboundHTTPConfig struct {
	// SSRFMode is one of: strict, off
	SSRFMode string `toml:"ssrf_mode"`

	TimeoutMS        int   `toml:"timeout_ms"`
	ConnectTimeoutMS int   `toml:"connect_timeout_ms"`
	MaxRedirects     int   `toml:"max_redirects"`
	MaxResponseBytes int64 `toml:"max_response_bytes"`

	// InsecureSkipVerify disables TLS verification (dev-only)
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// BuildServiceConfig returns a copy of [http.services.<name>], or nil.
func (c *Config) BuildServiceConfig(serviceName string) map[string]any {
	svcCfg, ok := c.HTTP.Services[serviceName]
	if !ok {
		return nil
	}
	return maps.Clone(svcCfg)
}

func (c *Config) IsTeam() bool     { return Deployment(c.Deployment) == DeploymentTeam }
func (c *Config) IsPersonal() bool { return Deployment(c.Deployment) == DeploymentPersonal }

// Redacted renders the effective config for the startup log. Secrets are
// replaced and driver or service blocks are listed by name only.
func (c *Config) Redacted() string {
	var b strings.Builder
	line := func(indent int, format string, args ...any) {
		b.WriteString(strings.Repeat("  ", indent))
		fmt.Fprintf(&b, format, args...)
		b.WriteString(",\n")
	}
	b.WriteString("Config{\n")
	line(1, "Mode: %q", c.Mode)
	line(1, "Deployment: %q", c.Deployment)
	line(1, "PublicOrigin: %q", c.PublicOrigin)
	line(1, "ListenAddr: %q", c.ListenAddr)
	line(1, "Server: {TrustedProxies: %v, BootstrapAdmin: {Username: %q, Password: [REDACTED]}}",
		c.Server.TrustedProxies, c.Server.BootstrapAdmin.Username)
	line(1, "TLS: {Mode: %q, CertFile: %q, KeyFile: %q, HTTPPort: %d, HTTPSPort: %d, ACMEDomain: %q}",
		c.TLS.Mode, c.TLS.CertFile, c.TLS.KeyFile, c.TLS.HTTPPort, c.TLS.HTTPSPort, c.TLS.ACME.Domain)
	o := c.OutboundHTTP
	line(1, "OutboundHTTP: {SSRFMode: %q, TimeoutMS: %d, MaxRedirects: %d, InsecureSkipVerify: %v}",
		o.SSRFMode, o.TimeoutMS, o.MaxRedirects, o.InsecureSkipVerify)
	line(1, "Store: {Driver: %q, DataDir: %q}", c.Store.Driver, c.Store.DataDir)
	line(1, "Cache: {Driver: %q, Drivers: %v}", c.Cache.Driver, slices.Sorted(maps.Keys(c.Cache.Drivers)))
	line(1, "Logging: {Level: %q, AllowSensitive: %v}", c.Logging.Level, c.Logging.AllowSensitive)
	line(1, "Identity: {KeyPath: %q}", c.Identity.KeyPath)
	f := c.Federation
	line(1, "Federation: {PeerScheme: %q, RequireTrusted: %v, MaxBundleBytes: %d}",
		f.PeerScheme, f.RequireTrusted, f.MaxBundleBytes)
	line(2, "Delivery: {Workers: %d, MaxAttempts: %d, InitialBackoffMS: %d, MaxBackoffMS: %d, AttemptTimeoutMS: %d}",
		f.Delivery.Workers, f.Delivery.MaxAttempts, f.Delivery.InitialBackoffMS, f.Delivery.MaxBackoffMS, f.Delivery.AttemptTimeoutMS)
	line(2, "Hub: {TokenTTLSeconds: %d, Capabilities: %v, PrimaryTeam: %q, RequireInviteCode: %v}",
		f.Hub.TokenTTLSeconds, f.Hub.Capabilities, f.Hub.PrimaryTeam, f.Hub.RequireInviteCode)
	line(1, "HTTP: {Services: %v, Interceptors: %v}",
		slices.Sorted(maps.Keys(c.HTTP.Services)), slices.Sorted(maps.Keys(c.HTTP.Interceptors)))
	b.WriteString("}")
	return b.String()
}

// PublicScheme is the lowercased scheme of PublicOrigin, https when unset.
func (c *Config) PublicScheme() string {
	if u, err := url.Parse(c.PublicOrigin); err == nil && u.Scheme != "" {
		return strings.ToLower(u.Scheme)
	}
	return "https"
}

// PublicAuthority returns the lowercased host[:port] from PublicOrigin.
func (c *Config) PublicAuthority() string {
	fqdn, err := instanceid.ProviderFQDN(c.PublicOrigin)
	if err != nil {
		return ""
	}
	return fqdn
}
