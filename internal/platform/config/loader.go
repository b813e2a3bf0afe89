package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Mode represents the server operating mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeDev    Mode = "dev"
)

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeStrict, nil
	case ModeStrict, ModeDev:
		return m, nil
	}
	return "", fmt.Errorf("invalid mode %q: must be one of strict, dev", s)
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is an optional TOML file. A path that cannot be read or
	// parsed fails the load.
	ConfigPath string

	// ModeFlag wins over the file's mode.
	ModeFlag string

	FlagOverrides FlagOverrides

	// Logger receives warnings such as undecoded keys. Defaults to slog.Default().
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values. Nil or empty values leave the file
// value in place.
type FlagOverrides struct {
	Deployment            *string
	ListenAddr            *string
	PublicOrigin          *string
	SSRFMode              *string
	TLSMode               *string
	StoreDriver           *string
	DataDir               *string
	AdminUsername         *string
	AdminPassword         *string
	LoggingLevel          *string
	LoggingAllowSensitive *string // "true", "false", or "" (unset)
	PeerScheme            *string
}

// Load builds the effective configuration. The mode (flag, then file, then
// strict) picks a preset; the file is decoded on top of it so absent keys
// keep their preset value; flags are applied last; the result is validated.
// Unknown TOML keys only produce a warning.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var raw string
	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		raw = string(data)
	}

	var head struct {
		Mode string `toml:"mode"`
	}
	if _, err := toml.Decode(raw, &head); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
	}
	modeStr := head.Mode
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := StrictConfig()
	if mode == ModeDev {
		cfg = DevConfig()
	}
	md, err := toml.Decode(raw, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
	}
	cfg.Mode = string(mode)

	opts.FlagOverrides.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f FlagOverrides) apply(cfg *Config) {
	for _, o := range []struct {
		dst *string
		src *string
	}{
		{&cfg.Deployment, f.Deployment},
		{&cfg.ListenAddr, f.ListenAddr},
		{&cfg.PublicOrigin, f.PublicOrigin},
		{&cfg.OutboundHTTP.SSRFMode, f.SSRFMode},
		{&cfg.TLS.Mode, f.TLSMode},
		{&cfg.Store.Driver, f.StoreDriver},
		{&cfg.Store.DataDir, f.DataDir},
		{&cfg.Server.BootstrapAdmin.Username, f.AdminUsername},
		{&cfg.Server.BootstrapAdmin.Password, f.AdminPassword},
		{&cfg.Logging.Level, f.LoggingLevel},
		{&cfg.Federation.PeerScheme, f.PeerScheme},
	} {
		if o.src != nil && *o.src != "" {
			*o.dst = *o.src
		}
	}
	if f.LoggingAllowSensitive != nil && *f.LoggingAllowSensitive != "" {
		cfg.Logging.AllowSensitive = *f.LoggingAllowSensitive == "true"
	}
}
