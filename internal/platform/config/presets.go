package config

// KnownCapabilities lists the capability strings a hub may grant.
var KnownCapabilities = []string{"read:tez", "write:tez", "read:library", "read:briefing"}

// StrictConfig returns production-safe defaults.
func StrictConfig() *Config {
	caps := make([]string, len(KnownCapabilities))
	copy(caps, KnownCapabilities)

	return &Config{
		Mode:         string(ModeStrict),
		Deployment:   string(DeploymentPersonal),
		PublicOrigin: "https://localhost:9200",
		ListenAddr:   ":9200",
		Server: ServerConfig{
			TrustedProxies: []string{"127.0.0.0/8", "::1/128"},
		},
		TLS: TLSConfig{
			Mode:          "selfsigned",
			HTTPPort:      9280,
			HTTPSPort:     9200,
			SelfSignedDir: ".tezmesh/certs",
			ACME: ACMEConfig{
				Directory:  "https://acme-v02.api.letsencrypt.org/directory",
				StorageDir: ".tezmesh/acme",
			},
		},
		OutboundHTTP: OutboundHTTPConfig{
			SSRFMode:         "strict",
			TimeoutMS:        15000,
			ConnectTimeoutMS: 2000,
			MaxRedirects:     1,
			MaxResponseBytes: 1 << 20,
		},
		Store:    StoreConfig{Driver: "sqlite", DataDir: ".tezmesh/data"},
		Cache:    CacheConfig{Driver: "memory"},
		Logging:  LoggingConfig{Level: "info"},
		Identity: IdentityConfig{KeyPath: ".tezmesh/keys/server.pem"},
		Federation: FederationConfig{
			PeerScheme:     "https",
			MaxBundleBytes: 1 << 20,
			Delivery: DeliveryConfig{
				Workers:          2,
				MaxAttempts:      8,
				InitialBackoffMS: 30000,
				MaxBackoffMS:     3600000,
				Multiplier:       2.0,
				Randomization:    0.5,
				PollIntervalMS:   5000,
				AttemptTimeoutMS: 15000,
				BatchSize:        16,
				LeaseSeconds:     120,
			},
			Hub: HubConfig{
				TokenTTLSeconds:     3600,
				RefreshGraceSeconds: 7 * 24 * 3600,
				Capabilities:        caps,
				PrimaryTeam:         "General",
				JoinTimeoutMS:       15000,
			},
		},
	}
}

// DevConfig relaxes StrictConfig for local work: plain HTTP, no SSRF
// checks, unverified peer TLS and fast retries.
func DevConfig() *Config {
	cfg := StrictConfig()
	cfg.Mode = string(ModeDev)
	cfg.TLS.Mode = "off"
	cfg.TLS.ACME.Directory = "https://acme-staging-v02.api.letsencrypt.org/directory"
	cfg.TLS.ACME.UseStaging = true
	cfg.OutboundHTTP.SSRFMode = "off"
	cfg.OutboundHTTP.MaxRedirects = 3
	cfg.OutboundHTTP.InsecureSkipVerify = true
	cfg.Logging.Level = "debug"
	cfg.Federation.Delivery.InitialBackoffMS = 2000
	cfg.Federation.Delivery.MaxBackoffMS = 60000
	cfg.Federation.Delivery.PollIntervalMS = 1000
	return cfg
}
