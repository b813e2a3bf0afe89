// Package main is the entrypoint for the tezmesh-go server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/crypto"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	httpclient "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/client"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/server"
	tlspkg "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/tls"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/instanceid"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"

	// Register cache drivers
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache/loader"
	// Register store drivers
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/platform/store/sqlite"
	// Register services and interceptors
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/services/loader"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	modeFlag := flag.String("mode", "", "Operating mode: strict or dev (overrides config)")
	deployment := flag.String("deployment", "", "Deployment: personal or team (overrides config)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	publicOrigin := flag.String("public-origin", "", "Public origin (overrides config)")
	ssrfMode := flag.String("ssrf-mode", "", "SSRF protection mode: strict or off (overrides config)")
	tlsMode := flag.String("tls-mode", "", "TLS mode: off, static, selfsigned, or acme (overrides config)")
	storeDriver := flag.String("store-driver", "", "Store driver: sqlite or memory (overrides config)")
	dataDir := flag.String("data-dir", "", "Directory for the sqlite database (overrides config)")
	peerScheme := flag.String("peer-scheme", "", "Scheme used to reach other servers (overrides config)")
	adminUsername := flag.String("admin-username", "", "Bootstrap admin username (overrides config)")
	adminPassword := flag.String("admin-password", "", "Bootstrap admin password (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	loggingAllowSensitive := flag.String("logging-allow-sensitive", "", "Allow sensitive values in logs: true or false (overrides config)")
	flag.Parse()

	// Bootstrap logger for config loading errors (uses default level)
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Load config with precedence: mode preset -> TOML file -> CLI flags
	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			Deployment:            deployment,
			ListenAddr:            listenAddr,
			PublicOrigin:          publicOrigin,
			SSRFMode:              ssrfMode,
			TLSMode:               tlsMode,
			StoreDriver:           storeDriver,
			DataDir:               dataDir,
			AdminUsername:         adminUsername,
			AdminPassword:         adminPassword,
			LoggingLevel:          loggingLevel,
			LoggingAllowSensitive: loggingAllowSensitive,
			PeerScheme:            peerScheme,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logutil.ParseLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	// Log effective config with secrets redacted
	logger.Info("effective configuration", "config", cfg.Redacted())

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := store.New(&store.DriverConfig{Driver: cfg.Store.Driver, DataDir: cfg.Store.DataDir})
	if err != nil {
		return err
	}
	if err := driver.Init(ctx); err != nil {
		return err
	}
	defer driver.Close()
	logger.Info("store ready", "driver", driver.Name())

	cacheDriver := cfg.Cache.Driver
	if cacheDriver == "" {
		cacheDriver = "memory"
	}
	cacheInstance, err := cache.NewFromConfig(cacheDriver, cfg.Cache.Drivers)
	if err != nil {
		return err
	}
	defer cacheInstance.Close()

	keyDir := filepath.Dir(cfg.Identity.KeyPath)
	if keyDir != "" && keyDir != "." {
		if err := os.MkdirAll(keyDir, 0700); err != nil {
			return err
		}
	}
	host, err := instanceid.FederationHost(cfg.PublicOrigin)
	if err != nil {
		return err
	}
	keyManager := crypto.NewKeyManager(cfg.Identity.KeyPath, host)
	if err := keyManager.LoadOrGenerate(); err != nil {
		return err
	}
	logger.Info("initialized signing key", "keyId", keyManager.GetKeyID())

	rootCAs, err := tlspkg.BuildRootCAPool(cfg.TLS.RootCAFile, cfg.TLS.RootCADir)
	if err != nil {
		return err
	}
	rawHTTPClient := httpclient.New(&cfg.OutboundHTTP)
	if rootCAs != nil {
		rawHTTPClient.SetRootCAs(rootCAs)
	}

	d, err := deps.Wire(ctx, deps.WireOptions{
		Config:     cfg,
		DB:         driver.DB(),
		KeyManager: keyManager,
		HTTPClient: httpclient.NewContextClient(rawHTTPClient),
		Cache:      cacheInstance,
		Log:        logger,
	})
	if err != nil {
		return err
	}
	deps.SetDeps(d)
	logger.Info("server identity", "host", d.LocalHost, "server_id", d.Identity.ServerID, "deployment", cfg.Deployment)

	bootstrapUsername := cfg.Server.BootstrapAdmin.Username
	if bootstrapUsername == "" {
		bootstrapUsername = "admin"
	}
	bootstrap := identity.NewBootstrap(d.PartyRepo, d.UserAuth, logger)
	if _, err := bootstrap.EnsureSuperAdmin(ctx, bootstrapUsername, cfg.Server.BootstrapAdmin.Password,
		cfg.Server.BootstrapAdmin.Password != ""); err != nil {
		return err
	}
	if cfg.IsTeam() {
		team, err := d.Teams.EnsurePrimary(ctx, cfg.Federation.Hub.PrimaryTeam)
		if err != nil {
			return err
		}
		logger.Info("primary team ready", "team_id", team.ID, "name", team.Name)
	}

	services, err := service.BuildAll(service.CoreServices, cfg.BuildServiceConfig, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, logger, services)
	if err != nil {
		return err
	}
	if rootCAs != nil {
		srv.SetRootCAPool(rootCAs)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Dispatcher.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("server started, press Ctrl+C to stop")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
