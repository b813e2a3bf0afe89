// Package federation provides the /federation/* endpoints: the server-to-server
// inbox, the hub side of the join protocol with its federated team reads, and
// the session-gated spoke endpoints.
package federation

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/hub"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/inbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/spoke"
	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service"
	svccfg "github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service/httpwrap"
	"github.com/MahdiBaghbani/tezmesh-go/internal/interceptors"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

func init() {
	service.MustRegister("federation", New)
}

// Config holds federation service configuration.
type Config struct {
	// Ratelimit opts the inbox and approve-spoke routes into a ratelimit profile.
	Ratelimit RatelimitConfig `mapstructure:"ratelimit"`
}

// RatelimitConfig names profiles from [http.interceptors.ratelimit.profiles.<name>].
type RatelimitConfig struct {
	Inbox   string `mapstructure:"inbox"`
	Approve string `mapstructure:"approve"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {}

// Service is the federation service.
type Service struct {
	router chi.Router
	conf   *Config
	log    *slog.Logger
}

// New creates the federation service.
func New(m map[string]any, log *slog.Logger) (service.Service, error) {
	log = logutil.NoopIfNil(log)

	var c Config
	unused, err := svccfg.DecodeWithUnused(m, &c)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		log.Warn("unused config keys", "service", "federation", "unused_keys", unused)
	}

	d := deps.GetDeps()
	if d == nil {
		return nil, errors.New("shared deps not initialized: call deps.SetDeps() before New()")
	}
	if d.Inbox == nil || d.Hub == nil || d.Spoke == nil {
		return nil, errors.New("federation: inbox, hub and spoke must be wired")
	}

	inboxLimit, err := profile(d, c.Ratelimit.Inbox, log)
	if err != nil {
		return nil, err
	}
	approveLimit, err := profile(d, c.Ratelimit.Approve, log)
	if err != nil {
		return nil, err
	}

	inboxHandler := inbox.NewHandler(d.Inbox, d.Config.Federation.MaxBundleBytes, log)
	hubHandler := hub.NewHandler(d.Hub, log)
	spokeHandler := spoke.NewHandler(d.Spoke, log)
	deployment := d.Config.Deployment

	r := chi.NewRouter()

	r.With(inboxLimit).Post("/inbox", inboxHandler.HandleReceive)

	// Hub side.
	r.Group(func(r chi.Router) {
		r.Use(api.RequireDeployment(deployment, string(config.DeploymentTeam)))
		r.With(approveLimit).Post("/approve-spoke", hubHandler.HandleApprove)
		r.Post("/refresh-token", hubHandler.HandleRefresh)
		r.Post("/leave-hub", hubHandler.HandleLeave)
		r.Get("/team-briefing", hubHandler.HandleBriefing)
		r.Get("/team-search", hubHandler.HandleSearch)
		r.Get("/team-tez", hubHandler.HandleListTez)
		r.Post("/team-tez", hubHandler.HandlePostTez)

		r.Route("/spokes", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/", hubHandler.HandleListSpokes)
			r.Patch("/{host}", hubHandler.HandleSetStatus)
		})
	})

	// Spoke side.
	r.Group(func(r chi.Router) {
		r.Use(api.RequireDeployment(deployment, string(config.DeploymentPersonal)))
		r.Post("/join-as-spoke", spokeHandler.HandleJoin)
		r.Route("/my-hubs", func(r chi.Router) {
			r.Get("/", spokeHandler.HandleList)
			r.Delete("/{hubHost}", spokeHandler.HandleLeave)
			r.Get("/{hubHost}/briefing", spokeHandler.HandleBriefing)
			r.Post("/{hubHost}/refresh", spokeHandler.HandleRefresh)
		})
	})

	return &Service{router: r, conf: &c, log: log}, nil
}

// profile builds the ratelimit middleware for name, or a pass-through when
// name is empty.
func profile(d *deps.Deps, name string, log *slog.Logger) (func(http.Handler) http.Handler, error) {
	if name == "" {
		return passThrough, nil
	}
	mw, err := interceptors.BuildProfile(d.Config.HTTP.Interceptors, "ratelimit", name, log)
	if err != nil {
		return nil, fmt.Errorf("federation: %w", err)
	}
	return mw, nil
}

func passThrough(next http.Handler) http.Handler { return next }

// Handler returns the service's HTTP handler with RawPath clearing.
func (s *Service) Handler() http.Handler {
	return httpwrap.ClearRawPath(s.router)
}

// Prefix returns the URL prefix for this service.
func (s *Service) Prefix() string {
	return "federation"
}

// Unprotected returns the server-to-server paths. They authenticate by
// bundle trust or bearer ScopedToken, never by session.
func (s *Service) Unprotected() []string {
	return []string{
		"/inbox",
		"/approve-spoke",
		"/refresh-token",
		"/leave-hub",
		"/team-briefing",
		"/team-search",
		"/team-tez",
	}
}

// Close releases any resources held by the service.
func (s *Service) Close() error {
	return nil
}
