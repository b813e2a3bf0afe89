// Package admin provides the /admin/* endpoints. Every route requires an
// admin session.
package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/hub"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/outbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/spoke"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/trust"
	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service"
	svccfg "github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service/httpwrap"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

func init() {
	service.MustRegister("admin", New)
}

// Config holds admin service configuration. The service has no settings yet.
type Config struct{}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {}

// Service is the admin service.
type Service struct {
	router chi.Router
	log    *slog.Logger
}

// New creates the admin service.
func New(m map[string]any, log *slog.Logger) (service.Service, error) {
	log = logutil.NoopIfNil(log)

	var c Config
	unused, err := svccfg.DecodeWithUnused(m, &c)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		log.Warn("unused config keys", "service", "admin", "unused_keys", unused)
	}

	d := deps.GetDeps()
	if d == nil {
		return nil, errors.New("shared deps not initialized: call deps.SetDeps() before New()")
	}
	if d.Trust == nil || d.Outbox == nil || d.Teams == nil {
		return nil, errors.New("admin: trust, outbox and teams must be wired")
	}

	trustHandler := trust.NewHandler(d.Trust, log)
	var waker outbox.Waker
	if d.Dispatcher != nil {
		waker = d.Dispatcher
	}
	outboxHandler := outbox.NewHandler(d.Outbox, waker, log)
	teamsHandler := api.NewTeamsHandler(d.Teams, log)
	deployment := d.Config.Deployment

	r := chi.NewRouter()
	r.Use(auth.RequireAdmin)

	r.Route("/federation", func(r chi.Router) {
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", trustHandler.HandleList)
			r.Post("/", trustHandler.HandleCreate)
			r.Patch("/{host}", trustHandler.HandleUpdate)
			r.Delete("/{host}", trustHandler.HandleDelete)
		})
		r.Route("/outbox", func(r chi.Router) {
			r.Get("/", outboxHandler.HandleList)
			r.Post("/{id}/retry", outboxHandler.HandleRetry)
		})
		if d.Hub != nil {
			hubHandler := hub.NewHandler(d.Hub, log)
			r.Route("/invites", func(r chi.Router) {
				r.Use(api.RequireDeployment(deployment, string(config.DeploymentTeam)))
				r.Get("/", hubHandler.HandleListInvites)
				r.Post("/", hubHandler.HandleCreateInvite)
			})
		}
		if d.Spoke != nil {
			spokeHandler := spoke.NewHandler(d.Spoke, log)
			r.With(api.RequireDeployment(deployment, string(config.DeploymentPersonal))).
				Get("/memberships", spokeHandler.HandleListAll)
		}
	})

	r.Route("/teams", func(r chi.Router) {
		r.Get("/", teamsHandler.HandleList)
		r.Post("/", teamsHandler.HandleCreate)
		r.Get("/{id}/members", teamsHandler.HandleMembers)
	})

	return &Service{router: r, log: log}, nil
}

// Handler returns the service's HTTP handler with RawPath clearing.
func (s *Service) Handler() http.Handler {
	return httpwrap.ClearRawPath(s.router)
}

// Prefix returns the URL prefix for this service.
func (s *Service) Prefix() string {
	return "admin"
}

// Unprotected returns nothing: every admin path needs a session.
func (s *Service) Unprotected() []string {
	return nil
}

// Close releases any resources held by the service.
func (s *Service) Close() error {
	return nil
}
