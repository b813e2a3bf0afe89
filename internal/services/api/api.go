// Package api provides the /api/* endpoints: health, session auth, the local
// tez API, the event stream and this server's identity.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api/events"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api/messages"
	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service"
	svccfg "github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service/httpwrap"
	"github.com/MahdiBaghbani/tezmesh-go/internal/interceptors"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

func init() {
	service.MustRegister("api", New)
}

// Config is [http.services.api].
type Config struct {
	// Ratelimit.Profile names [http.interceptors.ratelimit.profiles.<name>]
	// to put in front of /auth/login.
	Ratelimit struct {
		Profile string `mapstructure:"profile"`
	} `mapstructure:"ratelimit"`

	EventsHeartbeatSeconds int `mapstructure:"events_heartbeat_seconds"`
}

func (c *Config) ApplyDefaults() {
	if c.EventsHeartbeatSeconds <= 0 {
		c.EventsHeartbeatSeconds = int(events.DefaultHeartbeat.Seconds())
	}
}

type Service struct {
	router chi.Router
	log    *slog.Logger
}

// IdentityResponse is the body of GET /api/identity.
type IdentityResponse struct {
	Host       string `json:"host"`
	ServerID   string `json:"serverId"`
	Deployment string `json:"deployment"`
	CreatedAt  string `json:"createdAt"`
}

func New(m map[string]any, log *slog.Logger) (service.Service, error) {
	log = logutil.NoopIfNil(log)

	var c Config
	unused, err := svccfg.DecodeWithUnused(m, &c)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		log.Warn("unused config keys", "service", "api", "unused_keys", unused)
	}

	d := deps.GetDeps()
	if d == nil {
		return nil, errors.New("shared deps not initialized")
	}

	limitLogin := func(h http.Handler) http.Handler { return h }
	if c.Ratelimit.Profile != "" {
		if limitLogin, err = interceptors.BuildProfile(d.Config.HTTP.Interceptors, "ratelimit", c.Ratelimit.Profile, log); err != nil {
			return nil, fmt.Errorf("api: %w", err)
		}
	}

	s := &Service{router: chi.NewRouter(), log: log}
	s.mountAuth(d, limitLogin)
	s.mountTez(d)
	if d.Broker != nil {
		ev := events.NewHandler(d.Broker, time.Duration(c.EventsHeartbeatSeconds)*time.Second, log)
		s.router.Get("/events", ev.HandleStream)
	}
	s.mountIdentity(d)
	return s, nil
}

func (s *Service) mountAuth(d *deps.Deps, limitLogin func(http.Handler) http.Handler) {
	h := api.NewAuthHandler(d.PartyRepo, d.SessionRepo, d.UserAuth, d.LocalHost, s.log)
	s.router.Get("/healthz", api.HealthHandler)
	s.router.Route("/auth", func(r chi.Router) {
		r.With(limitLogin).Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/me", h.GetCurrentUser)
	})
}

func (s *Service) mountTez(d *deps.Deps) {
	if d.Tez == nil || d.Sender == nil {
		return
	}
	h := messages.NewHandler(d.Tez, d.Sender, d.Notifier, d.LocalHost, s.log)
	s.router.Route("/tez", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Get("/{id}", h.HandleGet)
	})
}

func (s *Service) mountIdentity(d *deps.Deps) {
	body := IdentityResponse{
		Host:       d.Identity.Host,
		ServerID:   d.Identity.ServerID,
		Deployment: d.Config.Deployment,
		CreatedAt:  d.Identity.Created.UTC().Format(time.RFC3339),
	}
	s.router.Get("/identity", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, body)
	})
}

func (s *Service) Handler() http.Handler { return httpwrap.ClearRawPath(s.router) }
func (s *Service) Prefix() string        { return "api" }
func (s *Service) Close() error          { return nil }

// Unprotected lists the paths served without a session.
func (s *Service) Unprotected() []string {
	return []string{"/healthz", "/auth/login"}
}
