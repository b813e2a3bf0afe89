package server

import (
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/auth"
	httpmw "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/middleware"
)

// IsAuthRequired reports whether path needs a session. Every path does unless
// a mounted service lists it, or a parent of it, in Unprotected.
func IsAuthRequired(p string, mounted []service.Service) bool {
	for _, svc := range mounted {
		if svc == nil {
			continue
		}
		base := mountPoint(svc)
		for _, open := range svc.Unprotected() {
			if under(p, path.Join(base, open)) {
				return false
			}
		}
	}
	return true
}

// under reports whether p is prefix or a path below it.
func under(p, prefix string) bool {
	rest, ok := strings.CutPrefix(p, prefix)
	return ok && (rest == "" || rest[0] == '/')
}

func mountPoint(svc service.Service) string {
	return "/" + svc.Prefix()
}

// setupRoutes builds the root router. The middleware order is fixed:
// request id, request logger, access log, recoverer, session gate.
func (s *Server) setupRoutes() chi.Router {
	d := deps.GetDeps()
	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		httpmw.RequestLoggerMiddleware(s.logger, d.RealIP),
		httpmw.AccessLogMiddleware(s.logger, d.RealIP),
		chimw.Recoverer,
		// mountedServices is complete before the first request arrives.
		auth.NewAuthGate(auth.AuthGateConfig{
			RequireAuth: func(p string) bool { return IsAuthRequired(p, s.mountedServices) },
			Log:         s.logger,
			SessionRepo: d.SessionRepo,
			PartyRepo:   d.PartyRepo,
		}),
	)

	for _, name := range service.CoreServices {
		if svc := s.services[name]; svc != nil {
			r.Mount(mountPoint(svc), svc.Handler())
			s.mountedServices = append(s.mountedServices, svc)
		}
	}
	return r
}
