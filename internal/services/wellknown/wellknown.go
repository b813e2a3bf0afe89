// Package wellknown serves the server discovery document at
// /.well-known/tezmesh.
package wellknown

import (
	"cmp"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service"
	svccfg "github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// Path is where the discovery document is served.
const Path = "/.well-known/tezmesh"

func init() {
	service.MustRegister("wellknown", New)
}

// Config is [http.services.wellknown].
type Config struct {
	// Provider is a display name for the server.
	Provider string `mapstructure:"provider"`
}

func (c *Config) ApplyDefaults() {
	c.Provider = cmp.Or(c.Provider, "tezmesh")
}

// svc serves one pre-rendered document, so there is no router.
type svc struct {
	doc http.Handler
}

func New(m map[string]any, log *slog.Logger) (service.Service, error) {
	var c Config
	unused, err := svccfg.DecodeWithUnused(m, &c)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		logutil.NoopIfNil(log).Warn("unused config keys", "service", "wellknown", "unused_keys", unused)
	}
	d := deps.GetDeps()
	if d == nil {
		return nil, errors.New("wellknown: shared deps not initialized")
	}
	return &svc{doc: newDiscoveryHandler(&c, d)}, nil
}

// Handler answers GET on Path and Path+"/" and 404s everything else.
func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path && r.URL.Path != Path+"/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		s.doc.ServeHTTP(w, r)
	})
}

func (s *svc) Prefix() string        { return "" }
func (s *svc) Unprotected() []string { return []string{Path} }
func (s *svc) Close() error          { return nil }
