// Package ratelimit is the "ratelimit" interceptor: fixed windows counted in
// the shared cache.
package ratelimit

import (
	"cmp"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	svccfg "github.com/MahdiBaghbani/tezmesh-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/tezmesh-go/internal/interceptors"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

func init() {
	interceptors.Register("ratelimit", New)
}

const (
	defaultRequests = 100
	defaultWindow   = 60
)

// Config is one [http.interceptors.ratelimit.profiles.<name>] section.
type Config struct {
	RequestsPerWindow int64 `mapstructure:"requests_per_window"`
	WindowSeconds     int   `mapstructure:"window_seconds"`
	// Scope names the counter. Empty keeps one counter per request path.
	Scope string `mapstructure:"scope"`
}

func (c *Config) ApplyDefaults() {
	if c.RequestsPerWindow == 0 {
		c.RequestsPerWindow = defaultRequests
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = defaultWindow
	}
}

// Limiter allows limit requests per window for each scope and client.
type Limiter struct {
	cache   cache.Counter
	keyFunc func(*http.Request) string
	scope   string
	limit   int64
	window  time.Duration
	log     *slog.Logger
}

// New builds the middleware for one profile. Clients are told apart by the
// real IP, so deps.Cache and deps.RealIP must be set.
func New(conf map[string]any, log *slog.Logger) (interceptors.Middleware, error) {
	var c Config
	if err := svccfg.Decode(conf, &c); err != nil {
		return nil, err
	}
	d := deps.GetDeps()
	if d == nil || d.Cache == nil || d.RealIP == nil {
		return nil, errors.New("ratelimit: cache and trusted proxies must be initialized")
	}
	l := &Limiter{
		cache:   d.Cache,
		keyFunc: d.RealIP.GetClientIPString,
		scope:   c.Scope,
		limit:   c.RequestsPerWindow,
		window:  time.Duration(c.WindowSeconds) * time.Second,
		log:     logutil.NoopIfNil(log),
	}
	return l.Wrap, nil
}

// WithKeyFunc returns a copy that identifies clients with fn.
func (l *Limiter) WithKeyFunc(fn func(*http.Request) string) *Limiter {
	cp := *l
	cp.keyFunc = fn
	return &cp
}

func (l *Limiter) key(r *http.Request) string {
	scope := cmp.Or(l.scope, r.URL.Path)
	return "ratelimit:" + scope + ":" + l.keyFunc(r)
}

// Wrap counts every request. Over the limit it answers 429 RATE_LIMITED with
// Retry-After; otherwise RateLimit-Limit and RateLimit-Remaining are set.
// Requests pass when the counter cannot be reached.
func (l *Limiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count, resetAt, err := l.cache.Increment(r.Context(), l.key(r), 1, l.window)
		if err != nil {
			l.log.Warn("rate limit counter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("RateLimit-Limit", strconv.FormatInt(l.limit, 10))
		h.Set("RateLimit-Remaining", strconv.FormatInt(max(l.limit-count, 0), 10))
		if count <= l.limit {
			next.ServeHTTP(w, r)
			return
		}
		wait := int(math.Ceil(time.Until(resetAt).Seconds()))
		h.Set("Retry-After", strconv.Itoa(max(wait, 1)))
		appctx.GetLogger(r.Context()).Info("rate limited", "count", count, "limit", l.limit)
		api.WriteTooManyRequests(w, "too many requests")
	})
}
