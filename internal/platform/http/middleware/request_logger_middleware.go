// Package middleware holds the logging middleware every server runs.
package middleware

import (
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/realip"
)

// RequestLoggerMiddleware puts a logger carrying request_id, method, path
// and client_ip into the request context. It runs after chimw.RequestID.
func RequestLoggerMiddleware(base *slog.Logger, trustedProxies *realip.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := appctx.WithLogger(r.Context(), requestLogger(base, trustedProxies, r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger leaves out the query string, which may carry search terms.
func requestLogger(base *slog.Logger, tp *realip.TrustedProxies, r *http.Request) *slog.Logger {
	return base.With(
		"request_id", chimw.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"client_ip", tp.GetClientIPString(r),
	)
}
