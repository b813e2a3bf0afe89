package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/realip"
)

// AccessLogMiddleware writes one "request" line per request with status,
// bytes and duration_ms. It uses the context logger when
// RequestLoggerMiddleware ran and builds the same fields from log otherwise.
func AccessLogMiddleware(log *slog.Logger, trustedProxies *realip.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger, ok := appctx.LoggerFromContext(r.Context())
				if !ok {
					logger = requestLogger(log, trustedProxies, r)
				}
				logger.Log(r.Context(), accessLevel(ww), "request",
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// accessLevel puts server errors at error and long-lived event streams at
// debug.
func accessLevel(ww chimw.WrapResponseWriter) slog.Level {
	switch {
	case ww.Status() >= http.StatusInternalServerError:
		return slog.LevelError
	case ww.Header().Get("Content-Type") == "text/event-stream":
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
