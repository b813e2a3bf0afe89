// Package auth is the session gate in front of every protected route.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = api.SessionCookie

type ctxKey int

const (
	sessionKey ctxKey = iota
	userKey
)

// AuthGateConfig configures NewAuthGate.
type AuthGateConfig struct {
	// RequireAuth reports whether path needs a session. The server builds it
	// from each service's Unprotected list.
	RequireAuth func(path string) bool

	Log *slog.Logger

	// The repos may be nil when RequireAuth never returns true.
	SessionRepo identity.SessionRepo
	PartyRepo   identity.PartyRepo
}

// NewAuthGate returns the session middleware. Public paths pass through
// untouched. Protected paths need a live session whose user still exists;
// the session and user are then put in the request context and the
// handler logger gains user_id.
func NewAuthGate(cfg AuthGateConfig) func(http.Handler) http.Handler {
	g := &gate{
		requireAuth: cfg.RequireAuth,
		sessions:    cfg.SessionRepo,
		parties:     cfg.PartyRepo,
		log:         logutil.NoopIfNil(cfg.Log),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.requireAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, rejected := g.authenticate(r)
			if rejected != nil {
				api.WriteUnauthorized(w, rejected.reason, rejected.message)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type gate struct {
	requireAuth func(string) bool
	sessions    identity.SessionRepo
	parties     identity.PartyRepo
	log         *slog.Logger
}

type rejection struct {
	reason, message string
}

var (
	rejectNoToken        = &rejection{api.ReasonUnauthenticated, "authentication required"}
	rejectExpired        = &rejection{api.ReasonSessionExpired, "session has expired"}
	rejectUnknownSession = &rejection{api.ReasonUnauthenticated, "session not found or expired"}
	rejectUnknownUser    = &rejection{api.ReasonUnauthenticated, "session user not found"}
)

func (g *gate) authenticate(r *http.Request) (context.Context, *rejection) {
	token := api.SessionToken(r)
	if token == "" {
		return nil, rejectNoToken
	}
	ctx := r.Context()
	session, err := g.sessions.Get(ctx, token)
	switch {
	case errors.Is(err, identity.ErrSessionExpired):
		return nil, rejectExpired
	case errors.Is(err, identity.ErrSessionNotFound):
		return nil, rejectUnknownSession
	case err != nil:
		g.log.Error("session lookup failed", "error", err)
		return nil, rejectUnknownSession
	}
	user, err := g.parties.Get(ctx, session.UserID)
	if err != nil {
		return nil, rejectUnknownUser
	}
	ctx = WithSession(ctx, session, user)
	// Handler logger only; the access log keeps its own fields.
	return appctx.WithFields(ctx, "user_id", session.UserID), nil
}

// RequireAdmin rejects requests whose session user is not an admin. It runs
// behind the gate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUserFromContext(r.Context())
		switch {
		case user == nil:
			api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
		case !user.IsAdmin():
			api.WriteForbidden(w, api.ReasonForbidden, "admin role required")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// WithSession stores the session and its user in ctx.
func WithSession(ctx context.Context, session *identity.Session, user *identity.User) context.Context {
	return context.WithValue(context.WithValue(ctx, sessionKey, session), userKey, user)
}

func GetSessionFromContext(ctx context.Context) *identity.Session {
	s, _ := ctx.Value(sessionKey).(*identity.Session)
	return s
}

func GetUserFromContext(ctx context.Context) *identity.User {
	u, _ := ctx.Value(userKey).(*identity.User)
	return u
}
