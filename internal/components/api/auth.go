package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "session"

// AuthHandler handles the login, logout and whoami endpoints.
type AuthHandler struct {
	repo      identity.PartyRepo
	sessions  identity.SessionRepo
	auth      *identity.UserAuth
	localHost string
	ttl       time.Duration
	log       *slog.Logger
}

func NewAuthHandler(repo identity.PartyRepo, sessions identity.SessionRepo, auth *identity.UserAuth, localHost string, log *slog.Logger) *AuthHandler {
	return &AuthHandler{
		repo:      repo,
		sessions:  sessions,
		auth:      auth,
		localHost: localHost,
		ttl:       identity.DefaultSessionTTL,
		log:       logutil.NoopIfNil(log),
	}
}

// LoginRequest is the request body for login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserView is the public shape of a local user.
type UserView struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// LoginResponse is the response for a successful login.
type LoginResponse struct {
	Token     string   `json:"token"`
	ExpiresAt string   `json:"expires_at"`
	User      UserView `json:"user"`
}

func (h *AuthHandler) view(u *identity.User) UserView {
	return UserView{
		ID:          u.ID,
		Username:    u.Username,
		Address:     u.Username + "@" + h.localHost,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteBadRequest(w, ReasonInvalidRequest, "username and password required")
		return
	}

	ctx := r.Context()
	user, err := h.auth.Authenticate(ctx, h.repo, req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, identity.ErrInvalidPassword) && !errors.Is(err, identity.ErrUserNotFound) {
			h.log.Error("authentication failed", "error", err)
		}
		WriteUnauthorized(w, ReasonInvalidCredentials, "invalid username or password")
		return
	}

	session, err := h.sessions.Create(ctx, user.ID, h.ttl)
	if err != nil {
		h.log.Error("failed to create session", "error", err)
		WriteInternalError(w, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	h.log.Info("user logged in", "user_id", user.ID)
	WriteJSON(w, http.StatusOK, LoginResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
		User:      h.view(user),
	})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := SessionToken(r)
	if token == "" {
		WriteUnauthorized(w, ReasonUnauthenticated, "no session token provided")
		return
	}
	if err := h.sessions.Delete(r.Context(), token); err != nil {
		h.log.Warn("failed to delete session", "error", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		MaxAge:   -1,
	})
	WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// GetCurrentUser handles GET /api/auth/me.
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	token := SessionToken(r)
	if token == "" {
		WriteUnauthorized(w, ReasonUnauthenticated, "no session token provided")
		return
	}
	ctx := r.Context()
	session, err := h.sessions.Get(ctx, token)
	if errors.Is(err, identity.ErrSessionExpired) {
		WriteUnauthorized(w, ReasonSessionExpired, "session has expired")
		return
	}
	if err != nil {
		WriteUnauthorized(w, ReasonUnauthenticated, "session not found")
		return
	}
	user, err := h.repo.Get(ctx, session.UserID)
	if err != nil {
		WriteUnauthorized(w, ReasonUnauthenticated, "user not found")
		return
	}
	WriteJSON(w, http.StatusOK, h.view(user))
}

// SessionToken returns the session cookie value, or the bearer token when
// no cookie is set.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}
