package spoke

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/hostport"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// Handler serves the session-authenticated spoke endpoints. Memberships are
// scoped to the session user; admins may join on behalf of another user.
type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logutil.NoopIfNil(log)}
}

// HandleJoin handles POST /federation/join-as-spoke.
func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUser(w, r)
	if !ok {
		return
	}
	var req JoinRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = user.Username
	} else if req.UserID != user.Username && !user.IsAdmin() {
		api.WriteForbidden(w, api.ReasonForbidden, "cannot join on behalf of another user")
		return
	}
	m, err := h.svc.Join(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, m)
}

// HandleList handles GET /federation/my-hubs.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	user, ok := sessionUser(w, r)
	if !ok {
		return
	}
	list, err := h.svc.List(r.Context(), user.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*Membership{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"hubs": list})
}

// HandleListAll handles GET /admin/federation/memberships.
func (h *Handler) HandleListAll(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*Membership{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"memberships": list})
}

// HandleLeave handles DELETE /federation/my-hubs/{hubHost}.
func (h *Handler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	user, hubHost, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.svc.Leave(r.Context(), hubHost, user.Username); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBriefing handles GET /federation/my-hubs/{hubHost}/briefing.
func (h *Handler) HandleBriefing(w http.ResponseWriter, r *http.Request) {
	user, hubHost, ok := h.target(w, r)
	if !ok {
		return
	}
	raw, err := h.svc.Briefing(r.Context(), hubHost, user.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// HandleRefresh handles POST /federation/my-hubs/{hubHost}/refresh.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	user, hubHost, ok := h.target(w, r)
	if !ok {
		return
	}
	m, err := h.svc.Refresh(r.Context(), hubHost, user.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (*identity.User, string, bool) {
	user, ok := sessionUser(w, r)
	if !ok {
		return nil, "", false
	}
	hubHost, err := hostport.Normalize(chi.URLParam(r, "hubHost"), "")
	if err != nil {
		api.WriteBadRequest(w, api.ReasonInvalidRequest, "hubHost is not a host")
		return nil, "", false
	}
	return user, hubHost, true
}

func sessionUser(w http.ResponseWriter, r *http.Request) (*identity.User, bool) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
		return nil, false
	}
	return user, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var he *HubError
	switch {
	case errors.As(err, &he):
		reason, msg := he.ReasonCode, he.Message
		if reason == "" {
			reason, msg = api.ReasonHubUnreachable, he.Error()
		}
		api.WriteError(w, he.Status, reason, msg)
	case errors.Is(err, ErrAlreadyJoined):
		api.WriteConflict(w, api.ReasonAlreadyJoined, err.Error())
	case errors.Is(err, ErrHubUnreachable):
		api.WriteBadGateway(w, api.ReasonHubUnreachable, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		api.WriteBadRequest(w, api.ReasonInvalidRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		api.WriteNotFound(w, err.Error())
	default:
		log := h.log
		if l, ok := appctx.LoggerFromContext(r.Context()); ok {
			log = l
		}
		log.Error("spoke request failed", "error", err)
		api.WriteInternalError(w, "internal error")
	}
}
