package hub

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// ApprovedByAuto marks entries approved through the open join endpoint.
const ApprovedByAuto = "auto"

// Handler serves the hub endpoints. Federated reads authenticate with a
// bearer ScopedToken; admin endpoints run behind the session gate.
type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logutil.NoopIfNil(log)}
}

// HandleApprove handles POST /federation/approve-spoke.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	approval, err := h.svc.Approve(r.Context(), req, ApprovedByAuto)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, approval)
}

// HandleRefresh handles POST /federation/refresh-token.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "bearer token required")
		return
	}
	approval, err := h.svc.Refresh(r.Context(), bearer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, approval)
}

// HandleLeave handles POST /federation/leave-hub.
func (h *Handler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "bearer token required")
		return
	}
	if err := h.svc.Retire(r.Context(), bearer); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBriefing handles GET /federation/team-briefing.
func (h *Handler) HandleBriefing(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, CapReadBriefing)
	if !ok {
		return
	}
	b, err := h.svc.Briefing(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, b)
}

// HandleSearch handles GET /federation/team-search?q=.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, CapReadLibrary)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	results, err := h.svc.Search(r.Context(), p, q, queryLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"query": q, "results": nonNil(results)})
}

// HandleListTez handles GET /federation/team-tez.
func (h *Handler) HandleListTez(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, CapReadTez)
	if !ok {
		return
	}
	list, err := h.svc.ListTez(r.Context(), p, queryLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"tez": nonNil(list)})
}

// HandlePostTez handles POST /federation/team-tez.
func (h *Handler) HandlePostTez(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, CapWriteTez)
	if !ok {
		return
	}
	var d tez.Draft
	if !api.DecodeJSON(w, r, &d) {
		return
	}
	t, err := h.svc.PostTez(r.Context(), p, d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, t)
}

// HandleListSpokes handles GET /federation/spokes?status=.
func (h *Handler) HandleListSpokes(w http.ResponseWriter, r *http.Request) {
	var status Status
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := ParseStatus(s)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		status = st
	}
	entries, err := h.svc.List(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"spokes": nonNil(entries)})
}

type statusRequest struct {
	Status string `json:"status"`
	UserID string `json:"userId,omitempty"`
}

// HandleSetStatus handles PATCH /federation/spokes/{host}.
func (h *Handler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	entries, err := h.svc.SetStatus(r.Context(), chi.URLParam(r, "host"), req.UserID, Status(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"spokes": entries})
}

type inviteRequest struct {
	TeamID     string `json:"teamId,omitempty"`
	Role       string `json:"role,omitempty"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
	MaxUses    int    `json:"maxUses,omitempty"`
}

// HandleCreateInvite handles POST /admin/federation/invites. Without a
// teamId the invite targets the primary team.
func (h *Handler) HandleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.TeamID == "" {
		team, err := h.svc.opts.Teams.EnsurePrimary(ctx, h.svc.opts.PrimaryTeam)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		req.TeamID = team.ID
	}
	createdBy := ""
	if u := auth.GetUserFromContext(ctx); u != nil {
		createdBy = u.Username
	}
	inv, err := h.svc.CreateInvite(ctx, req.TeamID, req.Role, createdBy, time.Duration(req.TTLSeconds)*time.Second, req.MaxUses)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, inv)
}

// HandleListInvites handles GET /admin/federation/invites.
func (h *Handler) HandleListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := h.svc.ListInvites(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"invites": nonNil(invites)})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, capability string) (*Principal, bool) {
	bearer := bearerToken(r)
	if bearer == "" {
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "bearer token required")
		return nil, false
	}
	p, err := h.svc.Authorize(r.Context(), bearer, capability)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return p, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAlreadyConnected):
		api.WriteConflict(w, api.ReasonAlreadyConnected, err.Error())
	case errors.Is(err, ErrSpokeInactive):
		api.WriteForbidden(w, api.ReasonSpokeInactive, err.Error())
	case errors.Is(err, ErrInviteInvalid):
		api.WriteForbidden(w, api.ReasonInviteInvalid, err.Error())
	case errors.Is(err, ErrInviteRequired):
		api.WriteForbidden(w, api.ReasonInviteRequired, err.Error())
	case errors.Is(err, ErrTokenInvalid):
		api.WriteUnauthorized(w, api.ReasonTokenInvalid, "federation token invalid or expired")
	case errors.Is(err, ErrInsufficientScope):
		api.WriteForbidden(w, api.ReasonInsufficientScope, err.Error())
	case errors.Is(err, ErrMissingQuery):
		api.WriteBadRequest(w, api.ReasonMissingQuery, err.Error())
	case errors.Is(err, ErrInvalidStatus):
		api.WriteBadRequest(w, api.ReasonInvalidStatus, err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, tez.ErrInvalid):
		api.WriteBadRequest(w, api.ReasonInvalidRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, identity.ErrTeamNotFound):
		api.WriteNotFound(w, err.Error())
	default:
		log := h.log
		if l, ok := appctx.LoggerFromContext(r.Context()); ok {
			log = l
		}
		log.Error("hub request failed", "error", err)
		api.WriteInternalError(w, "internal error")
	}
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
