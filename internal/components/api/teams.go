package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// TeamsHandler serves the admin team endpoints under /admin/teams.
type TeamsHandler struct {
	dir *identity.TeamDirectory
	log *slog.Logger
}

func NewTeamsHandler(dir *identity.TeamDirectory, log *slog.Logger) *TeamsHandler {
	return &TeamsHandler{dir: dir, log: logutil.NoopIfNil(log)}
}

type createTeamRequest struct {
	Name    string `json:"name"`
	Primary bool   `json:"primary,omitempty"`
}

func (h *TeamsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	teams, err := h.dir.List(r.Context())
	if err != nil {
		h.log.Error("failed to list teams", "error", err)
		WriteInternalError(w, "failed to list teams")
		return
	}
	if teams == nil {
		teams = []*identity.Team{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

func (h *TeamsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	team, err := h.dir.Create(r.Context(), req.Name, req.Primary)
	switch {
	case errors.Is(err, identity.ErrInvalidTeam):
		WriteBadRequest(w, ReasonInvalidRequest, err.Error())
	case errors.Is(err, identity.ErrTeamExists):
		WriteConflict(w, ReasonConflict, err.Error())
	case err != nil:
		h.log.Error("failed to create team", "error", err)
		WriteInternalError(w, "failed to create team")
	default:
		h.log.Info("team created", "team_id", team.ID, "name", team.Name)
		WriteJSON(w, http.StatusCreated, team)
	}
}

func (h *TeamsHandler) HandleMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team, err := h.dir.Get(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, identity.ErrTeamNotFound) {
		WriteNotFound(w, "team not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load team", "error", err)
		WriteInternalError(w, "failed to load team")
		return
	}
	members, err := h.dir.Members(ctx, team.ID)
	if err != nil {
		h.log.Error("failed to list members", "error", err)
		WriteInternalError(w, "failed to list members")
		return
	}
	if members == nil {
		members = []*identity.TeamMember{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"team": team, "members": members})
}
