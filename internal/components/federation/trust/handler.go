package trust

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// Handler serves the admin trust endpoints under /admin/federation/servers.
type Handler struct {
	reg *Registry
	log *slog.Logger
}

func NewHandler(reg *Registry, log *slog.Logger) *Handler {
	return &Handler{reg: reg, log: logutil.NoopIfNil(log)}
}

type recordRequest struct {
	Host       string `json:"host"`
	TrustLevel string `json:"trustLevel"`
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var level Level
	if s := r.URL.Query().Get("trustLevel"); s != "" {
		l, err := ParseLevel(s)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		level = l
	}
	recs, err := h.reg.List(r.Context(), level)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*Record{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"servers": recs})
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	rec, err := h.reg.Create(r.Context(), req.Host, Level(req.TrustLevel))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("trust record created", "host", rec.Host, "trust_level", rec.TrustLevel)
	api.WriteJSON(w, http.StatusCreated, rec)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}
	rec, err := h.reg.SetLevel(r.Context(), chi.URLParam(r, "host"), Level(req.TrustLevel))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("trust level changed", "host", rec.Host, "trust_level", rec.TrustLevel)
	api.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Delete(r.Context(), chi.URLParam(r, "host")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidLevel):
		api.WriteBadRequest(w, api.ReasonInvalidTrustLevel, err.Error())
	case errors.Is(err, ErrInvalidHost):
		api.WriteBadRequest(w, api.ReasonInvalidRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrExists):
		api.WriteConflict(w, api.ReasonConflict, err.Error())
	default:
		log := h.log
		if l, ok := appctx.LoggerFromContext(r.Context()); ok {
			log = l
		}
		log.Error("trust request failed", "error", err)
		api.WriteInternalError(w, "internal error")
	}
}
