package outbox

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// Handler serves the admin outbox endpoints under /admin/federation/outbox.
type Handler struct {
	queue *Queue
	waker Waker
	log   *slog.Logger
}

func NewHandler(queue *Queue, waker Waker, log *slog.Logger) *Handler {
	return &Handler{queue: queue, waker: waker, log: logutil.NoopIfNil(log)}
}

// HandleList handles GET /admin/federation/outbox?status=&limit=.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	status, err := ParseStatus(r.URL.Query().Get("status"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.queue.List(r.Context(), status, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HandleRetry handles POST /admin/federation/outbox/{id}/retry.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	e, err := h.queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("outbox entry re-armed", "entry_id", e.ID, "target_host", e.TargetHost)
	if h.waker != nil {
		h.waker.Wake()
	}
	api.WriteJSON(w, http.StatusOK, e)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidStatus):
		api.WriteBadRequest(w, api.ReasonInvalidStatus, err.Error())
	case errors.Is(err, ErrNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrNotFailed):
		api.WriteConflict(w, api.ReasonConflict, err.Error())
	default:
		log := h.log
		if l, ok := appctx.LoggerFromContext(r.Context()); ok {
			log = l
		}
		log.Error("outbox request failed", "error", err)
		api.WriteInternalError(w, "internal error")
	}
}
