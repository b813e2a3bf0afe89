package inbox

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// DefaultMaxBundleBytes caps inbound bundles when no limit is configured.
const DefaultMaxBundleBytes = 5 << 20

// Handler serves POST /federation/inbox.
type Handler struct {
	inbox    *Inbox
	maxBytes int64
	log      *slog.Logger
}

func NewHandler(in *Inbox, maxBytes int64, log *slog.Logger) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBundleBytes
	}
	return &Handler{inbox: in, maxBytes: maxBytes, log: logutil.NoopIfNil(log)}
}

func (h *Handler) HandleReceive(w http.ResponseWriter, r *http.Request) {
	raw, err := api.ReadBody(r, h.maxBytes)
	if errors.Is(err, api.ErrBodyTooLarge) {
		api.WriteError(w, http.StatusRequestEntityTooLarge, api.ReasonPayloadTooLarge, "bundle exceeds the size limit")
		return
	}
	if err != nil {
		api.WriteBadRequest(w, api.ReasonInvalidJSON, "failed to read request body")
		return
	}

	res, err := h.inbox.Receive(r.Context(), raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *bundle.ValidationError
	switch {
	case errors.Is(err, ErrInvalidJSON):
		api.WriteBadRequest(w, api.ReasonInvalidJSON, err.Error())
	case errors.Is(err, bundle.ErrHashMismatch):
		api.WriteBadRequest(w, api.ReasonHashMismatch, err.Error())
	case errors.Is(err, bundle.ErrUnsupportedVersion):
		api.WriteBadRequest(w, api.ReasonUnsupportedProtocol, err.Error())
	case errors.As(err, &verr):
		api.WriteBadRequest(w, api.ReasonInvalidBundle, err.Error())
	case errors.Is(err, ErrSenderMismatch):
		api.WriteBadRequest(w, api.ReasonSenderMismatch, err.Error())
	case errors.Is(err, ErrNoLocalRecipient):
		api.WriteBadRequest(w, api.ReasonNoLocalRecipient, err.Error())
	case errors.Is(err, ErrSenderBlocked):
		api.WriteForbidden(w, api.ReasonSenderBlocked, err.Error())
	case errors.Is(err, ErrSenderNotTrusted):
		api.WriteForbidden(w, api.ReasonSenderNotTrusted, err.Error())
	default:
		log := h.log
		if l, ok := appctx.LoggerFromContext(r.Context()); ok {
			log = l
		}
		log.Error("inbox failed", "error", err)
		api.WriteInternalError(w, "failed to process bundle")
	}
}
