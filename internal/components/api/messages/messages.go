// Package messages serves the local tez API: composing, listing and reading
// messages for the session user.
package messages

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/notify"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/outbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

// Handler serves /api/tez.
type Handler struct {
	store     *tez.Store
	sender    *outbox.Sender
	notifier  notify.Notifier
	localHost string
	log       *slog.Logger
	now       func() time.Time
}

func NewHandler(store *tez.Store, sender *outbox.Sender, notifier notify.Notifier, localHost string, log *slog.Logger) *Handler {
	return &Handler{
		store:     store,
		sender:    sender,
		notifier:  notifier,
		localHost: localHost,
		log:       logutil.NoopIfNil(log),
		now:       time.Now,
	}
}

// CreateResponse is the body of a successful POST /api/tez.
type CreateResponse struct {
	Tez        *tez.Tez        `json:"tez"`
	Deliveries []*outbox.Entry `json:"deliveries"`
}

// HandleCreate stores a message authored by the session user and queues one
// bundle per remote host among its recipients.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
		return
	}
	var d tez.Draft
	if !api.DecodeJSON(w, r, &d) {
		return
	}
	from := bundle.JoinAddress(user.Username, h.localHost)
	t, err := tez.Compose(d, from, h.now())
	if err != nil {
		api.WriteBadRequest(w, api.ReasonInvalidRequest, err.Error())
		return
	}
	t.OriginHost = h.localHost

	ctx := r.Context()
	entries, err := h.sender.StoreAndSend(ctx, t, func(tx *gorm.DB) error {
		return h.store.WithTx(tx).Create(ctx, t)
	})
	if err != nil {
		h.log.Error("failed to store tez", "tez_id", t.ID, "error", err)
		api.WriteInternalError(w, "failed to store message")
		return
	}
	h.notifyLocal(r, t)
	if entries == nil {
		entries = []*outbox.Entry{}
	}
	api.WriteJSON(w, http.StatusCreated, CreateResponse{Tez: t, Deliveries: entries})
}

// notifyLocal tells local recipients other than the author about t.
func (h *Handler) notifyLocal(r *http.Request, t *tez.Tez) {
	if h.notifier == nil {
		return
	}
	var users []string
	for _, addr := range t.To {
		u, host, err := bundle.SplitAddress(addr)
		if err != nil || host != h.localHost || addr == t.From || slices.Contains(users, u) {
			continue
		}
		users = append(users, u)
	}
	if len(users) == 0 {
		return
	}
	h.notifier.Notify(r.Context(), notify.Event{
		Type:  notify.EventBundleArrived,
		Users: users,
		Data:  map[string]any{"messageId": t.ID, "from": t.From, "urgency": t.Urgency},
	})
}

// HandleList returns messages written by or addressed to the session user.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.store.ListForAddress(r.Context(), bundle.JoinAddress(user.Username, h.localHost), limit)
	if err != nil {
		h.log.Error("failed to list tez", "error", err)
		api.WriteInternalError(w, "failed to list messages")
		return
	}
	if list == nil {
		list = []*tez.Tez{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"tez": list})
}

// HandleGet returns one message if the session user wrote or received it.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
		return
	}
	t, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, tez.ErrNotFound) {
		api.WriteNotFound(w, "tez not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load tez", "error", err)
		api.WriteInternalError(w, "failed to load message")
		return
	}
	if !involves(t, bundle.JoinAddress(user.Username, h.localHost)) {
		api.WriteNotFound(w, "tez not found")
		return
	}
	api.WriteJSON(w, http.StatusOK, t)
}

func involves(t *tez.Tez, address string) bool {
	if strings.EqualFold(t.From, address) {
		return true
	}
	for _, to := range t.To {
		if strings.EqualFold(to, address) {
			return true
		}
	}
	return false
}
