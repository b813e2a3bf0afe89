package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/outbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache/memory"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/crypto"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/deps"
	httpclient "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/client"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store/storetest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T, deployment string) (*deps.Deps, http.Handler) {
	t.Helper()
	cfg := config.DevConfig()
	cfg.Deployment = deployment
	cfg.PublicOrigin = "https://hub.example.org"

	km := crypto.NewKeyManager(filepath.Join(t.TempDir(), "signing.pem"), "hub.example.org")
	if err := km.LoadOrGenerate(); err != nil {
		t.Fatal(err)
	}
	c := memory.New(time.Minute, time.Minute)
	t.Cleanup(func() { c.Close() })

	d, err := deps.Wire(context.Background(), deps.WireOptions{
		Config:     cfg,
		DB:         storetest.Open(t),
		KeyManager: km,
		HTTPClient: httpclient.NewContextClient(httpclient.New(&cfg.OutboundHTTP)),
		Cache:      c,
		UserAuth:   identity.NewUserAuthFast(),
		Log:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	deps.ResetDeps()
	deps.SetDeps(d)
	t.Cleanup(deps.ResetDeps)

	svc, err := New(map[string]any{}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, svc.Handler()
}

func call(h http.Handler, role, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		user := &identity.User{ID: "u-1", Username: "root", Role: role}
		req = req.WithContext(auth.WithSession(req.Context(), &identity.Session{UserID: user.ID}, user))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func reason(w *httptest.ResponseRecorder) string {
	d, _ := api.ParseError(w.Body.Bytes())
	return d.ReasonCode
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	_, h := setup(t, "personal")

	if w := call(h, "", http.MethodGet, "/teams", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", w.Code)
	}
	w := call(h, identity.RoleUser, http.MethodGet, "/teams", "")
	if w.Code != http.StatusForbidden || reason(w) != api.ReasonForbidden {
		t.Errorf("user: expected 403 FORBIDDEN, got %d %s", w.Code, w.Body)
	}
	if w := call(h, identity.RoleAdmin, http.MethodGet, "/teams", ""); w.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", w.Code)
	}
}

func TestAdmin_TrustRegistryCRUD(t *testing.T) {
	_, h := setup(t, "personal")
	admin := identity.RoleAdmin

	w := call(h, admin, http.MethodPost, "/federation/servers", `{"host":"Peer.Example.org","trustLevel":"trusted"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"host":"peer.example.org"`) {
		t.Errorf("host not normalized: %s", w.Body)
	}

	w = call(h, admin, http.MethodPost, "/federation/servers", `{"host":"peer.example.org","trustLevel":"trusted"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create: expected 409, got %d", w.Code)
	}

	w = call(h, admin, http.MethodPatch, "/federation/servers/peer.example.org", `{"trustLevel":"friendly"}`)
	if w.Code != http.StatusBadRequest || reason(w) != api.ReasonInvalidTrustLevel {
		t.Errorf("bad level: expected 400 INVALID_TRUST_LEVEL, got %d %s", w.Code, w.Body)
	}

	w = call(h, admin, http.MethodPatch, "/federation/servers/peer.example.org", `{"trustLevel":"blocked"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body)
	}

	w = call(h, admin, http.MethodGet, "/federation/servers?trustLevel=blocked", "")
	var list struct {
		Servers []struct {
			Host string `json:"host"`
		} `json:"servers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Servers) != 1 || list.Servers[0].Host != "peer.example.org" {
		t.Errorf("blocked list = %+v", list.Servers)
	}

	if w := call(h, admin, http.MethodDelete, "/federation/servers/peer.example.org", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", w.Code)
	}
	if w := call(h, admin, http.MethodDelete, "/federation/servers/peer.example.org", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

func TestAdmin_OutboxRetry(t *testing.T) {
	d, h := setup(t, "personal")
	admin := identity.RoleAdmin
	ctx := context.Background()

	entries, err := d.Outbox.Enqueue(ctx, "msg-1", []outbox.Delivery{{TargetHost: "peer.example.org", Payload: []byte(`{}`)}})
	if err != nil {
		t.Fatal(err)
	}
	id := entries[0].ID

	w := call(h, admin, http.MethodPost, "/federation/outbox/"+id+"/retry", "")
	if w.Code != http.StatusConflict {
		t.Errorf("retry of pending entry: expected 409, got %d %s", w.Code, w.Body)
	}
	if w := call(h, admin, http.MethodPost, "/federation/outbox/nope/retry", ""); w.Code != http.StatusNotFound {
		t.Errorf("retry of unknown entry: expected 404, got %d", w.Code)
	}
	w = call(h, admin, http.MethodGet, "/federation/outbox?status=bogus", "")
	if w.Code != http.StatusBadRequest || reason(w) != api.ReasonInvalidStatus {
		t.Errorf("bad status filter: %d %s", w.Code, w.Body)
	}
	w = call(h, admin, http.MethodGet, "/federation/outbox?status=pending", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), id) {
		t.Errorf("pending list: %d %s", w.Code, w.Body)
	}
}

func TestAdmin_ModeGatedRoutes(t *testing.T) {
	_, personal := setup(t, "personal")
	w := call(personal, identity.RoleAdmin, http.MethodGet, "/federation/invites", "")
	if w.Code != http.StatusBadRequest || reason(w) != api.ReasonWrongMode {
		t.Errorf("invites on personal: %d %s", w.Code, w.Body)
	}
	if w := call(personal, identity.RoleAdmin, http.MethodGet, "/federation/memberships", ""); w.Code != http.StatusOK {
		t.Errorf("memberships on personal: expected 200, got %d", w.Code)
	}

	_, team := setup(t, "team")
	w = call(team, identity.RoleAdmin, http.MethodGet, "/federation/memberships", "")
	if w.Code != http.StatusBadRequest || reason(w) != api.ReasonWrongMode {
		t.Errorf("memberships on team: %d %s", w.Code, w.Body)
	}
	w = call(team, identity.RoleAdmin, http.MethodPost, "/federation/invites", `{"maxUses":2}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create invite: %d %s", w.Code, w.Body)
	}
	w = call(team, identity.RoleAdmin, http.MethodGet, "/federation/invites", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"createdBy":"root"`) {
		t.Errorf("list invites: %d %s", w.Code, w.Body)
	}
}

func TestAdmin_Teams(t *testing.T) {
	_, h := setup(t, "team")
	admin := identity.RoleAdmin

	w := call(h, admin, http.MethodPost, "/teams", `{"name":"Ops"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	var team identity.Team
	if err := json.Unmarshal(w.Body.Bytes(), &team); err != nil {
		t.Fatal(err)
	}
	if w := call(h, admin, http.MethodPost, "/teams", `{"name":"Ops"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate team: expected 409, got %d", w.Code)
	}
	if w := call(h, admin, http.MethodPost, "/teams", `{"name":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty name: expected 400, got %d", w.Code)
	}
	if w := call(h, admin, http.MethodGet, "/teams/"+team.ID+"/members", ""); w.Code != http.StatusOK {
		t.Errorf("members: expected 200, got %d", w.Code)
	}
	if w := call(h, admin, http.MethodGet, "/teams/missing/members", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown team members: expected 404, got %d", w.Code)
	}
}
