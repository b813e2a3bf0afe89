package auth

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store/storetest"
)

type fixture struct {
	sessions *identity.GormSessionRepo
	parties  *identity.GormPartyRepo
	user     *identity.User
	token    string
}

func newFixture(t *testing.T, role string) *fixture {
	t.Helper()
	db := storetest.Open(t, identity.Models()...)
	f := &fixture{
		sessions: identity.NewGormSessionRepo(db),
		parties:  identity.NewGormPartyRepo(db),
		user:     &identity.User{Username: "alice", Role: role},
	}
	if err := f.parties.Create(context.Background(), f.user); err != nil {
		t.Fatal(err)
	}
	s, err := f.sessions.Create(context.Background(), f.user.ID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	f.token = s.Token
	return f
}

// protect builds a gate that guards only the given paths.
func (f *fixture) protect(paths ...string) func(http.Handler) http.Handler {
	return NewAuthGate(AuthGateConfig{
		RequireAuth: func(path string) bool {
			for _, p := range paths {
				if p == path {
					return true
				}
			}
			return false
		},
		SessionRepo: f.sessions,
		PartyRepo:   f.parties,
	})
}

func request(path string, setup func(*http.Request)) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if setup != nil {
		setup(req)
	}
	return req
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestAuthGate_Outcomes(t *testing.T) {
	f := newFixture(t, identity.RoleUser)
	var seen *identity.User
	var sawSession bool
	h := f.protect("/api/tez")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
		sawSession = GetSessionFromContext(r.Context()) != nil
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name    string
		req     *http.Request
		status  int
		reason  string
		session bool
	}{
		{"public path skips the gate", request("/api/healthz", nil), http.StatusOK, "", false},
		{"no token", request("/api/tez", nil), http.StatusUnauthorized, api.ReasonUnauthenticated, false},
		{"unknown bearer", request("/api/tez", bearer("nope")), http.StatusUnauthorized, api.ReasonUnauthenticated, false},
		{"bearer session", request("/api/tez", bearer(f.token)), http.StatusOK, "", true},
		{"cookie session", request("/api/tez", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: SessionCookie, Value: f.token})
		}), http.StatusOK, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sawSession = false
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, tt.req)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if rr.Code == http.StatusOK && sawSession != tt.session {
				t.Errorf("session in context = %v, want %v", sawSession, tt.session)
			}
			if tt.reason != "" {
				if d, _ := api.ParseError(rr.Body.Bytes()); d.ReasonCode != tt.reason {
					t.Errorf("reason = %q, want %q", d.ReasonCode, tt.reason)
				}
			}
		})
	}
	if seen == nil || seen.Username != "alice" {
		t.Errorf("handler saw user %+v", seen)
	}
}

func TestAuthGate_ExpiredSession(t *testing.T) {
	f := newFixture(t, identity.RoleUser)
	f.sessions.WithClock(func() time.Time { return time.Now().Add(48 * time.Hour) })
	h := f.protect("/api/tez")(http.NotFoundHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request("/api/tez", bearer(f.token)))
	if d, _ := api.ParseError(rr.Body.Bytes()); rr.Code != http.StatusUnauthorized || d.ReasonCode != api.ReasonSessionExpired {
		t.Errorf("got %d %q", rr.Code, d.ReasonCode)
	}
}

func TestAuthGate_TagsHandlerLogger(t *testing.T) {
	f := newFixture(t, identity.RoleUser)
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appctx.GetLogger(r.Context()).Info("handled")
	})
	withLogger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(appctx.WithLogger(r.Context(), base)))
		})
	}
	h := withLogger(f.protect("/api/tez")(handler))

	h.ServeHTTP(httptest.NewRecorder(), request("/api/healthz", nil))
	if strings.Contains(buf.String(), "user_id") {
		t.Errorf("public request logged user_id: %s", buf.String())
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), request("/api/tez", bearer(f.token)))
	if !strings.Contains(buf.String(), `"user_id":"`+f.user.ID+`"`) {
		t.Errorf("protected request log lacks user_id: %s", buf.String())
	}
}

func TestAuthGate_NilReposOnPublicPaths(t *testing.T) {
	h := NewAuthGate(AuthGateConfig{RequireAuth: func(string) bool { return false }})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request("/.well-known/tezmesh", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	for _, tc := range []struct {
		role string
		want int
	}{
		{identity.RoleUser, http.StatusForbidden},
		{identity.RoleAdmin, http.StatusNoContent},
		{identity.RoleSuperAdmin, http.StatusNoContent},
	} {
		f := newFixture(t, tc.role)
		h := f.protect("/admin/teams")(RequireAdmin(ok))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, request("/admin/teams", bearer(f.token)))
		if rr.Code != tc.want {
			t.Errorf("role %s: got %d, want %d", tc.role, rr.Code, tc.want)
		}
	}

	rr := httptest.NewRecorder()
	RequireAdmin(ok).ServeHTTP(rr, request("/admin/teams", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("without the gate: got %d, want 401", rr.Code)
	}
}
