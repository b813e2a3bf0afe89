package hub_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/hub"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/notify"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/scopedtoken"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/crypto"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store/storetest"
)

type fixture struct {
	db       *gorm.DB
	svc      *hub.Service
	teams    *identity.TeamDirectory
	issuer   *scopedtoken.Issuer
	verifier *scopedtoken.Verifier
	broker   *notify.Broker
	now      time.Time
}

func newFixture(t *testing.T, requireInvite bool) *fixture {
	t.Helper()
	models := append(append(hub.Models(), identity.Models()...), tez.Models()...)
	db := storetest.Open(t, models...)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key := &crypto.SigningKey{PrivateKey: priv, PublicKey: pub, KeyID: "hub.example#key-1"}
	iss, err := scopedtoken.NewIssuer(key, "hub.example", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		db:       db,
		teams:    identity.NewTeamDirectory(db),
		issuer:   iss,
		verifier: scopedtoken.NewVerifier(pub, "hub.example"),
		broker:   notify.NewBroker(nil),
		now:      time.Now(),
	}
	f.svc = hub.NewService(db, hub.Options{
		LocalHost:         "hub.example",
		Capabilities:      hub.DefaultCapabilities,
		PrimaryTeam:       "Core",
		RequireInviteCode: requireInvite,
		RefreshGrace:      time.Hour,
		Issuer:            iss,
		Verifier:          f.verifier,
		Teams:             f.teams,
		Tez:               tez.NewStore(db),
		Notifier:          f.broker,
	})
	return f
}

func (f *fixture) approve(t *testing.T, req hub.ApproveRequest) *hub.Approval {
	t.Helper()
	a, err := f.svc.Approve(context.Background(), req, "auto")
	if err != nil {
		t.Fatalf("Approve(%+v): %v", req, err)
	}
	return a
}

func TestApprove_PrimaryTeam(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	events, cancel := f.broker.Subscribe("", 4)
	defer cancel()

	a := f.approve(t, hub.ApproveRequest{SpokeHost: "Spoke.Example", UserID: "bob"})
	if a.TeamName != "Core" || a.Role != identity.TeamRoleMember || a.FederationToken == "" {
		t.Errorf("approval = %+v", a)
	}

	c, err := f.verifier.Verify(a.FederationToken)
	if err != nil {
		t.Fatal(err)
	}
	if c.Subject != "bob" || c.Audience != "spoke.example" || c.TeamID != a.TeamID {
		t.Errorf("claims = %+v", c)
	}
	ok, err := f.teams.IsMember(ctx, a.TeamID, "bob@spoke.example")
	if err != nil || !ok {
		t.Errorf("bob@spoke.example not a team member: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != notify.EventMembershipChanged {
			t.Errorf("event = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("no membership.changed event")
	}

	_, err = f.svc.Approve(ctx, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"}, "auto")
	if !errors.Is(err, hub.ErrAlreadyConnected) {
		t.Errorf("second approve = %v, want ErrAlreadyConnected", err)
	}
}

func TestApprove_MembershipFailureRollsBack(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.db.Migrator().DropTable(&identity.TeamMember{}); err != nil {
		t.Fatal(err)
	}

	req := hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"}
	if _, err := f.svc.Approve(ctx, req, "auto"); err == nil {
		t.Fatal("Approve succeeded without a team_members table")
	}
	entries, err := f.svc.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries after failed approve = %d, want 0", len(entries))
	}

	if err := f.db.AutoMigrate(&identity.TeamMember{}); err != nil {
		t.Fatal(err)
	}
	a := f.approve(t, req)
	ok, err := f.teams.IsMember(ctx, a.TeamID, "bob@spoke.example")
	if err != nil || !ok {
		t.Errorf("bob@spoke.example not a team member after retry: %v", err)
	}
}

func TestApprove_Rejections(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "carol"})
	if _, err := f.svc.SetStatus(ctx, "spoke.example", "carol", hub.StatusSuspended); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  hub.ApproveRequest
		want error
	}{
		{"bad host", hub.ApproveRequest{SpokeHost: "", UserID: "bob"}, hub.ErrInvalidRequest},
		{"bad user", hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "a@b"}, hub.ErrInvalidRequest},
		{"bad role", hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob", Role: "king"}, hub.ErrInvalidRequest},
		{"unknown invite", hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob", InviteCode: "nope"}, hub.ErrInviteInvalid},
		{"suspended entry", hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "carol"}, hub.ErrSpokeInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Approve(ctx, tt.req, "auto"); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestApprove_Invites(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if _, err := f.svc.Approve(ctx, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"}, "auto"); !errors.Is(err, hub.ErrInviteRequired) {
		t.Fatalf("err = %v, want ErrInviteRequired", err)
	}

	team, err := f.teams.Create(ctx, "Design", false)
	if err != nil {
		t.Fatal(err)
	}
	inv, err := f.svc.CreateInvite(ctx, team.ID, identity.TeamRoleAdmin, "admin", time.Hour, 1)
	if err != nil {
		t.Fatal(err)
	}

	a := f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob", InviteCode: inv.Code})
	if a.TeamID != team.ID || a.Role != identity.TeamRoleAdmin {
		t.Errorf("approval = %+v", a)
	}

	_, err = f.svc.Approve(ctx, hub.ApproveRequest{SpokeHost: "other.example", UserID: "dan", InviteCode: inv.Code}, "auto")
	if !errors.Is(err, hub.ErrInviteInvalid) {
		t.Errorf("exhausted invite: err = %v", err)
	}

	invites, err := f.svc.ListInvites(ctx)
	if err != nil || len(invites) != 1 || invites[0].Uses != 1 {
		t.Errorf("invites = %+v, %v", invites, err)
	}
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"})

	p, err := f.svc.Authorize(ctx, a.FederationToken, hub.CapReadBriefing)
	if err != nil {
		t.Fatal(err)
	}
	if p.Address() != "bob@spoke.example" || p.TeamID != a.TeamID {
		t.Errorf("principal = %+v", p)
	}

	if _, err := f.svc.Authorize(ctx, "garbage", hub.CapReadBriefing); !errors.Is(err, hub.ErrTokenInvalid) {
		t.Errorf("garbage token: %v", err)
	}

	narrow, _, err := f.issuer.Issue(scopedtoken.Claims{Subject: "bob", Audience: "spoke.example", TeamID: a.TeamID, Scope: []string{hub.CapReadTez}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Authorize(ctx, narrow, hub.CapReadBriefing); !errors.Is(err, hub.ErrInsufficientScope) {
		t.Errorf("narrow token: %v", err)
	}

	stranger, _, err := f.issuer.Issue(scopedtoken.Claims{Subject: "eve", Audience: "spoke.example", TeamID: a.TeamID, Scope: hub.DefaultCapabilities})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Authorize(ctx, stranger, hub.CapReadBriefing); !errors.Is(err, hub.ErrSpokeInactive) {
		t.Errorf("token without registry entry: %v", err)
	}

	if _, err := f.svc.SetStatus(ctx, "spoke.example", "", hub.StatusRevoked); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Authorize(ctx, a.FederationToken, hub.CapReadBriefing); !errors.Is(err, hub.ErrSpokeInactive) {
		t.Errorf("revoked spoke with valid token: %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"})
	f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "carol"})

	changed, err := f.svc.SetStatus(ctx, "spoke.example", "bob", hub.StatusSuspended)
	if err != nil || len(changed) != 1 {
		t.Fatalf("SetStatus = %d, %v", len(changed), err)
	}
	suspended, _ := f.svc.List(ctx, hub.StatusSuspended)
	active, _ := f.svc.List(ctx, hub.StatusActive)
	if len(suspended) != 1 || len(active) != 1 {
		t.Errorf("suspended=%d active=%d", len(suspended), len(active))
	}

	if _, err := f.svc.SetStatus(ctx, "nowhere.example", "", hub.StatusActive); !errors.Is(err, hub.ErrNotFound) {
		t.Errorf("unknown spoke: %v", err)
	}
	if _, err := f.svc.SetStatus(ctx, "spoke.example", "", "paused"); !errors.Is(err, hub.ErrInvalidStatus) {
		t.Errorf("bad status: %v", err)
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"})

	// Expired 30 minutes ago, inside the one-hour grace.
	later := time.Now().Add(90 * time.Minute)
	f.verifier.WithClock(func() time.Time { return later })
	f.issuer.WithClock(func() time.Time { return later })

	if _, err := f.svc.Authorize(ctx, a.FederationToken, hub.CapReadBriefing); !errors.Is(err, hub.ErrTokenInvalid) {
		t.Fatalf("expired token should not authorize: %v", err)
	}
	fresh, err := f.svc.Refresh(ctx, a.FederationToken)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.TeamID != a.TeamID || !fresh.TokenExpiresAt.After(a.TokenExpiresAt) {
		t.Errorf("refreshed = %+v", fresh)
	}
	if _, err := f.svc.Authorize(ctx, fresh.FederationToken, hub.CapReadBriefing); err != nil {
		t.Errorf("fresh token: %v", err)
	}

	// Past the grace.
	tooLate := time.Now().Add(3 * time.Hour)
	f.verifier.WithClock(func() time.Time { return tooLate })
	if _, err := f.svc.Refresh(ctx, a.FederationToken); !errors.Is(err, hub.ErrTokenInvalid) {
		t.Errorf("refresh past grace: %v", err)
	}
}

func TestTeamReads(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"})
	p, err := f.svc.Authorize(ctx, a.FederationToken, hub.CapWriteTez)
	if err != nil {
		t.Fatal(err)
	}

	written, err := f.svc.PostTez(ctx, p, tez.Draft{Text: "Ship the Quarterly report", Urgency: tez.UrgencyHigh, ActionRequested: "review"})
	if err != nil {
		t.Fatal(err)
	}
	if written.TeamID != p.TeamID || written.From != "bob@spoke.example" || len(written.To) != 1 {
		t.Errorf("team tez = %+v", written)
	}

	b, err := f.svc.Briefing(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if b.TeamName != "Core" || b.Role != identity.TeamRoleMember || b.Total != 1 || b.Urgent != 1 || len(b.ActionRequested) != 1 {
		t.Errorf("briefing = %+v", b)
	}

	hits, err := f.svc.Search(ctx, p, "quarterly", 10)
	if err != nil || len(hits) != 1 {
		t.Errorf("search = %d, %v", len(hits), err)
	}
	if _, err := f.svc.Search(ctx, p, "  ", 10); !errors.Is(err, hub.ErrMissingQuery) {
		t.Errorf("blank query: %v", err)
	}
}

func TestRetire(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	bob := f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"})
	carol := f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "carol"})

	if err := f.svc.Retire(ctx, bob.FederationToken); err != nil {
		t.Fatal(err)
	}
	ok, err := f.teams.IsMember(ctx, bob.TeamID, "bob@spoke.example")
	if err != nil || ok {
		t.Errorf("bob still a member after retire: %v", err)
	}
	if err := f.svc.Retire(ctx, bob.FederationToken); !errors.Is(err, hub.ErrNotFound) {
		t.Errorf("second retire = %v, want ErrNotFound", err)
	}
	f.approve(t, hub.ApproveRequest{SpokeHost: "spoke.example", UserID: "bob"})

	if _, err := f.svc.SetStatus(ctx, "spoke.example", "carol", hub.StatusRevoked); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Retire(ctx, carol.FederationToken); !errors.Is(err, hub.ErrSpokeInactive) {
		t.Errorf("retire revoked = %v, want ErrSpokeInactive", err)
	}
	revoked, _ := f.svc.List(ctx, hub.StatusRevoked)
	if len(revoked) != 1 {
		t.Errorf("revoked entries = %d, want 1", len(revoked))
	}
	if err := f.svc.Retire(ctx, "garbage"); !errors.Is(err, hub.ErrTokenInvalid) {
		t.Errorf("retire garbage = %v", err)
	}
}
