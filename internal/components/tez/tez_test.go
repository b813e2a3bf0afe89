package tez_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store/storetest"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *tez.Store {
	return tez.NewStore(storetest.Open(t, tez.Models()...))
}

func TestCompose(t *testing.T) {
	got, err := tez.Compose(tez.Draft{
		Text:    "ship it",
		To:      []string{"bob@b.example"},
		Context: []tez.ContextInput{{Layer: "fact", Content: "tests green"}},
	}, "alice@a.example", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID == "" || got.Urgency != tez.UrgencyNormal || got.Visibility != tez.VisibilityPrivate || got.Type != tez.DefaultType {
		t.Errorf("defaults = %+v", got)
	}
	if got.CreatedAt != "2026-05-04T10:00:00Z" || got.Context[0].CreatedBy != "alice@a.example" {
		t.Errorf("stamps = %+v", got)
	}
	if err := bundle.Validate(mustBundle(t, got)); err != nil {
		t.Errorf("composed tez does not bundle: %v", err)
	}

	bad := []tez.Draft{
		{Text: "", To: []string{"b@b.example"}},
		{Text: "x"},
		{Text: "x", To: []string{"nobody"}},
		{Text: "x", To: []string{"b@b.example"}, Urgency: "meh"},
		{Text: "x", To: []string{"b@b.example"}, Visibility: "public"},
		{Text: "x", To: []string{"b@b.example"}, Context: []tez.ContextInput{{Layer: "fact"}}},
	}
	for i, d := range bad {
		if _, err := tez.Compose(d, "alice@a.example", now); !errors.Is(err, tez.ErrInvalid) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
}

func mustBundle(t *testing.T, tz *tez.Tez) *bundle.Bundle {
	t.Helper()
	b, err := bundle.Create(tz.Message(), tz.Context, tz.From, tz.To, bundle.Origin{Host: "a.example", ServerID: "sid"}, now)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestStore_CreateIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tz, _ := tez.Compose(tez.Draft{Text: "hi", To: []string{"bob@b.example", "Bob@B.example"}}, "alice@a.example", now)

	if err := s.Create(ctx, tz); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, tz); !errors.Is(err, tez.ErrExists) {
		t.Errorf("second Create = %v", err)
	}
	list, err := s.ListForRecipient(ctx, "bob@b.example", 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListForRecipient = %d, %v", len(list), err)
	}
	if ok, _ := s.Exists(ctx, tz.ID); !ok {
		t.Error("Exists = false")
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, tez.ErrNotFound) {
		t.Errorf("Get missing = %v", err)
	}
	sent, _ := s.ListForAddress(ctx, "alice@a.example", 0)
	if len(sent) != 1 {
		t.Errorf("ListForAddress(author) = %d", len(sent))
	}
}

func TestStore_FromBundleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tz, _ := tez.Compose(tez.Draft{Text: "hi", To: []string{"bob@b.example"}, Context: []tez.ContextInput{{Layer: "fact", Content: "c"}}}, "alice@a.example", now)
	b := mustBundle(t, tz)

	in := tez.FromBundle(b, now)
	if err := s.Create(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, tz.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OriginHost != "a.example" || got.BundleHash != b.BundleHash || len(got.Context) != 1 {
		t.Errorf("stored = %+v", got)
	}
	hash, _ := bundle.ComputeHash(got.Message(), got.Context)
	if hash != b.BundleHash {
		t.Error("stored tez no longer hashes to its bundle hash")
	}
}

func TestStore_TeamQueries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	add := func(text, urgency, action string, offset time.Duration) {
		tz, err := tez.Compose(tez.Draft{Text: text, Urgency: urgency, ActionRequested: action, Visibility: tez.VisibilityTeam, To: []string{"team@hub.example"}}, "alice@hub.example", now.Add(offset))
		if err != nil {
			t.Fatal(err)
		}
		tz.TeamID = "team-1"
		if err := s.Create(ctx, tz); err != nil {
			t.Fatal(err)
		}
	}
	add("budget review 100%", tez.UrgencyHigh, "approve budget", 0)
	add("lunch friday", tez.UrgencyLow, "", time.Minute)
	add("Budget draft", tez.UrgencyNormal, "", 2*time.Minute)

	hits, err := s.SearchTeam(ctx, "team-1", "budget", 0)
	if err != nil || len(hits) != 2 {
		t.Errorf("SearchTeam = %d, %v", len(hits), err)
	}
	if hits, _ := s.SearchTeam(ctx, "team-1", "100%", 0); len(hits) != 1 {
		t.Errorf("literal %% search = %d", len(hits))
	}
	if hits, _ := s.SearchTeam(ctx, "team-2", "budget", 0); len(hits) != 0 {
		t.Errorf("other team leaked: %d", len(hits))
	}

	br, err := s.Briefing(ctx, "team-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if br.Total != 3 || br.Urgent != 1 || len(br.ActionRequested) != 1 || len(br.Recent) != 3 {
		t.Errorf("briefing = %+v", br)
	}
	if br.Recent[0].Text != "Budget draft" {
		t.Errorf("recent not newest first: %+v", br.Recent)
	}
}
