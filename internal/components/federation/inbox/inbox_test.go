package inbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/inbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/notify"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/trust"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store/storetest"
)

type fixture struct {
	inbox  *inbox.Inbox
	trust  *trust.Registry
	store  *tez.Store
	broker *notify.Broker
}

func newFixture(t *testing.T, requireTrusted bool) *fixture {
	t.Helper()
	models := append(append(trust.Models(), tez.Models()...), identity.Models()...)
	db := storetest.Open(t, models...)
	users := identity.NewGormPartyRepo(db)
	if err := users.Create(context.Background(), &identity.User{Username: "bob"}); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		trust:  trust.NewRegistry(db),
		store:  tez.NewStore(db),
		broker: notify.NewBroker(nil),
	}
	f.inbox = inbox.New(inbox.Options{
		LocalHost:      "b.example",
		RequireTrusted: requireTrusted,
		Trust:          f.trust,
		Store:          f.store,
		Users:          users,
		Notifier:       f.broker,
	})
	return f
}

func makeBundle(t *testing.T, id string, to ...string) *bundle.Bundle {
	t.Helper()
	msg := bundle.Message{ID: id, Text: "hello bob", Type: "text", Urgency: "normal", Visibility: "private", CreatedAt: "2026-01-01T00:00:00Z"}
	b, err := bundle.Create(msg, nil, "alice@a.example", to, bundle.Origin{Host: "a.example", ServerID: "sid-a"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func raw(t *testing.T, b *bundle.Bundle) []byte {
	t.Helper()
	out, err := b.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestReceive_AcceptsAndCreatesPendingRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	events, cancel := f.broker.Subscribe("bob", 4)
	defer cancel()

	res, err := f.inbox.Receive(ctx, raw(t, makeBundle(t, "m1", "bob@b.example")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != inbox.StatusAccepted || res.MessageID != "m1" {
		t.Errorf("result = %+v", res)
	}
	level, _ := f.trust.Check(ctx, "a.example")
	if level != trust.LevelPending {
		t.Errorf("trust level = %q", level)
	}
	stored, err := f.store.Get(ctx, "m1")
	if err != nil || stored.OriginHost != "a.example" {
		t.Errorf("stored = %+v, %v", stored, err)
	}
	select {
	case ev := <-events:
		if ev.Type != notify.EventBundleArrived {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no bundle.arrived event")
	}
}

func TestReceive_DuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	b := raw(t, makeBundle(t, "m1", "bob@b.example"))

	for i := 0; i < 3; i++ {
		if _, err := f.inbox.Receive(context.Background(), b); err != nil {
			t.Fatal(err)
		}
	}
	res, err := f.inbox.Receive(context.Background(), b)
	if err != nil || res.Status != inbox.StatusDuplicate {
		t.Errorf("duplicate = %+v, %v", res, err)
	}
	recs, _ := f.trust.List(context.Background(), trust.LevelUnknown)
	if len(recs) != 1 {
		t.Errorf("trust records = %d", len(recs))
	}
}

func TestReceive_BlockedBeforeValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.trust.Create(ctx, "a.example", trust.LevelBlocked)

	// Broken hash must still report blocked: the trust gate runs first.
	b := makeBundle(t, "m1", "bob@b.example")
	b.BundleHash = "00"
	if _, err := f.inbox.Receive(ctx, raw(t, b)); !errors.Is(err, inbox.ErrSenderBlocked) {
		t.Errorf("err = %v", err)
	}
	if ok, _ := f.store.Exists(ctx, "m1"); ok {
		t.Error("blocked bundle stored")
	}
}

func TestReceive_RequireTrusted(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	b := raw(t, makeBundle(t, "m1", "bob@b.example"))

	if _, err := f.inbox.Receive(ctx, b); !errors.Is(err, inbox.ErrSenderNotTrusted) {
		t.Fatalf("pending sender: %v", err)
	}
	if level, _ := f.trust.Check(ctx, "a.example"); level != trust.LevelPending {
		t.Errorf("record must exist for admin promotion, level %q", level)
	}
	f.trust.SetLevel(ctx, "a.example", trust.LevelTrusted)
	if _, err := f.inbox.Receive(ctx, b); err != nil {
		t.Errorf("trusted sender: %v", err)
	}
}

func TestReceive_Rejections(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tampered := makeBundle(t, "m1", "bob@b.example")
	tampered.Message.Text = "changed"

	mismatch := makeBundle(t, "m2", "bob@b.example")
	mismatch.From = "alice@c.example"
	mismatch.BundleHash, _ = bundle.ComputeHash(mismatch.Message, mismatch.Context)

	var generic map[string]any
	json.Unmarshal(raw(t, makeBundle(t, "m3", "bob@b.example")), &generic)
	generic["protocolVersion"] = "9.0"
	future, _ := json.Marshal(generic)

	cases := []struct {
		name string
		body []byte
		is   error
	}{
		{"invalid json", []byte("{nope"), inbox.ErrInvalidJSON},
		{"hash mismatch", raw(t, tampered), bundle.ErrHashMismatch},
		{"sender mismatch", raw(t, mismatch), inbox.ErrSenderMismatch},
		{"unsupported version", future, bundle.ErrUnsupportedVersion},
		{"no local recipient", raw(t, makeBundle(t, "m4", "carol@c.example")), inbox.ErrNoLocalRecipient},
		{"unknown local user", raw(t, makeBundle(t, "m5", "nobody@b.example")), inbox.ErrNoLocalRecipient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.inbox.Receive(ctx, tc.body); !errors.Is(err, tc.is) {
				t.Errorf("err = %v, want %v", err, tc.is)
			}
		})
	}

	var ve *bundle.ValidationError
	if _, err := f.inbox.Receive(ctx, []byte(`{"senderServer":"a.example","context":[]}`)); !errors.As(err, &ve) {
		t.Errorf("structural error = %v", err)
	}
	recs, _ := f.trust.List(ctx, trust.LevelUnknown)
	if len(recs) != 0 {
		t.Errorf("rejected bundles created trust records: %+v", recs)
	}
}
