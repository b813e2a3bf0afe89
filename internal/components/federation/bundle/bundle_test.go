package bundle_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
)

var origin = bundle.Origin{Host: "a.example", ServerID: "0190a1b2-0000-7000-8000-000000000001"}

func sample() (bundle.Message, []bundle.ContextItem) {
	conf := 0.8
	msg := bundle.Message{
		ID:         "msg-1",
		Text:       "quarterly numbers are in <draft>",
		Type:       "text",
		Urgency:    "normal",
		Visibility: "private",
		CreatedAt:  "2026-01-02T03:04:05Z",
	}
	items := []bundle.ContextItem{
		{ID: "ctx-1", Layer: "background", Content: "Q3 planning", CreatedAt: "2026-01-02T03:04:05Z", CreatedBy: "alice@a.example"},
		{ID: "ctx-2", Layer: "fact", Content: "revenue up", Confidence: &conf, CreatedAt: "2026-01-02T03:04:05Z", CreatedBy: "alice@a.example"},
	}
	return msg, items
}

func mustCreate(t *testing.T) *bundle.Bundle {
	t.Helper()
	msg, items := sample()
	b, err := bundle.Create(msg, items, "alice@a.example", []string{"bob@b.example"}, origin, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return b
}

func TestCreate_ValidatesRoundTrip(t *testing.T) {
	b := mustCreate(t)
	if b.ProtocolVersion != bundle.ProtocolVersion || b.SignedAt != "2023-11-14T22:13:20Z" {
		t.Errorf("envelope = %+v", b)
	}
	if len(b.BundleHash) != 64 || strings.ToLower(b.BundleHash) != b.BundleHash {
		t.Errorf("hash = %q", b.BundleHash)
	}
	if err := bundle.Validate(b); err != nil {
		t.Errorf("Validate(Create()) = %v", err)
	}

	raw, err := b.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := bundle.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.BundleHash != b.BundleHash {
		t.Error("hash changed across the wire")
	}
}

func TestValidate_DetectsTampering(t *testing.T) {
	b := mustCreate(t)
	b.Message.Text = "tampered"
	if err := bundle.Validate(b); !errors.Is(err, bundle.ErrHashMismatch) {
		t.Errorf("message tamper: %v", err)
	}

	b = mustCreate(t)
	b.Context[1].Content = "revenue down"
	if err := bundle.Validate(b); !errors.Is(err, bundle.ErrHashMismatch) {
		t.Errorf("context tamper: %v", err)
	}

	b = mustCreate(t)
	b.Context = append(b.Context[1:], b.Context[0])
	if err := bundle.Validate(b); !errors.Is(err, bundle.ErrHashMismatch) {
		t.Errorf("context reorder: %v", err)
	}

	b = mustCreate(t)
	b.To = []string{"carol@c.example"}
	if err := bundle.Validate(b); err != nil {
		t.Errorf("envelope change must not affect hash: %v", err)
	}
}

func TestCanonical_KeyOrder(t *testing.T) {
	msg, _ := sample()
	raw, err := bundle.Canonical(msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, `{"context":[],"message":{"id":"msg-1","text":`) {
		t.Errorf("canonical = %s", s)
	}
	if strings.Contains(s, "threadId") || strings.Contains(s, `<`) {
		t.Errorf("canonical must omit empty optionals and keep < literal: %s", s)
	}
}

func TestValidate_Structure(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(b *bundle.Bundle)
		field string
	}{
		{"no sender", func(b *bundle.Bundle) { b.SenderServer = "" }, "senderServer"},
		{"no sender id", func(b *bundle.Bundle) { b.SenderServerID = "" }, "senderServerId"},
		{"bad from", func(b *bundle.Bundle) { b.From = "alice" }, "from"},
		{"no recipients", func(b *bundle.Bundle) { b.To = nil }, "to"},
		{"bad recipient", func(b *bundle.Bundle) { b.To = []string{"bob@"} }, "to[0]"},
		{"no message id", func(b *bundle.Bundle) { b.Message.ID = "" }, "message.id"},
		{"blank text", func(b *bundle.Bundle) { b.Message.Text = "  " }, "message.text"},
		{"bad createdAt", func(b *bundle.Bundle) { b.Message.CreatedAt = "yesterday" }, "message.createdAt"},
		{"nil context", func(b *bundle.Bundle) { b.Context = nil }, "context"},
		{"context no layer", func(b *bundle.Bundle) { b.Context[0].Layer = "" }, "context[0].layer"},
		{"no hash", func(b *bundle.Bundle) { b.BundleHash = "" }, "bundleHash"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := mustCreate(t)
			tc.mut(b)
			var ve *bundle.ValidationError
			if err := bundle.Validate(b); !errors.As(err, &ve) || ve.Field != tc.field {
				t.Errorf("err = %v, want field %s", err, tc.field)
			}
		})
	}

	b := mustCreate(t)
	b.ProtocolVersion = "2.0"
	if err := bundle.Validate(b); !errors.Is(err, bundle.ErrUnsupportedVersion) {
		t.Errorf("version 2.0: %v", err)
	}
	b.ProtocolVersion = "1.3"
	if err := bundle.Validate(b); err != nil {
		t.Errorf("version 1.3 should be accepted: %v", err)
	}
}

func TestParse_RejectsShape(t *testing.T) {
	b := mustCreate(t)
	raw, _ := b.Marshal()

	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	m["context"] = map[string]any{"id": "x"}
	notArray, _ := json.Marshal(m)
	delete(m, "context")
	missing, _ := json.Marshal(m)

	for name, body := range map[string][]byte{
		"not json":       []byte("{"),
		"array body":     []byte("[]"),
		"context object": notArray,
		"context absent": missing,
	} {
		var ve *bundle.ValidationError
		if _, err := bundle.Parse(body); !errors.As(err, &ve) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestAddresses(t *testing.T) {
	user, host, err := bundle.SplitAddress("Bob@B.Example")
	if err != nil || user != "Bob" || host != "b.example" {
		t.Errorf("SplitAddress = %q %q %v", user, host, err)
	}
	for _, bad := range []string{"", "bob", "@b.example", "bob@", "bob@b.example/path"} {
		if _, _, err := bundle.SplitAddress(bad); err == nil {
			t.Errorf("SplitAddress(%q) should fail", bad)
		}
	}
	if bundle.HostOf("x@[::1]:8443") != "[::1]:8443" {
		t.Errorf("HostOf ipv6 = %q", bundle.HostOf("x@[::1]:8443"))
	}

	hosts, byHost, bad := bundle.GroupByHost([]string{"b@b.example", "c@c.example", "b2@B.example", "b@b.example", "nope"})
	if len(hosts) != 2 || hosts[0] != "b.example" || len(byHost["b.example"]) != 2 || len(bad) != 1 {
		t.Errorf("GroupByHost = %v %v %v", hosts, byHost, bad)
	}
}
