// Package inbox accepts bundles from other servers and materializes them
// into the local tez store.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/notify"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/trust"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/hostport"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
)

var (
	ErrInvalidJSON      = errors.New("body is not valid JSON")
	ErrSenderBlocked    = errors.New("sender host is blocked")
	ErrSenderNotTrusted = errors.New("sender host is not trusted")
	ErrSenderMismatch   = errors.New("from address does not belong to senderServer")
	ErrNoLocalRecipient = errors.New("no recipient is a user of this server")
)

const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

// Result is the receiver's answer for a bundle.
type Result struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

// UserLookup resolves local usernames.
type UserLookup interface {
	GetByUsername(ctx context.Context, username string) (*identity.User, error)
}

// Options configures an Inbox.
type Options struct {
	LocalHost      string
	RequireTrusted bool
	Trust          *trust.Registry
	Store          *tez.Store
	Users          UserLookup
	Notifier       notify.Notifier
	Log            *slog.Logger
}

// Inbox runs the inbound pipeline.
type Inbox struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

func New(opts Options) *Inbox {
	return &Inbox{opts: opts, log: logutil.NoopIfNil(opts.Log), now: time.Now}
}

// Receive gates, validates and stores one raw bundle. The sender's trust
// level is checked before any validation work.
func (in *Inbox) Receive(ctx context.Context, raw []byte) (*Result, error) {
	var head struct {
		SenderServer string `json:"senderServer"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, ErrInvalidJSON
	}
	sender, err := hostport.Normalize(head.SenderServer, "")
	if err != nil {
		return nil, &bundle.ValidationError{Field: "senderServer", Reason: "not a host"}
	}

	level, err := in.opts.Trust.Check(ctx, sender)
	if err != nil {
		return nil, err
	}
	if level == trust.LevelBlocked {
		in.log.Info("bundle rejected from blocked sender", "sender_host", sender)
		return nil, ErrSenderBlocked
	}

	b, err := bundle.Parse(raw)
	if err != nil {
		if errors.Is(err, bundle.ErrHashMismatch) {
			in.log.Warn("bundle hash mismatch", "sender_host", sender)
		}
		return nil, err
	}
	if bundle.HostOf(b.From) != sender {
		return nil, fmt.Errorf("%w: from %q, senderServer %q", ErrSenderMismatch, b.From, sender)
	}

	locals, err := in.localRecipients(ctx, b.To)
	if err != nil {
		return nil, err
	}
	if len(locals) == 0 {
		return nil, ErrNoLocalRecipient
	}

	rec, err := in.opts.Trust.Admit(ctx, sender)
	if errors.Is(err, trust.ErrBlocked) {
		return nil, ErrSenderBlocked
	}
	if err != nil {
		return nil, err
	}
	if !trust.Allows(rec.TrustLevel, in.opts.RequireTrusted) {
		return nil, ErrSenderNotTrusted
	}

	t := tez.FromBundle(b, in.now())
	t.OriginHost = sender
	if err := in.opts.Store.Create(ctx, t); err != nil {
		if errors.Is(err, tez.ErrExists) {
			in.log.Debug("duplicate bundle", "sender_host", sender, "message_id", b.Message.ID)
			return &Result{Status: StatusDuplicate, MessageID: b.Message.ID}, nil
		}
		return nil, err
	}

	in.log.Info("bundle accepted", "sender_host", sender, "message_id", b.Message.ID, "recipients", len(locals))
	if in.opts.Notifier != nil {
		in.opts.Notifier.Notify(ctx, notify.Event{
			Type:  notify.EventBundleArrived,
			Users: locals,
			Data: map[string]any{
				"messageId":  b.Message.ID,
				"from":       b.From,
				"senderHost": sender,
				"urgency":    b.Message.Urgency,
			},
		})
	}
	return &Result{Status: StatusAccepted, MessageID: b.Message.ID}, nil
}

// localRecipients returns the usernames among to that live on this server.
func (in *Inbox) localRecipients(ctx context.Context, to []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, addr := range to {
		user, host, err := bundle.SplitAddress(addr)
		if err != nil || host != in.opts.LocalHost || seen[user] {
			continue
		}
		seen[user] = true
		if in.opts.Users != nil {
			if _, err := in.opts.Users.GetByUsername(ctx, user); err != nil {
				if errors.Is(err, identity.ErrUserNotFound) {
					continue
				}
				return nil, err
			}
		}
		out = append(out, user)
	}
	return out, nil
}
