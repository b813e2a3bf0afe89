// Package tez stores materialized messages: those written locally and those
// received from other servers.
package tez

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/bundle"
)

var (
	ErrNotFound = errors.New("tez not found")
	ErrExists   = errors.New("tez already stored")
	ErrInvalid  = errors.New("invalid tez")
)

const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"

	VisibilityPrivate = "private"
	VisibilityTeam    = "team"

	DefaultType = "text"
)

// Tez is a stored message. Timestamps that enter the bundle hash are kept as
// the exact strings they arrived with.
type Tez struct {
	ID              string               `json:"id" gorm:"primaryKey"`
	ThreadID        string               `json:"threadId,omitempty" gorm:"index"`
	ParentID        string               `json:"parentId,omitempty"`
	Text            string               `json:"text" gorm:"not null"`
	Type            string               `json:"type"`
	Urgency         string               `json:"urgency"`
	ActionRequested string               `json:"actionRequested,omitempty"`
	Visibility      string               `json:"visibility"`
	CreatedAt       string               `json:"createdAt"`
	From            string               `json:"from" gorm:"column:from_address;index"`
	To              []string             `json:"to" gorm:"column:to_addresses;serializer:json"`
	Context         []bundle.ContextItem `json:"context" gorm:"serializer:json"`
	TeamID          string               `json:"teamId,omitempty" gorm:"index"`
	OriginHost      string               `json:"originHost,omitempty"`
	BundleHash      string               `json:"bundleHash,omitempty"`
	ReceivedAt      time.Time            `json:"receivedAt" gorm:"index"`
}

func (Tez) TableName() string { return "tez" }

// Recipient indexes a tez by each address in its to list.
type Recipient struct {
	TezID   string `gorm:"primaryKey"`
	Address string `gorm:"primaryKey;index"`
}

func (Recipient) TableName() string { return "tez_recipients" }

// Message returns the wire message for this tez.
func (t *Tez) Message() bundle.Message {
	return bundle.Message{
		ID:              t.ID,
		ThreadID:        t.ThreadID,
		ParentID:        t.ParentID,
		Text:            t.Text,
		Type:            t.Type,
		Urgency:         t.Urgency,
		ActionRequested: t.ActionRequested,
		Visibility:      t.Visibility,
		CreatedAt:       t.CreatedAt,
	}
}

// FromBundle materializes a received bundle.
func FromBundle(b *bundle.Bundle, receivedAt time.Time) *Tez {
	m := b.Message
	return &Tez{
		ID:              m.ID,
		ThreadID:        m.ThreadID,
		ParentID:        m.ParentID,
		Text:            m.Text,
		Type:            m.Type,
		Urgency:         m.Urgency,
		ActionRequested: m.ActionRequested,
		Visibility:      m.Visibility,
		CreatedAt:       m.CreatedAt,
		From:            b.From,
		To:              append([]string(nil), b.To...),
		Context:         append([]bundle.ContextItem{}, b.Context...),
		OriginHost:      b.SenderServer,
		BundleHash:      b.BundleHash,
		ReceivedAt:      receivedAt.UTC(),
	}
}

// ContextInput is a context layer supplied by a local author.
type ContextInput struct {
	Layer      string   `json:"layer"`
	Content    string   `json:"content"`
	MimeType   string   `json:"mimeType,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// Draft is a message composed locally, before ids and timestamps exist.
type Draft struct {
	Text            string         `json:"text"`
	Type            string         `json:"type,omitempty"`
	Urgency         string         `json:"urgency,omitempty"`
	Visibility      string         `json:"visibility,omitempty"`
	ActionRequested string         `json:"actionRequested,omitempty"`
	ThreadID        string         `json:"threadId,omitempty"`
	ParentID        string         `json:"parentId,omitempty"`
	To              []string       `json:"to"`
	Context         []ContextInput `json:"context,omitempty"`
}

// Compose validates a draft and stamps ids and times for author from.
func Compose(d Draft, from string, now time.Time) (*Tez, error) {
	if strings.TrimSpace(d.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalid)
	}
	if len(d.To) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalid)
	}
	for _, a := range d.To {
		if _, _, err := bundle.SplitAddress(a); err != nil {
			return nil, fmt.Errorf("%w: recipient %q: %v", ErrInvalid, a, err)
		}
	}
	if d.Type == "" {
		d.Type = DefaultType
	}
	switch d.Urgency {
	case "":
		d.Urgency = UrgencyNormal
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
	default:
		return nil, fmt.Errorf("%w: urgency %q", ErrInvalid, d.Urgency)
	}
	switch d.Visibility {
	case "":
		d.Visibility = VisibilityPrivate
	case VisibilityPrivate, VisibilityTeam:
	default:
		return nil, fmt.Errorf("%w: visibility %q", ErrInvalid, d.Visibility)
	}

	stamp := now.UTC().Format(time.RFC3339)
	items := make([]bundle.ContextItem, 0, len(d.Context))
	for i, c := range d.Context {
		if c.Layer == "" || c.Content == "" {
			return nil, fmt.Errorf("%w: context[%d] needs layer and content", ErrInvalid, i)
		}
		items = append(items, bundle.ContextItem{
			ID:         uuid.Must(uuid.NewV7()).String(),
			Layer:      c.Layer,
			Content:    c.Content,
			MimeType:   c.MimeType,
			Confidence: c.Confidence,
			Source:     c.Source,
			CreatedAt:  stamp,
			CreatedBy:  from,
		})
	}
	return &Tez{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ThreadID:        d.ThreadID,
		ParentID:        d.ParentID,
		Text:            d.Text,
		Type:            d.Type,
		Urgency:         d.Urgency,
		ActionRequested: d.ActionRequested,
		Visibility:      d.Visibility,
		CreatedAt:       stamp,
		From:            from,
		To:              append([]string(nil), d.To...),
		Context:         items,
		ReceivedAt:      now.UTC(),
	}, nil
}
