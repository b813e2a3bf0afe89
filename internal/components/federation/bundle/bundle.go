// Package bundle encodes, hashes and validates the envelope servers exchange
// when delivering a message across federation.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the envelope version this server writes.
const ProtocolVersion = "1.0"

var (
	// ErrHashMismatch means bundleHash differs from a fresh recomputation.
	ErrHashMismatch = errors.New("bundle hash mismatch")

	// ErrUnsupportedVersion means protocolVersion has a major we cannot read.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// Message is the wire form of the message being delivered.
// Field order is part of the canonical hash input.
type Message struct {
	ID              string `json:"id"`
	ThreadID        string `json:"threadId,omitempty"`
	ParentID        string `json:"parentId,omitempty"`
	Text            string `json:"text"`
	Type            string `json:"type"`
	Urgency         string `json:"urgency"`
	ActionRequested string `json:"actionRequested,omitempty"`
	Visibility      string `json:"visibility"`
	CreatedAt       string `json:"createdAt"`
}

// ContextItem is one layer of supporting information attached to a message.
// Field order is part of the canonical hash input.
type ContextItem struct {
	ID         string   `json:"id"`
	Layer      string   `json:"layer"`
	Content    string   `json:"content"`
	MimeType   string   `json:"mimeType,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Source     string   `json:"source,omitempty"`
	CreatedAt  string   `json:"createdAt"`
	CreatedBy  string   `json:"createdBy"`
}

// Bundle is the federation envelope.
type Bundle struct {
	ProtocolVersion string        `json:"protocolVersion"`
	SenderServer    string        `json:"senderServer"`
	SenderServerID  string        `json:"senderServerId"`
	From            string        `json:"from"`
	To              []string      `json:"to"`
	Message         Message       `json:"message"`
	Context         []ContextItem `json:"context"`
	BundleHash      string        `json:"bundleHash"`
	SignedAt        string        `json:"signedAt"`
}

// Origin identifies the sending server.
type Origin struct {
	Host     string
	ServerID string
}

type canonical struct {
	Context []ContextItem `json:"context"`
	Message Message       `json:"message"`
}

// Canonical returns the byte sequence that bundleHash covers.
func Canonical(msg Message, items []ContextItem) ([]byte, error) {
	if items == nil {
		items = []ContextItem{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical{Context: items, Message: msg}); err != nil {
		return nil, fmt.Errorf("bundle: canonical encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeHash returns the lowercase hex SHA-256 of the canonical payload.
func ComputeHash(msg Message, items []ContextItem) (string, error) {
	raw, err := Canonical(msg, items)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Create builds a bundle for the given recipients and stamps signedAt.
func Create(msg Message, items []ContextItem, from string, to []string, origin Origin, now time.Time) (*Bundle, error) {
	if items == nil {
		items = []ContextItem{}
	}
	hash, err := ComputeHash(msg, items)
	if err != nil {
		return nil, err
	}
	b := &Bundle{
		ProtocolVersion: ProtocolVersion,
		SenderServer:    origin.Host,
		SenderServerID:  origin.ServerID,
		From:            from,
		To:              append([]string(nil), to...),
		Message:         msg,
		Context:         items,
		BundleHash:      hash,
		SignedAt:        now.UTC().Format(time.RFC3339),
	}
	if err := Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ForRecipients returns a copy of b addressed to a subset of its recipients.
// The hash is unchanged because it does not cover the envelope.
func (b *Bundle) ForRecipients(to []string) *Bundle {
	c := *b
	c.To = append([]string(nil), to...)
	return &c
}

// Marshal encodes the bundle for the wire.
func (b *Bundle) Marshal() ([]byte, error) {
	return json.Marshal(b)
}
