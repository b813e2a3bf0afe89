package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValidationError names the first structural defect found in a bundle.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid bundle: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Parse decodes a wire bundle and validates it.
func Parse(raw []byte) (*Bundle, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, invalid("body", "not a JSON object")
	}
	ctx, ok := shape["context"]
	if !ok {
		return nil, invalid("context", "missing")
	}
	if t := bytes.TrimSpace(ctx); len(t) == 0 || t[0] != '[' {
		return nil, invalid("context", "must be an array")
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, invalid("body", err.Error())
	}
	if err := Validate(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks structure, then recomputes the hash. It has no side effects.
func Validate(b *Bundle) error {
	if b == nil {
		return invalid("body", "missing")
	}
	if b.ProtocolVersion == "" {
		return invalid("protocolVersion", "missing")
	}
	if !supportedVersion(b.ProtocolVersion) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, b.ProtocolVersion)
	}
	if b.SenderServer == "" {
		return invalid("senderServer", "missing")
	}
	if b.SenderServerID == "" {
		return invalid("senderServerId", "missing")
	}
	if _, _, err := SplitAddress(b.From); err != nil {
		return invalid("from", err.Error())
	}
	if len(b.To) == 0 {
		return invalid("to", "at least one recipient required")
	}
	for i, addr := range b.To {
		if _, _, err := SplitAddress(addr); err != nil {
			return invalid(fmt.Sprintf("to[%d]", i), err.Error())
		}
	}
	if b.Message.ID == "" {
		return invalid("message.id", "missing")
	}
	if strings.TrimSpace(b.Message.Text) == "" {
		return invalid("message.text", "missing")
	}
	if err := timestamp(b.Message.CreatedAt); err != nil {
		return invalid("message.createdAt", err.Error())
	}
	if b.Context == nil {
		return invalid("context", "must be an array")
	}
	for i, item := range b.Context {
		switch {
		case item.ID == "":
			return invalid(fmt.Sprintf("context[%d].id", i), "missing")
		case item.Layer == "":
			return invalid(fmt.Sprintf("context[%d].layer", i), "missing")
		case item.Content == "":
			return invalid(fmt.Sprintf("context[%d].content", i), "missing")
		}
	}
	if b.BundleHash == "" {
		return invalid("bundleHash", "missing")
	}

	want, err := ComputeHash(b.Message, b.Context)
	if err != nil {
		return err
	}
	if !strings.EqualFold(want, b.BundleHash) {
		return ErrHashMismatch
	}
	return nil
}

// supportedVersion accepts any 1.x version.
func supportedVersion(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	return major == "1"
}

func timestamp(s string) error {
	if s == "" {
		return fmt.Errorf("missing")
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return fmt.Errorf("not an RFC 3339 timestamp")
	}
	return nil
}
