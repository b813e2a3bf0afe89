package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/api"
	httpclient "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/client"
)

// InboxPath is where peers accept bundles.
const InboxPath = "/federation/inbox"

// permanentReasons are receiver verdicts that no retry can change.
var permanentReasons = map[string]bool{
	api.ReasonSenderBlocked:       true,
	api.ReasonSenderNotTrusted:    true,
	api.ReasonHashMismatch:        true,
	api.ReasonInvalidBundle:       true,
	api.ReasonInvalidJSON:         true,
	api.ReasonUnsupportedProtocol: true,
	api.ReasonSenderMismatch:      true,
	api.ReasonNoLocalRecipient:    true,
}

// Deliverer sends one payload to one host.
type Deliverer interface {
	Deliver(ctx context.Context, host string, payload []byte) error
}

// DeliveryError describes a failed attempt. Status is zero for transport errors.
type DeliveryError struct {
	Status     int
	ReasonCode string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	if e.ReasonCode != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.ReasonCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent reports whether the receiver rejected the bundle for good.
func (e *DeliveryError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && permanentReasons[e.ReasonCode]
}

// HTTPDeliverer POSTs bundles to {scheme}://{host}/federation/inbox.
type HTTPDeliverer struct {
	client httpclient.HTTPClient
	scheme string
	now    func() time.Time
}

func NewHTTPDeliverer(client httpclient.HTTPClient, scheme string) *HTTPDeliverer {
	if scheme == "" {
		scheme = "https"
	}
	return &HTTPDeliverer{client: client, scheme: scheme, now: time.Now}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, host string, payload []byte) error {
	url := d.scheme + "://" + host + InboxPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.DoNoRedirect(ctx, req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	de := &DeliveryError{Status: resp.StatusCode}
	if detail, ok := api.ParseError(body); ok {
		de.ReasonCode = detail.ReasonCode
		de.Message = detail.Message
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		de.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), d.now())
	}
	return de
}
