package client

import (
	"context"
	"net/http"
)

// HTTPClient is the outbound request interface used by the federation
// components. Implemented by ContextClient.
type HTTPClient interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)

	// DoNoRedirect fails on any 3xx instead of following it.
	DoNoRedirect(ctx context.Context, req *http.Request) (*http.Response, error)
}

var _ HTTPClient = (*ContextClient)(nil)
