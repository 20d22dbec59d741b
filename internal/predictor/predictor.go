package predictor

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/retina-check/internal/normalizer"
)

// Image is an uploaded retina photograph.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Client sends an image to one upstream prediction model.
type Client interface {
	Endpoint() normalizer.Endpoint
	Predict(ctx context.Context, userID string, img Image) (*normalizer.Response, error)
}

// ErrUnknownEndpoint is returned when no client is configured for an endpoint.
var ErrUnknownEndpoint = errors.New("no predictor configured for endpoint")

// UpstreamError reports a transport-level failure talking to a prediction model:
// unreachable host, non-2xx status or an undecodable body.
type UpstreamError struct {
	Endpoint   normalizer.Endpoint
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("prediction endpoint %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("prediction endpoint %s: %v", e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Registry resolves the client for an endpoint.
type Registry map[normalizer.Endpoint]Client

// NewRegistry indexes clients by the endpoint they serve.
func NewRegistry(clients ...Client) Registry {
	r := make(Registry, len(clients))
	for _, c := range clients {
		r[c.Endpoint()] = c
	}
	return r
}

// For returns the client for endpoint or ErrUnknownEndpoint.
func (r Registry) For(endpoint normalizer.Endpoint) (Client, error) {
	c, ok := r[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEndpoint, endpoint)
	}
	return c, nil
}
