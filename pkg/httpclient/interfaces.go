package httpclient

import (
	"context"
	"net/url"
)

// Response is a minimal HTTP response contract.
type Response interface {
	Body() []byte
	StatusCode() int
	IsError() bool
}

// Client abstracts HTTP calls so callers can inject mocks or different transports.
// The query values are encoded by the transport and appended to rawURL.
type Client interface {
	Get(ctx context.Context, rawURL string, query url.Values) (Response, error)
}
