// Package malshare is a client for the MalShare sample repository API.
//
// Every operation is a single GET against one endpoint, selected by the
// action query parameter. The client keeps no state between calls and is
// safe for concurrent use.
package malshare

import (
	"context"
	"net/url"
	"time"

	"github.com/Adda-Baaj/malshare/pkg/httpclient"
)

// DefaultBaseURL is the public MalShare API endpoint.
const DefaultBaseURL = "https://malshare.com/api.php"

// API actions.
const (
	ActionGetLimit   = "getlimit"
	ActionGetFile    = "getfile"
	ActionGetList    = "getlist"
	ActionGetListRaw = "getlistraw"
	ActionDetails    = "details"
)

// Operation names carried by errors.
const (
	OpAPICallLimit      = "get_api_call_limit"
	OpRemainingAPICalls = "get_remaining_api_calls"
	OpDownload          = "download"
	OpGetList           = "get_list"
	OpGetListRaw        = "get_list_raw"
	OpListDetails       = "list_details"
)

// Quota fields in the getlimit response.
const (
	FieldLimit     = "LIMIT"
	FieldRemaining = "REMAINING"
)

// Client issues requests against the MalShare API.
type Client struct {
	baseURL string
	http    httpclient.Client
}

type options struct {
	baseURL   string
	http      httpclient.Client
	timeout   time.Duration
	userAgent string
}

// Option configures a Client.
type Option func(*options)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithHTTPClient replaces the resty-backed transport. Timeout and user agent options are then ignored.
func WithHTTPClient(c httpclient.Client) Option {
	return func(o *options) { o.http = c }
}

// WithTimeout bounds each request. Zero means no client-side timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent sets the User-Agent header sent with each request.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// New builds a Client.
func New(opts ...Option) *Client {
	o := options{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.baseURL == "" {
		o.baseURL = DefaultBaseURL
	}
	if o.http == nil {
		o.http = httpclient.NewRestyClient(httpclient.Options{
			Timeout:   o.timeout,
			UserAgent: o.userAgent,
		})
	}
	return &Client{baseURL: o.baseURL, http: o.http}
}

// BaseURL returns the endpoint requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// GetAPICallLimit returns the number of API requests allowed per day for apiKey.
func (c *Client) GetAPICallLimit(ctx context.Context, apiKey string) (uint32, error) {
	return c.quota(ctx, OpAPICallLimit, apiKey, FieldLimit)
}

// GetRemainingAPICalls returns the number of API requests left today for apiKey.
func (c *Client) GetRemainingAPICalls(ctx context.Context, apiKey string) (uint32, error) {
	return c.quota(ctx, OpRemainingAPICalls, apiKey, FieldRemaining)
}

func (c *Client) quota(ctx context.Context, op, apiKey, field string) (uint32, error) {
	body, err := c.fetch(ctx, op, "", apiKey, params(apiKey, ActionGetLimit))
	if err != nil {
		return 0, err
	}
	tree, err := ParseValue(body)
	if err != nil {
		return 0, &DecodeError{Op: op, Err: err}
	}
	v, err := tree.Field(field)
	if err != nil {
		return 0, &DecodeError{Op: op, Field: field, Err: err}
	}
	n, err := v.AsUint32()
	if err != nil {
		return 0, &DecodeError{Op: op, Field: field, Err: err}
	}
	return n, nil
}

// Download fetches the sample identified by hash and writes the response body
// verbatim to the path chosen by ResolveOutputPath. An empty output means no
// path was given. Nothing is written when the request fails. The hash is sent
// verbatim; when it is used to name the file, directory components are dropped.
func (c *Client) Download(ctx context.Context, apiKey, hash, output string) (DownloadResult, error) {
	path, fellBack := ResolveOutputPath(hash, output)

	q := params(apiKey, ActionGetFile)
	q.Set("hash", hash)
	body, err := c.fetch(ctx, OpDownload, hash, apiKey, q)
	if err != nil {
		return DownloadResult{}, err
	}

	sum, err := writeSample(path, body)
	if err != nil {
		return DownloadResult{}, &IoError{Op: OpDownload, Hash: hash, Path: path, Err: err}
	}
	return DownloadResult{
		Hash:      hash,
		Path:      path,
		Requested: output,
		FellBack:  fellBack,
		Size:      int64(len(body)),
		SHA256:    sum,
	}, nil
}

// GetList returns the hashes published in the last 24 hours as a JSON tree.
func (c *Client) GetList(ctx context.Context, apiKey string) (Value, error) {
	return c.fetchValue(ctx, OpGetList, "", apiKey, params(apiKey, ActionGetList))
}

// GetListRaw returns the hashes published in the last 24 hours as plain text, unmodified.
func (c *Client) GetListRaw(ctx context.Context, apiKey string) (string, error) {
	body, err := c.fetch(ctx, OpGetListRaw, "", apiKey, params(apiKey, ActionGetListRaw))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ListDetails returns the metadata record for hash as a JSON tree.
func (c *Client) ListDetails(ctx context.Context, apiKey, hash string) (Value, error) {
	q := params(apiKey, ActionDetails)
	q.Set("hash", hash)
	return c.fetchValue(ctx, OpListDetails, hash, apiKey, q)
}

func (c *Client) fetchValue(ctx context.Context, op, hash, apiKey string, q url.Values) (Value, error) {
	body, err := c.fetch(ctx, op, hash, apiKey, q)
	if err != nil {
		return Value{}, err
	}
	v, err := ParseValue(body)
	if err != nil {
		return Value{}, &DecodeError{Op: op, Hash: hash, Err: err}
	}
	return v, nil
}

func (c *Client) fetch(ctx context.Context, op, hash, apiKey string, q url.Values) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.http.Get(ctx, c.baseURL, q)
	if err != nil {
		return nil, &RequestError{Op: op, Hash: hash, Err: redact(err, apiKey)}
	}
	if resp.IsError() {
		return nil, &RequestError{
			Op:         op,
			Hash:       hash,
			StatusCode: resp.StatusCode(),
			Body:       bodySnippet(redactString(string(resp.Body()), apiKey)),
		}
	}
	return resp.Body(), nil
}

func params(apiKey, action string) url.Values {
	return url.Values{
		"api_key": {apiKey},
		"action":  {action},
	}
}
