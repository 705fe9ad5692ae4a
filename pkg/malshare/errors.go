package malshare

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	redactedValue = "REDACTED"
	maxSnippet    = 512
)

// RequestError reports a transport-level failure or a non-2xx response from the API.
type RequestError struct {
	Op         string
	Hash       string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		if e.Body == "" {
			return fmt.Sprintf("%s: unexpected response status %d", describe(e.Op, e.Hash), e.StatusCode)
		}
		return fmt.Sprintf("%s: unexpected response status %d: %s", describe(e.Op, e.Hash), e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: request failed: %v", describe(e.Op, e.Hash), e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DecodeError reports a response body that is not valid JSON, or an expected
// field that is missing or has the wrong shape.
type DecodeError struct {
	Op    string
	Hash  string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: decode field %q: %v", describe(e.Op, e.Hash), e.Field, e.Err)
	}
	return fmt.Sprintf("%s: decode response: %v", describe(e.Op, e.Hash), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IoError reports a local filesystem failure while writing a downloaded sample.
type IoError struct {
	Op   string
	Hash string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s: write %s: %v", describe(e.Op, e.Hash), e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func describe(op, hash string) string {
	if hash == "" {
		return "malshare " + op
	}
	return fmt.Sprintf("malshare %s [hash %s]", op, hash)
}

// redactedError keeps the wrapped cause reachable for errors.Is/As while
// presenting a message with the API key scrubbed out.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redact strips every occurrence of secret (raw and query-escaped) from err's message.
// Transport errors from net/http embed the full request URL, api_key included.
func redact(err error, secret string) error {
	if err == nil || secret == "" {
		return err
	}
	msg := err.Error()
	out := redactString(msg, secret)
	if out == msg {
		return err
	}
	return &redactedError{msg: out, err: err}
}

func redactString(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, url.QueryEscape(secret), redactedValue)
	return strings.ReplaceAll(s, secret, redactedValue)
}

// bodySnippet trims body to at most maxSnippet bytes without splitting a rune.
func bodySnippet(body string) string {
	if len(body) > maxSnippet {
		cut := maxSnippet
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return strings.TrimSpace(body)
}
