// Package remote is the JSON-over-HTTP transport shared by the clients of
// the extraction, generation and execution services.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"stratflow/internal/util"
)

// Error is a failed call to a remote service. Temporary errors (transport
// failures, 429 and 5xx responses) are worth retrying; everything else is
// not.
type Error struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Service, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Service, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the call may succeed.
func (e *Error) Temporary() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, context.Canceled) && !isDecode(e.Err)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTemporary reports whether err, or any error it wraps, is temporary.
// Context cancellation is never temporary; a deadline is, since the next
// attempt gets a fresh timeout.
func IsTemporary(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

type decodeError struct{ err error }

func (d decodeError) Error() string { return "decoding response: " + d.err.Error() }
func (d decodeError) Unwrap() error { return d.err }

func isDecode(err error) bool {
	var d decodeError
	return errors.As(err, &d)
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Client posts JSON to one service, optionally rate limited.
type Client struct {
	service    string
	httpClient *http.Client
	limiter    *util.RateLimiter
}

// NewClient creates a client for the named service. A perMinute of zero
// disables rate limiting. Per-call deadlines come from the context, so
// the underlying http.Client has no timeout of its own.
func NewClient(service string, perMinute int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{service: service, httpClient: httpClient}
	if perMinute > 0 {
		c.limiter = util.NewRateLimiter(perMinute)
	}
	return c
}

// Service returns the service name used in errors.
func (c *Client) Service() string { return c.service }

// PostJSON sends in as JSON to url and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	resp, err := c.post(ctx, url, in, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Service: c.service, Err: decodeError{err}}
	}
	return nil
}

// PostStream sends in as JSON to url and returns the response body for the
// caller to consume. The caller must close it.
func (c *Client) PostStream(ctx context.Context, url string, in any) (io.ReadCloser, error) {
	resp, err := c.post(ctx, url, in, "application/x-ndjson")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DecodeError wraps a malformed-payload error found while consuming a
// stream.
func (c *Client) DecodeError(err error) error {
	return NewDecodeError(c.service, err)
}

// NewDecodeError reports a response from service that could not be
// decoded. Such errors are permanent.
func NewDecodeError(service string, err error) error {
	return &Error{Service: service, Err: decodeError{err}}
}

func (c *Client) post(ctx context.Context, url string, in any, accept string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", c.service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", c.service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Service: c.service, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{Service: c.service, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	return resp, nil
}
