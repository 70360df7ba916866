// Package fingerprint reduces a fetched web resource to a content digest.
//
// A digest is the SHA-256 of the exact response body bytes, rendered as a
// lowercase hex string. Two fetches with equal digests are treated as "no
// change" by the sweep loop.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnreachable covers network-level failures: DNS, refused connections,
// timeouts. The sweep loop treats it the same as a bad status (skip and retry
// next sweep), but registration surfaces it to the user.
var ErrUnreachable = errors.New("fingerprint: target unreachable")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fingerprint: unexpected status %d", e.Code)
}

const DefaultTimeout = 10 * time.Second

// Client fetches URLs and hashes their bodies. The zero value is not usable;
// construct with New so the HTTP client is always present.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

type Option func(*Client)

// WithHTTPClient injects a shared *http.Client (connection pooling, test
// doubles). The per-fetch timeout still applies via context.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout overrides the per-fetch timeout (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch performs one GET of url and returns the digest of the body.
//
// No retries happen here; retry policy belongs to the caller (the sweep loop
// retries implicitly on its next pass).
func (c *Client) Fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return "", &StatusError{Code: resp.StatusCode}
	}

	h := sha256.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
