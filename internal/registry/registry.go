// Package registry is a thin HTTP/JSON client for the external stream
// registry: it creates a record when a mountpoint is published, sends
// periodic keepalives for the plugin process, and deletes records on
// teardown.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// duplicateStreamCode is the registry's error code for a stream id
// collision, per spec.md §6.
const duplicateStreamCode = 11000

// ErrDuplicateStreamID is returned by Create when the registry reports
// code 11000: the stream id already exists.
var ErrDuplicateStreamID = errors.New("registry: duplicate stream id")

// CreateResponse is the parsed JSON object returned by a successful (or
// duplicate-id) Create call.
type CreateResponse struct {
	ID   string `json:"_id"`
	Code int    `json:"code"`
}

// Client is a reentrancy-safe-per-handle HTTP/JSON client. Distinct
// callers should own distinct Client instances (mirroring spec.md §4.4);
// the keepalive loop uses its own.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (e.g. in tests, to
// point at an httptest.Server with a short timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on the client's own *http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New returns a Client ready to use.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log.Logger.With().Str("component", "registry").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Create POSTs body to url and parses the JSON response. On success it
// returns the parsed object; the caller reads ID and the optional Code
// field. If the registry reports a duplicate stream id, it returns the
// parsed response together with ErrDuplicateStreamID.
func (c *Client) Create(ctx context.Context, url string, body any) (*CreateResponse, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("registry: create: %w", err)
	}
	defer resp.Body.Close()

	var out CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("registry: create: decode response: %w", err)
	}

	if out.Code == duplicateStreamCode {
		return &out, ErrDuplicateStreamID
	}
	return &out, nil
}

// Keepalive POSTs body to url; the response is read to completion and
// discarded beyond a transport-level success check.
func (c *Client) Keepalive(ctx context.Context, url string, body any) error {
	resp, err := c.doJSON(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Delete issues a DELETE to url (the caller is responsible for appending
// "/<id>"). The response is discarded beyond a transport-level success
// check.
func (c *Client) Delete(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("url", url).Msg("registry request failed")
		return nil, err
	}
	return resp, nil
}
