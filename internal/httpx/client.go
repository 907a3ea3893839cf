// SPDX-License-Identifier: MIT

// Package httpx provides the backend HTTP transport: an mTLS-capable JSON
// client with uniform timeout handling and error classification.
//
// Error classification matters upstream: the snapshot manager branches on
// 404 (snapshot not published -> offline fallback), the cache branches on
// 401/403 (signed URL expiry -> snapshot refetch), and the pairing service
// branches on 404 (code expired -> new code). Classified errors come from
// the playererr package.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hexmon/signage-player-go/internal/playererr"
)

// DefaultTimeout is applied to every request unless overridden.
const DefaultTimeout = 30 * time.Second

// TLSProvider supplies the current client TLS material. The certificate
// manager implements this; returning nil config means "no client cert yet"
// (pairing endpoints work without one).
type TLSProvider interface {
	ClientTLSConfig() (*tls.Config, error)
}

// Client is the device's HTTP transport to the backend.
type Client struct {
	baseURL string
	timeout time.Duration
	tlsProv TLSProvider

	mu         sync.Mutex
	httpClient *http.Client
	// plainClient is used for absolute URLs outside the backend (signed
	// object-store URLs); it never presents the device certificate.
	plainClient *http.Client
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithTLSProvider attaches the source of mTLS client material.
func WithTLSProvider(p TLSProvider) Option {
	return func(c *Client) {
		c.tlsProv = p
	}
}

// WithHTTPClient replaces the underlying client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.plainClient = hc
	}
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
		c.plainClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// RefreshTLS rebuilds the transport from the TLS provider. Called after
// pairing stores a fresh certificate and after renewal.
func (c *Client) RefreshTLS() error {
	if c.tlsProv == nil {
		return nil
	}
	tlsCfg, err := c.tlsProv.ClientTLSConfig()
	if err != nil {
		return fmt.Errorf("load client TLS material: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tlsCfg == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
		return nil
	}
	c.httpClient = &http.Client{
		Timeout:   c.timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	return nil
}

func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpClient
}

// GetJSON issues a GET to a backend path and decodes the JSON response into
// out (which may be nil to discard the body).
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, c.resolve(path), nil, out)
}

// PostJSON issues a POST with a JSON body to a backend path and decodes the
// response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	return c.doJSON(ctx, http.MethodPost, c.resolve(path), payload, out)
}

// GetRaw returns the raw JSON body of a backend GET. The snapshot manager
// persists this verbatim as the offline fallback document.
func (c *Client) GetRaw(ctx context.Context, path string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.resolve(path), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Download streams an absolute URL (typically a signed object-store URL)
// without mTLS. The caller must close the reader. 401/403 responses are
// classified as URL expiry.
func (c *Client) Download(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build download request: %w", err)
	}

	resp, err := c.plain().Do(req)
	if err != nil {
		return nil, 0, &playererr.NetworkError{Op: "GET", URL: redact(rawURL), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, 0, &playererr.AuthError{
				StatusCode: resp.StatusCode,
				URL:        redact(rawURL),
				Reason:     playererr.ReasonURLExpired,
			}
		}
		return nil, 0, classify(resp.StatusCode, redact(rawURL), "")
	}

	return resp.Body, resp.ContentLength, nil
}

func (c *Client) plain() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plainClient == nil {
		c.plainClient = &http.Client{Timeout: c.timeout}
	}
	return c.plainClient
}

// ConnectivityResult is the outcome of a reachability probe.
type ConnectivityResult struct {
	Online     bool          `json:"online"`
	Latency    time.Duration `json:"latency"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// CheckConnectivityDetailed probes the backend root. Any HTTP response,
// including an error status, proves the network path works; only transport
// failures mean offline.
func (c *Client) CheckConnectivityDetailed(ctx context.Context) ConnectivityResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return ConnectivityResult{Error: err.Error()}
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return ConnectivityResult{Latency: time.Since(start), Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return ConnectivityResult{
		Online:     true,
		Latency:    time.Since(start),
		StatusCode: resp.StatusCode,
	}
}

func (c *Client) doJSON(ctx context.Context, method, fullURL string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return &playererr.NetworkError{Op: method, URL: fullURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classify(resp.StatusCode, fullURL, string(snippet))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &playererr.ParseError{Detail: fmt.Sprintf("decode %s response: %v", fullURL, err)}
	}
	return nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// classify maps an HTTP status onto the shared error taxonomy.
func classify(status int, url, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &playererr.AuthError{StatusCode: status, URL: url}
	case status == http.StatusNotFound:
		return &playererr.NotFoundError{URL: url}
	default:
		return &playererr.HTTPError{StatusCode: status, URL: url, Body: body}
	}
}

// redact strips the query string from a URL for logs and errors; signed URLs
// carry credentials in their query parameters.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	return u.String()
}
