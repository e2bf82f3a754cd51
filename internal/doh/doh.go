// Package doh implements the outbound DNS-over-HTTPS client (RFC 8484):
// encoding a query for either the application/dns-message or
// application/dns-json dialect, issuing the HTTP request through a
// single shared client, and decoding the response back to wire format.
package doh

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kestrel-dns/kestrel/internal/dns"
	"github.com/kestrel-dns/kestrel/internal/upstream"
)

// HTTPStatusError is returned when a DoH server answers with a non-200
// status. Retryable reports whether the status is worth a retry per
// SPEC_FULL §4.6: 5xx and 429 are transient, other 4xx are not.
type HTTPStatusError struct {
	StatusCode int
	Server     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("doh: server %s returned status %d", e.Server, e.StatusCode)
}

func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config configures the shared HTTP client used across every upstream
// group (SPEC_FULL §4.7: one pooled client, not one per group).
type Config struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	UserAgent      string
}

// Client performs DoH round trips and implements upstream.Dialer.
type Client struct {
	http      *http.Client
	userAgent string
}

var _ upstream.Dialer = (*Client)(nil)

func New(cfg Config) *Client {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 3 * time.Second
	}

	transport := &http.Transport{
		IdleConnTimeout:     idleTimeout,
		MaxIdleConnsPerHost: 16,
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "kestrel-dns/1.0"
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		userAgent: agent,
	}
}

// HTTPClient exposes the underlying pooled *http.Client so other
// components that issue plain HTTP requests (the remote rule-list loader)
// can share the same connection pool and timeouts instead of opening a
// second one.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// WithProxy returns a copy of the client whose transport routes through
// proxyURL, for servers that belong to a group configured with a
// per-group proxy (SPEC_FULL §4.6).
func (c *Client) WithProxy(proxyURL string) (*Client, error) {
	if proxyURL == "" {
		return c, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("doh: invalid proxy url: %w", err)
	}
	base, ok := c.http.Transport.(*http.Transport)
	if !ok {
		return c, nil
	}
	clone := base.Clone()
	clone.Proxy = http.ProxyURL(u)
	return &Client{
		http:      &http.Client{Transport: clone, Timeout: c.http.Timeout},
		userAgent: c.userAgent,
	}, nil
}

// Call performs one DoH request against s and returns the response
// re-encoded to wire format. qnameLC/qtype are only used to build the
// GET query string for the dns-json dialect.
func (c *Client) Call(ctx context.Context, s upstream.Server, queryBytes []byte, qnameLC string, qtype uint16) ([]byte, error) {
	req, err := c.buildRequest(ctx, s, queryBytes, qnameLC, qtype)
	if err != nil {
		return nil, err
	}
	applyAuth(req, s)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Server: s.Name}
	}

	if s.Dialect == upstream.DialectJSON {
		req, parseErr := dns.ParsePacket(queryBytes)
		if parseErr != nil {
			return nil, fmt.Errorf("doh: re-parsing original query: %w", parseErr)
		}
		return dns.FromGoogleJSON(req, body)
	}
	return body, nil
}

func (c *Client) buildRequest(ctx context.Context, s upstream.Server, queryBytes []byte, qnameLC string, qtype uint16) (*http.Request, error) {
	if s.Dialect == upstream.DialectJSON {
		return buildJSONRequest(ctx, s, qnameLC, qtype)
	}
	return buildMessageRequest(ctx, s, queryBytes)
}

func buildMessageRequest(ctx context.Context, s upstream.Server, queryBytes []byte) (*http.Request, error) {
	if s.Method == upstream.MethodPost {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(queryBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/dns-message")
		req.Header.Set("Accept", "application/dns-message")
		return req, nil
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("doh: invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("dns", base64.RawURLEncoding.EncodeToString(queryBytes))
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-message")
	return req, nil
}

func buildJSONRequest(ctx context.Context, s upstream.Server, qnameLC string, qtype uint16) (*http.Request, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("doh: invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("name", qnameLC)
	q.Set("type", strconv.Itoa(int(qtype)))
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")
	return req, nil
}

func applyAuth(req *http.Request, s upstream.Server) {
	if s.AuthBearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.AuthBearer)
	} else if s.AuthUser != "" {
		req.SetBasicAuth(s.AuthUser, s.AuthPass)
	}
}
