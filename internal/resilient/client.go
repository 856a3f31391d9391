// Package resilient wraps an HTTP transport with per-upstream circuit
// breakers so every outgoing request is failure-rate-limited and classified.
package resilient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/postkeep/postkeep/internal/resilience"
)

// Response is the decoded outcome of a request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Client issues HTTP requests through a circuit breaker keyed by the request
// host, so failures against one upstream never open the breaker for another.
type Client struct {
	http     *http.Client
	breakers *resilience.UpstreamBreakers
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBreakers sets a shared breaker registry. Useful when several clients
// should aggregate their failure signal per upstream.
func WithBreakers(ub *resilience.UpstreamBreakers) Option {
	return func(c *Client) {
		c.breakers = ub
	}
}

// New creates a resilient client with the given breaker config.
func New(cfg resilience.CircuitBreakerConfig, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breakers: resilience.NewUpstreamBreakers(cfg),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET request through the host's breaker.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, nil)
}

// Post issues a POST request through the host's breaker.
func (c *Client) Post(ctx context.Context, url string, body []byte, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, body, header)
}

// Put issues a PUT request through the host's breaker.
func (c *Client) Put(ctx context.Context, url string, body []byte, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodPut, url, body, header)
}

// Delete issues a DELETE request through the host's breaker.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, url, nil, nil)
}

// Do issues a request through the breaker for the request host. Transient
// HTTP statuses (5xx, 429, 408) are surfaced as resilience.TransientError so
// the retry layer can classify them; either way a non-2xx response counts as
// a breaker failure.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "resilient: build %s %s", method, url)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	cb := c.breakers.Get(req.URL.Host)
	return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Response, error) {
		resp, doErr := c.http.Do(req.WithContext(ctx))
		if doErr != nil {
			return nil, eris.Wrapf(doErr, "resilient: %s %s", method, url)
		}
		defer resp.Body.Close() //nolint:errcheck

		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, eris.Wrapf(readErr, "resilient: read body %s", url)
		}

		out := &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}
		if resp.StatusCode >= 400 {
			statusErr := eris.Errorf("resilient: %s %s returned %d", method, url, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return out, resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return out, statusErr
		}
		return out, nil
	})
}

// CircuitOpen reports whether the named upstream's breaker is rejecting calls.
func (c *Client) CircuitOpen(upstream string) bool {
	return c.breakers.Get(upstream).IsOpen()
}

// CircuitMetrics returns the named upstream's breaker counters.
func (c *Client) CircuitMetrics(upstream string) resilience.CircuitMetrics {
	return c.breakers.Get(upstream).Metrics()
}

// ResetCircuit forces the named upstream's breaker closed.
func (c *Client) ResetCircuit(upstream string) {
	c.breakers.Get(upstream).Reset()
}

// Breakers exposes the registry for monitoring endpoints.
func (c *Client) Breakers() *resilience.UpstreamBreakers {
	return c.breakers
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
