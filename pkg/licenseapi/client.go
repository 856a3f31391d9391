// Package licenseapi is the HTTP client for the postkeep license service,
// the authoritative source for credit balances.
package licenseapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/postkeep/postkeep/internal/credit"
	"github.com/postkeep/postkeep/internal/resilience"
	"github.com/postkeep/postkeep/internal/resilient"
)

const defaultBaseURL = "https://license.postkeep.dev"

var _ credit.Authority = (*Client)(nil)

// Client talks to the license service. It satisfies credit.Authority so the
// ledger can validate licenses and settle credit usage remotely. All calls
// go through a circuit breaker and a client-side rate limiter.
type Client struct {
	key     string
	baseURL string
	http    *resilient.Client
	limiter *rate.Limiter
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the default service URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithTransport replaces the underlying resilient client, e.g. to share a
// breaker registry with other upstream clients.
func WithTransport(rc *resilient.Client) Option {
	return func(c *Client) {
		c.http = rc
	}
}

// WithRateLimit caps outgoing request rate.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// New creates a license service client for the given license key.
func New(key string, opts ...Option) *Client {
	c := &Client{
		key:     key,
		baseURL: defaultBaseURL,
		http:    resilient.New(resilience.DefaultCircuitBreakerConfig()),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Breakers exposes the transport's breaker registry for monitoring.
func (c *Client) Breakers() *resilience.UpstreamBreakers {
	return c.http.Breakers()
}

type validateRequest struct {
	Key string `json:"key"`
}

type balanceResponse struct {
	Balance int `json:"balance"`
}

type useRequest struct {
	Class  string `json:"class"`
	Amount int    `json:"amount"`
}

type refundRequest struct {
	Class     string `json:"class"`
	Amount    int    `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type settleResponse struct {
	Remaining int `json:"remaining"`
}

// ValidateLicense checks the key against the service and returns the plan,
// balance and limit it grants.
func (c *Client) ValidateLicense(ctx context.Context, key string) (*credit.License, error) {
	var lic credit.License
	if err := c.post(ctx, "/v1/license/validate", validateRequest{Key: key}, &lic); err != nil {
		return nil, eris.Wrap(err, "licenseapi: validate license")
	}
	return &lic, nil
}

// GetBalance fetches the current authoritative balance.
func (c *Client) GetBalance(ctx context.Context) (int, error) {
	var out balanceResponse
	if err := c.get(ctx, "/v1/credits/balance", &out); err != nil {
		return 0, eris.Wrap(err, "licenseapi: get balance")
	}
	return out.Balance, nil
}

// UseCredits deducts credits for a resource class and returns the remaining
// balance.
func (c *Client) UseCredits(ctx context.Context, class string, amount int) (int, error) {
	var out settleResponse
	if err := c.post(ctx, "/v1/credits/use", useRequest{Class: class, Amount: amount}, &out); err != nil {
		return 0, eris.Wrap(err, "licenseapi: use credits")
	}
	return out.Remaining, nil
}

// RefundCredits returns credits for a prior deduction and reports the new
// balance.
func (c *Client) RefundCredits(ctx context.Context, class string, amount int, ref string) (int, error) {
	var out settleResponse
	req := refundRequest{Class: class, Amount: amount, Reference: ref}
	if err := c.post(ctx, "/v1/credits/refund", req, &out); err != nil {
		return 0, eris.Wrap(err, "licenseapi: refund credits")
	}
	return out.Remaining, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "licenseapi: rate limit wait")
	}
	resp, err := c.http.Do(ctx, http.MethodGet, c.baseURL+path, nil, c.headers())
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "licenseapi: rate limit wait")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "licenseapi: marshal request")
	}
	resp, err := c.http.Post(ctx, c.baseURL+path, data, c.headers())
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+c.key)
	return h
}

func decode(resp *resilient.Response, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return eris.Wrap(err, "licenseapi: unmarshal response")
	}
	return nil
}
