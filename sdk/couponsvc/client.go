// Package couponsvc is a Go client for the coupon issuance service.
package couponsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError carries a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("couponsvc %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client wraps the coupon service REST endpoints.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a client pointed at the supplied base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	client := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// IssueRequest asks for a coupon. Exactly one of Nonce or ConfirmationCode is set.
type IssueRequest struct {
	Claimer          string `json:"claimer"`
	Tier             string `json:"tier"`
	Nonce            string `json:"nonce,omitempty"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
}

// Coupon mirrors the POST /v1/coupons payload.
type Coupon struct {
	Claimer  string    `json:"claimer"`
	Tier     string    `json:"tier"`
	Nonce    string    `json:"nonce"`
	Coupon   string    `json:"coupon"`
	Signer   string    `json:"signer"`
	IssuedAt time.Time `json:"issuedAt"`
	Replayed bool      `json:"replayed"`
}

// Verdict mirrors POST /v1/coupons/verify.
type Verdict struct {
	Valid    bool   `json:"valid"`
	Nonce    string `json:"nonce,omitempty"`
	Signer   string `json:"signer"`
	Recorded bool   `json:"recorded"`
	Reason   string `json:"reason,omitempty"`
}

// Record is one ledger entry returned by GET /v1/nonces/{nonce}.
type Record struct {
	Nonce     string    `json:"nonce"`
	Tier      string    `json:"tier"`
	Claimer   string    `json:"claimer"`
	Coupon    string    `json:"coupon"`
	Signer    string    `json:"signer"`
	RequestID string    `json:"requestId,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// Issue requests a signed coupon.
func (c *Client) Issue(ctx context.Context, req IssueRequest) (*Coupon, error) {
	var resp Coupon
	if err := c.do(ctx, http.MethodPost, "/v1/coupons", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify checks a coupon against the service's signer.
func (c *Client) Verify(ctx context.Context, claimer, tier, coupon string) (*Verdict, error) {
	payload := map[string]string{"claimer": claimer, "tier": tier, "coupon": coupon}
	var resp Verdict
	if err := c.do(ctx, http.MethodPost, "/v1/coupons/verify", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lookup returns the coupons recorded for a nonce.
func (c *Client) Lookup(ctx context.Context, nonce string) ([]Record, error) {
	var resp struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/nonces/"+url.PathEscape(nonce), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	target := c.baseURL.ResolveReference(&url.URL{Path: endpoint})
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			message = envelope.Error
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
