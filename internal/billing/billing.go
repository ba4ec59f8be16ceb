// Package billing reports minute overage to the external billing system and
// answers subscription lookups for the access gate.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relayline/frontdesk/internal/store"
)

const defaultTimeout = 30 * time.Second

// Sink receives overage events for paid tenants that exceeded their included
// minutes. Events are keyed by the payment processor's customer id.
type Sink interface {
	ReportOverage(ctx context.Context, customerID string, minutes int) error
}

// Client talks to the billing service over HTTP. It implements both the
// overage Sink and the gate's subscription check.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.client = h
	}
}

// NewClient creates a billing client for the service at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("billing: base URL is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type overageEvent struct {
	CustomerID     string `json:"customer_id"`
	OverageMinutes int    `json:"overage_minutes"`
	ReportedAt     string `json:"reported_at"`
}

// ReportOverage posts one overage event. The receiving side deduplicates by
// customer id and reporting window, so repeats are harmless.
func (c *Client) ReportOverage(ctx context.Context, customerID string, minutes int) error {
	if customerID == "" {
		return fmt.Errorf("billing: customer id is required")
	}
	body, err := json.Marshal(overageEvent{
		CustomerID:     customerID,
		OverageMinutes: minutes,
		ReportedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding overage event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/overage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating overage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting overage event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("billing service returned %d: %s", resp.StatusCode, excerpt)
	}
	return nil
}

type subscriptionResponse struct {
	Active bool `json:"active"`
}

// HasActiveSubscription asks the billing service whether the tenant's owner
// holds an active paid subscription. Tenants with no billing customer id
// cannot have one.
func (c *Client) HasActiveSubscription(ctx context.Context, tenant *store.Tenant) (bool, error) {
	if tenant.BillingCustomerID == "" {
		return false, nil
	}

	endpoint := c.baseURL + "/v1/subscriptions/" + url.PathEscape(tenant.BillingCustomerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("creating subscription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetching subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("billing service returned %d: %s", resp.StatusCode, excerpt)
	}

	var sub subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return false, fmt.Errorf("decoding subscription response: %w", err)
	}
	return sub.Active, nil
}
