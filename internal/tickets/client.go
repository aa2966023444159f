package tickets

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
)

// APIError is a non-2xx response from the tickets API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tickets: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
}

// Client talks to the tickets API of a running voicedesk server.
type Client struct {
	baseURL string
	hc      *http.Client
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// NewClient returns a client for the server at baseURL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// List returns all tickets, newest first.
func (c *Client) List(ctx context.Context) ([]Ticket, error) {
	var out []Ticket
	if err := c.do(ctx, http.MethodGet, "/api/tickets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one ticket.
func (c *Client) Get(ctx context.Context, id string) (Ticket, error) {
	var out Ticket
	err := c.do(ctx, http.MethodGet, "/api/tickets/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Create opens a new ticket.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Ticket, error) {
	var out Ticket
	err := c.do(ctx, http.MethodPost, "/api/tickets", req, &out)
	return out, err
}

// UpdateStatus changes the status of a ticket.
func (c *Client) UpdateStatus(ctx context.Context, id string, status Status) (Ticket, error) {
	var out Ticket
	err := c.do(ctx, http.MethodPut, "/api/tickets/"+url.PathEscape(id)+"/status", StatusUpdate{Status: status}, &out)
	return out, err
}

// Delete removes a ticket.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tickets/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tickets: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("tickets: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("tickets: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) == nil && eb.Detail != "" {
			apiErr.Detail = eb.Detail
		} else {
			apiErr.Detail = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tickets: decode response: %w", err)
	}
	return nil
}
