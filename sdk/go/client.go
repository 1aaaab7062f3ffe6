package vigilsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Vigil HTTP API client, mainly for heartbeat scripts
// and status dashboards.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Status mirrors the API status report.
type Status struct {
	State         string  `json:"state"`
	LastActivity  *string `json:"last_activity,omitempty"`
	DaysInactive  int     `json:"days_inactive"`
	DaysRemaining int     `json:"days_remaining"`
	Deadline      *string `json:"deadline,omitempty"`
}

// ActivityEvent mirrors one ledger entry.
type ActivityEvent struct {
	ID     int64  `json:"id"`
	TS     string `json:"ts"`
	Kind   string `json:"kind"`
	Source string `json:"source,omitempty"`
	Note   string `json:"note,omitempty"`
}

// VerifyResult reports whether a submitted credential was accepted.
type VerifyResult struct {
	Accepted bool   `json:"accepted"`
	Disarmed bool   `json:"disarmed,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the trigger status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Heartbeat records an automated proof-of-life signal.
func (c *Client) Heartbeat(ctx context.Context, source string) (ActivityEvent, error) {
	body := map[string]any{
		"kind":   "heartbeat",
		"source": source,
	}
	var resp ActivityEvent
	err := c.do(ctx, http.MethodPost, "v0/activity", body, &resp)
	return resp, err
}

// Checkin records a manual check-in with an optional note.
func (c *Client) Checkin(ctx context.Context, note string) (ActivityEvent, error) {
	body := map[string]any{
		"kind": "manual-checkin",
		"note": note,
	}
	var resp ActivityEvent
	err := c.do(ctx, http.MethodPost, "v0/activity", body, &resp)
	return resp, err
}

// Verify submits a verification code or kill-switch secret.
func (c *Client) Verify(ctx context.Context, credential string) (VerifyResult, error) {
	body := map[string]any{"credential": credential}
	var resp VerifyResult
	err := c.do(ctx, http.MethodPost, "v0/verify", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
