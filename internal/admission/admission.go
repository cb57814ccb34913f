// Package admission asks the subscription service whether an account may
// open another concurrent stream. The check sits on the ingest hot path, so
// calls are tightly time-boxed and the failure posture is explicit: denied by
// default, permissive only when configured.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 2 * time.Second

// Decision is the quota service's answer for one admission check.
type Decision struct {
	Allowed bool `json:"allowed"`
	Current int  `json:"current"`
	Max     int  `json:"max"`
}

// Client calls the subscription quota service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	failOpen   bool
}

// Option mutates client configuration.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithFailOpen admits streams when the quota service is unreachable. The
// default posture denies on error.
func WithFailOpen() Option {
	return func(c *Client) {
		c.failOpen = true
	}
}

// WithTimeout bounds each quota call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient constructs a quota client for the given base URL. An empty base
// URL yields a nil client, which admits everything; deployments without a
// quota service opt out by omitting the URL.
func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CanStream reports whether the user may open another stream given their
// current live count. A nil client admits unconditionally. Transport or
// decode failures return an error alongside the configured failure posture.
func (c *Client) CanStream(ctx context.Context, userID string, current int) (Decision, error) {
	if c == nil {
		return Decision{Allowed: true, Current: current, Max: -1}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"userId":  userID,
		"current": current,
	})
	if err != nil {
		return c.errorDecision(current), fmt.Errorf("encode admission request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/streams/can-stream", bytes.NewReader(payload))
	if err != nil {
		return c.errorDecision(current), fmt.Errorf("build admission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.errorDecision(current), fmt.Errorf("admission check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.errorDecision(current), fmt.Errorf("admission check: unexpected status %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return c.errorDecision(current), fmt.Errorf("decode admission response: %w", err)
	}
	return decision, nil
}

// TrackStreamStart notifies the quota service that a stream went live. Usage
// tracking is best effort; errors are returned for logging only and never
// block the stream.
func (c *Client) TrackStreamStart(ctx context.Context, userID, streamKey string) error {
	return c.track(ctx, "/internal/streams/started", userID, streamKey)
}

// TrackStreamEnd notifies the quota service that a stream ended.
func (c *Client) TrackStreamEnd(ctx context.Context, userID, streamKey string) error {
	return c.track(ctx, "/internal/streams/ended", userID, streamKey)
}

func (c *Client) track(ctx context.Context, path, userID, streamKey string) error {
	if c == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"userId":    userID,
		"streamKey": streamKey,
	})
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build usage event: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("usage event: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) errorDecision(current int) Decision {
	return Decision{Allowed: c.failOpen, Current: current, Max: -1}
}
