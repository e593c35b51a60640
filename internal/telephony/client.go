// Package telephony is the narrow client for the provider's call-control API.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tetrixcorps/voicecore/internal/metrics"
)

// Dialer is the outbound call-control surface the core depends on. Failures
// and timeouts feed the state machine's fallback paths; they are never
// surfaced to the telephony provider as application errors.
type Dialer interface {
	Dial(ctx context.Context, to, from, clientState string) (string, error)
	Transfer(ctx context.Context, callID, to string) error
	Hangup(ctx context.Context, callID string) error
	StartRecording(ctx context.Context, callID string) error
}

// Client talks to a Telnyx-style JSON call-control API.
type Client struct {
	baseURL    string
	apiKey     string
	webhookURL string
	client     *http.Client
	timeout    time.Duration
}

// NewClient creates a call-control client with the given dispatch timeout.
func NewClient(baseURL, apiKey, webhookURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Dial starts an outbound call and returns the provider call id.
func (c *Client) Dial(ctx context.Context, to, from, clientState string) (string, error) {
	body := map[string]interface{}{
		"to":           to,
		"from":         from,
		"webhook_url":  c.webhookURL,
		"client_state": clientState,
	}
	var resp struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/calls", body, &resp); err != nil {
		return "", err
	}
	return resp.Data.CallControlID, nil
}

// Transfer bridges the call to a new destination.
func (c *Client) Transfer(ctx context.Context, callID, to string) error {
	return c.post(ctx, "/calls/"+callID+"/actions/transfer", map[string]interface{}{"to": to}, nil)
}

// Hangup terminates the call.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	return c.post(ctx, "/calls/"+callID+"/actions/hangup", map[string]interface{}{}, nil)
}

// StartRecording begins recording both legs of the call.
func (c *Client) StartRecording(ctx context.Context, callID string) error {
	return c.post(ctx, "/calls/"+callID+"/actions/record_start", map[string]interface{}{
		"format":   "mp3",
		"channels": "dual",
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	start := time.Now()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("telephony").Inc()
		return fmt.Errorf("call-control request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("telephony").Inc()
		return fmt.Errorf("call-control %s status %d: %s", path, resp.StatusCode, respBody)
	}

	metrics.StageDuration.WithLabelValues("telephony").Observe(time.Since(start).Seconds())

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
