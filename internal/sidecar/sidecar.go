// Package sidecar is the client for the optional prompt-compression
// sidecar. The sidecar trims conversation history to fit a model's context
// window; it is advisory only, so every failure path returns the caller's
// original messages unchanged.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
)

const defaultTimeout = 2 * time.Second

// Client talks to the compression sidecar. A nil Client, or one created
// with an empty base URL, is disabled and compresses nothing.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for sidecar calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Client) { s.client = c }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Client) { s.logger = l }
}

// New creates a sidecar client. An empty baseURL yields a disabled client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether the sidecar is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type compressRequest struct {
	Messages   []anthropic.Message `json:"messages"`
	Tools      []anthropic.Tool    `json:"tools,omitempty"`
	Model      string              `json:"model"`
	ModelLimit int                 `json:"model_limit,omitempty"`
}

type compressResponse struct {
	Messages []anthropic.Message `json:"messages"`
}

// Compress asks the sidecar to shrink the conversation. Any error, non-200
// status, or empty result falls back to the original messages.
func (c *Client) Compress(ctx context.Context, model string, modelLimit int, messages []anthropic.Message, tools []anthropic.Tool) []anthropic.Message {
	if !c.Enabled() || len(messages) == 0 {
		return messages
	}

	payload, err := json.Marshal(compressRequest{
		Messages:   messages,
		Tools:      tools,
		Model:      model,
		ModelLimit: modelLimit,
	})
	if err != nil {
		return messages
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compress", bytes.NewReader(payload))
	if err != nil {
		return messages
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("compression sidecar unreachable", "error", err)
		return messages
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("compression sidecar refused", "status", resp.StatusCode)
		return messages
	}

	var out compressResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Warn("compression sidecar returned malformed body", "error", err)
		return messages
	}
	if len(out.Messages) == 0 {
		return messages
	}
	return out.Messages
}

// Healthy probes the sidecar's health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
