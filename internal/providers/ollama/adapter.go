// Package ollama adapts a local Ollama runtime. Ollama exposes an
// OpenAI-compatible chat endpoint, so the adapter reuses the
// chat-completions translation and adds the runtime's native model probe.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelbridge/modelbridge/internal/breaker"
	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/providers"
	"github.com/modelbridge/modelbridge/internal/retry"
	"github.com/modelbridge/modelbridge/internal/translate"
)

// Adapter implements providers.Invoker against a local Ollama server.
type Adapter struct {
	id      string
	baseURL string

	client  *http.Client
	policy  retry.Policy
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// New creates an adapter for the Ollama server at baseURL
// (typically http://localhost:11434).
func New(id, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		policy:  retry.DefaultPolicy(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient sets the pooled HTTP client used for upstream calls.
func WithClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithRetryPolicy overrides the retry schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(a *Adapter) { a.policy = p }
}

// WithBreaker attaches the provider's circuit breaker.
func WithBreaker(b *breaker.Breaker) Option {
	return func(a *Adapter) { a.breaker = b }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func (a *Adapter) ID() string      { return a.id }
func (a *Adapter) Dialect() string { return "openai" }

// Invoke sends the canonical request to Ollama's OpenAI-compatible endpoint.
func (a *Adapter) Invoke(ctx context.Context, req *anthropic.MessagesRequest) (*providers.Result, error) {
	if a.breaker != nil {
		if err := a.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	payload := translate.ChatFromMessages(req)
	res, err := a.policy.Do(ctx, a.logger, func(ctx context.Context) (*providers.Result, error) {
		return providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, nil)
	})

	a.record(res, err)
	return res, err
}

// InvokeStream opens a chat-completions SSE stream from the local runtime.
func (a *Adapter) InvokeStream(ctx context.Context, req *anthropic.MessagesRequest) (io.ReadCloser, error) {
	if a.breaker != nil {
		if err := a.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	payload := translate.ChatFromMessages(req)
	payload.Stream = true
	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, nil)

	a.record(nil, err)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Models lists the tags the local runtime has pulled. Used at startup to
// seed the router's capability table.
func (a *Adapter) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing ollama models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing ollama models: status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding ollama tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (a *Adapter) record(res *providers.Result, err error) {
	if a.breaker == nil {
		return
	}
	if providers.BreakerFailure(res, err) {
		a.breaker.RecordFailure()
	} else {
		a.breaker.RecordSuccess()
	}
}
