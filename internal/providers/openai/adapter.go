// Package openai implements the adapter for providers speaking the
// chat-completions dialect: OpenAI, OpenRouter, Azure OpenAI, and the
// OpenAI-compatible local runtimes (Ollama, LM Studio).
package openai

import (
	"context"
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

// Adapter implements providers.Invoker for the chat-completions dialect.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	path    string

	// authHeader carries credentials; "Authorization" uses a Bearer prefix,
	// anything else (Azure's "api-key") carries the key verbatim.
	authHeader string
	extra      map[string]string

	client  *http.Client
	policy  retry.Policy
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// New creates an adapter with Bearer auth against /v1/chat/completions.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:         id,
		apiKey:     apiKey,
		baseURL:    baseURL,
		path:       "/v1/chat/completions",
		authHeader: "Authorization",
		client:     &http.Client{Timeout: 30 * time.Second},
		policy:     retry.DefaultPolicy(),
		logger:     slog.Default(),
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

// WithPath overrides the request path (Azure deployment URLs).
func WithPath(p string) Option {
	return func(a *Adapter) { a.path = p }
}

// WithAuthHeader switches the credential header (Azure uses "api-key").
func WithAuthHeader(name string) Option {
	return func(a *Adapter) { a.authHeader = name }
}

// WithExtraHeaders adds static headers to every request (OpenRouter referer
// attribution).
func WithExtraHeaders(h map[string]string) Option {
	return func(a *Adapter) { a.extra = h }
}

func (a *Adapter) ID() string      { return a.id }
func (a *Adapter) Dialect() string { return "openai" }

func (a *Adapter) headers() map[string]string {
	h := make(map[string]string, len(a.extra)+1)
	for k, v := range a.extra {
		h[k] = v
	}
	if a.apiKey != "" {
		if a.authHeader == "Authorization" {
			h[a.authHeader] = "Bearer " + a.apiKey
		} else {
			h[a.authHeader] = a.apiKey
		}
	}
	return h
}

// Invoke translates the canonical request into the chat-completions form and
// sends it inside the provider's breaker and the retry engine.
func (a *Adapter) Invoke(ctx context.Context, req *anthropic.MessagesRequest) (*providers.Result, error) {
	if a.breaker != nil {
		if err := a.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	payload := translate.ChatFromMessages(req)
	res, err := a.policy.Do(ctx, a.logger, func(ctx context.Context) (*providers.Result, error) {
		return providers.DoRequest(ctx, a.client, a.baseURL+a.path, payload, a.headers())
	})

	a.record(res, err)
	return res, err
}

// InvokeStream opens an SSE stream in the chat-completions dialect; the
// caller owns the body.
func (a *Adapter) InvokeStream(ctx context.Context, req *anthropic.MessagesRequest) (io.ReadCloser, error) {
	if a.breaker != nil {
		if err := a.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	payload := translate.ChatFromMessages(req)
	payload.Stream = true
	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+a.path, payload, a.headers())

	a.record(nil, err)
	if err != nil {
		return nil, err
	}
	return body, nil
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
