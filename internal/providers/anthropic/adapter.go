// Package anthropic implements the adapter for providers speaking the
// messages dialect natively: the Anthropic API itself and Anthropic models
// behind Bedrock-style proxies.
package anthropic

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
)

const defaultAPIVersion = "2023-06-01"

// Adapter implements providers.Invoker for the messages dialect.
type Adapter struct {
	id         string
	apiKey     string
	baseURL    string
	path       string
	apiVersion string
	bearerAuth bool

	client  *http.Client
	policy  retry.Policy
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// New creates an adapter. Auth defaults to the x-api-key header; Bedrock-style
// deployments switch to Bearer via WithBearerAuth.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:         id,
		apiKey:     apiKey,
		baseURL:    baseURL,
		path:       "/v1/messages",
		apiVersion: defaultAPIVersion,
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

// WithPath overrides the request path.
func WithPath(p string) Option {
	return func(a *Adapter) { a.path = p }
}

// WithAPIVersion overrides the anthropic-version header value.
func WithAPIVersion(v string) Option {
	return func(a *Adapter) { a.apiVersion = v }
}

// WithBearerAuth switches auth to an Authorization: Bearer header.
func WithBearerAuth() Option {
	return func(a *Adapter) { a.bearerAuth = true }
}

func (a *Adapter) ID() string      { return a.id }
func (a *Adapter) Dialect() string { return "anthropic" }

func (a *Adapter) headers() map[string]string {
	h := map[string]string{"anthropic-version": a.apiVersion}
	if a.apiKey != "" {
		if a.bearerAuth {
			h["Authorization"] = "Bearer " + a.apiKey
		} else {
			h["x-api-key"] = a.apiKey
		}
	}
	return h
}

// Invoke sends the canonical request as-is; this dialect needs no payload
// translation. The call runs inside the provider's breaker and the retry
// engine.
func (a *Adapter) Invoke(ctx context.Context, req *anthropic.MessagesRequest) (*providers.Result, error) {
	if a.breaker != nil {
		if err := a.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	res, err := a.policy.Do(ctx, a.logger, func(ctx context.Context) (*providers.Result, error) {
		return providers.DoRequest(ctx, a.client, a.baseURL+a.path, req, a.headers())
	})

	a.record(res, err)
	return res, err
}

// InvokeStream opens an SSE stream; the caller owns the body. Breaker state
// reflects only whether the stream was established.
func (a *Adapter) InvokeStream(ctx context.Context, req *anthropic.MessagesRequest) (io.ReadCloser, error) {
	if a.breaker != nil {
		if err := a.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	streamReq := *req
	streamReq.Stream = true
	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+a.path, &streamReq, a.headers())

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
