// Package bedrock adapts Amazon Bedrock's Anthropic model family. Bedrock
// speaks the messages dialect but moves the model into the URL, replaces it
// in the body with an anthropic_version marker, and authenticates with a
// bearer API key.
package bedrock

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/modelbridge/modelbridge/internal/breaker"
	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/providers"
	"github.com/modelbridge/modelbridge/internal/retry"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// Adapter implements providers.Invoker against a Bedrock runtime endpoint.
// Streaming is not offered: Bedrock frames streamed responses in the AWS
// event-stream binary encoding rather than SSE, so streamed requests are
// served by a buffered invoke instead.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string

	client  *http.Client
	policy  retry.Policy
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// New creates an adapter for the Bedrock runtime at baseURL, e.g.
// https://bedrock-runtime.us-east-1.amazonaws.com.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
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
func (a *Adapter) Dialect() string { return "anthropic" }

// Invoke rewrites the canonical request into Bedrock's invoke form and sends
// it inside the provider's breaker and the retry engine.
func (a *Adapter) Invoke(ctx context.Context, req *anthropic.MessagesRequest) (*providers.Result, error) {
	payload, err := bedrockPayload(req)
	if err != nil {
		return nil, err
	}
	if a.breaker != nil {
		if err := a.breaker.Allow(); err != nil {
			return nil, err
		}
	}
	endpoint := a.baseURL + "/model/" + url.PathEscape(req.Model) + "/invoke"
	headers := map[string]string{"Authorization": "Bearer " + a.apiKey}

	res, err := a.policy.Do(ctx, a.logger, func(ctx context.Context) (*providers.Result, error) {
		return providers.DoRequest(ctx, a.client, endpoint, payload, headers)
	})

	a.record(res, err)
	return res, err
}

// bedrockPayload strips the model field and stamps the anthropic_version
// marker Bedrock requires in the body.
func bedrockPayload(req *anthropic.MessagesRequest) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	delete(body, "model")
	delete(body, "stream")
	body["anthropic_version"] = bedrockAnthropicVersion
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
