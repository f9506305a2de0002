package httpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
	"github.com/modelbridge/modelbridge/internal/providers"
	"github.com/modelbridge/modelbridge/internal/translate"
)

const defaultMaxTokens = 4096

// dispatch routes the canonical request to an upstream adapter and returns
// it alongside the raw result. The request's model is rewritten through the
// alias table and its history may be compacted by the sidecar before the
// call.
func dispatch(ctx context.Context, d Dependencies, req *anthropic.MessagesRequest) (providers.Invoker, *providers.Result, error) {
	inv, err := selectInvoker(ctx, d, req)
	if err != nil {
		return nil, nil, err
	}
	res, err := inv.Invoke(ctx, req)
	return inv, res, err
}

// selectInvoker resolves the model alias, runs provider selection, and
// applies the sidecar compaction shared by both the buffered and streaming
// paths.
func selectInvoker(ctx context.Context, d Dependencies, req *anthropic.MessagesRequest) (providers.Invoker, error) {
	req.Model = d.Router.Resolve(req.Model)
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}

	providerID := d.Router.Select(ctx, req.Model, len(req.Tools))
	inv, ok := d.Invokers[providerID]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for provider %q", providerID)
	}

	if d.Sidecar.Enabled() {
		req.Messages = d.Sidecar.Compress(ctx, req.Model, 0, req.Messages, req.Tools)
	}
	return inv, nil
}

// canonicalResponse parses the upstream body into the messages dialect,
// translating from the chat-completions shape when the adapter speaks it.
func canonicalResponse(inv providers.Invoker, res *providers.Result) (*anthropic.MessagesResponse, error) {
	if inv.Dialect() == "openai" {
		var chat openai.ChatCompletionResponse
		if err := json.Unmarshal([]byte(res.Text), &chat); err != nil {
			return nil, fmt.Errorf("parsing upstream response: %w", err)
		}
		return translate.MessagesFromChat(&chat), nil
	}
	var msg anthropic.MessagesResponse
	if err := json.Unmarshal([]byte(res.Text), &msg); err != nil {
		return nil, fmt.Errorf("parsing upstream response: %w", err)
	}
	return &msg, nil
}
