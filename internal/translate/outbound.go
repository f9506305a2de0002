package translate

import (
	"encoding/json"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
)

// ChatFromMessages converts a canonical request into the chat-completions
// form for dispatch to an OpenAI-dialect provider. The system field becomes a
// leading system message, tool_use blocks become assistant tool_calls with
// stringified arguments, and tool_result blocks become tool-role messages.
func ChatFromMessages(req *anthropic.MessagesRequest) *openai.ChatCompletionRequest {
	out := &openai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatMessage{
			Role:    "system",
			Content: mustJSON(req.System),
		})
	}

	for i := range req.Messages {
		out.Messages = append(out.Messages, chatTurns(&req.Messages[i])...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			out.ToolChoice = mustJSON("auto")
		case "none":
			out.ToolChoice = mustJSON("none")
		case "any":
			out.ToolChoice = mustJSON("required")
		case "tool":
			out.ToolChoice = mustJSON(map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.Name},
			})
		}
	}

	return out
}

// chatTurns flattens one canonical turn into chat messages. A user turn with
// tool_result blocks fans out into tool-role messages; remaining content
// collapses into a single message.
func chatTurns(msg *anthropic.Message) []openai.ChatMessage {
	var out []openai.ChatMessage

	var parts []openai.ContentPart
	var toolCalls []openai.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			parts = append(parts, openai.ContentPart{Type: "text", Text: block.Text})
		case "image":
			if block.Source != nil {
				parts = append(parts, openai.ContentPart{
					Type:     "image_url",
					ImageURL: &openai.ImageURL{URL: block.Source.URL},
				})
			}
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			out = append(out, openai.ChatMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    toolResultText(block.Content),
			})
		}
	}

	if len(parts) > 0 || len(toolCalls) > 0 {
		m := openai.ChatMessage{Role: msg.Role, ToolCalls: toolCalls}
		if len(parts) == 1 && parts[0].Type == "text" {
			m.Content = mustJSON(parts[0].Text)
		} else if len(parts) > 0 {
			m.Content = mustJSON(parts)
		}
		out = append(out, m)
	}
	return out
}

// toolResultText renders a tool_result content payload as a plain string for
// the tool-role message; block arrays collapse to their text pieces.
func toolResultText(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return mustJSON("")
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return raw
	}
	var blocks []anthropic.ContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		text := ""
		for _, b := range blocks {
			if b.Type == "text" {
				text += b.Text
			}
		}
		return mustJSON(text)
	}
	// Arbitrary JSON: pass through stringified.
	return mustJSON(string(raw))
}

// MessagesFromChat converts a chat-completions response into the canonical
// response form.
func MessagesFromChat(resp *openai.ChatCompletionResponse) *anthropic.MessagesResponse {
	out := &anthropic.MessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
		Usage: anthropic.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}
	choice := resp.Choices[0]

	if choice.Message.Content != nil && *choice.Message.Content != "" {
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type: "text",
			Text: *choice.Message.Content,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = mustJSON(tc.Function.Arguments)
		}
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	out.StopReason = StopReason(choice.FinishReason)
	return out
}

// StopReason maps chat-completion finish reasons onto canonical stop reasons.
func StopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "stop":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All inputs here are marshalable by construction.
		panic(err)
	}
	return b
}
