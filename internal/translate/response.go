package translate

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
)

const completionIDPrefix = "chatcmpl"

// MessagesToChat converts a canonical response into a chat-completions
// response. Text blocks accumulate into the assistant content (null when
// empty), tool_use blocks become tool_calls with stringified arguments, and
// the finish reason is forced to "tool_calls" whenever any tool call is
// emitted.
func MessagesToChat(resp *anthropic.MessagesResponse, model string) *openai.ChatCompletionResponse {
	var text strings.Builder
	var toolCalls []openai.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
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
		}
	}

	var content *string
	if text.Len() > 0 {
		s := text.String()
		content = &s
	}

	finish := FinishReason(resp.StopReason)
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	return &openai.ChatCompletionResponse{
		ID:      completionID(resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index: 0,
			Message: openai.AssistantMessage{
				Role:      "assistant",
				Content:   content,
				ToolCalls: toolCalls,
			},
			FinishReason: finish,
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// FinishReason maps canonical stop reasons onto chat-completion finish
// reasons.
func FinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	default:
		return "stop"
	}
}

// completionID preserves ids already carrying the chat-completion prefix and
// synthesizes a fresh one otherwise.
func completionID(id string) string {
	if strings.HasPrefix(id, completionIDPrefix) {
		return id
	}
	return completionIDPrefix + "-" + uuid.NewString()
}
