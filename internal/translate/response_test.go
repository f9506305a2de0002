package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
)

func TestMessagesToChat_TextResponse(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		ID:   "msg_01",
		Type: "message",
		Role: "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "Hello, "},
			{Type: "text", Text: "world."},
		},
		StopReason: "end_turn",
		Usage:      anthropic.Usage{InputTokens: 10, OutputTokens: 4},
	}

	out := MessagesToChat(resp, "claude-3-5-sonnet")

	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "claude-3-5-sonnet", out.Model)
	assert.True(t, strings.HasPrefix(out.ID, "chatcmpl-"))
	require.Len(t, out.Choices, 1)
	require.NotNil(t, out.Choices[0].Message.Content)
	assert.Equal(t, "Hello, world.", *out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	assert.Equal(t, 10, out.Usage.PromptTokens)
	assert.Equal(t, 4, out.Usage.CompletionTokens)
	assert.Equal(t, 14, out.Usage.TotalTokens)
}

func TestMessagesToChat_ToolUse(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		ID:   "msg_02",
		Role: "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "Checking."},
			{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"Oslo"}`)},
		},
		StopReason: "tool_use",
	}

	out := MessagesToChat(resp, "claude-3-5-sonnet")

	choice := out.Choices[0]
	assert.Equal(t, "tool_calls", choice.FinishReason)
	require.Len(t, choice.Message.ToolCalls, 1)
	tc := choice.Message.ToolCalls[0]
	assert.Equal(t, "toolu_1", tc.ID)
	assert.Equal(t, "function", tc.Type)
	assert.Equal(t, "get_weather", tc.Function.Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, tc.Function.Arguments)
}

func TestMessagesToChat_NullContentWhenNoText(t *testing.T) {
	resp := &anthropic.MessagesResponse{
		ID:   "msg_03",
		Role: "assistant",
		Content: []anthropic.ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "ping"},
		},
		StopReason: "tool_use",
	}

	out := MessagesToChat(resp, "claude-3-5-sonnet")

	assert.Nil(t, out.Choices[0].Message.Content)
	assert.Equal(t, "{}", out.Choices[0].Message.ToolCalls[0].Function.Arguments)
}

func TestMessagesToChat_PreservesCompletionID(t *testing.T) {
	resp := &anthropic.MessagesResponse{ID: "chatcmpl-abc123", Role: "assistant"}

	out := MessagesToChat(resp, "gpt-4o")

	assert.Equal(t, "chatcmpl-abc123", out.ID)
}

func TestMessagesFromChat_TextResponse(t *testing.T) {
	content := "All good."
	resp := &openai.ChatCompletionResponse{
		ID:    "chatcmpl-xyz",
		Model: "gpt-4o",
		Choices: []openai.Choice{{
			Message:      openai.AssistantMessage{Role: "assistant", Content: &content},
			FinishReason: "stop",
		}},
		Usage: openai.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}

	out := MessagesFromChat(resp)

	assert.Equal(t, "chatcmpl-xyz", out.ID)
	assert.Equal(t, "message", out.Type)
	assert.Equal(t, "assistant", out.Role)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "All good.", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.Equal(t, 7, out.Usage.InputTokens)
	assert.Equal(t, 3, out.Usage.OutputTokens)
}

func TestMessagesFromChat_ToolCalls(t *testing.T) {
	resp := &openai.ChatCompletionResponse{
		ID: "chatcmpl-xyz",
		Choices: []openai.Choice{{
			Message: openai.AssistantMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_9",
					Type:     "function",
					Function: openai.FunctionCall{Name: "lookup", Arguments: `{"q":"go"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}

	out := MessagesFromChat(resp)

	require.Len(t, out.Content, 1)
	block := out.Content[0]
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "call_9", block.ID)
	assert.Equal(t, "lookup", block.Name)
	assert.JSONEq(t, `{"q":"go"}`, string(block.Input))
	assert.Equal(t, "tool_use", out.StopReason)
}

func TestMessagesFromChat_InvalidArgumentsRestringified(t *testing.T) {
	resp := &openai.ChatCompletionResponse{
		Choices: []openai.Choice{{
			Message: openai.AssistantMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Function: openai.FunctionCall{Name: "lookup", Arguments: "{truncated"},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}

	out := MessagesFromChat(resp)

	assert.Equal(t, `"{truncated"`, string(out.Content[0].Input))
}

func TestMessagesFromChat_EmptyChoices(t *testing.T) {
	out := MessagesFromChat(&openai.ChatCompletionResponse{ID: "chatcmpl-empty"})

	assert.Empty(t, out.Content)
	assert.Equal(t, "end_turn", out.StopReason)
}

func TestFinishReason(t *testing.T) {
	assert.Equal(t, "length", FinishReason("max_tokens"))
	assert.Equal(t, "tool_calls", FinishReason("tool_use"))
	assert.Equal(t, "stop", FinishReason("end_turn"))
	assert.Equal(t, "stop", FinishReason("stop_sequence"))
	assert.Equal(t, "stop", FinishReason(""))
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, "max_tokens", StopReason("length"))
	assert.Equal(t, "tool_use", StopReason("tool_calls"))
	assert.Equal(t, "tool_use", StopReason("function_call"))
	assert.Equal(t, "end_turn", StopReason("stop"))
	assert.Equal(t, "end_turn", StopReason(""))
}
