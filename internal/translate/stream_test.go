package translate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
)

func TestStreamTranslator_TextStream(t *testing.T) {
	tr := NewStreamTranslator("claude-3-5-sonnet")

	chunk, done := tr.Translate(&anthropic.StreamEvent{
		Type:    "message_start",
		Message: &anthropic.MessagesResponse{ID: "msg_01", Role: "assistant"},
	})
	require.NotNil(t, chunk)
	assert.False(t, done)
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, "claude-3-5-sonnet", chunk.Model)
	assert.True(t, strings.HasPrefix(chunk.ID, "chatcmpl-"))
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
	require.NotNil(t, chunk.Choices[0].Delta.Content)
	assert.Empty(t, *chunk.Choices[0].Delta.Content)

	chunk, done = tr.Translate(&anthropic.StreamEvent{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: &anthropic.ContentBlock{Type: "text"},
	})
	assert.Nil(t, chunk)
	assert.False(t, done)

	chunk, done = tr.Translate(&anthropic.StreamEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &anthropic.StreamDelta{Type: "text_delta", Text: "Hel"},
	})
	require.NotNil(t, chunk)
	assert.False(t, done)
	assert.Equal(t, "Hel", *chunk.Choices[0].Delta.Content)

	chunk, done = tr.Translate(&anthropic.StreamEvent{
		Type:  "message_delta",
		Delta: &anthropic.StreamDelta{StopReason: "end_turn"},
		Usage: &anthropic.Usage{InputTokens: 9, OutputTokens: 5},
	})
	require.NotNil(t, chunk)
	assert.False(t, done)
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 9, chunk.Usage.PromptTokens)
	assert.Equal(t, 5, chunk.Usage.CompletionTokens)
	assert.Equal(t, 14, chunk.Usage.TotalTokens)

	chunk, done = tr.Translate(&anthropic.StreamEvent{Type: "message_stop"})
	require.NotNil(t, chunk)
	assert.True(t, done)
}

func TestStreamTranslator_ToolCallStream(t *testing.T) {
	tr := NewStreamTranslator("claude-3-5-sonnet")
	tr.Translate(&anthropic.StreamEvent{
		Type:    "message_start",
		Message: &anthropic.MessagesResponse{ID: "msg_02", Role: "assistant"},
	})

	// Canonical index 1 maps onto tool_calls index 0 since text blocks do
	// not occupy a slot.
	chunk, _ := tr.Translate(&anthropic.StreamEvent{
		Type:         "content_block_start",
		Index:        1,
		ContentBlock: &anthropic.ContentBlock{Type: "tool_use", ID: "toolu_1", Name: "get_weather"},
	})
	require.NotNil(t, chunk)
	require.Len(t, chunk.Choices[0].Delta.ToolCalls, 1)
	tc := chunk.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, tc.Index)
	assert.Equal(t, "toolu_1", tc.ID)
	assert.Equal(t, "function", tc.Type)
	require.NotNil(t, tc.Function)
	assert.Equal(t, "get_weather", tc.Function.Name)
	assert.Empty(t, tc.Function.Arguments)

	chunk, _ = tr.Translate(&anthropic.StreamEvent{
		Type:  "content_block_delta",
		Index: 1,
		Delta: &anthropic.StreamDelta{Type: "input_json_delta", PartialJSON: `{"city":`},
	})
	require.NotNil(t, chunk)
	tc = chunk.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, tc.Index)
	assert.Equal(t, `{"city":`, tc.Function.Arguments)

	chunk, _ = tr.Translate(&anthropic.StreamEvent{
		Type:         "content_block_start",
		Index:        2,
		ContentBlock: &anthropic.ContentBlock{Type: "tool_use", ID: "toolu_2", Name: "get_time"},
	})
	require.NotNil(t, chunk)
	assert.Equal(t, 1, chunk.Choices[0].Delta.ToolCalls[0].Index)
}

func TestStreamTranslator_DropsHousekeepingEvents(t *testing.T) {
	tr := NewStreamTranslator("claude-3-5-sonnet")

	for _, typ := range []string{"ping", "content_block_stop", "unknown_future_event"} {
		chunk, done := tr.Translate(&anthropic.StreamEvent{Type: typ})
		assert.Nil(t, chunk, typ)
		assert.False(t, done, typ)
	}
}

func TestStreamTranslator_OrphanJSONDeltaDropped(t *testing.T) {
	tr := NewStreamTranslator("claude-3-5-sonnet")

	chunk, done := tr.Translate(&anthropic.StreamEvent{
		Type:  "content_block_delta",
		Index: 3,
		Delta: &anthropic.StreamDelta{Type: "input_json_delta", PartialJSON: "{}"},
	})
	assert.Nil(t, chunk)
	assert.False(t, done)
}

func TestStreamTranslator_StableChunkIdentity(t *testing.T) {
	tr := NewStreamTranslator("gpt-4o")

	first, _ := tr.Translate(&anthropic.StreamEvent{
		Type:    "message_start",
		Message: &anthropic.MessagesResponse{ID: "msg_03", Role: "assistant"},
	})
	second, _ := tr.Translate(&anthropic.StreamEvent{
		Type:  "content_block_delta",
		Delta: &anthropic.StreamDelta{Type: "text_delta", Text: "x"},
	})

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Created, second.Created)

	other := NewStreamTranslator("gpt-4o")
	assert.NotEqual(t, first.ID, other.id)
}

func TestStreamTranslator_MessageDeltaWithoutStopReason(t *testing.T) {
	tr := NewStreamTranslator("gpt-4o")

	chunk, done := tr.Translate(&anthropic.StreamEvent{Type: "message_delta"})
	require.NotNil(t, chunk)
	assert.False(t, done)
	assert.Nil(t, chunk.Choices[0].FinishReason)
	assert.Nil(t, chunk.Usage)
	assert.Equal(t, openai.Delta{}, chunk.Choices[0].Delta)
}
