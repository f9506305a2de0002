package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelbridge/modelbridge/internal/dialect/openai"
)

func text(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestChatToMessages_MissingMessages(t *testing.T) {
	_, err := ChatToMessages(&openai.ChatCompletionRequest{Model: "gpt-4o"})

	var br *BadRequestError
	require.ErrorAs(t, err, &br)
	assert.Equal(t, "missing field: messages", br.Reason)
}

func TestChatToMessages_InputAlias(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Input: []openai.ChatMessage{{Role: "user", Content: text("hi")}},
	})
	require.NoError(t, err)

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "hi", out.Messages[0].Content[0].Text)
}

func TestChatToMessages_MessagesWinOverInput(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatMessage{{Role: "user", Content: text("from messages")}},
		Input:    []openai.ChatMessage{{Role: "user", Content: text("from input")}},
	})
	require.NoError(t, err)

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "from messages", out.Messages[0].Content[0].Text)
}

func TestChatToMessages_SystemFolding(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatMessage{
			{Role: "system", Content: text("be brief")},
			{Role: "developer", Content: text("answer in French")},
			{Role: "user", Content: text("hello")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "be brief\n\nanswer in French", out.System)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
}

func TestChatToMessages_MidConversationSystemBecomesUser(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: text("hello")},
			{Role: "system", Content: text("switch topics")},
		},
	})
	require.NoError(t, err)

	assert.Empty(t, out.System)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "switch topics", out.Messages[1].Content[0].Text)
}

func TestChatToMessages_DefaultMaxTokens(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatMessage{{Role: "user", Content: text("hi")}},
	})
	require.NoError(t, err)
	assert.Equal(t, defaultMaxTokens, out.MaxTokens)

	out, err = ChatToMessages(&openai.ChatCompletionRequest{
		Model:     "gpt-4o",
		MaxTokens: 128,
		Messages:  []openai.ChatMessage{{Role: "user", Content: text("hi")}},
	})
	require.NoError(t, err)
	assert.Equal(t, 128, out.MaxTokens)
}

func TestChatToMessages_ToolRoleMessage(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: text("what is the weather")},
			{Role: "assistant", ToolCalls: []openai.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: openai.FunctionCall{
					Name:      "get_weather",
					Arguments: `{"city":"Oslo"}`,
				},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: text("12C, raining")},
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Messages, 3)

	asst := out.Messages[1]
	assert.Equal(t, "assistant", asst.Role)
	require.Len(t, asst.Content, 1)
	assert.Equal(t, "tool_use", asst.Content[0].Type)
	assert.Equal(t, "call_1", asst.Content[0].ID)
	assert.Equal(t, "get_weather", asst.Content[0].Name)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(asst.Content[0].Input))

	result := out.Messages[2]
	assert.Equal(t, "user", result.Role)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "tool_result", result.Content[0].Type)
	assert.Equal(t, "call_1", result.Content[0].ToolUseID)
	assert.Equal(t, `"12C, raining"`, string(result.Content[0].Content))
}

func TestChatToMessages_ToolMessageWithoutCallID(t *testing.T) {
	_, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatMessage{
			{Role: "tool", Content: text("orphan result")},
		},
	})

	var br *BadRequestError
	require.ErrorAs(t, err, &br)
	assert.Contains(t, br.Reason, "tool_call_id")
}

func TestChatToMessages_InvalidToolCallArguments(t *testing.T) {
	_, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatMessage{
			{Role: "assistant", ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: openai.FunctionCall{Name: "lookup", Arguments: "{not json"},
			}}},
		},
	})

	var br *BadRequestError
	require.ErrorAs(t, err, &br)
	assert.Contains(t, br.Reason, `"lookup"`)
}

func TestChatToMessages_EmptyToolCallArguments(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatMessage{
			{Role: "assistant", ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: openai.FunctionCall{Name: "ping"},
			}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out.Messages[0].Content[0].Input))
}

func TestChatToMessages_ImageURLPart(t *testing.T) {
	parts, _ := json.Marshal([]openai.ContentPart{
		{Type: "text", Text: "what is this"},
		{Type: "image_url", ImageURL: &openai.ImageURL{URL: "https://example.com/cat.png"}},
	})
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatMessage{{Role: "user", Content: parts}},
	})
	require.NoError(t, err)

	blocks := out.Messages[0].Content
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "image", blocks[1].Type)
	require.NotNil(t, blocks[1].Source)
	assert.Equal(t, "url", blocks[1].Source.Type)
	assert.Equal(t, "https://example.com/cat.png", blocks[1].Source.URL)
}

func TestChatToMessages_ImageURLWithoutURL(t *testing.T) {
	parts, _ := json.Marshal([]openai.ContentPart{{Type: "image_url"}})
	_, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatMessage{{Role: "user", Content: parts}},
	})

	var br *BadRequestError
	require.ErrorAs(t, err, &br)
}

func TestChatToMessages_NullContent(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: text("hi")},
			{Role: "assistant"},
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Nil(t, out.Messages[1].Content)
}

func TestChatToMessages_UnknownRole(t *testing.T) {
	_, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatMessage{{Role: "narrator", Content: text("meanwhile")}},
	})

	var br *BadRequestError
	require.ErrorAs(t, err, &br)
	assert.Contains(t, br.Reason, "narrator")
}

func TestChatToMessages_ToolFiltering(t *testing.T) {
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatMessage{{Role: "user", Content: text("hi")}},
		Tools: []openai.Tool{
			{Type: "function", Function: openai.FunctionDef{
				Name:       "good",
				Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
			}},
			{Type: "function", Function: openai.FunctionDef{Name: ""}},
			{Type: "function", Function: openai.FunctionDef{
				Name:       "bad_schema",
				Parameters: json.RawMessage(`{"type":42}`),
			}},
			{Type: "function", Function: openai.FunctionDef{Name: "schemaless"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, out.Tools, 2)
	assert.Equal(t, "good", out.Tools[0].Name)
	assert.Equal(t, "schemaless", out.Tools[1].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(out.Tools[1].InputSchema))
}

func TestChatToMessages_ToolChoiceForms(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		wantType string
		wantName string
		wantErr  bool
	}{
		{name: "auto", raw: `"auto"`, wantType: "auto"},
		{name: "none", raw: `"none"`, wantType: "none"},
		{name: "required", raw: `"required"`, wantType: "any"},
		{name: "named", raw: `{"type":"function","function":{"name":"get_weather"}}`, wantType: "tool", wantName: "get_weather"},
		{name: "unknown string", raw: `"maybe"`, wantErr: true},
		{name: "nameless function", raw: `{"type":"function","function":{}}`, wantErr: true},
		{name: "malformed", raw: `17`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ChatToMessages(&openai.ChatCompletionRequest{
				Model:      "gpt-4o",
				Messages:   []openai.ChatMessage{{Role: "user", Content: text("hi")}},
				ToolChoice: json.RawMessage(tc.raw),
			})
			if tc.wantErr {
				var br *BadRequestError
				require.ErrorAs(t, err, &br)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, out.ToolChoice)
			assert.Equal(t, tc.wantType, out.ToolChoice.Type)
			assert.Equal(t, tc.wantName, out.ToolChoice.Name)
		})
	}
}

func TestChatToMessages_CarriesSamplingParams(t *testing.T) {
	temp := 0.2
	topP := 0.9
	out, err := ChatToMessages(&openai.ChatCompletionRequest{
		Model:       "gpt-4o",
		Messages:    []openai.ChatMessage{{Role: "user", Content: text("hi")}},
		Temperature: &temp,
		TopP:        &topP,
		Stream:      true,
	})
	require.NoError(t, err)

	require.NotNil(t, out.Temperature)
	assert.Equal(t, 0.2, *out.Temperature)
	require.NotNil(t, out.TopP)
	assert.Equal(t, 0.9, *out.TopP)
	assert.True(t, out.Stream)
}
