package translate

import (
	"time"

	"github.com/google/uuid"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
)

// StreamTranslator drives a small state machine over canonical stream events,
// emitting chat-completion chunks. One translator serves exactly one stream;
// it holds no cross-request state and instances are cheap to create per
// request.
type StreamTranslator struct {
	id      string
	model   string
	created int64

	// canonical content-block index -> chat-completion tool_calls index
	toolIndex map[int]int
}

// NewStreamTranslator creates a translator for a single response stream.
func NewStreamTranslator(model string) *StreamTranslator {
	return &StreamTranslator{
		id:        completionIDPrefix + "-" + uuid.NewString(),
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[int]int),
	}
}

// Translate maps one canonical event to at most one chunk. A nil chunk means
// the event is dropped. done reports end of stream (message_stop).
func (t *StreamTranslator) Translate(ev *anthropic.StreamEvent) (chunk *openai.ChatCompletionChunk, done bool) {
	switch ev.Type {
	case "message_start":
		empty := ""
		return t.chunk(openai.Delta{Role: "assistant", Content: &empty}, nil), false

	case "content_block_start":
		if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
			return nil, false
		}
		idx := len(t.toolIndex)
		t.toolIndex[ev.Index] = idx
		return t.chunk(openai.Delta{
			ToolCalls: []openai.ToolCallDelta{{
				Index: idx,
				ID:    ev.ContentBlock.ID,
				Type:  "function",
				Function: &openai.FunctionCall{
					Name:      ev.ContentBlock.Name,
					Arguments: "",
				},
			}},
		}, nil), false

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, false
		}
		switch ev.Delta.Type {
		case "text_delta":
			text := ev.Delta.Text
			return t.chunk(openai.Delta{Content: &text}, nil), false
		case "input_json_delta":
			idx, ok := t.toolIndex[ev.Index]
			if !ok {
				return nil, false
			}
			return t.chunk(openai.Delta{
				ToolCalls: []openai.ToolCallDelta{{
					Index:    idx,
					Function: &openai.FunctionCall{Arguments: ev.Delta.PartialJSON},
				}},
			}, nil), false
		}
		return nil, false

	case "message_delta":
		var finish *string
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			f := FinishReason(ev.Delta.StopReason)
			finish = &f
		}
		c := t.chunk(openai.Delta{}, finish)
		if ev.Usage != nil {
			c.Usage = &openai.Usage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
		}
		return c, false

	case "message_stop":
		stop := "stop"
		return t.chunk(openai.Delta{}, &stop), true
	}

	// Unknown events (ping, content_block_stop, ...) are dropped silently.
	return nil, false
}

func (t *StreamTranslator) chunk(delta openai.Delta, finish *string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []openai.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}
