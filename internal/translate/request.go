// Package translate converts between the chat-completions dialect and the
// canonical messages dialect: pure request/response converters plus a
// per-stream event translator. Translator failures are always the caller's
// fault and surface as BadRequestError, never as internal errors.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
)

// BadRequestError marks a malformed inbound request; handlers map it to 400.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return e.Reason }

func badRequest(format string, args ...any) error {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// defaultMaxTokens applies when the chat-completions request omits
// max_tokens; the messages dialect requires it.
const defaultMaxTokens = 4096

// ChatToMessages converts a chat-completions request into the canonical
// messages form. Leading system messages are folded into the system field,
// tool-role messages become user turns holding a tool_result block, and
// assistant tool_calls become tool_use blocks with parsed arguments.
func ChatToMessages(req *openai.ChatCompletionRequest) (*anthropic.MessagesRequest, error) {
	turns := req.Turns()
	if turns == nil {
		return nil, badRequest("missing field: messages")
	}

	out := &anthropic.MessagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system []string
	for i := range turns {
		msg := &turns[i]
		switch msg.Role {
		case "system", "developer":
			// Only leading system messages fold into the system field; a
			// system turn mid-conversation is demoted to a user turn.
			if len(out.Messages) == 0 {
				if s, ok := msg.ContentString(); ok {
					system = append(system, s)
					continue
				}
			}
			blocks, err := contentBlocks(msg)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, anthropic.Message{Role: "user", Content: blocks})
		case "tool":
			block, err := toolResultBlock(msg)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    "user",
				Content: []anthropic.ContentBlock{block},
			})
		case "assistant":
			turn, err := assistantTurn(msg)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, turn)
		case "user":
			blocks, err := contentBlocks(msg)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, anthropic.Message{Role: "user", Content: blocks})
		default:
			return nil, badRequest("unknown message role %q", msg.Role)
		}
	}
	out.System = strings.Join(system, "\n\n")

	out.Tools = usableTools(req.Tools)

	tc, err := toolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = tc

	return out, nil
}

// contentBlocks converts a chat message's string-or-parts content into
// canonical blocks. image_url parts become url-sourced image blocks.
func contentBlocks(msg *openai.ChatMessage) ([]anthropic.ContentBlock, error) {
	if s, ok := msg.ContentString(); ok {
		if s == "" {
			return nil, nil
		}
		return []anthropic.ContentBlock{{Type: "text", Text: s}}, nil
	}
	parts, ok := msg.ContentParts()
	if !ok {
		if len(msg.Content) == 0 {
			return nil, nil
		}
		return nil, badRequest("unsupported message content")
	}
	var blocks []anthropic.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, badRequest("image_url part without url")
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:   "image",
				Source: &anthropic.ImageSource{Type: "url", URL: p.ImageURL.URL},
			})
		default:
			// Unrecognised part types are dropped rather than rejected.
		}
	}
	return blocks, nil
}

// assistantTurn rewrites an assistant message carrying text and/or tool_calls
// as a canonical content sequence with text grouped before tool_use blocks.
func assistantTurn(msg *openai.ChatMessage) (anthropic.Message, error) {
	blocks, err := contentBlocks(msg)
	if err != nil {
		return anthropic.Message{}, err
	}
	for _, tc := range msg.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if strings.TrimSpace(tc.Function.Arguments) == "" {
			input = json.RawMessage("{}")
		} else if !json.Valid(input) {
			return anthropic.Message{}, badRequest("invalid tool call: arguments for %q are not valid JSON", tc.Function.Name)
		}
		blocks = append(blocks, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return anthropic.Message{Role: "assistant", Content: blocks}, nil
}

// toolResultBlock converts a tool-role message into a tool_result block keyed
// by the tool_call_id.
func toolResultBlock(msg *openai.ChatMessage) (anthropic.ContentBlock, error) {
	if msg.ToolCallID == "" {
		return anthropic.ContentBlock{}, badRequest("tool message without tool_call_id")
	}
	content := msg.Content
	if s, ok := msg.ContentString(); ok {
		quoted, _ := json.Marshal(s)
		content = quoted
	}
	return anthropic.ContentBlock{
		Type:      "tool_result",
		ToolUseID: msg.ToolCallID,
		Content:   content,
	}, nil
}

// usableTools filters the declared tools down to those with a name and a
// compilable JSON-schema parameter definition; the rest are silently
// stripped.
func usableTools(tools []openai.Tool) []anthropic.Tool {
	var out []anthropic.Tool
	for _, t := range tools {
		if t.Function.Name == "" {
			continue
		}
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		} else if !validSchema(schema) {
			continue
		}
		out = append(out, anthropic.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	return out
}

func validSchema(schema json.RawMessage) bool {
	_, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	return err == nil
}

// toolChoice maps the chat-completions tool_choice forms onto the canonical
// ones: "auto", "none", or a pinned named tool.
func toolChoice(raw json.RawMessage) (*anthropic.ToolChoice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto":
			return &anthropic.ToolChoice{Type: "auto"}, nil
		case "none":
			return &anthropic.ToolChoice{Type: "none"}, nil
		case "required":
			return &anthropic.ToolChoice{Type: "any"}, nil
		default:
			return nil, badRequest("unknown tool_choice %q", s)
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, badRequest("malformed tool_choice")
	}
	if obj.Function.Name == "" {
		return nil, badRequest("tool_choice function without name")
	}
	return &anthropic.ToolChoice{Type: "tool", Name: obj.Function.Name}, nil
}
