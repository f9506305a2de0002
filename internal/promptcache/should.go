package promptcache

import "encoding/json"

// ShouldCache decides whether a final response body is worth caching: the
// upstream answered 200, the body carries at least one assistant turn, and
// the turn did not end on a tool call. Tool-call responses are never cached
// because their follow-up depends on client-side execution.
// Both response dialects are recognised.
func ShouldCache(status int, body []byte) bool {
	if status != 200 || len(body) == 0 {
		return false
	}

	var probe struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
			Message      struct {
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}

	if len(probe.Choices) > 0 {
		ch := probe.Choices[0]
		return ch.FinishReason != "tool_calls" && len(ch.Message.ToolCalls) == 0
	}
	if len(probe.Content) > 0 {
		if probe.StopReason == "tool_use" {
			return false
		}
		for _, b := range probe.Content {
			if b.Type == "tool_use" {
				return false
			}
		}
		return true
	}
	return false
}
