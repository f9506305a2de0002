package bedrock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelbridge/modelbridge/internal/breaker"
	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/retry"
)

func noRetry() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = 0
	return p
}

func TestInvoke_rewritesModelIntoURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer bedrock-key" {
			t.Errorf("Authorization = %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if _, ok := body["model"]; ok {
			t.Error("model must not appear in the body")
		}
		if _, ok := body["stream"]; ok {
			t.Error("stream must not appear in the body")
		}
		if got := body["anthropic_version"]; got != "bedrock-2023-05-31" {
			t.Errorf("anthropic_version = %v", got)
		}

		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn"}`))
	}))
	defer ts.Close()

	a := New("bedrock", "bedrock-key", ts.URL, WithClient(ts.Client()), WithRetryPolicy(noRetry()))
	if a.Dialect() != "anthropic" {
		t.Fatalf("Dialect = %q", a.Dialect())
	}

	res, err := a.Invoke(context.Background(), &anthropic.MessagesRequest{
		Model:     "anthropic.claude-3-5-sonnet-20241022-v2:0",
		MaxTokens: 64,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.OK {
		t.Fatalf("Result = %+v, want OK", res)
	}
}

func TestInvoke_payloadErrorDoesNotWedgeBreaker(t *testing.T) {
	upstream := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream++
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn"}`))
	}))
	defer ts.Close()

	b := breaker.New("bedrock",
		breaker.WithFailureThreshold(1), breaker.WithSuccessThreshold(1), breaker.WithResetTimeout(0))
	a := New("bedrock", "bedrock-key", ts.URL,
		WithClient(ts.Client()), WithRetryPolicy(noRetry()), WithBreaker(b))

	b.RecordFailure()

	// A request whose body cannot be marshalled must fail before the breaker
	// admits it, so the half-open probe slot stays free.
	bad := &anthropic.MessagesRequest{
		Model:     "anthropic.claude-3-5-sonnet-20241022-v2:0",
		MaxTokens: 64,
		Messages: []anthropic.Message{
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "tool_use", ID: "t1", Name: "lookup", Input: json.RawMessage("{")},
			}},
		},
	}
	if _, err := a.Invoke(context.Background(), bad); err == nil {
		t.Fatal("Invoke with unmarshalable body must fail")
	}
	if upstream != 0 {
		t.Fatalf("upstream calls = %d, want 0", upstream)
	}

	res, err := a.Invoke(context.Background(), &anthropic.MessagesRequest{
		Model:     "anthropic.claude-3-5-sonnet-20241022-v2:0",
		MaxTokens: 64,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})
	if err != nil {
		t.Fatalf("Invoke after payload error: %v", err)
	}
	if !res.OK {
		t.Fatalf("Result = %+v, want OK", res)
	}
	if got := b.CurrentState(); got != breaker.Closed {
		t.Fatalf("breaker state = %v, want Closed", got)
	}
}
