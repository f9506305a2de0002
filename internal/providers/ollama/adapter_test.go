package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	dialect "github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
	"github.com/modelbridge/modelbridge/internal/retry"
)

func noRetry() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = 0
	return p
}

func TestInvoke_usesCompatEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, local runtime needs no credentials", got)
		}

		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "llama3" {
			t.Errorf("model = %q", req.Model)
		}
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer ts.Close()

	a := New("ollama", ts.URL, WithClient(ts.Client()), WithRetryPolicy(noRetry()))
	if a.Dialect() != "openai" {
		t.Fatalf("Dialect = %q", a.Dialect())
	}
	res, err := a.Invoke(context.Background(), &dialect.MessagesRequest{
		Model:     "llama3",
		MaxTokens: 64,
		Messages: []dialect.Message{
			{Role: "user", Content: []dialect.ContentBlock{{Type: "text", Text: "hello"}}},
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.OK {
		t.Fatalf("Result = %+v, want OK", res)
	}
}

func TestModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"qwen2.5-coder:7b"}]}`))
	}))
	defer ts.Close()

	a := New("ollama", ts.URL, WithClient(ts.Client()))
	names, err := a.Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(names) != 2 || names[0] != "llama3:latest" || names[1] != "qwen2.5-coder:7b" {
		t.Errorf("names = %v", names)
	}
}

func TestModels_upstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := New("ollama", ts.URL, WithClient(ts.Client()))
	if _, err := a.Models(context.Background()); err == nil {
		t.Fatal("expected an error for a failing tags endpoint")
	}
}
