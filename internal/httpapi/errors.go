package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelbridge/modelbridge/internal/breaker"
	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
	"github.com/modelbridge/modelbridge/internal/dialect/openai"
	"github.com/modelbridge/modelbridge/internal/providers"
	"github.com/modelbridge/modelbridge/internal/translate"
)

// writeOpenAIError emits the chat-completions error envelope:
//
//	{"error": {"message": "...", "type": "..."}}
func writeOpenAIError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openai.ErrorResponse{
		Error: openai.ErrorDetail{Message: msg, Type: errType},
	})
}

// writeAnthropicError emits the messages-dialect error envelope:
//
//	{"type":"error","error":{"type":"...","message":"..."}}
func writeAnthropicError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(anthropic.ErrorResponse{
		Type:  "error",
		Error: anthropic.ErrorDetail{Type: errType, Message: msg},
	})
}

// errorWriter emits an error in one dialect's envelope.
type errorWriter func(w http.ResponseWriter, status int, errType, msg string)

// writeUpstreamError maps a dispatch failure onto the client's dialect.
// Breaker rejections carry a hint header; translator failures are the
// caller's fault and never become 5xx.
func writeUpstreamError(w http.ResponseWriter, write errorWriter, err error) {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		w.Header().Set("X-Circuit-Open", open.Provider)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(open.RetryAfter.Seconds())))
		write(w, http.StatusServiceUnavailable, "overloaded_error",
			fmt.Sprintf("provider %s temporarily unavailable", open.Provider))
		return
	}

	var bad *translate.BadRequestError
	if errors.As(err, &bad) {
		write(w, http.StatusBadRequest, "invalid_request_error", bad.Reason)
		return
	}

	var se *providers.StatusError
	if errors.As(err, &se) {
		errType := "api_error"
		if se.StatusCode == http.StatusTooManyRequests {
			errType = "rate_limit_error"
			if se.RetryAfterSecs > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", se.RetryAfterSecs))
			}
		}
		write(w, se.StatusCode, errType, se.Body)
		return
	}

	write(w, http.StatusBadGateway, "api_error", err.Error())
}
