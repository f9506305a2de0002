// Package providers defines the contract shared by every upstream adapter:
// the Invoker interface, the Result envelope returned from upstream calls,
// structured status errors, and the context keys used to pin a request to a
// specific provider.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/modelbridge/modelbridge/internal/dialect/anthropic"
)

// Result is the uniform envelope every adapter returns from a completed
// upstream exchange. The body is read exactly once; JSON holds the parsed
// form when the body parses, nil otherwise.
type Result struct {
	OK          bool
	Status      int
	JSON        any
	Text        string
	ContentType string
	Headers     http.Header
}

// Invoker is the contract upstream adapters implement. Invoke serialises the
// canonical payload into the provider's dialect, sends it, and returns the
// raw response envelope. Implementations compose the shared connection pool,
// the retry engine, and the provider's circuit breaker.
type Invoker interface {
	ID() string
	// Dialect names the wire dialect the provider speaks ("anthropic" or
	// "openai"); the dispatcher uses it to pick response translation.
	Dialect() string
	Invoke(ctx context.Context, req *anthropic.MessagesRequest) (*Result, error)
}

// StreamInvoker is an optional interface for adapters that support SSE
// streaming. The caller owns the returned body.
type StreamInvoker interface {
	Invoker
	InvokeStream(ctx context.Context, req *anthropic.MessagesRequest) (io.ReadCloser, error)
}

// StatusError captures a non-2xx HTTP status from a provider response.
// Adapters return it alongside the Result so the retry engine can classify
// the outcome and honor Retry-After on rate limits.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// BreakerFailure reports whether an upstream outcome should count against the
// provider's circuit breaker. Client-fault statuses (4xx other than 429) are
// the caller's problem and leave the breaker alone; rate limits, 5xx, and
// transport errors count.
func BreakerFailure(res *Result, err error) bool {
	if res != nil {
		return res.Status == 429 || res.Status >= 500
	}
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == 429 || se.StatusCode >= 500
	}
	return true
}

// ParseRetryAfter parses a Retry-After header value, accepting both delta
// seconds and HTTP-date forms. Invalid or empty values leave RetryAfterSecs
// at zero.
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			e.RetryAfterSecs = secs
		}
		return
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfterSecs = int(d.Round(time.Second) / time.Second)
		}
	}
}
