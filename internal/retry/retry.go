// Package retry wraps a single upstream call with bounded exponential backoff.
// Retryable HTTP statuses and transient transport errors are absorbed until
// the attempt budget is spent; everything else returns immediately. Rate-limit
// responses honor Retry-After and otherwise back off on a separate, larger
// schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/modelbridge/modelbridge/internal/providers"
)

// Policy holds the backoff parameters for one provider.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64

	// Separate schedule for 429s without a usable Retry-After header.
	RateLimitInitialDelay time.Duration
	RateLimitMaxDelay     time.Duration

	// Attempts slower than this emit a diagnostic record but are not
	// otherwise penalised.
	ColdStartThreshold time.Duration

	// OnRetry, when set, is called once per scheduled retry, before the
	// backoff sleep.
	OnRetry func()
}

// DefaultPolicy returns the stock retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:            3,
		InitialDelay:          500 * time.Millisecond,
		Multiplier:            2.0,
		MaxDelay:              10 * time.Second,
		JitterFactor:          0.2,
		RateLimitInitialDelay: 2 * time.Second,
		RateLimitMaxDelay:     60 * time.Second,
		ColdStartThreshold:    15 * time.Second,
	}
}

// CallFunc performs a single upstream attempt.
type CallFunc func(ctx context.Context) (*providers.Result, error)

// Do invokes fn up to MaxRetries+1 times. On exhaustion it returns the last
// response together with the last error wrapped with a "max retries (N)
// exceeded" suffix; callers that receive a non-nil Result may still serve it.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, fn CallFunc) (*providers.Result, error) {
	var lastRes *providers.Result
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		start := time.Now()
		res, err := fn(ctx)
		elapsed := time.Since(start)

		if p.ColdStartThreshold > 0 && elapsed > p.ColdStartThreshold && logger != nil {
			logger.Warn("slow_upstream_attempt",
				slog.Int("attempt", attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		lastRes, lastErr = res, err
		if !retryable(res, err) {
			return res, err
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.backoffDelay(attempt, res, err)
		if p.OnRetry != nil {
			p.OnRetry()
		}
		if logger != nil {
			logger.Debug("retrying_upstream_call",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("reason", retryReason(res, err)),
			)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			// Deadline elapsed mid-backoff: abort the sleep and hand back
			// the last outcome.
			timer.Stop()
			return lastRes, exhausted(lastErr, ctx.Err(), p.MaxRetries)
		case <-timer.C:
		}
	}

	return lastRes, exhausted(lastErr, nil, p.MaxRetries)
}

func exhausted(lastErr, ctxErr error, maxRetries int) error {
	err := lastErr
	if err == nil {
		err = ctxErr
	}
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: max retries (%d) exceeded", err, maxRetries)
}

// retryableStatuses are the upstream statuses worth another attempt.
var retryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

func retryable(res *providers.Result, err error) bool {
	if res != nil && retryableStatuses[res.Status] {
		return true
	}
	var se *providers.StatusError
	if errors.As(err, &se) {
		return retryableStatuses[se.StatusCode]
	}
	if err != nil {
		return transientTransport(err)
	}
	return false
}

// transientTransport reports whether err is a connection-level failure worth
// retrying: reset, timeout, DNS miss, or unreachable network. Context
// cancellation from the outer deadline is never retried.
func transientTransport(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func retryReason(res *providers.Result, err error) string {
	if res != nil && res.Status != 0 {
		return fmt.Sprintf("status_%d", res.Status)
	}
	if err != nil {
		return "transport_error"
	}
	return "unknown"
}

// backoffDelay computes the sleep before the next attempt. For rate limits it
// honors Retry-After when present, falling back to the rate-limit schedule;
// everything else uses the standard schedule. Both apply a uniform
// ±JitterFactor spread.
func (p Policy) backoffDelay(attempt int, res *providers.Result, err error) time.Duration {
	status := 0
	retryAfter := 0
	if res != nil {
		status = res.Status
		if v := res.Headers.Get("Retry-After"); v != "" {
			se := &providers.StatusError{}
			se.ParseRetryAfter(v)
			retryAfter = se.RetryAfterSecs
		}
	}
	var se *providers.StatusError
	if errors.As(err, &se) {
		status = se.StatusCode
		if se.RetryAfterSecs > retryAfter {
			retryAfter = se.RetryAfterSecs
		}
	}

	if status == 429 {
		if retryAfter > 0 {
			return time.Duration(retryAfter) * time.Second
		}
		return p.jitter(scaled(p.RateLimitInitialDelay, p.Multiplier, attempt, p.RateLimitMaxDelay))
	}
	return p.jitter(scaled(p.InitialDelay, p.Multiplier, attempt, p.MaxDelay))
}

func scaled(initial time.Duration, multiplier float64, attempt int, ceiling time.Duration) time.Duration {
	d := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt)))
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	return d
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if p.JitterFactor <= 0 {
		return d
	}
	// Uniform spread in [-jitter, +jitter] of the base delay.
	spread := (rand.Float64()*2 - 1) * p.JitterFactor
	return time.Duration(float64(d) * (1 + spread))
}
