// Package breaker implements the per-provider circuit breaker guarding the
// retry engine. After a configurable run of consecutive failures the breaker
// trips and fails calls fast for a cooldown period, then admits a single
// probe; a run of consecutive probe successes closes it again.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// Closed is the normal operating state: calls flow through.
	Closed State = iota
	// Open means the circuit has tripped: calls fail fast.
	Open
	// HalfOpen allows a single probe request through to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is refused because the circuit is open
// (or a half-open probe is already in flight).
type OpenError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %s", e.Provider)
}

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultResetTimeout     = 30 * time.Second
)

// Breaker is a goroutine-safe circuit breaker for one provider.
type Breaker struct {
	mu               sync.Mutex
	provider         string
	state            State
	probing          bool
	consecFailures   int
	consecSuccesses  int
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time
	onStateChange    func(provider string, from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures required to
// trip the breaker from Closed to Open. The default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the number of consecutive half-open successes
// required to close the breaker. The default is 2.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays Open before admitting a
// probe. The default is 30 seconds.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every state transition.
// The callback is invoked while the breaker's mutex is held, so it must not
// call back into the breaker.
func WithOnStateChange(fn func(provider string, from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a Breaker for the named provider in the Closed state.
func New(provider string, opts ...Option) *Breaker {
	b := &Breaker{
		provider:         provider,
		state:            Closed,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
		resetTimeout:     defaultResetTimeout,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next call may proceed. In Closed state it always
// returns nil. In Open state it returns an OpenError unless the reset timeout
// has elapsed, in which case it transitions to HalfOpen and admits a single
// probe. In HalfOpen state callers beyond the in-flight probe are refused
// until the probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.nowFunc().After(b.openedAt.Add(b.resetTimeout)) {
			b.setState(HalfOpen)
			b.consecSuccesses = 0
			b.probing = true
			return nil
		}
		return &OpenError{Provider: b.provider, RetryAfter: b.remainingCooldown()}
	case HalfOpen:
		// Only one probe at a time; the next is admitted once it resolves.
		if b.probing {
			return &OpenError{Provider: b.provider, RetryAfter: b.resetTimeout}
		}
		b.probing = true
		return nil
	default:
		return &OpenError{Provider: b.provider, RetryAfter: b.resetTimeout}
	}
}

// RecordSuccess records a successful call. In Closed state it clears the
// failure counter. In HalfOpen state it counts toward the success threshold
// and closes the breaker once reached.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecFailures = 0
	if b.state == HalfOpen {
		b.probing = false
		b.consecSuccesses++
		if b.consecSuccesses >= b.successThreshold {
			b.setState(Closed)
			b.consecSuccesses = 0
		}
	}
}

// RecordFailure records a failed call. In Closed state it increments the
// consecutive failure counter and trips the breaker at the threshold. In
// HalfOpen state (probe failed) it immediately reopens and restarts the
// cooldown clock.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecFailures++
	b.consecSuccesses = 0
	b.probing = false

	switch b.state {
	case Closed:
		if b.consecFailures >= b.failureThreshold {
			b.setState(Open)
			b.openedAt = b.nowFunc()
		}
	case HalfOpen:
		b.setState(Open)
		b.openedAt = b.nowFunc()
	}
}

// CurrentState returns the breaker state. In Open state this does NOT check
// the cooldown timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures breaker state for the observability endpoints.
type Snapshot struct {
	Provider        string    `json:"provider"`
	State           string    `json:"state"`
	ConsecFailures  int       `json:"consecutive_failures"`
	ConsecSuccesses int       `json:"consecutive_successes"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns a copy of the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Provider:        b.provider,
		State:           b.state.String(),
		ConsecFailures:  b.consecFailures,
		ConsecSuccesses: b.consecSuccesses,
		OpenedAt:        b.openedAt,
	}
}

// HalfOpen probes admitted while the cooldown is still running report the
// remaining wait so callers can set Retry-After.
func (b *Breaker) remainingCooldown() time.Duration {
	remaining := b.openedAt.Add(b.resetTimeout).Sub(b.nowFunc())
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(b.provider, from, to)
	}
}
