// Package budget enforces a per-session token allowance over a rolling
// window. Exhausted sessions get 429 with a Retry-After pointing at the
// window reset.
package budget

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelbridge/modelbridge/internal/session"
)

// ExceededError is returned when a session has spent its token allowance.
type ExceededError struct {
	LimitTokens int64
	UsedTokens  int64
	RetryAfter  time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded: limit=%d, used=%d", e.LimitTokens, e.UsedTokens)
}

type spend struct {
	used        int64
	windowStart time.Time
}

// Tracker counts per-session token spend. A limit of 0 disables
// enforcement.
type Tracker struct {
	mu     sync.Mutex
	spends map[string]*spend

	limit   int64
	window  time.Duration
	counter prometheus.Counter

	nowFunc func() time.Time
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithCounter counts rejected requests.
func WithCounter(c prometheus.Counter) Option {
	return func(t *Tracker) { t.counter = c }
}

// NewTracker creates a Tracker allowing limit tokens per session per window.
func NewTracker(limit int64, window time.Duration, opts ...Option) *Tracker {
	if window <= 0 {
		window = time.Hour
	}
	t := &Tracker{
		spends:  make(map[string]*spend),
		limit:   limit,
		window:  window,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check returns an ExceededError when the session is out of allowance.
func (t *Tracker) Check(sessionID string) error {
	if t.limit <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	sp := t.windowLocked(sessionID)
	if sp.used >= t.limit {
		remaining := t.window - t.nowFunc().Sub(sp.windowStart)
		if remaining < time.Second {
			remaining = time.Second
		}
		return &ExceededError{LimitTokens: t.limit, UsedTokens: sp.used, RetryAfter: remaining}
	}
	return nil
}

// Record adds tokens to the session's spend for the current window.
func (t *Tracker) Record(sessionID string, tokens int64) {
	if t.limit <= 0 || tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windowLocked(sessionID).used += tokens
}

// Used returns the session's spend in the current window.
func (t *Tracker) Used(sessionID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.windowLocked(sessionID).used
}

// windowLocked returns the session's spend record, rolling the window if it
// has elapsed. Callers hold t.mu.
func (t *Tracker) windowLocked(sessionID string) *spend {
	now := t.nowFunc()
	sp, ok := t.spends[sessionID]
	if !ok || now.Sub(sp.windowStart) >= t.window {
		sp = &spend{windowStart: now}
		t.spends[sessionID] = sp
	}
	return sp
}

// Middleware rejects requests from exhausted sessions. It must run after
// session binding.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := session.FromContext(r.Context())
		if sess != nil {
			if err := t.Check(sess.ID); err != nil {
				exc := err.(*ExceededError)
				if t.counter != nil {
					t.counter.Inc()
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(exc.RetryAfter.Seconds())))
				http.Error(w, exc.Error(), http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
