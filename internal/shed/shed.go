// Package shed provides admission control for the request pipeline. A
// Shedder tracks requests in flight and a decaying latency average and
// rejects new work with 503 once either crosses its ceiling.
package shed

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultMaxInFlight = 256
	defaultMaxLatency  = 20 * time.Second
	defaultEWMAAlpha   = 0.2
	defaultRetryAfter  = 2 * time.Second

	// Half-life of the latency average during idle periods.
	decayHalfLife = 10 * time.Second
)

// RejectedError is returned when admission is refused.
type RejectedError struct {
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server overloaded, retry after %s", e.RetryAfter)
}

// Shedder is the admission controller.
type Shedder struct {
	mu          sync.Mutex
	inFlight    int
	latencyEWMA float64 // milliseconds
	lastSample  time.Time

	maxInFlight int
	maxLatency  time.Duration
	alpha       float64
	retryAfter  time.Duration

	rejected prometheus.Counter // optional: incremented on each 503

	nowFunc func() time.Time
}

// Option configures a Shedder.
type Option func(*Shedder)

// WithMaxInFlight sets the concurrent request ceiling.
func WithMaxInFlight(n int) Option {
	return func(s *Shedder) { s.maxInFlight = n }
}

// WithMaxLatency sets the latency-average ceiling.
func WithMaxLatency(d time.Duration) Option {
	return func(s *Shedder) { s.maxLatency = d }
}

// WithAlpha sets the EWMA decay factor (0 < alpha <= 1).
func WithAlpha(a float64) Option {
	return func(s *Shedder) { s.alpha = a }
}

// WithRetryAfter sets the hint sent with rejections.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Shedder) { s.retryAfter = d }
}

// WithCounter sets a Prometheus counter incremented on each rejection.
func WithCounter(c prometheus.Counter) Option {
	return func(s *Shedder) { s.rejected = c }
}

// New creates a Shedder with the default ceilings.
func New(opts ...Option) *Shedder {
	s := &Shedder{
		maxInFlight: defaultMaxInFlight,
		maxLatency:  defaultMaxLatency,
		alpha:       defaultEWMAAlpha,
		retryAfter:  defaultRetryAfter,
		nowFunc:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire admits a request or returns a RejectedError. On admission the
// caller must invoke the returned release func exactly once, passing the
// request duration.
func (s *Shedder) Acquire() (release func(elapsed time.Duration), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decayLocked(s.nowFunc())
	if s.inFlight >= s.maxInFlight || s.latencyEWMA > float64(s.maxLatency.Milliseconds()) {
		if s.rejected != nil {
			s.rejected.Inc()
		}
		return nil, &RejectedError{RetryAfter: s.retryAfter}
	}
	s.inFlight++

	var once sync.Once
	return func(elapsed time.Duration) {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			now := s.nowFunc()
			s.decayLocked(now)
			s.inFlight--
			ms := float64(elapsed.Milliseconds())
			if s.latencyEWMA == 0 {
				s.latencyEWMA = ms
			} else {
				s.latencyEWMA = s.alpha*ms + (1-s.alpha)*s.latencyEWMA
			}
			s.lastSample = now
		})
	}, nil
}

// decayLocked halves the latency average for every decayHalfLife of wall
// time since the last sample. Rejected requests produce no samples, so
// without wall-clock decay an average pushed above the ceiling would keep
// the shedder closed forever once traffic drains.
func (s *Shedder) decayLocked(now time.Time) {
	if s.latencyEWMA == 0 || s.lastSample.IsZero() {
		return
	}
	idle := now.Sub(s.lastSample)
	if idle <= 0 {
		return
	}
	s.latencyEWMA *= math.Pow(0.5, idle.Seconds()/decayHalfLife.Seconds())
	if s.latencyEWMA < 1 {
		s.latencyEWMA = 0
	}
	s.lastSample = now
}

// exempt paths bypass admission control so probes keep working during
// overload.
func exempt(path string) bool {
	return strings.HasPrefix(path, "/health") || strings.HasPrefix(path, "/metrics")
}

// Middleware enforces admission control on every non-exempt request.
func (s *Shedder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		release, err := s.Acquire()
		if err != nil {
			rej := err.(*RejectedError)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rej.RetryAfter.Seconds())))
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
		start := time.Now()
		defer func() { release(time.Since(start)) }()
		next.ServeHTTP(w, r)
	})
}

// Snapshot is a point-in-time shedder summary for the observability
// endpoint.
type Snapshot struct {
	InFlight      int     `json:"in_flight"`
	MaxInFlight   int     `json:"max_in_flight"`
	LatencyEWMAMs float64 `json:"latency_ewma_ms"`
	MaxLatencyMs  int64   `json:"max_latency_ms"`
}

// Current returns the shedder's current state.
func (s *Shedder) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decayLocked(s.nowFunc())
	return Snapshot{
		InFlight:      s.inFlight,
		MaxInFlight:   s.maxInFlight,
		LatencyEWMAMs: s.latencyEWMA,
		MaxLatencyMs:  s.maxLatency.Milliseconds(),
	}
}
