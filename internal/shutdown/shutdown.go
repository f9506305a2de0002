// Package shutdown coordinates graceful termination. Subsystems register
// cleanup callbacks as they start; on SIGTERM or SIGINT the coordinator
// flips readiness off, drains the HTTP server, and runs callbacks in
// reverse registration order under a hard deadline.
package shutdown

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const defaultTimeout = 30 * time.Second

// Coordinator owns the shutdown sequence.
type Coordinator struct {
	mu        sync.Mutex
	callbacks []callback

	ready   atomic.Bool
	timeout time.Duration
	logger  *slog.Logger

	// exitFunc is swapped in tests.
	exitFunc func(code int)
}

type callback struct {
	name string
	fn   func(context.Context) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the hard deadline for the whole sequence.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator. The server starts not-ready; call SetReady
// once startup completes.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:  defaultTimeout,
		logger:   slog.Default(),
		exitFunc: os.Exit,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register adds a named cleanup callback. Callbacks run in reverse
// registration order.
func (c *Coordinator) Register(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback{name: name, fn: fn})
}

// SetReady flips the readiness gate.
func (c *Coordinator) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Ready reports whether the server should accept traffic. Liveness is not
// affected by shutdown; readiness is.
func (c *Coordinator) Ready() bool {
	return c.ready.Load()
}

// Wait blocks until SIGTERM or SIGINT, then runs the shutdown sequence and
// exits the process: 0 when every step completed, 1 when a step failed or
// the hard deadline fired.
func (c *Coordinator) Wait(server *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	c.logger.Info("shutdown signal received", "signal", sig.String())

	c.exitFunc(c.run(server))
}

// run executes the sequence and returns the process exit code.
func (c *Coordinator) run(server *http.Server) int {
	c.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	// Hard timer: if the drain or a callback wedges, terminate anyway.
	forced := time.AfterFunc(c.timeout, func() {
		c.logger.Error("shutdown deadline exceeded, forcing exit")
		c.exitFunc(1)
	})
	defer forced.Stop()

	code := 0
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			c.logger.Error("http server drain failed", "error", err)
			code = 1
		}
	}

	c.mu.Lock()
	callbacks := make([]callback, len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.Unlock()

	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if err := cb.fn(ctx); err != nil {
			c.logger.Error("shutdown step failed", "step", cb.name, "error", err)
			code = 1
		}
	}

	c.logger.Info("shutdown complete")
	return code
}
