// Package shutdown runs ordered cleanup steps once the process is asked to
// stop, bounded by a single deadline.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

const DefaultTimeout = 30 * time.Second

type step struct {
	name string
	fn   func(context.Context) error
}

// Coordinator collects cleanup steps and runs them in registration order.
// The first registered step should stop accepting new work.
type Coordinator struct {
	Timeout time.Duration
	Log     *slog.Logger

	mu    sync.Mutex
	steps []step
	once  sync.Once
	err   error
}

func New(timeout time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{Timeout: timeout, Log: logger}
}

// Register appends a cleanup step. Steps receive a context that expires with
// the shutdown deadline.
func (c *Coordinator) Register(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, fn: fn})
	c.mu.Unlock()
}

// Wait blocks until ctx is done (typically a signal.NotifyContext) and then
// runs the shutdown sequence.
func (c *Coordinator) Wait(ctx context.Context) error {
	<-ctx.Done()
	return c.Shutdown()
}

// Shutdown runs every step once. Failing steps are logged and skipped. When
// the deadline passes before all steps finish, it returns
// [domain.ErrShutdownTimeout] without waiting for the stragglers.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() { c.err = c.run() })
	return c.err
}

func (c *Coordinator) run() error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.mu.Lock()
	steps := append([]step(nil), c.steps...)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.Log.Info("shutting down", "steps", len(steps), "timeout", timeout)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range steps {
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			if err := s.fn(ctx); err != nil {
				c.Log.Warn("shutdown step failed", "step", s.name, "err", err)
				continue
			}
			c.Log.Debug("shutdown step done", "step", s.name, "elapsed", time.Since(start))
		}
	}()

	select {
	case <-done:
		if ctx.Err() == nil {
			c.Log.Info("shutdown complete")
			return nil
		}
	case <-ctx.Done():
	}
	c.Log.Error(domain.ErrShutdownTimeout.Error(), "timeout", timeout)
	return domain.ErrShutdownTimeout
}
