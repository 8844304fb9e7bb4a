// Package supervisor owns fire-and-forget background loops: a supervised
// task that panics or returns early is restarted after an exponential
// backoff, and every task joins on shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/portlink/backend/internal/observability"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Supervisor restarts its tasks until the context ends.
type Supervisor struct {
	ctx    context.Context
	logger *observability.Logger
	wg     sync.WaitGroup
}

// New creates a supervisor bound to ctx.
func New(ctx context.Context, logger *observability.Logger) *Supervisor {
	return &Supervisor{ctx: ctx, logger: logger}
}

// Go runs fn in a supervised goroutine. fn should block until its work is
// done or its context ends; returning while the supervisor context is still
// live counts as a fault and triggers a restart.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := initialBackoff
		for {
			start := time.Now()
			s.run(name, fn)
			if s.ctx.Err() != nil {
				return
			}

			// A run that survived a while earns a fresh backoff.
			if time.Since(start) > maxBackoff {
				backoff = initialBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context)) {
	defer func() {
		if v := recover(); v != nil && s.logger != nil {
			s.logger.HandlerPanic("supervisor", name, v)
		}
	}()
	fn(s.ctx)
}

// Join blocks until every task has exited. Call after cancelling the
// supervisor context.
func (s *Supervisor) Join() {
	s.wg.Wait()
}
