// Package dispatch runs work that must outlive the request that started it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Runner starts detached tasks and lets the host wait for them to drain.
type Runner struct {
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewRunner(logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		return nil, errors.New("dispatch: logger must not be nil")
	}
	return &Runner{logger: logger}, nil
}

// Go runs fn in a new goroutine. The task context keeps ctx's values but is
// never cancelled with it. Errors and panics are logged; nothing reaches the
// caller.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	taskCtx := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.ErrorContext(taskCtx, "detached task panicked",
					"task", name,
					"panic", fmt.Sprint(p),
					"stack", string(debug.Stack()),
				)
			}
		}()

		if err := fn(taskCtx); err != nil {
			r.logger.ErrorContext(taskCtx, "detached task failed", "task", name, "err", err)
		}
	}()
}

// Wait blocks until every started task has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: Wait: %w", ctx.Err())
	}
}
