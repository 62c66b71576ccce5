package async

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/campusauth/pkg/observability"
)

// Runner executes background tasks with panic recovery and a per-task timeout,
// and tracks them so shutdown can wait for in-flight work.
type Runner struct {
	logger *observability.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a task runner
func NewRunner(logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Runner{logger: logger}
}

// Go runs fn in a goroutine. The task keeps parentCtx's values but not its
// cancellation, so work started by a request outlives the request.
//
//	runner.Go(ctx, 10*time.Second, "password reset notification", func(ctx context.Context) error {
//	    return notifier.SendPasswordReset(ctx, identity, token)
//	})
func (r *Runner) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		SafeGo(r.logger, context.WithoutCancel(parentCtx), timeout, taskName, fn)
	}()
}

// Wait blocks until all tasks finish or ctx is done
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
		return ctx.Err()
	}
}

// SafeGo runs fn synchronously with a timeout, logging its error or panic.
// Runner.Go calls it from a fresh goroutine.
func SafeGo(logger *observability.Logger, parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	log := logger.WithField("task", taskName)
	defer observability.RecoverPanic(log, taskName)

	if err := fn(ctx); err != nil {
		log.WithError(err).Warn("background task failed")
	}
}
