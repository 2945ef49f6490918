package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/creditd/pkg/observability"
)

// SafeGo runs fn in a goroutine with a timeout and panic recovery.
// Errors and panics are logged, never propagated.
//
// Example:
//
//	SafeGo(ctx, logger, 5*time.Second, "notify plan.upgraded", func(ctx context.Context) error {
//	    return notifier.Notify(ctx, n)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		if err := runTask(ctx, fn); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()
}

// Detach returns a context that keeps ctx's values but not its deadline or
// cancellation, for work that outlives a request.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// runTask calls fn, turning a panic into an error that carries the stack
func runTask(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
