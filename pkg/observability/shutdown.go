package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs registered cleanup steps in reverse registration
// order, so components stop before the dependencies they were built on.
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []shutdownStep
	done  bool
}

// NewShutdownManager creates a shutdown manager. A zero timeout means 30s.
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, timeout: timeout}
}

// Register adds a named cleanup step
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown runs every step once, within the manager's timeout. Failing steps
// do not stop later ones; their errors are joined.
func (sm *ShutdownManager) Shutdown() error {
	sm.mu.Lock()
	if sm.done {
		sm.mu.Unlock()
		return nil
	}
	sm.done = true
	steps := sm.steps
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: shutdown timeout reached", step.name))
			continue
		}
		sm.logger.WithField("component", step.name).Info("Shutting down")
		if err := step.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("component", step.name).Error("Shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
