package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/creditd/pkg/observability"
)

var (
	// ErrPoolClosed is returned when submitting to a pool that is shutting down
	ErrPoolClosed = errors.New("worker pool shut down")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is a unit of work run by a WorkerPool
type Task func(ctx context.Context) error

// PoolConfig configures a WorkerPool
type PoolConfig struct {
	Name      string
	Workers   int
	QueueSize int
	// Timeout bounds each task
	Timeout time.Duration
	Logger  *observability.Logger
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger()
	}
	return c
}

// WorkerPool runs tasks on a fixed number of workers fed by a bounded queue.
// Task errors are logged and published on Errors.
type WorkerPool struct {
	cfg    PoolConfig
	logger *observability.Logger

	mu     sync.RWMutex
	closed bool

	workCh       chan Task
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool starts the pool's workers. They stop when ctx is cancelled
// or after Shutdown drains the queue.
func NewWorkerPool(ctx context.Context, cfg PoolConfig) *WorkerPool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		cfg:    cfg,
		logger: cfg.Logger.WithField("pool", cfg.Name),
		workCh: make(chan Task, cfg.QueueSize),
		doneCh: make(chan struct{}),
		errCh:  make(chan error, cfg.Workers*10),
		ctx:    ctx,
		cancel: cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < cfg.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.worker()
			}()
		}
		wg.Wait()
		close(p.doneCh)
	}()

	return p
}

// Submit queues fn, waiting for a free slot
func (p *WorkerPool) Submit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues fn without waiting
func (p *WorkerPool) TrySubmit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks to finish
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.close()
		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			err = errors.New("worker pool shutdown timed out after " + timeout.String())
		}
	})
	return err
}

func (p *WorkerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
}

// Errors returns a channel that receives task errors. Errors are dropped
// when nobody reads and the buffer is full.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(fn)
		}
	}
}

func (p *WorkerPool) run(fn Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	err := runTask(ctx, fn)
	if err == nil {
		return
	}
	p.logger.WithError(err).Warn("Task failed")
	select {
	case p.errCh <- err:
	default:
	}
}

// Batch runs fn over items on a temporary pool and returns every error
//
// Example:
//
//	errs := Batch(ctx, balances, PoolConfig{Name: "overage reconcile", Workers: 4}, func(ctx context.Context, b ledger.Balance) error {
//	    return report(ctx, b)
//	})
func Batch[T any](ctx context.Context, items []T, cfg PoolConfig, fn func(context.Context, T) error) []error {
	var (
		mu   sync.Mutex
		errs []error
	)
	cfg.QueueSize = len(items) + 1
	pool := NewWorkerPool(ctx, cfg)

	for _, item := range items {
		if err := pool.Submit(func(ctx context.Context) error {
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		}); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
	}

	pool.close()
	<-pool.doneCh
	pool.cancel()

	mu.Lock()
	defer mu.Unlock()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errs
}
