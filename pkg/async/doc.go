// Package async provides panic-safe background execution for creditd.
//
// SafeGo runs a single detached task with a timeout. WorkerPool runs tasks
// on a fixed set of workers behind a bounded queue; the overage scheduler
// and the statement archiver use it so provider calls and uploads never run
// on the webhook request path. Batch fans a slice out over a temporary pool.
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Name: "overage", Workers: 4, QueueSize: 256})
//	defer pool.Shutdown(10 * time.Second)
//
//	if err := pool.TrySubmit(func(ctx context.Context) error {
//	    return reporter.Report(ctx, orgID)
//	}); err != nil {
//	    logger.WithError(err).Warn("Dropped overage report")
//	}
package async
