package concurrency

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Small reusable worker pool: fan out n tasks over a fixed number of workers
// and collect the first error.

type WorkerFn func(ctx context.Context, index int) error

// ForEach calls fn for every index in [0, tasks) using at most concurrency
// goroutines. After the first error no new tasks are started; the error is
// returned once running tasks finish.
func ForEach(ctx context.Context, concurrency int, tasks int, fn WorkerFn) error {
	if tasks <= 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := 0; i < tasks; i++ {
		if gctx.Err() != nil {
			break
		}
		idx := i
		g.Go(func() error {
			return fn(gctx, idx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
