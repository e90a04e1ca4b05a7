package service

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	dErrors "vcvault/pkg/domain-errors"
)

// runOps executes document operations with bounded parallelism. With
// stopOnError, the first failure cancels the remaining scheduled work and is
// propagated. Without it, every operation runs to completion and the
// failures, if any, are returned joined.
func (s *Service) runOps(ctx context.Context, ops []func(context.Context) error, stopOnError bool) error {
	if len(ops) == 0 {
		return nil
	}

	if stopOnError {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, op := range ops {
			op := op
			g.Go(func() error { return op(ctx) })
		}
		return g.Wait()
	}

	sem := semaphore.NewWeighted(int64(s.concurrency))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, op := range ops {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(op func(context.Context) error) {
			defer wg.Done()
			defer sem.Release(1)
			if err := op(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(op)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// conflictsOnly reports whether every leaf failure in err is an optimistic
// concurrency conflict. Used to decide whether an aggregate cascade failure
// can collapse to a single retryable conflict.
func conflictsOnly(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !conflictsOnly(e) {
				return false
			}
		}
		return true
	}
	return dErrors.HasCode(err, dErrors.CodeConflict)
}
