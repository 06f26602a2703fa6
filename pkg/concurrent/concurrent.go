package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Concurrent runs action for each element in its own goroutine, at most
// workers at a time (unbounded when workers <= 0). The context passed to action
// is cancelled after the first error, which is the error returned.
func Concurrent[T any](ctx context.Context, in []T, workers int, action func(context.Context, T) error) error {
	errGroup, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		errGroup.SetLimit(workers)
	}

	for _, value := range in {
		if gctx.Err() != nil {
			break
		}
		errGroup.Go(func() error {
			return action(gctx, value)
		})
	}

	if err := errGroup.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ParallelMap applies mapFn to each element in parallel, preserving order.
// The workers parameter bounds the number of goroutines.
func ParallelMap[T any, R any](ctx context.Context, in []T, workers int, mapFn func(context.Context, T) (R, error)) ([]R, error) {
	out := make([]R, len(in))
	errGroup, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		errGroup.SetLimit(workers)
	}

	for idx, value := range in {
		if gctx.Err() != nil {
			break
		}
		errGroup.Go(func() error {
			r, err := mapFn(gctx, value)
			if err != nil {
				return err
			}
			out[idx] = r
			return nil
		})
	}

	if err := errGroup.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Batch splits in into chunks of batchSize and runs action on each chunk
// concurrently.
func Batch[T any](ctx context.Context, in []T, batchSize int, action func(context.Context, []T) error) error {
	if batchSize <= 0 {
		batchSize = len(in)
	}
	var chunks [][]T
	for idx := 0; idx < len(in); idx += batchSize {
		end := min(idx+batchSize, len(in))
		chunks = append(chunks, in[idx:end])
	}
	return Concurrent(ctx, chunks, 0, action)
}
