package coro

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Parallel runs every fn concurrently, each in its own task, and returns
// their results in input order regardless of completion order. The first
// error cancels the context seen by the remaining functions and is
// returned; a recovered panic surfaces as *PanicError.
func Parallel[T any](ctx context.Context, fns ...func(ctx context.Context) (T, error)) ([]T, error) {
	results := make([]T, len(fns))

	g, gctx := errgroup.WithContext(ctx)
	for i, fn := range fns {
		g.Go(func() error {
			t := Spawn(gctx, func(ctx context.Context) error {
				v, err := fn(ctx)
				if err != nil {
					return err
				}
				results[i] = v
				return nil
			})
			return t.Wait(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
