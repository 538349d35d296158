package coro

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter enforces a hard ceiling on the number of simultaneously running
// tasks spawned through it.
type Limiter struct {
	sem *semaphore.Weighted
	wg  WaitGroup
}

// NewLimiter creates a limiter admitting at most n concurrent tasks.
// It panics if n is not positive (programmer error).
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		panic("coro: limiter capacity must be positive")
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Run spawns fn as a task once a concurrency slot is available, suspending
// the caller while the limiter is at capacity. The returned handle can be
// waited on. Run returns the context error if ctx is cancelled while
// waiting for admission.
func (l *Limiter) Run(ctx context.Context, fn func(ctx context.Context) error) (*Task, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	t := Spawn(ctx, func(ctx context.Context) error {
		defer l.wg.Done()
		defer l.sem.Release(1)
		return fn(ctx)
	})
	return t, nil
}

// Wait suspends the caller until every task admitted by the limiter has
// exited.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.wg.Wait(ctx)
}
