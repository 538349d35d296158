package middleware

import (
	"context"

	"github.com/flumeq/flume/job"
)

// Handler is the innermost unit of work: by the time it runs, every
// middleware in the chain has already seen the job.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with behavior that runs before the job,
// after it, or instead of it when short-circuiting (overlap prevention
// and rate limiting do the latter).
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain folds mws into a single Middleware. The first element wraps
// all the others, so Chain(a, b, c) enters a first and the handler
// last.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		wrapped := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], wrapped
			wrapped = func(ctx context.Context) error {
				return mw(ctx, j, inner)
			}
		}
		return wrapped(ctx)
	}
}
