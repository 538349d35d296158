// Package middleware wraps job execution with cross-cutting behavior.
//
// A [Middleware] receives the job and the next [Handler] in the chain;
// [Chain] folds a slice of middleware into one, with the first element
// outermost:
//
//	// logging runs around recover, which runs around the handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// The built-in middleware:
//
//   - [Logging] — one line per execution start and settle
//   - [Recover] — converts handler panics to errors
//   - [Timeout] — bounds the handler with the job's Timeout
//   - [Tracing] — an OpenTelemetry span per execution
//   - [Metrics] — duration histogram and outcome counter
//   - [RateLimited] — releases jobs back to the queue when a rate limit is hit
//   - [WithoutOverlapping] — serializes jobs sharing an overlap key
//
// Custom middleware follow the same shape:
//
//	func Audit() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // before
//	        err := next(ctx)
//	        // after
//	        return err
//	    }
//	}
//
// A middleware that does not call next short-circuits the chain; the
// error it returns (or nil) is treated as the job's outcome.
package middleware
