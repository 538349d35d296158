package job

import "context"

type ctxKey struct{}

// NewContext returns a context carrying the currently executing job. The
// worker attaches it before invoking the handler so code downstream (batch
// membership checks, logging) can identify its job.
func NewContext(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, ctxKey{}, j)
}

// FromContext returns the job attached to ctx, if any.
func FromContext(ctx context.Context) (*Job, bool) {
	j, ok := ctx.Value(ctxKey{}).(*Job)
	return j, ok
}
