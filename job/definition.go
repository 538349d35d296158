package job

import "context"

// Definition binds a job name to a typed handler plus the default
// options applied whenever that job type is dispatched.
type Definition[T any] struct {
	// Name uniquely identifies the job type within a registry.
	Name string

	// Handler consumes the decoded payload.
	Handler func(ctx context.Context, payload T) error

	// Opts are the per-type defaults; dispatch-time options override
	// them field by field.
	Opts Options
}

// NewDefinition builds a Definition with the package defaults applied
// first and the given options layered on top.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
