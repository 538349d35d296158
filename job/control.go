package job

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingEntity signals that the entity a job references no longer
// exists. Handlers return it (possibly wrapped) so that jobs configured
// with DeleteWhenMissing are deleted silently instead of retried.
var ErrMissingEntity = errors.New("job: referenced entity is missing")

// ReleaseError is returned by a handler to put the job back on the queue
// without treating the attempt as an exception: it consumes an attempt
// from Tries but never counts toward MaxExceptions.
type ReleaseError struct {
	// Delay is how long the job stays invisible before becoming eligible
	// again.
	Delay time.Duration
}

// Error implements the error interface.
func (e *ReleaseError) Error() string {
	return fmt.Sprintf("job: released back to queue (delay %s)", e.Delay)
}

// Release returns a ReleaseError with the given delay for use inside a
// handler:
//
//	return job.Release(30 * time.Second)
func Release(delay time.Duration) error {
	return &ReleaseError{Delay: delay}
}

// AsRelease unwraps err into a *ReleaseError, reporting whether the error
// chain contains a manual release.
func AsRelease(err error) (*ReleaseError, bool) {
	var re *ReleaseError
	ok := errors.As(err, &re)
	return re, ok
}
