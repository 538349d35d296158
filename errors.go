package flume

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("flume: no store configured")
	ErrStoreClosed = errors.New("flume: store closed")

	// Not found errors.
	ErrJobNotFound   = errors.New("flume: job not found")
	ErrBatchNotFound = errors.New("flume: batch not found")
	ErrChainNotFound = errors.New("flume: chain not found")
	ErrEntryNotFound = errors.New("flume: failure store entry not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("flume: job already exists")
	ErrDuplicateDispatch = errors.New("flume: duplicate unique job dispatch suppressed")

	// State errors.
	ErrBatchFinished  = errors.New("flume: batch already finished")
	ErrNotBatchMember = errors.New("flume: caller is not a member of the batch")
	ErrNoHandler      = errors.New("flume: no handler registered for job")

	// Configuration errors.
	ErrInvalidConfig = errors.New("flume: invalid worker configuration")
)
