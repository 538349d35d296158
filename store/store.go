// Package store defines the aggregate persistence interface. Each subsystem
// (queue, batch, dlq, lock) defines its own store interface. The composite
// Store composes them all. Backends: Redis and Memory; the failure store can
// additionally be overridden with an independent Postgres backend.
package store

import (
	"context"
	"time"

	"github.com/flumeq/flume/batch"
	"github.com/flumeq/flume/dlq"
	"github.com/flumeq/flume/lock"
	"github.com/flumeq/flume/queue"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// implements all of them.
type Store interface {
	queue.Backend
	batch.Store
	dlq.Store
	lock.Store

	// SignalRestart records a restart request. Workers that observe a
	// signal newer than their own start time finish their current job
	// and exit.
	SignalRestart(ctx context.Context) error

	// RestartSignaledAt returns the time of the most recent restart
	// signal, or the zero time when none has ever been sent.
	RestartSignaledAt(ctx context.Context) (time.Time, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
