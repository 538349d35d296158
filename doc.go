// Package flume provides a coroutine-scheduled durable job queue and batch
// execution engine for Go. It offers background jobs with retries, backoff,
// uniqueness locks, overlap prevention, batches with partial-failure
// semantics, chains, and pluggable storage backends.
//
// Flume is designed as a library, not a service. Import it, configure a
// store, register job definitions as ordinary Go functions, and run a
// worker pool.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(st),
//	    engine.WithConfig(flume.DefaultConfig()),
//	)
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail))
//	_, err = engine.Dispatch(ctx, eng, "send-email", emailPayload{To: addr})
//	err = eng.Start(ctx)
//
// # Architecture
//
// Flume follows a composable store pattern: the queue backend, batch store,
// failure store, lock store, and restart signal each define their own
// interface, and a single backend (Redis, memory) implements all of them.
// The failure store can additionally be pointed at independent storage
// (Postgres) so operators can postmortem failed jobs without touching the
// live queue.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package flume
