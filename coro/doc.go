// Package coro provides the cooperative task runtime the job engine is
// built on: lightweight spawned tasks with a LIFO deferred-cleanup stack
// and per-task isolated key/value storage, FIFO channels with a closed
// sentinel, wait groups, a bounded-concurrency limiter, and ordered
// parallel execution.
//
// Tasks are scheduled by the Go runtime and suspend only at blocking
// points (channel operations, waits, limiter admission, I/O). A CPU-bound
// task that never blocks starves nothing at the OS level but still holds
// its concurrency slot until it returns; handlers are expected to honour
// context cancellation.
//
// A panic inside a task terminates only that task. Wait reports it as a
// *PanicError; sibling tasks and the caller are unaffected.
package coro
