package coro

import "context"

// Channel is a FIFO handoff queue between tasks. With capacity zero every
// Push suspends until a matching Pop; with a positive capacity Push
// suspends only when the buffer is full. Within one channel, values are
// popped in push order.
type Channel[T any] struct {
	ch chan T
}

// NewChannel creates a channel with the given capacity.
func NewChannel[T any](capacity int) *Channel[T] {
	return &Channel[T]{ch: make(chan T, capacity)}
}

// Push delivers v, suspending the calling task while the channel is at
// capacity. It returns the context error if ctx is cancelled first.
// Pushing to a closed channel panics (programmer error).
func (c *Channel[T]) Push(ctx context.Context, v T) error {
	select {
	case c.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop receives the next value, suspending the calling task until one is
// available. ok is false once the channel is closed and drained; a closed
// channel never blocks. The error is non-nil only when ctx is cancelled
// while waiting.
func (c *Channel[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-c.ch:
		return v, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// TryPop receives a value without suspending. ok is false when the
// channel is empty or closed.
func (c *Channel[T]) TryPop() (v T, ok bool) {
	select {
	case v, ok = <-c.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Close marks the channel closed. Pending and future Pops drain the
// buffer and then return ok=false instead of blocking forever.
func (c *Channel[T]) Close() {
	close(c.ch)
}

// Len returns the number of buffered values.
func (c *Channel[T]) Len() int { return len(c.ch) }

// Cap returns the channel capacity.
func (c *Channel[T]) Cap() int { return cap(c.ch) }
