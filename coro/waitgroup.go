package coro

import (
	"context"
	"sync"
)

// WaitGroup tracks a count of outstanding tasks. Unlike sync.WaitGroup,
// Wait accepts a context so a suspended waiter can be cancelled.
// The zero value is ready to use.
type WaitGroup struct {
	mu    sync.Mutex
	count int
	zero  chan struct{} // closed and replaced when count reaches zero
}

// Add increments the outstanding count by n (which may be negative).
// Dropping the count below zero is a programmer error and panics.
func (wg *WaitGroup) Add(n int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	wg.count += n
	if wg.count < 0 {
		panic("coro: WaitGroup counter went negative")
	}
	if wg.count == 0 && wg.zero != nil {
		close(wg.zero)
		wg.zero = nil
	}
}

// Done decrements the outstanding count by one. Calling Done more times
// than Add panics.
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait suspends the calling task until the count reaches zero, or returns
// the context error if ctx is cancelled first.
func (wg *WaitGroup) Wait(ctx context.Context) error {
	wg.mu.Lock()
	if wg.count == 0 {
		wg.mu.Unlock()
		return nil
	}
	if wg.zero == nil {
		wg.zero = make(chan struct{})
	}
	zero := wg.zero
	wg.mu.Unlock()

	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
