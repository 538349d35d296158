package batch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flumeq/flume/id"
)

// Callbacks are the lifecycle hooks of one batch. All of them are
// optional. They are process-local: the process that created the batch
// invokes them, while the counters themselves live in the shared store.
type Callbacks struct {
	// Before runs once when the batch is created, before any job is
	// dispatched.
	Before func(*Batch)

	// Progress runs after every member outcome. Invocation order across
	// concurrently finishing jobs is unspecified.
	Progress func(*Batch)

	// Catch runs at most once, on the batch's first failure. It fires
	// whether or not the batch allows failures; cancellation happens
	// only when AllowFailures == false.
	Catch func(*Batch, error)

	// Then runs when the last member reports, provided the batch was
	// never cancelled.
	Then func(*Batch)

	// Finally always runs last, once the batch finishes, cancelled or
	// not.
	Finally func(*Batch)
}

// Coordinator mediates between the executor and the batch store: it
// applies outcome reports, fires lifecycle callbacks, and tracks chain
// failure handlers. Callback panics and errors are isolated per callback
// so one failing hook cannot block Finally.
type Coordinator struct {
	store  Store
	logger *slog.Logger

	mu         sync.Mutex
	callbacks  map[string]Callbacks
	chainCatch map[string]func(error)
}

// NewCoordinator creates a Coordinator over the given batch store.
func NewCoordinator(store Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:      store,
		logger:     logger,
		callbacks:  make(map[string]Callbacks),
		chainCatch: make(map[string]func(error)),
	}
}

// Store returns the underlying batch store.
func (c *Coordinator) Store() Store { return c.store }

// Create persists the batch, registers its callbacks, and fires Before.
// A zero-job batch completes vacuously: Before, Then, and Finally fire in
// order and no worker is ever involved.
func (c *Coordinator) Create(ctx context.Context, b *Batch, cbs Callbacks) error {
	if err := c.store.CreateBatch(ctx, b); err != nil {
		return err
	}

	c.mu.Lock()
	c.callbacks[b.ID.String()] = cbs
	c.mu.Unlock()

	c.invoke("before", b, cbs.Before)

	if b.Finished() {
		c.invoke("then", b, cbs.Then)
		c.invoke("finally", b, cbs.Finally)
		c.forget(b.ID)
	}
	return nil
}

// ReportOutcome records one member's terminal outcome and fires the
// affected callbacks: Progress always, Catch on the first failure,
// Then/Finally when the batch finishes.
func (c *Coordinator) ReportOutcome(ctx context.Context, batchID id.BatchID, outcome Outcome, jobErr error) (*Batch, error) {
	b, firstFailure, err := c.store.ReportOutcome(ctx, batchID, outcome)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cbs := c.callbacks[batchID.String()]
	c.mu.Unlock()

	c.invoke("progress", b, cbs.Progress)

	if firstFailure && cbs.Catch != nil {
		c.invokeCatch(b, jobErr, cbs.Catch)
	}

	if b.Finished() {
		if !b.Cancelled {
			c.invoke("then", b, cbs.Then)
		}
		c.invoke("finally", b, cbs.Finally)
		c.forget(batchID)
	}
	return b, nil
}

// Cancel flips the batch's cancelled flag. Running members are not
// stopped; they observe cancellation via Cancelled and the executor
// drains not-yet-started members as skipped.
func (c *Coordinator) Cancel(ctx context.Context, batchID id.BatchID) (*Batch, error) {
	return c.store.CancelBatch(ctx, batchID)
}

// Cancelled reports the batch's advisory cancellation flag. Cooperating
// handlers poll it and return early.
func (c *Coordinator) Cancelled(ctx context.Context, batchID id.BatchID) (bool, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	return b.Cancelled, nil
}

// Grow raises total and pending by n ahead of dispatching n added jobs.
func (c *Coordinator) Grow(ctx context.Context, batchID id.BatchID, n int) (*Batch, error) {
	return c.store.GrowBatch(ctx, batchID, n)
}

// RegisterChainCatch registers the failure handler of a chain. It fires
// at most once, when a link fails terminally and halts the remainder.
func (c *Coordinator) RegisterChainCatch(chainID id.ChainID, catch func(error)) {
	if catch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainCatch[chainID.String()] = catch
}

// ReportChainFailure invokes and forgets the chain's failure handler.
func (c *Coordinator) ReportChainFailure(chainID id.ChainID, chainErr error) {
	c.mu.Lock()
	catch, ok := c.chainCatch[chainID.String()]
	delete(c.chainCatch, chainID.String())
	c.mu.Unlock()

	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch: panic in chain catch callback",
				slog.String("chain_id", chainID.String()),
				slog.Any("panic", r),
			)
		}
	}()
	catch(chainErr)
}

func (c *Coordinator) forget(batchID id.BatchID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, batchID.String())
}

// invoke runs a lifecycle callback, isolating panics so one failing hook
// cannot block the rest of the lifecycle.
func (c *Coordinator) invoke(name string, b *Batch, fn func(*Batch)) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch: panic in lifecycle callback",
				slog.String("callback", name),
				slog.String("batch_id", b.ID.String()),
				slog.Any("panic", r),
			)
		}
	}()
	fn(b)
}

func (c *Coordinator) invokeCatch(b *Batch, jobErr error, fn func(*Batch, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("batch: panic in catch callback",
				slog.String("batch_id", b.ID.String()),
				slog.Any("panic", r),
			)
		}
	}()
	fn(b, jobErr)
}
