package coro

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/flumeq/flume/id"
)

// taskKey is the context key under which a task handle travels.
type taskKey struct{}

// PanicError wraps a panic recovered from a task body so that Wait can
// report it as an ordinary error.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("coro: task panicked: %v", e.Value)
}

// Task is a cooperatively scheduled unit of execution. Create one with
// Spawn. The zero value is not usable.
type Task struct {
	id   id.TaskID
	done chan struct{}
	err  error // written once before done is closed

	mu     sync.Mutex
	defers []func()
	values map[any]any
	ended  bool
}

// Spawn begins executing fn as an independent task and returns
// immediately. The returned handle can be waited on and carries the task's
// isolated key/value storage. The context passed to fn has the task handle
// attached so Defer and the value helpers resolve it.
func Spawn(ctx context.Context, fn func(ctx context.Context) error) *Task {
	t := &Task{
		id:     id.NewTaskID(),
		done:   make(chan struct{}),
		values: make(map[any]any),
	}
	go t.run(context.WithValue(ctx, taskKey{}, t), fn)
	return t
}

// ID returns the task's unique identifier.
func (t *Task) ID() id.TaskID { return t.id }

// run executes fn and unwinds the task: recover a body panic, run the
// deferred stack, discard values, then signal completion.
func (t *Task) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer close(t.done)
	defer t.discardValues()
	defer t.unwind()
	defer func() {
		if r := recover(); r != nil {
			t.err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	t.err = fn(ctx)
}

// Wait suspends the caller until the task exits, returning the task's
// error (or *PanicError if it panicked). If ctx is cancelled first, Wait
// returns the context error and the task keeps running.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the task exits.
func (t *Task) Done() <-chan struct{} { return t.done }

// unwind runs the deferred stack in reverse-registration order. A panic
// inside a deferred function is recovered and logged; it never propagates
// to the spawn site or to later deferred functions.
func (t *Task) unwind() {
	t.mu.Lock()
	defers := t.defers
	t.defers = nil
	t.ended = true
	t.mu.Unlock()

	for i := len(defers) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("coro: panic in deferred function",
						slog.String("task_id", t.id.String()),
						slog.Any("panic", r),
					)
				}
			}()
			defers[i]()
		}()
	}
}

func (t *Task) discardValues() {
	t.mu.Lock()
	t.values = nil
	t.mu.Unlock()
}

// FromContext returns the task handle attached to ctx, if any.
func FromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskKey{}).(*Task)
	return t, ok
}

// mustFromContext resolves the enclosing task or panics: calling the
// task-scoped helpers outside a task is a programmer error.
func mustFromContext(ctx context.Context, op string) *Task {
	t, ok := FromContext(ctx)
	if !ok {
		panic(fmt.Sprintf("coro: %s called outside a task", op))
	}
	return t
}

// Defer registers fn to run when the enclosing task exits, in LIFO order,
// on any exit path. It panics when called outside a task or after the
// task has ended.
func Defer(ctx context.Context, fn func()) {
	t := mustFromContext(ctx, "Defer")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		panic("coro: Defer called after task exit")
	}
	t.defers = append(t.defers, fn)
}
