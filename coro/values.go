package coro

import "context"

// The value helpers operate on the enclosing task's isolated key/value
// storage. Values are never visible to sibling or parent tasks unless
// explicitly copied with CopyValuesTo, and are discarded when the owning
// task exits. All helpers panic when called outside a task.

// Set stores a value under key in the enclosing task's storage.
func Set(ctx context.Context, key, value any) {
	t := mustFromContext(ctx, "Set")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.values != nil {
		t.values[key] = value
	}
}

// Get returns the value stored under key and whether it was present.
func Get(ctx context.Context, key any) (any, bool) {
	t := mustFromContext(ctx, "Get")
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	return v, ok
}

// Has reports whether a value is stored under key.
func Has(ctx context.Context, key any) bool {
	_, ok := Get(ctx, key)
	return ok
}

// Delete removes the value stored under key, if any.
func Delete(ctx context.Context, key any) {
	t := mustFromContext(ctx, "Delete")
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.values, key)
}

// GetOrSet returns the value stored under key, computing and storing it
// with fn if absent.
func GetOrSet(ctx context.Context, key any, fn func() any) any {
	t := mustFromContext(ctx, "GetOrSet")
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.values[key]; ok {
		return v
	}
	v := fn()
	if t.values != nil {
		t.values[key] = v
	}
	return v
}

// Override atomically transforms the value stored under key. fn receives
// the current value (and whether one was present) and returns the
// replacement, which is stored and returned.
func Override(ctx context.Context, key any, fn func(old any, ok bool) any) any {
	t := mustFromContext(ctx, "Override")
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.values[key]
	v := fn(old, ok)
	if t.values != nil {
		t.values[key] = v
	}
	return v
}

// CopyValuesTo transplants the listed keys from this task's storage into
// dst. It is the only sanctioned cross-task value path. Keys absent from
// the source are skipped. Copying to or from an exited task is a no-op.
func (t *Task) CopyValuesTo(dst *Task, keys ...any) {
	t.mu.Lock()
	copied := make(map[any]any, len(keys))
	for _, k := range keys {
		if v, ok := t.values[k]; ok {
			copied[k] = v
		}
	}
	t.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.values == nil {
		return
	}
	for k, v := range copied {
		dst.values[k] = v
	}
}
