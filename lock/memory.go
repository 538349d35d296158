package lock

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	owner     string
	expiresAt time.Time
}

// Memory is an in-process lock store. The mutex makes every
// check-and-take step atomic, giving the same compare-and-set guarantee
// the Redis store provides across processes. Intended for tests and
// single-node deployments.
type Memory struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// NewMemory returns an empty in-process lock store.
func NewMemory() *Memory {
	return &Memory{
		locks: make(map[string]entry),
		now:   time.Now,
	}
}

// AcquireLock takes the lock unless an unexpired holder exists.
func (m *Memory) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.locks[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.locks[key] = entry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock clears the lock if owner still holds it; releasing an
// expired or foreign lock is a no-op.
func (m *Memory) ReleaseLock(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.locks[key]; ok && e.owner == owner {
		delete(m.locks, key)
	}
	return nil
}
