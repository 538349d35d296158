// Package lock provides the distributed mutual-exclusion layer guarding
// unique-job dispatch and without-overlapping execution. Implementations
// must provide atomic compare-and-set semantics: two concurrent
// AcquireLock calls for the same key from different processes must never
// both succeed.
package lock

import (
	"context"
	"time"
)

// Store is an atomic named-lock store. At most one unexpired holder
// exists per key at any instant; expiry guarantees a crashed holder
// cannot block forever.
type Store interface {
	// AcquireLock attempts to take the lock for ttl via atomic
	// compare-and-set. It returns false when another holder is active.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock clears the lock if owner still holds it. Releasing an
	// expired or re-acquired lock is a harmless no-op.
	ReleaseLock(ctx context.Context, key, owner string) error
}
