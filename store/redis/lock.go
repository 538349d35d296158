package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it, so a
// slow worker cannot clear a lock that has expired and been re-acquired by
// someone else.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireLock takes the named lock via SET NX with a TTL. SET NX is the
// compare-and-set step: exactly one of any number of concurrent callers
// wins.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("flume/redis: acquire lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock clears the lock if owner still holds it.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("flume/redis: release lock: %w", err)
	}
	return nil
}

// ── Restart signal ──

// SignalRestart records a restart request timestamp.
func (s *Store) SignalRestart(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.Set(ctx, restartKey, now, 0).Err(); err != nil {
		return fmt.Errorf("flume/redis: signal restart: %w", err)
	}
	return nil
}

// RestartSignaledAt returns the most recent restart signal time, or the
// zero time when none has ever been sent.
func (s *Store) RestartSignaledAt(ctx context.Context) (time.Time, error) {
	raw, err := s.client.Get(ctx, restartKey).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("flume/redis: restart signaled at: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("flume/redis: parse restart signal: %w", err)
	}
	return at, nil
}
