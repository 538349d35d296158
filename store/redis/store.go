// Package redis implements store.Store on Redis. Pending and delayed jobs
// live in per-queue Sorted Sets scored by availability time, reservations
// in a second Sorted Set scored by visibility deadline, batch counters in
// Hashes mutated by Lua scripts, and uniqueness locks as SET NX keys.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/flumeq/flume/batch"
	"github.com/flumeq/flume/dlq"
	"github.com/flumeq/flume/lock"
	"github.com/flumeq/flume/queue"
)

// Compile-time interface checks.
var (
	_ queue.Backend = (*Store)(nil)
	_ batch.Store   = (*Store)(nil)
	_ dlq.Store     = (*Store)(nil)
	_ lock.Store    = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
