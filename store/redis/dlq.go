package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/dlq"
	"github.com/flumeq/flume/id"
)

// RecordFailure stores a failure entry as JSON and indexes it by failure
// time for newest-first listing.
func (s *Store) RecordFailure(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("flume/redis: marshal failure: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dlqKey(eID), raw, 0)
	pipe.ZAdd(ctx, dlqIDsKey, goredis.Z{
		Score:  float64(entry.FailedAt.UnixMilli()),
		Member: eID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flume/redis: record failure: %w", err)
	}
	return nil
}

// ListFailures returns entries newest first. Queue filtering happens
// client-side after the index scan.
func (s *Store) ListFailures(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, dlqIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("flume/redis: list failures: %w", err)
	}

	var entries []*dlq.Entry
	for _, eID := range ids {
		entry, getErr := s.getEntryByKey(ctx, dlqKey(eID))
		if getErr != nil {
			continue // index ahead of a concurrent forget
		}
		if opts.Queue != "" && entry.Queue != opts.Queue {
			continue
		}
		entries = append(entries, entry)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetFailure retrieves one entry by ID.
func (s *Store) GetFailure(ctx context.Context, entryID id.FailedID) (*dlq.Entry, error) {
	return s.getEntryByKey(ctx, dlqKey(entryID.String()))
}

// MarkRetried stamps RetriedAt on an entry.
func (s *Store) MarkRetried(ctx context.Context, entryID id.FailedID) error {
	entry, err := s.getEntryByKey(ctx, dlqKey(entryID.String()))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry.RetriedAt = &now

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("flume/redis: marshal failure: %w", err)
	}
	if err := s.client.Set(ctx, dlqKey(entryID.String()), raw, 0).Err(); err != nil {
		return fmt.Errorf("flume/redis: mark retried: %w", err)
	}
	return nil
}

// ForgetFailure removes a single entry.
func (s *Store) ForgetFailure(ctx context.Context, entryID id.FailedID) error {
	eID := entryID.String()

	exists, err := s.client.Exists(ctx, dlqKey(eID)).Result()
	if err != nil {
		return fmt.Errorf("flume/redis: forget failure: %w", err)
	}
	if exists == 0 {
		return flume.ErrEntryNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, dlqKey(eID))
	pipe.ZRem(ctx, dlqIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flume/redis: forget failure: %w", err)
	}
	return nil
}

// FlushFailures removes entries failed before the given time.
func (s *Store) FlushFailures(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()

	ids, err := s.client.ZRangeByScore(ctx, dlqIDsKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("flume/redis: flush failures: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, eID := range ids {
		pipe.Del(ctx, dlqKey(eID))
		pipe.ZRem(ctx, dlqIDsKey, eID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("flume/redis: flush failures: %w", err)
	}
	return int64(len(ids)), nil
}

// CountFailures returns the total entry count.
func (s *Store) CountFailures(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("flume/redis: count failures: %w", err)
	}
	return n, nil
}

func (s *Store) getEntryByKey(ctx context.Context, key string) (*dlq.Entry, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, flume.ErrEntryNotFound
		}
		return nil, fmt.Errorf("flume/redis: get failure: %w", err)
	}
	var entry dlq.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("flume/redis: unmarshal failure: %w", err)
	}
	return &entry, nil
}
