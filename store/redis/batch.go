package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/batch"
	"github.com/flumeq/flume/id"
)

// outcomeScript applies one member outcome to the batch hash in a single
// atomic step, so concurrent workers never lose a counter update and the
// first-failure flag goes to exactly one caller.
//
// ARGV[1] = outcome ("success"|"failure"|"skipped"), ARGV[2] = now (RFC3339).
// Returns {pending, failed, cancelled, firstFailure, finishedAt}.
var outcomeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('flume: batch not found')
end
local finished = redis.call('HGET', KEYS[1], 'finished_at')
if finished and finished ~= '' then
	return redis.error_reply('flume: batch finished')
end
local pending = redis.call('HINCRBY', KEYS[1], 'pending', -1)
local failed = tonumber(redis.call('HGET', KEYS[1], 'failed')) or 0
local first = 0
if ARGV[1] == 'failure' then
	failed = redis.call('HINCRBY', KEYS[1], 'failed', 1)
	if failed == 1 then
		first = 1
	end
	if redis.call('HGET', KEYS[1], 'allow_failures') ~= '1' then
		redis.call('HSET', KEYS[1], 'cancelled', '1')
	end
end
if pending <= 0 then
	redis.call('HSET', KEYS[1], 'finished_at', ARGV[2])
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
local cancelled = redis.call('HGET', KEYS[1], 'cancelled') or '0'
local finishedAt = redis.call('HGET', KEYS[1], 'finished_at') or ''
return {pending, failed, cancelled, first, finishedAt}
`)

// growScript adds n members to an unfinished batch.
var growScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('flume: batch not found')
end
local finished = redis.call('HGET', KEYS[1], 'finished_at')
if finished and finished ~= '' then
	return redis.error_reply('flume: batch finished')
end
redis.call('HINCRBY', KEYS[1], 'total', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'pending', ARGV[1])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 1
`)

// CreateBatch persists the batch as a Hash. An empty batch is stored
// already finished.
func (s *Store) CreateBatch(ctx context.Context, b *batch.Batch) error {
	now := time.Now().UTC()
	if b.Total == 0 && b.FinishedAt == nil {
		b.FinishedAt = &now
	}

	bID := b.ID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, batchKey(bID), batchToMap(b))
	pipe.ZAdd(ctx, batchIDsKey, goredis.Z{
		Score:  float64(b.CreatedAt.UnixMilli()),
		Member: bID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flume/redis: create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch snapshot by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	vals, err := s.client.HGetAll(ctx, batchKey(batchID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("flume/redis: get batch: %w", err)
	}
	if len(vals) == 0 {
		return nil, flume.ErrBatchNotFound
	}
	return mapToBatch(vals)
}

// ReportOutcome atomically applies one member's terminal outcome and
// returns the updated snapshot plus the first-failure flag.
func (s *Store) ReportOutcome(ctx context.Context, batchID id.BatchID, outcome batch.Outcome) (*batch.Batch, bool, error) {
	now := time.Now().UTC()

	res, err := outcomeScript.Run(ctx, s.client,
		[]string{batchKey(batchID.String())},
		outcomeString(outcome), now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		if strings.Contains(err.Error(), "batch not found") {
			return nil, false, flume.ErrBatchNotFound
		}
		if strings.Contains(err.Error(), "batch finished") {
			return nil, false, flume.ErrBatchFinished
		}
		return nil, false, fmt.Errorf("flume/redis: report outcome: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		return nil, false, fmt.Errorf("flume/redis: report outcome: unexpected reply %v", res)
	}
	firstFailure := toInt64(vals[3]) == 1

	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, false, err
	}
	return b, firstFailure, nil
}

// CancelBatch flips the cancelled flag. Idempotent.
func (s *Store) CancelBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	key := batchKey(batchID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("flume/redis: cancel batch exists: %w", err)
	}
	if exists == 0 {
		return nil, flume.ErrBatchNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, key, "cancelled", "1", "updated_at", now).Err(); err != nil {
		return nil, fmt.Errorf("flume/redis: cancel batch: %w", err)
	}
	return s.GetBatch(ctx, batchID)
}

// GrowBatch adds n members to an unfinished batch.
func (s *Store) GrowBatch(ctx context.Context, batchID id.BatchID, n int) (*batch.Batch, error) {
	now := time.Now().UTC()

	err := growScript.Run(ctx, s.client,
		[]string{batchKey(batchID.String())},
		n, now.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		if strings.Contains(err.Error(), "batch not found") {
			return nil, flume.ErrBatchNotFound
		}
		if strings.Contains(err.Error(), "batch finished") {
			return nil, flume.ErrBatchFinished
		}
		return nil, fmt.Errorf("flume/redis: grow batch: %w", err)
	}
	return s.GetBatch(ctx, batchID)
}

// PruneBatches removes batches finished before the given time.
func (s *Store) PruneBatches(ctx context.Context, finishedBefore time.Time) (int64, error) {
	ids, err := s.client.ZRange(ctx, batchIDsKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("flume/redis: prune batches: %w", err)
	}

	var n int64
	for _, bID := range ids {
		finishedAt, getErr := s.client.HGet(ctx, batchKey(bID), "finished_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return n, fmt.Errorf("flume/redis: prune batches: %w", getErr)
		}
		if finishedAt == "" {
			continue
		}
		at, parseErr := time.Parse(time.RFC3339Nano, finishedAt)
		if parseErr != nil || !at.Before(finishedBefore) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, batchKey(bID))
		pipe.ZRem(ctx, batchIDsKey, bID)
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return n, fmt.Errorf("flume/redis: prune batches: %w", execErr)
		}
		n++
	}
	return n, nil
}

// ── helpers ──

func outcomeString(o batch.Outcome) string {
	switch o {
	case batch.OutcomeFailure:
		return "failure"
	case batch.OutcomeSkipped:
		return "skipped"
	default:
		return "success"
	}
}

func batchToMap(b *batch.Batch) map[string]interface{} {
	m := map[string]interface{}{
		"id":             b.ID.String(),
		"name":           b.Name,
		"connection":     b.Connection,
		"queue":          b.Queue,
		"total":          strconv.Itoa(b.Total),
		"pending":        strconv.Itoa(b.Pending),
		"failed":         strconv.Itoa(b.Failed),
		"cancelled":      boolField(b.Cancelled),
		"allow_failures": boolField(b.AllowFailures),
		"finished_at":    "",
		"created_at":     b.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     b.UpdatedAt.Format(time.RFC3339Nano),
	}
	if b.FinishedAt != nil {
		m["finished_at"] = b.FinishedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToBatch(m map[string]string) (*batch.Batch, error) {
	bID, err := id.ParseBatchID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("flume/redis: parse batch id: %w", err)
	}

	total, _ := strconv.Atoi(m["total"])     //nolint:errcheck // best-effort parse from trusted Redis data
	pending, _ := strconv.Atoi(m["pending"]) //nolint:errcheck // best-effort parse from trusted Redis data
	failed, _ := strconv.Atoi(m["failed"])   //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	b := &batch.Batch{
		Entity: flume.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:            bID,
		Name:          m["name"],
		Connection:    m["connection"],
		Queue:         m["queue"],
		Total:         total,
		Pending:       pending,
		Failed:        failed,
		Cancelled:     m["cancelled"] == "1",
		AllowFailures: m["allow_failures"] == "1",
	}
	if v := m["finished_at"]; v != "" {
		t, parseErr := time.Parse(time.RFC3339Nano, v)
		if parseErr == nil {
			b.FinishedAt = &t
		}
	}
	return b, nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
		return parsed
	default:
		return 0
	}
}
