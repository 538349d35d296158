package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
)

// reserveScript atomically promotes expired reservations back to pending,
// then claims the oldest due job and hides it until the visibility
// deadline. Returning the claim from one script call is what guarantees
// two workers never reserve the same job.
var reserveScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

// Enqueue stores the job record and adds it to the queue's pending set,
// scored by availability time so delayed jobs sort behind due ones.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("flume/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return flume.ErrJobAlreadyExists
	}

	cp := *j
	cp.State = job.StatePending
	if cp.AvailableAt.IsZero() {
		cp.AvailableAt = time.Now().UTC()
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("flume/redis: marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, raw, 0)
	pipe.ZAdd(ctx, pendingKey(cp.Queue), goredis.Z{
		Score:  float64(cp.AvailableAt.UnixMilli()),
		Member: jID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flume/redis: enqueue job: %w", err)
	}
	return nil
}

// Reserve claims the oldest due job on the queue, if any.
func (s *Store) Reserve(ctx context.Context, queueName string, visibility time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	until := now.Add(visibility)

	res, err := reserveScript.Run(ctx, s.client,
		[]string{pendingKey(queueName), reservedKey(queueName)},
		now.UnixMilli(), until.UnixMilli(),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("flume/redis: reserve: %w", err)
	}
	jID, ok := res.(string)
	if !ok {
		return nil, nil
	}

	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return nil, err
	}
	j.State = job.StateReserved
	j.ReservedUntil = &until
	if err := s.Update(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Update persists changes to an existing job record.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("flume/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return flume.ErrJobNotFound
	}

	cp := *j
	cp.Touch()
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("flume/redis: marshal job: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("flume/redis: update job: %w", err)
	}
	return nil
}

// Delete removes a job record and its queue membership.
func (s *Store) Delete(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()

	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.ZRem(ctx, pendingKey(j.Queue), jID)
	pipe.ZRem(ctx, reservedKey(j.Queue), jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flume/redis: delete job: %w", err)
	}
	return nil
}

// Release returns a reserved job to pending, visible after delay.
func (s *Store) Release(ctx context.Context, j *job.Job, delay time.Duration) error {
	jID := j.ID.String()
	availableAt := time.Now().UTC().Add(delay)

	cp := *j
	cp.State = job.StatePending
	cp.AvailableAt = availableAt
	cp.ReservedUntil = nil
	cp.Touch()
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("flume/redis: marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(jID), raw, 0)
	pipe.ZRem(ctx, reservedKey(cp.Queue), jID)
	pipe.ZAdd(ctx, pendingKey(cp.Queue), goredis.Z{
		Score:  float64(availableAt.UnixMilli()),
		Member: jID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flume/redis: release job: %w", err)
	}
	return nil
}

// Size returns the number of pending plus reserved jobs on the queue.
func (s *Store) Size(ctx context.Context, queueName string) (int64, error) {
	pipe := s.client.TxPipeline()
	pending := pipe.ZCard(ctx, pendingKey(queueName))
	reserved := pipe.ZCard(ctx, reservedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("flume/redis: queue size: %w", err)
	}
	return pending.Val() + reserved.Val(), nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, flume.ErrJobNotFound
		}
		return nil, fmt.Errorf("flume/redis: get job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("flume/redis: unmarshal job: %w", err)
	}
	return &j, nil
}
