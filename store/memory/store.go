// Package memory is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development;
// nothing survives a process restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/batch"
	"github.com/flumeq/flume/dlq"
	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
	"github.com/flumeq/flume/lock"
	"github.com/flumeq/flume/queue"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ queue.Backend = (*Store)(nil)
	_ batch.Store   = (*Store)(nil)
	_ dlq.Store     = (*Store)(nil)
	_ lock.Store    = (*Store)(nil)
)

// Store is an in-memory composite store.
type Store struct {
	mu sync.Mutex

	jobs    map[string]*job.Job
	batches map[string]*batch.Batch
	dlqs    map[string]*dlq.Entry

	locks *lock.Memory

	restartAt time.Time

	// now is injectable for tests.
	now func() time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		batches: make(map[string]*batch.Batch),
		dlqs:    make(map[string]*dlq.Entry),
		locks:   lock.NewMemory(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Queue backend
// ──────────────────────────────────────────────────

// Enqueue stores the job as pending under its queue.
func (m *Store) Enqueue(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return flume.ErrJobAlreadyExists
	}

	cp := *j
	cp.State = job.StatePending
	if cp.AvailableAt.IsZero() {
		cp.AvailableAt = m.now()
	}
	m.jobs[key] = &cp
	return nil
}

// Reserve claims the oldest eligible job on the queue. Jobs whose
// previous reservation has expired are eligible again, which is how
// crashed workers lose their claim.
func (m *Store) Reserve(_ context.Context, queueName string, visibility time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var oldest *job.Job
	for _, j := range m.jobs {
		if j.Queue != queueName {
			continue
		}
		if !m.eligible(j, now) {
			continue
		}
		if oldest == nil || j.AvailableAt.Before(oldest.AvailableAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	until := now.Add(visibility)
	oldest.State = job.StateReserved
	oldest.ReservedUntil = &until
	oldest.Touch()

	cp := *oldest
	return &cp, nil
}

func (m *Store) eligible(j *job.Job, now time.Time) bool {
	switch j.State {
	case job.StatePending:
		return !j.AvailableAt.After(now)
	case job.StateReserved, job.StateRunning:
		// Expired reservation: the worker holding it is presumed dead.
		return j.ReservedUntil != nil && j.ReservedUntil.Before(now)
	default:
		return false
	}
}

// Update persists changes to a job record.
func (m *Store) Update(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; !exists {
		return flume.ErrJobNotFound
	}

	cp := *j
	cp.Touch()
	m.jobs[key] = &cp
	return nil
}

// Delete removes a job permanently.
func (m *Store) Delete(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, exists := m.jobs[key]; !exists {
		return flume.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// Release returns a reserved job to pending, visible after delay.
func (m *Store) Release(_ context.Context, j *job.Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	stored, exists := m.jobs[key]
	if !exists {
		return flume.ErrJobNotFound
	}

	cp := *j
	cp.State = job.StatePending
	cp.AvailableAt = m.now().Add(delay)
	cp.ReservedUntil = nil
	cp.Entity = stored.Entity
	cp.Touch()
	m.jobs[key] = &cp
	return nil
}

// Size returns the number of pending plus reserved jobs on the queue.
func (m *Store) Size(_ context.Context, queueName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.Queue != queueName {
			continue
		}
		switch j.State {
		case job.StatePending, job.StateReserved, job.StateRunning:
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Batch store
// ──────────────────────────────────────────────────

// CreateBatch persists a new batch. An empty batch is stored finished.
func (m *Store) CreateBatch(_ context.Context, b *batch.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	if cp.Total == 0 && cp.FinishedAt == nil {
		now := m.now()
		cp.FinishedAt = &now
	}
	m.batches[cp.ID.String()] = &cp

	// Reflect vacuous completion back to the caller.
	b.FinishedAt = cp.FinishedAt
	return nil
}

// GetBatch retrieves a batch snapshot by ID.
func (m *Store) GetBatch(_ context.Context, batchID id.BatchID) (*batch.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.batches[batchID.String()]
	if !exists {
		return nil, flume.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

// ReportOutcome atomically applies one member's terminal outcome.
func (m *Store) ReportOutcome(_ context.Context, batchID id.BatchID, outcome batch.Outcome) (*batch.Batch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.batches[batchID.String()]
	if !exists {
		return nil, false, flume.ErrBatchNotFound
	}
	if b.FinishedAt != nil {
		return nil, false, flume.ErrBatchFinished
	}

	b.Pending--
	firstFailure := false
	if outcome == batch.OutcomeFailure {
		b.Failed++
		if b.Failed == 1 {
			firstFailure = true
		}
		if !b.AllowFailures {
			b.Cancelled = true
		}
	}
	if b.Pending <= 0 {
		now := m.now()
		b.FinishedAt = &now
	}
	b.Touch()

	cp := *b
	return &cp, firstFailure, nil
}

// CancelBatch flips the cancelled flag. Idempotent.
func (m *Store) CancelBatch(_ context.Context, batchID id.BatchID) (*batch.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.batches[batchID.String()]
	if !exists {
		return nil, flume.ErrBatchNotFound
	}
	b.Cancelled = true
	b.Touch()

	cp := *b
	return &cp, nil
}

// GrowBatch adds n members to an unfinished batch.
func (m *Store) GrowBatch(_ context.Context, batchID id.BatchID, n int) (*batch.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.batches[batchID.String()]
	if !exists {
		return nil, flume.ErrBatchNotFound
	}
	if b.FinishedAt != nil {
		return nil, flume.ErrBatchFinished
	}
	b.Total += n
	b.Pending += n
	b.Touch()

	cp := *b
	return &cp, nil
}

// PruneBatches removes batches finished before the given time.
func (m *Store) PruneBatches(_ context.Context, finishedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, b := range m.batches {
		if b.FinishedAt != nil && b.FinishedAt.Before(finishedBefore) {
			delete(m.batches, key)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Failure store
// ──────────────────────────────────────────────────

// RecordFailure stores a failed job entry.
func (m *Store) RecordFailure(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[cp.ID.String()] = &cp
	return nil
}

// ListFailures returns entries newest first.
func (m *Store) ListFailures(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].FailedAt.After(entries[k].FailedAt)
	})

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
func (m *Store) GetFailure(_ context.Context, entryID id.FailedID) (*dlq.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.dlqs[entryID.String()]
	if !exists {
		return nil, flume.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkRetried stamps RetriedAt on an entry.
func (m *Store) MarkRetried(_ context.Context, entryID id.FailedID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.dlqs[entryID.String()]
	if !exists {
		return flume.ErrEntryNotFound
	}
	now := m.now()
	e.RetriedAt = &now
	return nil
}

// ForgetFailure removes a single entry.
func (m *Store) ForgetFailure(_ context.Context, entryID id.FailedID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, exists := m.dlqs[key]; !exists {
		return flume.ErrEntryNotFound
	}
	delete(m.dlqs, key)
	return nil
}

// FlushFailures removes entries failed before the given time.
func (m *Store) FlushFailures(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			n++
		}
	}
	return n, nil
}

// CountFailures returns the total entry count.
func (m *Store) CountFailures(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.dlqs)), nil
}

// ──────────────────────────────────────────────────
// Lock store
// ──────────────────────────────────────────────────

// AcquireLock delegates to the embedded in-memory lock store.
func (m *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return m.locks.AcquireLock(ctx, key, owner, ttl)
}

// ReleaseLock delegates to the embedded in-memory lock store.
func (m *Store) ReleaseLock(ctx context.Context, key, owner string) error {
	return m.locks.ReleaseLock(ctx, key, owner)
}

// ──────────────────────────────────────────────────
// Restart signal
// ──────────────────────────────────────────────────

// SignalRestart records a restart request.
func (m *Store) SignalRestart(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartAt = m.now()
	return nil
}

// RestartSignaledAt returns the most recent restart signal time.
func (m *Store) RestartSignaledAt(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartAt, nil
}
