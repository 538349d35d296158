package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/ext"
	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
	"github.com/flumeq/flume/queue"
	"github.com/flumeq/flume/store"
)

// restartPollInterval is how often workers check the store for a restart
// signal.
const restartPollInterval = 5 * time.Second

// Pool manages a set of concurrent worker goroutines that poll the
// configured queues in priority order and execute reserved jobs through
// the Executor.
type Pool struct {
	store      store.Store
	executor   *Executor
	extensions *ext.Registry
	manager    *queue.Manager
	cfg        flume.Config
	workerID   id.WorkerID
	logger     *slog.Logger

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	startedAt time.Time
	processed atomic.Int64

	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithQueueManager sets the per-queue rate limiting and concurrency
// manager.
func WithQueueManager(m *queue.Manager) PoolOption {
	return func(p *Pool) { p.manager = m }
}

// NewPool creates a worker pool draining the queues named in cfg.
func NewPool(
	st store.Store,
	executor *Executor,
	extensions *ext.Registry,
	cfg flume.Config,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:      st,
		executor:   executor,
		extensions: extensions,
		cfg:        cfg,
		workerID:   id.NewWorkerID(),
		logger:     logger,
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Processed returns the number of jobs this pool has settled since Start.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Start launches the worker goroutines. It returns immediately; use Wait
// to block until the pool stops on its own (Once, MaxJobs, MaxTime,
// StopWhenEmpty, or a restart signal) or Stop to shut it down.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.startedAt = time.Now().UTC()

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.String("connection", p.cfg.Connection),
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Any("queues", p.cfg.Queues),
	)

	concurrency := p.cfg.Concurrency
	if p.cfg.Once {
		concurrency = 1
	}
	for range concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	p.wg.Add(1)
	go p.restartLoop()

	if p.cfg.MonitorInterval > 0 {
		p.wg.Add(1)
		go p.monitorLoop()
	}

	if p.cfg.MaxTime > 0 {
		p.wg.Add(1)
		go p.maxTimeLoop()
	}

	return nil
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop signals all workers to stop and waits for in-flight jobs. When the
// shutdown timeout elapses (from the context deadline, or the configured
// ShutdownTimeout otherwise) active job contexts are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	p.signalStop()

	if _, ok := ctx.Deadline(); !ok && p.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	p.extensions.EmitShutdown(context.WithoutCancel(ctx))
	return nil
}

// signalStop asks every loop to wind down. Safe to call from worker
// goroutines (self-stop conditions) as well as from Stop.
func (p *Pool) signalStop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// ──────────────────────────────────────────────────
// Dequeue loop
// ──────────────────────────────────────────────────

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		if p.stopping() {
			return
		}

		j, acquired, idle := p.reserveNext()
		if j == nil {
			if idle && p.cfg.StopWhenEmpty {
				p.logger.Info("queues drained, stopping worker")
				p.signalStop()
				return
			}
			p.sleep()
			continue
		}

		if !acquired {
			// The queue manager refused the slot. Hand the job back with
			// a short delay so another worker (or a later poll) takes it.
			if err := p.store.Release(context.Background(), j, p.cfg.Sleep); err != nil {
				p.logger.Error("failed to release throttled job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			p.sleep()
			continue
		}

		p.runJob(j)

		if p.selfStopAfterJob() {
			return
		}
	}
}

// reserveNext polls the configured queues in priority order and returns
// the first reservable job, along with whether the queue manager granted
// an execution slot for it. idle is true only when every queue answered
// and was empty, so a transient store error never reads as drained.
func (p *Pool) reserveNext() (j *job.Job, acquired, idle bool) {
	idle = true
	for _, q := range p.cfg.Queues {
		reserved, err := p.store.Reserve(context.Background(), q, p.cfg.RetryAfter)
		if err != nil {
			p.logger.Error("reserve error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			idle = false
			continue
		}
		if reserved == nil {
			continue
		}
		if p.manager != nil && !p.manager.Acquire(q) {
			return reserved, false, false
		}
		return reserved, true, false
	}
	return nil, false, idle
}

func (p *Pool) runJob(j *job.Job) {
	// Apply worker defaults for jobs that carry none of their own. A job
	// with zero Tries and a RetryUntil deadline is deliberately unlimited
	// until that deadline; the default budget must not cap it.
	if j.Timeout == 0 {
		j.Timeout = p.cfg.Timeout
	}
	if j.Tries == 0 && j.RetryUntil == nil && p.cfg.Tries > 0 {
		j.Tries = p.cfg.Tries
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)

	if err := p.executor.Execute(ctx, j); err != nil {
		p.logger.Error("job settlement failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
	}

	p.untrackJob(j.ID.String())
	cancel()

	if p.manager != nil {
		p.manager.Release(j.Queue)
	}
	p.processed.Add(1)
}

// selfStopAfterJob checks the per-run limits after a settled job.
func (p *Pool) selfStopAfterJob() bool {
	if p.cfg.Once {
		p.logger.Info("single job processed, stopping worker")
		p.signalStop()
		return true
	}
	if p.cfg.MaxJobs > 0 && p.processed.Load() >= int64(p.cfg.MaxJobs) {
		p.logger.Info("job limit reached, stopping worker",
			slog.Int("max_jobs", p.cfg.MaxJobs),
		)
		p.signalStop()
		return true
	}
	return false
}

// ──────────────────────────────────────────────────
// Supervision loops
// ──────────────────────────────────────────────────

// restartLoop stops the pool when a restart has been signalled in the
// store after this pool started. The signal is a shared timestamp, so one
// signal restarts every worker process on the connection.
func (p *Pool) restartLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(restartPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			at, err := p.store.RestartSignaledAt(context.Background())
			if err != nil {
				p.logger.Warn("restart signal check failed", slog.String("error", err.Error()))
				continue
			}
			if !at.IsZero() && at.After(p.startedAt) {
				p.logger.Info("restart signalled, stopping worker",
					slog.Time("signalled_at", at),
				)
				p.signalStop()
				return
			}
		}
	}
}

// maxTimeLoop stops the pool once it has been running for cfg.MaxTime.
func (p *Pool) maxTimeLoop() {
	defer p.wg.Done()

	timer := time.NewTimer(p.cfg.MaxTime)
	defer timer.Stop()

	select {
	case <-p.stopCh:
	case <-timer.C:
		p.logger.Info("run time limit reached, stopping worker",
			slog.Duration("max_time", p.cfg.MaxTime),
		)
		p.signalStop()
	}
}

// monitorLoop periodically checks queue depths and emits an overflow
// event for queues above the configured threshold.
func (p *Pool) monitorLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkQueueSizes()
		}
	}
}

func (p *Pool) checkQueueSizes() {
	for _, q := range p.cfg.Queues {
		size, err := p.store.Size(context.Background(), q)
		if err != nil {
			p.logger.Warn("queue size check failed",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		if size >= p.cfg.MonitorThreshold {
			p.logger.Warn("queue overflow",
				slog.String("queue", q),
				slog.Int64("size", size),
				slog.Int64("threshold", p.cfg.MonitorThreshold),
			)
			p.extensions.EmitQueueOverflow(context.Background(), p.cfg.Connection, q, size)
		}
	}
}

// ──────────────────────────────────────────────────
// Active job tracking
// ──────────────────────────────────────────────────

func (p *Pool) sleep() {
	select {
	case <-time.After(p.cfg.Sleep):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
