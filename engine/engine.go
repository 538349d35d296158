// Package engine wires the flume subsystems together: it owns the job and
// extension registries, the batch coordinator, the failure store service,
// the middleware chain, and the worker pool, and provides the dispatch
// operations applications call.
//
// The engine sits above every subsystem package and below the application
// layer; the root flume package (Entity, Config, sentinel errors) cannot
// import subsystems back, so the wiring lives here.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/backoff"
	"github.com/flumeq/flume/batch"
	"github.com/flumeq/flume/dlq"
	"github.com/flumeq/flume/ext"
	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
	"github.com/flumeq/flume/lock"
	mw "github.com/flumeq/flume/middleware"
	"github.com/flumeq/flume/queue"
	"github.com/flumeq/flume/store"
	"github.com/flumeq/flume/worker"
)

// Engine is the assembled job system: dispatch on one side, a worker pool
// on the other, sharing one composite store per connection.
type Engine struct {
	cfg        flume.Config
	stores     map[string]store.Store
	registry   *job.Registry
	extensions *ext.Registry
	batches    *batch.Coordinator
	failures   *dlq.Service
	locks      lock.Store
	manager    *queue.Manager
	bo         backoff.Strategy
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	failureStore dlq.Store
	queueConfigs []queue.Config

	// OpenTelemetry providers (optional; nil means use the globals).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore registers the composite store backing the "default" connection.
func WithStore(st store.Store) Option {
	return func(eng *Engine) { eng.stores["default"] = st }
}

// WithConnection registers a named composite store. Jobs dispatched with
// job.OnConnection(name) land on it.
func WithConnection(name string, st store.Store) Option {
	return func(eng *Engine) { eng.stores[name] = st }
}

// WithConfig sets the worker configuration. Defaults to
// flume.DefaultConfig.
func WithConfig(cfg flume.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = logger }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware appends middleware to the chain, after the built-in
// stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. Defaults to
// backoff.DefaultStrategy (exponential with jitter).
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueueConfig registers per-queue rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithFailureStore points the failure store at storage independent of the
// live queue backend, such as dlq/postgres. Defaults to the primary
// connection's composite store.
func WithFailureStore(ds dlq.Store) Option {
	return func(eng *Engine) { eng.failureStore = ds }
}

// WithLockStore overrides the lock store used for uniqueness and overlap
// guards. Defaults to the primary connection's composite store.
func WithLockStore(ls lock.Store) Option {
	return func(eng *Engine) { eng.locks = ls }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New assembles an Engine. At least one store must be registered, and the
// worker configuration must validate.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:        flume.DefaultConfig(),
		stores:     make(map[string]store.Store),
		registry:   job.NewRegistry(),
		logger:     slog.Default(),
		extensions: ext.NewRegistry(slog.Default()),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if len(eng.stores) == 0 {
		return nil, flume.ErrNoStore
	}
	if err := eng.cfg.Validate(); err != nil {
		return nil, err
	}

	primary, ok := eng.stores[eng.cfg.Connection]
	if !ok {
		return nil, fmt.Errorf("%w: no store registered for connection %q",
			flume.ErrInvalidConfig, eng.cfg.Connection)
	}

	// Rebuild the extension registry on the configured logger so hook
	// errors land in the right place.
	exts := ext.NewRegistry(eng.logger)
	for _, e := range eng.extensions.Extensions() {
		exts.Register(e)
	}
	eng.extensions = exts

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.locks == nil {
		eng.locks = primary
	}
	if eng.failureStore == nil {
		eng.failureStore = primary
	}

	eng.batches = batch.NewCoordinator(primary, eng.logger)
	eng.failures = dlq.NewService(eng.failureStore, connectionEnqueuer{eng})

	// Built-in middleware stack, outermost first; user middleware runs
	// inside it, closest to the handler.
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/flumeq/flume"))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/flumeq/flume"))
	} else {
		metricsMw = mw.Metrics()
	}
	allMws := append([]mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger),
	}, eng.mws...)

	executor := worker.NewExecutor(
		eng.registry,
		eng.extensions,
		primary,
		eng.batches,
		eng.failures,
		eng.locks,
		eng.bo,
		eng.logger,
		allMws...,
	)

	var poolOpts []worker.PoolOption
	if len(eng.queueConfigs) > 0 {
		eng.manager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.manager))
	}
	eng.pool = worker.NewPool(primary, executor, eng.extensions, eng.cfg, eng.logger, poolOpts...)

	return eng, nil
}

// connectionEnqueuer routes failure store retries back onto the entry's
// original connection.
type connectionEnqueuer struct {
	eng *Engine
}

func (c connectionEnqueuer) Enqueue(ctx context.Context, j *job.Job) error {
	st, err := c.eng.connection(j.Connection)
	if err != nil {
		return err
	}
	if err := st.Enqueue(ctx, j); err != nil {
		return err
	}
	c.eng.extensions.EmitJobEnqueued(ctx, j)
	return nil
}

func (eng *Engine) connection(name string) (store.Store, error) {
	if name == "" {
		name = eng.cfg.Connection
	}
	st, ok := eng.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown connection %q", flume.ErrNoStore, name)
	}
	return st, nil
}

// ──────────────────────────────────────────────────
// Registration and dispatch
// ──────────────────────────────────────────────────

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Dispatch marshals the payload and enqueues a job. Options given here
// override the definition's registered defaults.
func Dispatch[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}
	return eng.DispatchRaw(ctx, name, data, opts...)
}

// DispatchRaw enqueues a job with a pre-serialized payload. For unique
// jobs, a dispatch whose key is already held is suppressed: no job is
// enqueued and ErrDuplicateDispatch is returned.
func (eng *Engine) DispatchRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	j := eng.buildJob(name, payload, opts...)
	if err := eng.enqueueJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// DispatchChain enqueues the first link of a chain; each subsequent link
// is dispatched by the worker when its predecessor completes. catch, if
// non-nil, fires at most once when a link fails terminally and halts the
// remainder. Options apply to the head job and set the chain's connection
// and queue.
func (eng *Engine) DispatchChain(ctx context.Context, links []job.Link, catch func(error), opts ...job.Option) (*job.Job, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("engine: chain requires at least one link")
	}

	head := links[0]
	j := eng.buildJob(head.Name, head.Payload, opts...)
	j.ChainID = id.NewChainID()
	j.Chain = links[1:]
	if head.Tries > 0 {
		j.Tries = head.Tries
	}
	if head.Timeout > 0 {
		j.Timeout = head.Timeout
	}
	if len(head.Backoff) > 0 {
		j.Backoff = head.Backoff
	}

	eng.batches.RegisterChainCatch(j.ChainID, catch)

	if err := eng.enqueueJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// buildJob merges the registered defaults for name with dispatch-time
// options into a pending job.
func (eng *Engine) buildJob(name string, payload []byte, opts ...job.Option) *job.Job {
	jobOpts := eng.registry.Defaults(name)
	for _, opt := range opts {
		opt(&jobOpts)
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:                flume.NewEntity(),
		ID:                    id.NewJobID(),
		Name:                  name,
		Connection:            jobOpts.Connection,
		Queue:                 jobOpts.Queue,
		Payload:               payload,
		State:                 job.StatePending,
		Tries:                 jobOpts.Tries,
		MaxExceptions:         jobOpts.MaxExceptions,
		Timeout:               jobOpts.Timeout,
		FailOnTimeout:         jobOpts.FailOnTimeout,
		Backoff:               jobOpts.Backoff,
		UniqueKey:             jobOpts.UniqueKey,
		UniqueFor:             jobOpts.UniqueFor,
		UniqueUntilProcessing: jobOpts.UniqueUntilProcessing,
		DeleteWhenMissing:     jobOpts.DeleteWhenMissing,
		AvailableAt:           now.Add(jobOpts.Delay),
	}
	if !jobOpts.RetryUntil.IsZero() {
		j.RetryUntil = &jobOpts.RetryUntil
	}
	return j
}

// enqueueJob applies uniqueness gating and hands the job to its
// connection's backend.
func (eng *Engine) enqueueJob(ctx context.Context, j *job.Job) error {
	st, err := eng.connection(j.Connection)
	if err != nil {
		return err
	}

	if key := j.UniqueLockKey(); key != "" {
		acquired, lockErr := eng.locks.AcquireLock(ctx, key, j.ID.String(), worker.UniqueLockTTL(j))
		if lockErr != nil {
			return fmt.Errorf("engine: unique dispatch gate: %w", lockErr)
		}
		if !acquired {
			return flume.ErrDuplicateDispatch
		}
	}

	if err := st.Enqueue(ctx, j); err != nil {
		// Give the key back; the dispatch never happened.
		if key := j.UniqueLockKey(); key != "" {
			if relErr := eng.locks.ReleaseLock(ctx, key, j.ID.String()); relErr != nil {
				eng.logger.Warn("failed to release uniqueness lock after enqueue error",
					slog.String("key", key),
					slog.String("error", relErr.Error()),
				)
			}
		}
		return err
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	return nil
}

// ──────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────

// CreateBatch persists a batch, fires its Before callback, and dispatches
// every member. Chain items dispatch only their head link; the worker
// advances the rest, and every link counts toward the batch total. A batch
// with no items completes vacuously.
func (eng *Engine) CreateBatch(ctx context.Context, spec batch.Spec, cbs batch.Callbacks) (*batch.Batch, error) {
	connection := spec.Connection
	if connection == "" {
		connection = eng.cfg.Connection
	}
	q := spec.Queue
	if q == "" {
		q = "default"
	}

	total := spec.TotalJobs()
	b := &batch.Batch{
		Entity:        flume.NewEntity(),
		ID:            id.NewBatchID(),
		Name:          spec.Name,
		Connection:    connection,
		Queue:         q,
		Total:         total,
		Pending:       total,
		AllowFailures: spec.AllowFailures,
	}

	if err := eng.batches.Create(ctx, b, cbs); err != nil {
		return nil, err
	}

	if err := eng.dispatchItems(ctx, b, spec.Items); err != nil {
		return nil, err
	}
	return b, nil
}

// AddToBatch grows the batch and dispatches the added items. It is legal
// only from inside a handler whose job is itself a member of the batch;
// calling it from anywhere else returns ErrNotBatchMember.
func (eng *Engine) AddToBatch(ctx context.Context, batchID id.BatchID, items []batch.Item) error {
	caller, ok := job.FromContext(ctx)
	if !ok || caller.BatchID != batchID {
		return flume.ErrNotBatchMember
	}

	n := 0
	for _, it := range items {
		n += len(it.Links)
	}
	if n == 0 {
		return nil
	}

	// Grow before dispatching so the batch cannot finish while the new
	// members are in flight.
	b, err := eng.batches.Grow(ctx, batchID, n)
	if err != nil {
		return err
	}
	return eng.dispatchItems(ctx, b, items)
}

// CancelBatch flips the batch's advisory cancellation flag. Members not
// yet started drain as skipped; running members observe it via
// BatchCancelled.
func (eng *Engine) CancelBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	return eng.batches.Cancel(ctx, batchID)
}

// BatchCancelled reports the batch's cancellation flag, for cooperating
// handlers that poll it and return early.
func (eng *Engine) BatchCancelled(ctx context.Context, batchID id.BatchID) (bool, error) {
	return eng.batches.Cancelled(ctx, batchID)
}

// dispatchItems enqueues the head job of each item, stamped with the
// batch's identity. A chain item gets its own chain ID.
func (eng *Engine) dispatchItems(ctx context.Context, b *batch.Batch, items []batch.Item) error {
	for _, item := range items {
		if len(item.Links) == 0 {
			continue
		}
		head := item.Links[0]

		j := eng.buildJob(head.Name, head.Payload,
			job.OnConnection(b.Connection),
			job.OnQueue(b.Queue),
		)
		j.BatchID = b.ID
		if head.Tries > 0 {
			j.Tries = head.Tries
		}
		if head.Timeout > 0 {
			j.Timeout = head.Timeout
		}
		if len(head.Backoff) > 0 {
			j.Backoff = head.Backoff
		}
		if len(item.Links) > 1 {
			j.ChainID = id.NewChainID()
			j.Chain = item.Links[1:]
		}

		if err := eng.enqueueJob(ctx, j); err != nil {
			return fmt.Errorf("engine: dispatch batch member %q: %w", head.Name, err)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Lifecycle and accessors
// ──────────────────────────────────────────────────

// Start begins job processing. It returns immediately; the pool runs in
// the background until Stop or a self-stop condition.
func (eng *Engine) Start(ctx context.Context) error {
	eng.logger.Info("flume engine starting",
		slog.String("connection", eng.cfg.Connection),
		slog.String("hostname", hostname()),
	)
	return eng.pool.Start(ctx)
}

// Stop gracefully shuts down the worker pool, finishing in-flight jobs.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.pool.Stop(ctx)
}

// Wait blocks until the pool stops on its own (Once, MaxJobs, MaxTime,
// StopWhenEmpty, or a restart signal).
func (eng *Engine) Wait() { eng.pool.Wait() }

// SignalRestart asks every worker process on the primary connection to
// finish its current job and exit.
func (eng *Engine) SignalRestart(ctx context.Context) error {
	st, err := eng.connection(eng.cfg.Connection)
	if err != nil {
		return err
	}
	return st.SignalRestart(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Batches returns the batch coordinator.
func (eng *Engine) Batches() *batch.Coordinator { return eng.batches }

// Failures returns the failure store service for retry and inspection.
func (eng *Engine) Failures() *dlq.Service { return eng.failures }

// QueueManager returns the queue manager, or nil when no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.manager }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
