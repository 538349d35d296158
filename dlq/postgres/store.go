// Package postgres implements the failure store on PostgreSQL. It is the
// "independent storage" backend: failures are queryable and retryable
// even when they are recorded by workers draining a Redis-backed queue.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/dlq"
	"github.com/flumeq/flume/id"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Ensure Store implements dlq.Store at compile time.
var _ dlq.Store = (*Store)(nil)

// Store is a PostgreSQL-backed failure store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and returns a Store. Call Migrate before
// first use.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("dlq/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dlq/postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing connection pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema migrations. Goose speaks
// database/sql, so the pgx pool is adapted through its stdlib connector.
func (s *Store) Migrate(ctx context.Context) error {
	db := sql.OpenDB(stdlib.GetPoolConnector(s.pool))
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("dlq/postgres: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("dlq/postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordFailure inserts a failed job entry.
func (s *Store) RecordFailure(ctx context.Context, entry *dlq.Entry) error {
	const q = `
		INSERT INTO flume_failed_jobs
			(id, job_id, job_name, connection, queue, payload, exception, attempts, tries,
			 max_exceptions, timeout_ns, fail_on_timeout, backoff_ns, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, q,
		entry.ID, entry.JobID, entry.JobName, entry.Connection, entry.Queue,
		entry.Payload, entry.Exception, entry.Attempts, entry.Tries,
		entry.MaxExceptions, int64(entry.Timeout), entry.FailOnTimeout,
		durationsToNanos(entry.Backoff), entry.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("dlq/postgres: record failure: %w", err)
	}
	return nil
}

// ListFailures returns entries newest first.
func (s *Store) ListFailures(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	q := `
		SELECT id, job_id, job_name, connection, queue, payload, exception,
		       attempts, tries, max_exceptions, timeout_ns, fail_on_timeout,
		       backoff_ns, failed_at, retried_at
		FROM flume_failed_jobs`
	args := []any{}
	if opts.Queue != "" {
		q += ` WHERE queue = $1`
		args = append(args, opts.Queue)
	}
	q += ` ORDER BY failed_at DESC`
	if opts.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(` OFFSET %d`, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("dlq/postgres: list failures: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetFailure retrieves one entry by ID.
func (s *Store) GetFailure(ctx context.Context, entryID id.FailedID) (*dlq.Entry, error) {
	const q = `
		SELECT id, job_id, job_name, connection, queue, payload, exception,
		       attempts, tries, max_exceptions, timeout_ns, fail_on_timeout,
		       backoff_ns, failed_at, retried_at
		FROM flume_failed_jobs WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, entryID)
	if err != nil {
		return nil, fmt.Errorf("dlq/postgres: get failure: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, flume.ErrEntryNotFound
	}
	return scanEntry(rows)
}

// MarkRetried stamps RetriedAt on an entry.
func (s *Store) MarkRetried(ctx context.Context, entryID id.FailedID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flume_failed_jobs SET retried_at = now() WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("dlq/postgres: mark retried: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flume.ErrEntryNotFound
	}
	return nil
}

// ForgetFailure removes a single entry.
func (s *Store) ForgetFailure(ctx context.Context, entryID id.FailedID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM flume_failed_jobs WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("dlq/postgres: forget failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flume.ErrEntryNotFound
	}
	return nil
}

// FlushFailures removes entries failed before the given time.
func (s *Store) FlushFailures(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM flume_failed_jobs WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("dlq/postgres: flush failures: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountFailures returns the total entry count.
func (s *Store) CountFailures(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM flume_failed_jobs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dlq/postgres: count failures: %w", err)
	}
	return n, nil
}

func scanEntry(rows pgx.Rows) (*dlq.Entry, error) {
	var (
		entry     dlq.Entry
		timeoutNs int64
		backoffNs []int64
	)
	if err := rows.Scan(
		&entry.ID, &entry.JobID, &entry.JobName, &entry.Connection, &entry.Queue,
		&entry.Payload, &entry.Exception, &entry.Attempts, &entry.Tries,
		&entry.MaxExceptions, &timeoutNs, &entry.FailOnTimeout, &backoffNs,
		&entry.FailedAt, &entry.RetriedAt,
	); err != nil {
		return nil, fmt.Errorf("dlq/postgres: scan entry: %w", err)
	}
	entry.Timeout = time.Duration(timeoutNs)
	entry.Backoff = nanosToDurations(backoffNs)
	return &entry, nil
}

func durationsToNanos(ds []time.Duration) []int64 {
	if len(ds) == 0 {
		return nil
	}
	ns := make([]int64, len(ds))
	for i, d := range ds {
		ns[i] = int64(d)
	}
	return ns
}

func nanosToDurations(ns []int64) []time.Duration {
	if len(ns) == 0 {
		return nil
	}
	ds := make([]time.Duration, len(ns))
	for i, n := range ns {
		ds[i] = time.Duration(n)
	}
	return ds
}
