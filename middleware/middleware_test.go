package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
	"github.com/flumeq/flume/lock"
	"github.com/flumeq/flume/middleware"
)

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	j := &job.Job{Name: "test", ID: id.NewJobID()}
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	err := chain(context.Background(), j, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Recover(logger)
	j := &job.Job{Name: "panicky", ID: id.NewJobID()}

	err := mw(context.Background(), j, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in job panicky: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Recover(logger)
	j := &job.Job{Name: "normal", ID: id.NewJobID()}

	called := false
	err := mw(context.Background(), j, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Success(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Logging(logger)
	j := &job.Job{Name: "log-test", ID: id.NewJobID(), Queue: "default"}

	called := false
	err := mw(context.Background(), j, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Error(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Logging(logger)
	j := &job.Job{Name: "log-test", ID: id.NewJobID(), Queue: "default"}
	want := errors.New("fail")

	err := mw(context.Background(), j, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_CancelsContext(t *testing.T) {
	mw := middleware.Timeout(slog.Default())
	j := &job.Job{Name: "slow", ID: id.NewJobID(), Timeout: 10 * time.Millisecond}

	var deferRan bool
	err := mw(context.Background(), j, func(ctx context.Context) error {
		defer func() { deferRan = true }()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if !deferRan {
		t.Fatal("handler cleanup must run on timeout")
	}
}

func TestTimeout_ZeroIsUnbounded(t *testing.T) {
	mw := middleware.Timeout(slog.Default())
	j := &job.Job{Name: "unbounded", ID: id.NewJobID()}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Fatal("no deadline expected for a job without timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRateLimited_ReleasesWhenExhausted(t *testing.T) {
	// One token, no refill within the test window.
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	mw := middleware.RateLimited(limiter, 30*time.Second)

	runs := 0
	handler := func(_ context.Context) error {
		runs++
		return nil
	}

	j := &job.Job{Name: "throttled", ID: id.NewJobID()}
	if err := mw(context.Background(), j, handler); err != nil {
		t.Fatalf("first execution should pass: %v", err)
	}

	err := mw(context.Background(), j, handler)
	re, ok := job.AsRelease(err)
	if !ok {
		t.Fatalf("expected a release, got %v", err)
	}
	if re.Delay != 30*time.Second {
		t.Fatalf("release delay = %s, want 30s", re.Delay)
	}
	if runs != 1 {
		t.Fatalf("handler ran %d times, want 1", runs)
	}
}

func TestWithoutOverlapping_BlocksSecondRun(t *testing.T) {
	locks := lock.NewMemory()
	mw := middleware.WithoutOverlapping(locks, middleware.OverlapReleaseAfter(5*time.Second))

	first := &job.Job{Name: "deploy", ID: id.NewJobID(), UniqueKey: "site-1"}
	second := &job.Job{Name: "deploy", ID: id.NewJobID(), UniqueKey: "site-1"}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- mw(context.Background(), first, func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// While the first holder runs, the same key is blocked.
	err := mw(context.Background(), second, func(_ context.Context) error {
		t.Error("second job must not run while the first holds the lock")
		return nil
	})
	if _, ok := job.AsRelease(err); !ok {
		t.Fatalf("expected a release, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first job: %v", err)
	}

	// Lock released; the key is runnable again.
	if err := mw(context.Background(), second, func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("second job after release: %v", err)
	}
}

func TestWithoutOverlapping_DistinctKeysDoNotContend(t *testing.T) {
	locks := lock.NewMemory()
	mw := middleware.WithoutOverlapping(locks)

	a := &job.Job{Name: "deploy", ID: id.NewJobID(), UniqueKey: "site-1"}
	b := &job.Job{Name: "deploy", ID: id.NewJobID(), UniqueKey: "site-2"}

	blocked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- mw(context.Background(), a, func(_ context.Context) error {
			<-blocked
			return nil
		})
	}()

	if err := mw(context.Background(), b, func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("distinct key should run: %v", err)
	}

	close(blocked)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}
}

func TestWithoutOverlapping_SharedKeySpansJobTypes(t *testing.T) {
	locks := lock.NewMemory()
	mw := middleware.WithoutOverlapping(locks, middleware.OverlapShared())

	importer := &job.Job{Name: "import", ID: id.NewJobID(), UniqueKey: "tenant-9"}
	exporter := &job.Job{Name: "export", ID: id.NewJobID(), UniqueKey: "tenant-9"}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- mw(context.Background(), importer, func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// With a shared key, a different job type on the same key is blocked.
	err := mw(context.Background(), exporter, func(_ context.Context) error {
		t.Error("shared key must block across job types")
		return nil
	})
	if _, ok := job.AsRelease(err); !ok {
		t.Fatalf("expected a release, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}
}

func TestWithoutOverlapping_DontReleaseDrops(t *testing.T) {
	locks := lock.NewMemory()
	mw := middleware.WithoutOverlapping(locks, middleware.OverlapDontRelease())

	holder := &job.Job{Name: "sync", ID: id.NewJobID()}
	dropped := &job.Job{Name: "sync", ID: id.NewJobID()}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- mw(context.Background(), holder, func(_ context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ran := false
	err := mw(context.Background(), dropped, func(_ context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("dropped job must report success, got %v", err)
	}
	if ran {
		t.Fatal("dropped job must not run its handler")
	}

	close(release)
	<-done
}
