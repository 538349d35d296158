// flume-worker is the operator entry point: it binds the worker
// configuration from the environment, connects the Redis store (and the
// optional Postgres failure store), and runs a worker pool until it is
// signalled or a self-stop condition fires.
//
// Deployments embed their job definitions by adding them to registerJobs
// and building their own copy of this binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/dlq/postgres"
	"github.com/flumeq/flume/engine"
	"github.com/flumeq/flume/store/redis"
)

type config struct {
	RedisAddr     string `env:"FLUME_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"FLUME_REDIS_PASSWORD"`
	RedisDB       int    `env:"FLUME_REDIS_DB" envDefault:"0"`

	// PostgresDSN, when set, stores failed jobs in Postgres instead of
	// the live Redis backend.
	PostgresDSN string `env:"FLUME_POSTGRES_DSN"`

	Connection       string        `env:"FLUME_CONNECTION" envDefault:"default"`
	Queues           []string      `env:"FLUME_QUEUES" envDefault:"default"`
	Concurrency      int           `env:"FLUME_CONCURRENCY" envDefault:"10"`
	Tries            int           `env:"FLUME_TRIES" envDefault:"3"`
	Timeout          time.Duration `env:"FLUME_TIMEOUT" envDefault:"60s"`
	RetryAfter       time.Duration `env:"FLUME_RETRY_AFTER" envDefault:"90s"`
	Sleep            time.Duration `env:"FLUME_SLEEP" envDefault:"1s"`
	MaxJobs          int           `env:"FLUME_MAX_JOBS"`
	MaxTime          time.Duration `env:"FLUME_MAX_TIME"`
	StopWhenEmpty    bool          `env:"FLUME_STOP_WHEN_EMPTY"`
	Once             bool          `env:"FLUME_ONCE"`
	MonitorInterval  time.Duration `env:"FLUME_MONITOR_INTERVAL"`
	MonitorThreshold int64         `env:"FLUME_MONITOR_THRESHOLD" envDefault:"1000"`
	ShutdownTimeout  time.Duration `env:"FLUME_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel string `env:"FLUME_LOG_LEVEL" envDefault:"info"`
}

func (c config) workerConfig() flume.Config {
	return flume.Config{
		Connection:       c.Connection,
		Queues:           c.Queues,
		Concurrency:      c.Concurrency,
		Tries:            c.Tries,
		Timeout:          c.Timeout,
		RetryAfter:       c.RetryAfter,
		Sleep:            c.Sleep,
		MaxJobs:          c.MaxJobs,
		MaxTime:          c.MaxTime,
		StopWhenEmpty:    c.StopWhenEmpty,
		Once:             c.Once,
		MonitorInterval:  c.MonitorInterval,
		MonitorThreshold: c.MonitorThreshold,
		ShutdownTimeout:  c.ShutdownTimeout,
	}
}

// registerJobs is where a deployment adds its job definitions:
//
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail))
func registerJobs(_ *engine.Engine) {}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flume-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	st := redis.New(client, redis.WithLogger(logger))
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}

	opts := []engine.Option{
		engine.WithStore(st),
		engine.WithConfig(cfg.workerConfig()),
		engine.WithLogger(logger),
	}

	if cfg.PostgresDSN != "" {
		failures, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect failure store: %w", err)
		}
		defer failures.Close()
		if err := failures.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate failure store: %w", err)
		}
		opts = append(opts, engine.WithFailureStore(failures))
		logger.Info("failure store on postgres")
	}

	eng, err := engine.New(opts...)
	if err != nil {
		return err
	}
	registerJobs(eng)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// Run until a signal arrives or the pool stops on its own.
	poolDone := make(chan struct{})
	go func() {
		eng.Wait()
		close(poolDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-poolDone:
		logger.Info("worker pool stopped")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return eng.Stop(stopCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
