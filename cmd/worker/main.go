// Package main is the entrypoint for the minewatch job worker. It consumes
// the Redis job queue and publishes events over the notify bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/minewatch/internal/api/handler"
	"github.com/kiranshivaraju/minewatch/internal/async"
	"github.com/kiranshivaraju/minewatch/internal/automation"
	"github.com/kiranshivaraju/minewatch/internal/cache"
	"github.com/kiranshivaraju/minewatch/internal/config"
	"github.com/kiranshivaraju/minewatch/internal/detect"
	"github.com/kiranshivaraju/minewatch/internal/jobs"
	"github.com/kiranshivaraju/minewatch/internal/metrics"
	"github.com/kiranshivaraju/minewatch/internal/queue"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var errBrokerRequired = errors.New("REDIS_URL is required for the worker")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Redis.Enabled() {
		return errBrokerRequired
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"detector", cfg.Detector.Provider,
		"concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")
	pgStore := store.NewPostgresStore(pool)

	rdb, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	provider, err := detect.NewProvider(cfg.Detector)
	if err != nil {
		return fmt.Errorf("create detector: %w", err)
	}
	slog.Info("detector initialized", "provider", provider.Name())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	effects := async.NewPool(cfg.Effects.Workers, cfg.Effects.Timeout, m)
	defer effects.Close()

	runner := jobs.NewRunner(jobs.RunnerDeps{
		Store:    pgStore,
		Cache:    cache.NewRedisCache(rdb),
		Provider: provider,
		Notifier: realtime.NewRedisBridge(rdb, cfg.Realtime.BridgeTopic),
		Effects:  effects,
		Sink:     automation.NewSink(cfg.Automation),
		Metrics:  m,
	}, jobs.NewRunnerConfig(cfg.Worker))

	rq := queue.NewRedisQueue(rdb, queue.RedisConfig{
		Name:              cfg.Queue.Name,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
	}, m)
	if err := rq.StartReaper(ctx, cfg.Queue.ReaperSchedule, runner.DeadLetter); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler: opsRouter(reg,
			handler.HealthCheck{Name: "database", Ping: pgStore.Ping},
			handler.HealthCheck{Name: "broker", Ping: rq.Ping},
		),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("worker consuming", "queue", cfg.Queue.Name, "concurrency", cfg.Worker.Concurrency)
		rq.Consume(gctx, cfg.Worker.Concurrency, runner.Run, runner.DeadLetter)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, finishing in-flight jobs...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// opsRouter serves /health and /metrics for the worker process.
func opsRouter(g prometheus.Gatherer, checks ...handler.HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handler.NewHealthHandler(checks...))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(g))
	return r
}
