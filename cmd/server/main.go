// Package main is the entrypoint for the minewatch API server.
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

	"github.com/kiranshivaraju/minewatch/internal/api"
	"github.com/kiranshivaraju/minewatch/internal/api/handler"
	mw "github.com/kiranshivaraju/minewatch/internal/api/middleware"
	"github.com/kiranshivaraju/minewatch/internal/async"
	"github.com/kiranshivaraju/minewatch/internal/automation"
	"github.com/kiranshivaraju/minewatch/internal/cache"
	"github.com/kiranshivaraju/minewatch/internal/config"
	"github.com/kiranshivaraju/minewatch/internal/detect"
	"github.com/kiranshivaraju/minewatch/internal/jobs"
	"github.com/kiranshivaraju/minewatch/internal/metrics"
	"github.com/kiranshivaraju/minewatch/internal/queue"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/kiranshivaraju/minewatch/internal/storage"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"detector", cfg.Detector.Provider,
		"broker", cfg.Redis.Enabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pgStore := store.NewPostgresStore(pool)

	// 4. Metrics and realtime fan-out
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	hub := realtime.NewHub(realtime.HubConfig{
		AlertsDebounce: cfg.Realtime.AlertsDebounce,
		TrailingFlush:  cfg.Realtime.TrailingFlush,
		Metrics:        m,
	})
	defer hub.Close()

	effects := async.NewPool(cfg.Effects.Workers, cfg.Effects.Timeout, m)
	defer effects.Close()

	files, err := storage.NewFileStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("create file store: %w", err)
	}

	// 5. Job pipeline: Redis broker when configured, inline otherwise
	p, err := newPipeline(ctx, cfg, pgStore, hub, effects, m)
	if err != nil {
		return err
	}
	defer p.close()

	// 6. Build router with dependencies
	auth := mw.NewJWTAuth(cfg.Auth.JWTSecret)
	jobsH := handler.NewJobsHandler(jobs.NewService(pgStore, p.cache, p.queue, m), files)
	alertsH := handler.NewAlertsHandler(pgStore, p.notifier)
	iotH := handler.NewIoTHandler(pgStore, p.notifier)
	keysH := handler.NewKeysHandler(pgStore)
	wsH := handler.NewWSHandler(hub, auth)

	deps := api.Dependencies{
		Auth:       auth,
		DeviceAuth: mw.NewDeviceAuth(pgStore),
		RateLimit:  mw.NewRateLimit(p.cache, cfg.Server.RateLimitPerMin),

		HealthHandler: handler.NewHealthHandler(
			handler.HealthCheck{Name: "database", Ping: pgStore.Ping},
			handler.HealthCheck{Name: "broker", Ping: p.brokerPing},
			detectorCheck(p.provider),
		),
		MetricsHandler: metrics.Handler(reg),

		SubmitUpload:  jobsH.SubmitUpload,
		SubmitURL:     jobsH.SubmitURL,
		SubmitBBox:    jobsH.SubmitBBox,
		SubmitReport:  jobsH.SubmitReport,
		ListJobs:      jobsH.List,
		GetJob:        jobsH.Get,
		JobStatus:     jobsH.Status,
		JobDetections: jobsH.Detections,
		ListAlerts:    alertsH.List,
		CreateAlert:   alertsH.Create,
		AckAlert:      alertsH.Acknowledge,
		IngestReading: iotH.Ingest,
		ListReadings:  iotH.List,
		Heatmap:       handler.NewHeatmapHandler(p.notifier),
		CreateKey:     keysH.Create,
		ListKeys:      keysH.List,
		RevokeKey:     keysH.Revoke,
		AlertsSocket:  wsH.Alerts,
		IoTSocket:     wsH.IoT,
		VisualSocket:  wsH.Visualization,
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Websocket handlers outlive any write timeout; uploads are bounded by MaxBytesReader.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked connections; hub.Close ends them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// pipeline is the job-processing side of the server.
type pipeline struct {
	cache      cache.Cache
	queue      queue.Queue
	notifier   realtime.Notifier
	provider   detect.Provider
	brokerPing func(context.Context) error
	close      func()
}

// newPipeline wires the queue and notifier. With REDIS_URL set, jobs go to
// the broker for cmd/worker and events travel over the bridge so every
// server process sees them. Without it, jobs run inside the request.
func newPipeline(ctx context.Context, cfg *config.Config, st store.Store, hub *realtime.Hub,
	effects *async.Pool, m *metrics.Metrics) (*pipeline, error) {
	if !cfg.Redis.Enabled() {
		provider, err := detect.NewProvider(cfg.Detector)
		if err != nil {
			return nil, fmt.Errorf("create detector: %w", err)
		}
		memCache := cache.NewMemoryCache()
		runner := jobs.NewRunner(jobs.RunnerDeps{
			Store:    st,
			Cache:    memCache,
			Provider: provider,
			Notifier: hub,
			Effects:  effects,
			Sink:     automation.NewSink(cfg.Automation),
			Metrics:  m,
		}, jobs.NewRunnerConfig(cfg.Worker))
		slog.Info("no broker configured, running jobs inline", "detector", provider.Name())
		return &pipeline{
			cache:    memCache,
			queue:    queue.NewInlineQueue(runner.Run, runner.DeadLetter, cfg.Queue.MaxDeliveries, queue.WithInlineMetrics(m)),
			notifier: hub,
			provider: provider,
			close:    func() {},
		}, nil
	}

	rdb, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	bridge := realtime.NewRedisBridge(rdb, cfg.Realtime.BridgeTopic)
	if err := bridge.StartForwarder(ctx, hub); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("start notify bridge: %w", err)
	}

	rq := queue.NewRedisQueue(rdb, queue.RedisConfig{
		Name:              cfg.Queue.Name,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
	}, m)
	return &pipeline{
		cache:      cache.NewRedisCache(rdb),
		queue:      rq,
		notifier:   bridge,
		brokerPing: rq.Ping,
		close:      func() { rdb.Close() },
	}, nil
}

// detectorCheck probes the detector when it exposes readiness. A server that
// only enqueues reports the detector as disabled.
func detectorCheck(p detect.Provider) handler.HealthCheck {
	check := handler.HealthCheck{Name: "detector"}
	if r, ok := p.(interface{ Ready(context.Context) error }); ok {
		check.Ping = r.Ready
	}
	return check
}
