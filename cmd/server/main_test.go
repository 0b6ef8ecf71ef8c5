package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/minewatch/internal/async"
	"github.com/kiranshivaraju/minewatch/internal/cache"
	"github.com/kiranshivaraju/minewatch/internal/config"
	"github.com/kiranshivaraju/minewatch/internal/detect"
	"github.com/kiranshivaraju/minewatch/internal/queue"
	"github.com/kiranshivaraju/minewatch/internal/realtime"
	"github.com/kiranshivaraju/minewatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── pipeline wiring ────────────────────────────────────────────────────────

func testConfig() *config.Config {
	return &config.Config{
		Queue:    config.QueueConfig{Name: "detection", VisibilityTimeout: time.Minute, MaxDeliveries: 3},
		Worker:   config.WorkerConfig{Concurrency: 1, JobTimeout: time.Second, AlertThresholdHa: 1},
		Detector: config.DetectorConfig{Provider: "static"},
	}
}

func TestNewPipeline_InlineWithoutRedis(t *testing.T) {
	hub := realtime.NewHub(realtime.HubConfig{})
	defer hub.Close()
	effects := async.NewPool(1, time.Second, nil)
	defer effects.Close()

	p, err := newPipeline(context.Background(), testConfig(), store.NewMemoryStore(), hub, effects, nil)
	require.NoError(t, err)
	defer p.close()

	assert.IsType(t, &queue.InlineQueue{}, p.queue)
	assert.IsType(t, &cache.MemoryCache{}, p.cache)
	assert.Same(t, hub, p.notifier)
	assert.Nil(t, p.brokerPing, "inline mode reports the broker as disabled")
	assert.Equal(t, "static", p.provider.Name())
}

func TestNewPipeline_UnknownDetector(t *testing.T) {
	cfg := testConfig()
	cfg.Detector.Provider = "satellite"

	_, err := newPipeline(context.Background(), cfg, store.NewMemoryStore(), realtime.NewHub(realtime.HubConfig{}), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create detector")
}

func TestNewPipeline_UnreachableRedis(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.URL = "redis://127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := newPipeline(ctx, cfg, store.NewMemoryStore(), realtime.NewHub(realtime.HubConfig{}), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

// ─── detector health ────────────────────────────────────────────────────────

func TestDetectorCheck(t *testing.T) {
	t.Run("no provider", func(t *testing.T) {
		assert.Nil(t, detectorCheck(nil).Ping)
	})

	t.Run("static provider", func(t *testing.T) {
		assert.Nil(t, detectorCheck(detect.NewStaticProvider()).Ping)
	})

	t.Run("http provider", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/ready", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		check := detectorCheck(detect.NewHTTPClient(ts.URL, time.Second))
		require.NotNil(t, check.Ping)
		assert.NoError(t, check.Ping(context.Background()))
	})
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_URL", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
