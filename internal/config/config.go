package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the minewatch server and worker.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Realtime   RealtimeConfig
	Detector   DetectorConfig
	Automation AutomationConfig
	Storage    StorageConfig
	Effects    EffectsConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. An empty URL runs jobs inline in the API process.
type RedisConfig struct {
	URL string
}

func (c RedisConfig) Enabled() bool { return c.URL != "" }

type AuthConfig struct {
	JWTSecret string
}

type QueueConfig struct {
	Name              string
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	ReaperSchedule    string
}

type WorkerConfig struct {
	Concurrency      int
	JobTimeout       time.Duration
	AlertThresholdHa float64
	MapBaseURL       string
	MetricsPort      int
}

type RealtimeConfig struct {
	AlertsDebounce time.Duration
	TrailingFlush  bool
	BridgeTopic    string
}

type DetectorConfig struct {
	Provider string
	BaseURL  string
	Timeout  time.Duration
}

type AutomationConfig struct {
	WebhookURL    string
	SigningSecret string
	RatePerSec    float64
}

type StorageConfig struct {
	Path string
}

type EffectsConfig struct {
	Workers int
	Timeout time.Duration
}

var validProviders = map[string]bool{
	"static": true,
	"http":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("MINEWATCH_PORT", 8080),
			Env:             envString("MINEWATCH_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Queue: QueueConfig{
			Name:              envString("QUEUE_NAME", "detection"),
			VisibilityTimeout: envDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			MaxDeliveries:     envInt("QUEUE_MAX_DELIVERIES", 5),
			ReaperSchedule:    envString("QUEUE_REAPER_SCHEDULE", "@every 30s"),
		},
		Worker: WorkerConfig{
			Concurrency:      envInt("WORKER_CONCURRENCY", 4),
			JobTimeout:       envDuration("JOB_TIMEOUT", 10*time.Minute),
			AlertThresholdHa: envFloat("ALERT_AREA_THRESHOLD_HA", 1.0),
			MapBaseURL:       strings.TrimRight(envString("MAP_BASE_URL", "/static/maps"), "/"),
			MetricsPort:      envInt("WORKER_METRICS_PORT", 9090),
		},
		Realtime: RealtimeConfig{
			AlertsDebounce: envDuration("REALTIME_ALERTS_DEBOUNCE", 200*time.Millisecond),
			TrailingFlush:  envBool("REALTIME_TRAILING_FLUSH", true),
			BridgeTopic:    envString("REALTIME_BRIDGE_TOPIC", "minewatch:notify"),
		},
		Detector: DetectorConfig{
			Provider: envString("DETECTOR_PROVIDER", "static"),
			BaseURL:  os.Getenv("DETECTOR_BASE_URL"),
			Timeout:  envDuration("DETECTOR_TIMEOUT", 60*time.Second),
		},
		Automation: AutomationConfig{
			WebhookURL:    os.Getenv("AUTOMATION_WEBHOOK_URL"),
			SigningSecret: os.Getenv("AUTOMATION_SIGNING_SECRET"),
			RatePerSec:    envFloat("AUTOMATION_RATE_PER_SEC", 5),
		},
		Storage: StorageConfig{
			Path: envString("STORAGE_PATH", "./data/uploads"),
		},
		Effects: EffectsConfig{
			Workers: envInt("EFFECTS_WORKERS", 4),
			Timeout: envDuration("EFFECTS_TIMEOUT", 15*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Queue.MaxDeliveries < 1 {
		return fmt.Errorf("QUEUE_MAX_DELIVERIES must be at least 1, got %d", c.Queue.MaxDeliveries)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.AlertThresholdHa < 0 {
		return fmt.Errorf("ALERT_AREA_THRESHOLD_HA must not be negative")
	}
	if c.Effects.Workers < 1 {
		return fmt.Errorf("EFFECTS_WORKERS must be at least 1, got %d", c.Effects.Workers)
	}

	if !validProviders[c.Detector.Provider] {
		return fmt.Errorf("DETECTOR_PROVIDER must be one of static, http; got %q", c.Detector.Provider)
	}
	if c.Detector.Provider == "http" {
		if c.Detector.BaseURL == "" {
			return fmt.Errorf("DETECTOR_BASE_URL is required when DETECTOR_PROVIDER is http")
		}
		if !isHTTPURL(c.Detector.BaseURL) {
			return fmt.Errorf("DETECTOR_BASE_URL must start with http:// or https://, got %q", c.Detector.BaseURL)
		}
	}

	if c.Automation.WebhookURL != "" {
		if !isHTTPURL(c.Automation.WebhookURL) {
			return fmt.Errorf("AUTOMATION_WEBHOOK_URL must start with http:// or https://, got %q", c.Automation.WebhookURL)
		}
		if c.Automation.RatePerSec <= 0 {
			return fmt.Errorf("AUTOMATION_RATE_PER_SEC must be positive")
		}
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
