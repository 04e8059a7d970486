package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the pipeline server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	AI        AIConfig
	Quota     QuotaConfig
	Worker    WorkerConfig
	ImageHost ImageHostConfig
	Janitor   JanitorConfig
	Telemetry TelemetryConfig
	API       APIConfig
}

type DatabaseConfig struct {
	// URL empty means the in-memory store (local development).
	URL            string
	MaxConnections int
}

type AIConfig struct {
	APIKey string
	Model  string
	// Detail selects the prompt rubric level: minimal, standard, detailed.
	Detail string
}

type QuotaConfig struct {
	TokensPerMinute   int64
	TokensPerDay      int64
	RequestsPerMinute int64
	RequestsPerDay    int64
}

type WorkerConfig struct {
	Workers      int
	BatchSize    int
	IdleInterval time.Duration
	MaxRetries   int
}

type ImageHostConfig struct {
	// BaseURL empty disables image hosting.
	BaseURL string
	Bucket  string
	APIKey  string
}

type JanitorConfig struct {
	Interval           time.Duration
	RetentionDays      int
	ResumeBatchEnabled bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type APIConfig struct {
	// Keys is a comma-separated API key list; empty disables auth.
	Keys string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("SQUOR_PORT", 8080),
		Version: envStr("SQUOR_VERSION", "0.2.0"),
		Database: DatabaseConfig{
			URL:            envStr("SQUOR_DATABASE_URL", ""),
			MaxConnections: envInt("SQUOR_DATABASE_MAX_CONNECTIONS", 25),
		},
		AI: AIConfig{
			APIKey: envStr("SQUOR_GEMINI_API_KEY", ""),
			Model:  envStr("SQUOR_GEMINI_MODEL", "gemini-2.0-flash"),
			Detail: envStr("SQUOR_ANALYSIS_DETAIL", "standard"),
		},
		Quota: QuotaConfig{
			TokensPerMinute:   envInt64("SQUOR_QUOTA_TOKENS_PER_MINUTE", 4_000_000),
			TokensPerDay:      envInt64("SQUOR_QUOTA_TOKENS_PER_DAY", 1_000_000_000),
			RequestsPerMinute: envInt64("SQUOR_QUOTA_REQUESTS_PER_MINUTE", 15),
			RequestsPerDay:    envInt64("SQUOR_QUOTA_REQUESTS_PER_DAY", 1500),
		},
		Worker: WorkerConfig{
			Workers:      envInt("SQUOR_WORKERS", 4),
			BatchSize:    envInt("SQUOR_WORKER_BATCH_SIZE", 10),
			IdleInterval: envDur("SQUOR_WORKER_IDLE_INTERVAL", 5*time.Second),
			MaxRetries:   envInt("SQUOR_MAX_RETRIES", 3),
		},
		ImageHost: ImageHostConfig{
			BaseURL: envStr("SQUOR_IMAGEHOST_URL", ""),
			Bucket:  envStr("SQUOR_IMAGEHOST_BUCKET", "product-images"),
			APIKey:  envStr("SQUOR_IMAGEHOST_API_KEY", ""),
		},
		Janitor: JanitorConfig{
			Interval:           envDur("SQUOR_JANITOR_INTERVAL", 5*time.Minute),
			RetentionDays:      envInt("SQUOR_TRANSITION_RETENTION_DAYS", 30),
			ResumeBatchEnabled: envBool("SQUOR_JANITOR_RESUME", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "squor-pipeline"),
		},
		API: APIConfig{
			Keys: envStr("SQUOR_API_KEYS", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
