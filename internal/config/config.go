// Package config loads worker configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the worker process's full runtime configuration.
type Config struct {
	// Database
	DatabaseURL string

	// Redis (broker, event bus, quota counters, cache)
	RedisURL string

	// Worker
	WorkerConcurrency int
	HealthAddr        string
	MetricsAddr       string
	SkipAgents        []string
	ShutdownTimeout   int // seconds

	// Quota
	QuotaSyncIntervalMinutes int

	// Outbox
	OutboxPollIntervalSeconds int
	OutboxBatchSize           int

	// Encryption
	EncryptionKey string // base64-encoded 32-byte AES-256 key

	// Webhooks
	WebhookTimeoutSeconds int

	// WebSocket fan-out
	WSAddr     string
	WSSecret   string // HMAC key validating bearer tokens on connect

	// Backups
	BackupEnabled  bool
	BackupCron     string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3BasePath     string
	S3AccessKey    string
	S3SecretKey    string

	// Slack
	SlackWebhookURL string

	// Billing
	StripeAPIKey        string
	StripeWebhookSecret string
	BillingAddr         string

	// Logging
	LogLevel string
}

// Load reads configuration from the environment, failing only on the
// variables that have no safe default.
func Load() (*Config, error) {
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	redisURL := getEnv("REDIS_URL", "")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL environment variable is required")
	}

	return &Config{
		DatabaseURL: databaseURL,
		RedisURL:    redisURL,

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
		HealthAddr:        getEnv("HEALTH_ADDR", ":8090"),
		MetricsAddr:       getEnv("METRICS_ADDR", ":9090"),
		SkipAgents:        getEnvList("SKIP_AGENTS", nil),
		ShutdownTimeout:   getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 30),

		QuotaSyncIntervalMinutes: getEnvInt("QUOTA_SYNC_INTERVAL_MINUTES", 60),

		OutboxPollIntervalSeconds: getEnvInt("OUTBOX_POLL_INTERVAL_SECONDS", 2),
		OutboxBatchSize:           getEnvInt("OUTBOX_BATCH_SIZE", 100),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		WebhookTimeoutSeconds: getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10),

		WSAddr:   getEnv("WS_ADDR", ":8091"),
		WSSecret: getEnv("JWT_SECRET", ""),

		BackupEnabled: getEnv("BACKUP_ENABLED", "false") == "true",
		BackupCron:    getEnv("BACKUP_CRON", "@every 6h"),
		S3Endpoint:    getEnv("S3_ENDPOINT", ""),
		S3Region:      getEnv("S3_REGION", "us-east-1"),
		S3Bucket:      getEnv("BACKUP_S3_BUCKET", "aiseo-platform-backups"),
		S3BasePath:    getEnv("S3_BASE_PATH", "snapshots"),
		S3AccessKey:   getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:   getEnv("S3_SECRET_KEY", ""),

		SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),

		StripeAPIKey:        getEnv("STRIPE_API_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		BillingAddr:         getEnv("BILLING_ADDR", ":8092"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	return out
}
