// Package config centralizes the environment-variable driven startup
// configuration spec.md §6 names. The teacher inlines its DSN
// directly in cmd/server/main.go; this kernel follows the same
// low-ceremony style (plain os.Getenv, no config framework) but
// collects it in one place the way a production service would.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the kernel's full startup configuration.
type Config struct {
	// SigningKey MUST be set for any callback token or inbound
	// adapter signature to verify. Empty means every verification
	// call fails closed (domain.ErrTokenInvalid).
	SigningKey string

	DatabaseURL string

	RedisAddress string

	// HTTPAddress is where the gin router listens.
	HTTPAddress string

	TimeoutScanInterval time.Duration

	EventBusMaxRetries        int
	EventBusBackoffInitial    time.Duration
	EventBusBackoffMultiplier float64

	DefaultApprovalTimeoutSeconds int

	// TaskFailureConsumesRetry resolves spec.md §9(b): whether a
	// task_handler failure consumes a workflow-level retry slot
	// (true, the default) or is immediately terminal (false).
	TaskFailureConsumesRetry bool
}

// Load reads configuration from the environment, applying the
// defaults spec.md §6 specifies.
func Load() Config {
	return Config{
		SigningKey:                    os.Getenv("SIGNING_KEY"),
		DatabaseURL:                   getString("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=workflowkernel port=5432 sslmode=disable"),
		RedisAddress:                  getString("REDIS_ADDRESS", "localhost:6379"),
		HTTPAddress:                   getString("HTTP_ADDRESS", ":8080"),
		TimeoutScanInterval:           getSeconds("TIMEOUT_SCAN_INTERVAL_SECONDS", 10),
		EventBusMaxRetries:            getInt("EVENT_BUS_MAX_RETRIES", 3),
		EventBusBackoffInitial:        getSeconds("EVENT_BUS_BACKOFF_INITIAL", 1),
		EventBusBackoffMultiplier:     getFloat("EVENT_BUS_BACKOFF_MULTIPLIER", 2.0),
		DefaultApprovalTimeoutSeconds: getInt("DEFAULT_APPROVAL_TIMEOUT_SECONDS", 3600),
		TaskFailureConsumesRetry:      getBool("TASK_FAILURE_CONSUMES_RETRY", true),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getInt(key, fallbackSeconds)) * time.Second
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
