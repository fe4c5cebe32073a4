// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration values loaded from environment variables.
// It provides a centralized, type-safe way to access configuration throughout the application.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // Read/write timeout for the HTTP server

	// Redis connection
	RedisAddr     string // Redis server address (e.g., "localhost:6379")
	RedisPassword string // Redis password (empty for none)
	RedisDB       int    // Redis database number
	RedisPoolSize int    // Connection pool size shared by all workers

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)

	// DLQ demo defaults
	DLQMaxDeliveries int           // Deliveries before an entry is dead-lettered
	DLQMinIdle       time.Duration // Minimum idle time before a pending entry may be claimed

	// Worker pools
	WorkQueueWorkers   int           // Competing consumers sharing one group
	FanoutWorkers      int           // Consumers with a private group each
	PerKeyWorkers      int           // Per-key serialized pool size
	TokenBucketWorkers int           // Token-bucket pool size (should exceed the sum of caps)
	PollInterval       time.Duration // Sleep between worker polls
	ProcessingDelay    time.Duration // Simulated processing time per entry
	ErrorBackoff       time.Duration // Back-off after a transient broker error

	// Per-key serialized processor
	PerKeyLockTTL  time.Duration // Safety-net TTL on the per-key lock
	PerKeyMinIdle  time.Duration // Idle threshold for AUTOCLAIM re-delivery
	PerKeyReadWait time.Duration // Block ceiling for the group read

	// Request/reply
	RequestTimeoutSec int // Expiry in seconds on the correlation timeout key

	// Delayed scheduler
	SchedulerPollInterval time.Duration // Sorted-index poll cadence
	SchedulerBatchSize    int           // Due entries drained per poll

	// Stream tailer
	TailerBlock      time.Duration // Block ceiling on the tailing read
	TailerReadCount  int64         // Entries per tailing read
	TailerErrorSleep time.Duration // Sleep before retrying a failed read
	ExtraTailStreams []string      // Additional streams to tail besides the built-in set
}

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set,
// and validates cross-field constraints.
func New() (*Config, error) {
	config := &Config{
		ListenAddr:     getEnvString("LISTEN_ADDR", ":8080"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvString("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPoolSize: getEnvInt("REDIS_POOL_SIZE", 32),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),

		DLQMaxDeliveries: getEnvInt("DLQ_MAX_DELIVERIES", 2),
		DLQMinIdle:       getEnvDuration("DLQ_MIN_IDLE", 100*time.Millisecond),

		WorkQueueWorkers: getEnvInt("WORK_QUEUE_WORKERS", 3),
		FanoutWorkers:    getEnvInt("FANOUT_WORKERS", 3),
		PerKeyWorkers:    getEnvInt("PER_KEY_WORKERS", 3),
		// One more worker than the default caps add up to (2+3+1), so a full
		// bucket always has a competing job to refuse.
		TokenBucketWorkers: getEnvInt("TOKEN_BUCKET_WORKERS", 7),
		PollInterval:       getEnvDuration("WORKER_POLL_INTERVAL", 50*time.Millisecond),
		ProcessingDelay:    getEnvDuration("WORKER_PROCESSING_DELAY", 200*time.Millisecond),
		ErrorBackoff:       getEnvDuration("WORKER_ERROR_BACKOFF", time.Second),

		PerKeyLockTTL:  getEnvDuration("PER_KEY_LOCK_TTL", 30*time.Second),
		PerKeyMinIdle:  getEnvDuration("PER_KEY_MIN_IDLE", 500*time.Millisecond),
		PerKeyReadWait: getEnvDuration("PER_KEY_READ_WAIT", 100*time.Millisecond),

		RequestTimeoutSec: getEnvInt("REQUEST_REPLY_TIMEOUT_SEC", 5),

		SchedulerPollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", 500*time.Millisecond),
		SchedulerBatchSize:    getEnvInt("SCHEDULER_BATCH_SIZE", 10),

		TailerBlock:      getEnvDuration("TAILER_BLOCK", time.Second),
		TailerReadCount:  int64(getEnvInt("TAILER_READ_COUNT", 100)),
		TailerErrorSleep: getEnvDuration("TAILER_ERROR_SLEEP", 5*time.Second),
		ExtraTailStreams: getEnvStringSlice("TAILER_EXTRA_STREAMS", nil),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field constraints that the workers rely on.
func (c *Config) Validate() error {
	if c.DLQMaxDeliveries < 1 {
		return fmt.Errorf("DLQ_MAX_DELIVERIES must be at least 1, got %d", c.DLQMaxDeliveries)
	}
	// Retries for un-acked entries are driven by idle-based re-claim; if an
	// entry can be claimed before the poll interval elapses, a single worker
	// could see the same entry twice within one cycle.
	if c.DLQMinIdle <= c.PollInterval {
		return fmt.Errorf("DLQ_MIN_IDLE (%s) must exceed WORKER_POLL_INTERVAL (%s)", c.DLQMinIdle, c.PollInterval)
	}
	// AUTOCLAIM must be able to resurface an entry before the lock expires.
	if c.PerKeyMinIdle >= c.PerKeyLockTTL {
		return fmt.Errorf("PER_KEY_MIN_IDLE (%s) must be below PER_KEY_LOCK_TTL (%s)", c.PerKeyMinIdle, c.PerKeyLockTTL)
	}
	if c.RequestTimeoutSec < 1 {
		return fmt.Errorf("REQUEST_REPLY_TIMEOUT_SEC must be at least 1, got %d", c.RequestTimeoutSec)
	}
	return nil
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvStringSlice retrieves a comma-separated string value from an environment
// variable and splits it into a slice of strings, falling back to the provided
// default value if the variable is not set or is empty.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
