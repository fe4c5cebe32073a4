package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2, cfg.DLQMaxDeliveries)
	assert.Equal(t, 100*time.Millisecond, cfg.DLQMinIdle)
	assert.Greater(t, cfg.DLQMinIdle, cfg.PollInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 3, cfg.WorkQueueWorkers)
	// Exceeds the sum of the default per-type caps (2+3+1).
	assert.Equal(t, 7, cfg.TokenBucketWorkers)
	assert.Equal(t, 5, cfg.RequestTimeoutSec)
	assert.Equal(t, 500*time.Millisecond, cfg.SchedulerPollInterval)
	assert.Empty(t, cfg.ExtraTailStreams)
}

func TestNewEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("DLQ_MAX_DELIVERIES", "5")
	t.Setenv("DLQ_MIN_IDLE", "2s")
	t.Setenv("WORKER_POLL_INTERVAL", "50ms")
	t.Setenv("TAILER_EXTRA_STREAMS", "alpha.v1, beta.v1")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 5, cfg.DLQMaxDeliveries)
	assert.Equal(t, 2*time.Second, cfg.DLQMinIdle)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"alpha.v1", "beta.v1"}, cfg.ExtraTailStreams)
}

func TestNewIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("DLQ_MAX_DELIVERIES", "not-a-number")
	t.Setenv("DLQ_MIN_IDLE", "soon")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.DLQMaxDeliveries)
	assert.Equal(t, 100*time.Millisecond, cfg.DLQMinIdle)
}

func TestValidateRejectsIdleBelowPoll(t *testing.T) {
	t.Setenv("DLQ_MIN_IDLE", "50ms")
	t.Setenv("WORKER_POLL_INTERVAL", "100ms")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DLQ_MIN_IDLE")
}

func TestValidateRejectsLockTTLBelowMinIdle(t *testing.T) {
	t.Setenv("PER_KEY_MIN_IDLE", "1m")
	t.Setenv("PER_KEY_LOCK_TTL", "30s")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PER_KEY_MIN_IDLE")
}

func TestValidateRejectsBadCounts(t *testing.T) {
	t.Setenv("DLQ_MAX_DELIVERIES", "0")
	_, err := New()
	assert.Error(t, err)
}

func TestValidateRejectsBadTimeout(t *testing.T) {
	t.Setenv("REQUEST_REPLY_TIMEOUT_SEC", "0")
	_, err := New()
	assert.Error(t, err)
}
