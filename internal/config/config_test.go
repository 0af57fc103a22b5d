package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "smtp", cfg.Provider)
	assert.Equal(t, 3, cfg.RetryCeiling)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.Equal(t, 30*time.Minute, cfg.BackoffMax)
	assert.Equal(t, 10*time.Minute, cfg.StaleAfter)
	assert.Equal(t, "email", cfg.QueuePrefix)
	assert.Less(t, cfg.HeartbeatInterval, cfg.HeartbeatStaleAfter)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("RETRY_CEILING", "7")
	t.Setenv("RATE_WINDOW", "1m")
	t.Setenv("PROVIDER", "mailgun")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RetryCeiling)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, "mailgun", cfg.Provider)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	t.Setenv("BACKOFF_JITTER", "2")
	t.Setenv("HEARTBEAT_INTERVAL", "2m")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
	assert.Contains(t, err.Error(), "BACKOFF_JITTER")
	assert.Contains(t, err.Error(), "HEARTBEAT_INTERVAL")
}
