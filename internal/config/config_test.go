package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 3, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.JobRetention)
	assert.Equal(t, 100, cfg.GitHost.PerPage)
	assert.Equal(t, time.Hour, cfg.GitHost.MaxRateWait)
	assert.Equal(t, 50, cfg.Bulk.BatchSize)
	assert.Equal(t, DefaultScoreConfig(), cfg.Score)
}

func TestNewFromEnv_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("WORKER_COUNT", "7")
	t.Setenv("JOB_RETENTION", "2h")
	t.Setenv("GITHOST_REQUESTS_PER_SEC", "0.5")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Equal(t, 7, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.JobRetention)
	assert.Equal(t, 0.5, cfg.GitHost.RequestsPerSec)
}

func TestNewFromEnv_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("JOB_RETENTION", "soon")

	cfg, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.JobRetention)
}

func TestNewFromEnv_Validation(t *testing.T) {
	_, err := NewFromEnv(func(c *Config) { c.Scheduler.WorkerCount = 0 })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_COUNT")

	_, err = NewFromEnv(func(c *Config) { c.Scheduler.SyncCron = "@hourly" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GITHOST_API_URL")

	_, err = NewFromEnv(func(c *Config) {
		c.Scheduler.SyncCron = "@hourly"
		c.GitHost.APIURL = "https://api.example.com"
	})
	require.NoError(t, err)
}
