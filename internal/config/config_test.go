package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, int64(50*1024*1024), cfg.MaxStructuredBytes)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, []string{".csv", ".tsv", ".txt", ".json"}, cfg.AllowedExtensions)
	assert.Greater(t, cfg.MaxConcurrentJobs, 0)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "3")
	t.Setenv("LOCK_TTL", "90s")
	t.Setenv("ALLOWED_EXTENSIONS", ".csv, .json ,")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("MAX_ERROR_RATE", "0.25")
	t.Setenv("MAX_DELIMITED_BYTES", "not-a-number")

	cfg := Load()

	assert.Equal(t, 3, cfg.MaxConcurrentJobs)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.Equal(t, []string{".csv", ".json"}, cfg.AllowedExtensions)
	assert.True(t, cfg.S3PathStyle)
	assert.InDelta(t, 0.25, cfg.MaxErrorRate, 1e-9)
	assert.Equal(t, int64(100*1024*1024), cfg.MaxDelimitedBytes)
}

func TestMaxBytesFor(t *testing.T) {
	cfg := Config{MaxStructuredBytes: 10, MaxDelimitedBytes: 20}
	assert.Equal(t, int64(20), cfg.MaxBytesFor(true))
	assert.Equal(t, int64(10), cfg.MaxBytesFor(false))
}
