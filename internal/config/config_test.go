package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecConstants(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0, cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Hour, cfg.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, QueueBackendMemory, cfg.QueueBackend)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.CircuitResetTimeout)
	assert.Equal(t, 24*time.Hour, cfg.HashStoreGCAge)
	assert.Equal(t, 5, cfg.LockMaxRetries)
	assert.Equal(t, 5000, cfg.LockRegistryCeiling)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `queue_backend: redis
redis_addr: 10.0.0.5:6379
max_retries: 7
retry_base_delay: 500ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, QueueBackendRedis, cfg.QueueBackend)
	assert.Equal(t, "10.0.0.5:6379", cfg.RedisAddr)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	// untouched fields keep their defaults
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.HashStoreGCAge)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: at: all:"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigFromDirJoinsRalphyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ralphy"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ralphy", "config.yaml"), []byte("log_level: warn\n"), 0644))

	cfg, err := LoadConfigFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestMergeWithFlagsOverridesConfig(t *testing.T) {
	cfg := DefaultConfig()
	maxConcurrency := 4
	timeout := 2 * time.Hour
	dryRun := true

	cfg.MergeWithFlags(FlagOverrides{
		MaxConcurrency: &maxConcurrency,
		Timeout:        &timeout,
		DryRun:         &dryRun,
	})

	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 2*time.Hour, cfg.Timeout)
	assert.True(t, cfg.DryRun)
	// flags left nil don't disturb the rest
	assert.Equal(t, QueueBackendMemory, cfg.QueueBackend)
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative max concurrency", func(c *Config) { c.MaxConcurrency = -1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad queue backend", func(c *Config) { c.QueueBackend = "kafka" }},
		{"redis backend without address", func(c *Config) { c.QueueBackend = QueueBackendRedis; c.RedisAddr = "" }},
		{"zero retry base delay", func(c *Config) { c.RetryBaseDelay = 0 }},
		{"max delay below base delay", func(c *Config) { c.RetryBaseDelay = time.Minute; c.RetryMaxDelay = time.Second }},
		{"zero lock max retries", func(c *Config) { c.LockMaxRetries = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}
