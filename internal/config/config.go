// Package config loads ralphy's operator-facing tunables from
// <workDir>/.ralphy/config.yaml, layering defaults, then the config
// file, then CLI flag overrides — the same three-stage merge the
// teacher's own internal/config/config.go uses, generalized from
// conductor's wave/learning knobs to the execution kernel's own: queue
// backend selection, Redis address, retry/circuit-breaker thresholds,
// hash-store GC age, and lock manager retry/ceiling constants, all of
// which the distilled spec fixes as constants but a real config file
// lets an operator override.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueBackend selects one of 4.H's three interchangeable queue
// implementations.
type QueueBackend string

const (
	QueueBackendMemory QueueBackend = "memory"
	QueueBackendFile   QueueBackend = "file"
	QueueBackendRedis  QueueBackend = "redis"
)

// Config holds every kernel tunable an operator may want to override.
type Config struct {
	// MaxConcurrency is the requested limit on concurrent driver loops
	// (0 = unlimited). It is loaded, merged and validated, but the run
	// command does not read it: RunAll drains the queue in one loop.
	MaxConcurrency int `yaml:"max_concurrency"`

	// Timeout is the maximum total execution time of a run: the run
	// command uses it as the deadline for draining the whole queue.
	Timeout time.Duration `yaml:"timeout"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogDir names a directory for log files. It is loaded and merged,
	// but no component reads it and no log files are written.
	LogDir string `yaml:"log_dir"`

	// DryRun is loaded and merged, but no command reads it: the run
	// command invokes the engine whether or not it is set.
	DryRun bool `yaml:"dry_run"`

	// SkipCompleted skips tasks already marked completed in the source.
	SkipCompleted bool `yaml:"skip_completed"`

	// RetryFailed re-enqueues tasks that previously failed.
	RetryFailed bool `yaml:"retry_failed"`

	// QueueBackend selects memory, file, or redis (4.H).
	QueueBackend QueueBackend `yaml:"queue_backend"`

	// RedisAddr is the address of the Redis instance backing the
	// distributed queue, used only when QueueBackend == "redis".
	RedisAddr string `yaml:"redis_addr"`

	// MaxRetries is the retry engine's per-call retry budget (4.I).
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is loaded and validated but not passed to withRetry,
	// which the driver calls with its default 1s base delay.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay is loaded and validated but not passed to withRetry,
	// which the driver calls with its default 30s delay cap.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// CircuitResetTimeout is how long the circuit breaker stays OPEN
	// before admitting a HALF_OPEN trial (4.I specifies 30s).
	CircuitResetTimeout time.Duration `yaml:"circuit_reset_timeout"`

	// HashStoreGCAge is loaded and validated (default 24h), but
	// `ralphy cache gc` takes its age from the --max-age flag and does
	// not read this field.
	HashStoreGCAge time.Duration `yaml:"hash_store_gc_age"`

	// LockMaxRetries is the lock manager's default acquisition retry
	// budget (4.D specifies 5).
	LockMaxRetries int `yaml:"lock_max_retries"`

	// LockRegistryCeiling caps the in-memory lock table (4.D specifies 5000).
	LockRegistryCeiling int `yaml:"lock_registry_ceiling"`

	// HistoryDBPath is the sqlite database path for the observational
	// execution history (ambient, not part of the core's hard
	// engineering).
	HistoryDBPath string `yaml:"history_db_path"`
}

// DefaultConfig returns a Config with the spec's fixed constants as
// starting defaults, so a config file only needs to name what it wants
// to override.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency:       0,
		Timeout:              10 * time.Hour,
		LogLevel:             "info",
		LogDir:               ".ralphy/logs",
		DryRun:               false,
		SkipCompleted:        false,
		RetryFailed:          false,
		QueueBackend:         QueueBackendMemory,
		RedisAddr:            "127.0.0.1:6379",
		MaxRetries:           3,
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        30 * time.Second,
		CircuitResetTimeout:  30 * time.Second,
		HashStoreGCAge:       24 * time.Hour,
		LockMaxRetries:       5,
		LockRegistryCeiling:  5000,
		HistoryDBPath:        ".ralphy/history.db",
	}
}

// yamlConfig mirrors Config but with duration fields as strings, so
// time.Duration can round-trip through YAML's scalar parsing the way
// the teacher's own config.go handles Timeout.
type yamlConfig struct {
	MaxConcurrency       int          `yaml:"max_concurrency"`
	Timeout              string       `yaml:"timeout"`
	LogLevel             string       `yaml:"log_level"`
	LogDir               string       `yaml:"log_dir"`
	DryRun               bool         `yaml:"dry_run"`
	SkipCompleted        bool         `yaml:"skip_completed"`
	RetryFailed          bool         `yaml:"retry_failed"`
	QueueBackend         QueueBackend `yaml:"queue_backend"`
	RedisAddr            string       `yaml:"redis_addr"`
	MaxRetries           int          `yaml:"max_retries"`
	RetryBaseDelay       string       `yaml:"retry_base_delay"`
	RetryMaxDelay        string       `yaml:"retry_max_delay"`
	CircuitResetTimeout  string       `yaml:"circuit_reset_timeout"`
	HashStoreGCAge       string       `yaml:"hash_store_gc_age"`
	LockMaxRetries       int          `yaml:"lock_max_retries"`
	LockRegistryCeiling  int          `yaml:"lock_registry_ceiling"`
	HistoryDBPath        string       `yaml:"history_db_path"`
}

// LoadConfig loads configuration from the specified file path. If the
// file doesn't exist, returns default configuration without error; if
// it exists but is malformed, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}

	if yamlCfg.MaxConcurrency != 0 {
		cfg.MaxConcurrency = yamlCfg.MaxConcurrency
	}
	if err := mergeDuration(&cfg.Timeout, yamlCfg.Timeout); err != nil {
		return nil, err
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.LogDir != "" {
		cfg.LogDir = yamlCfg.LogDir
	}
	if yamlCfg.DryRun {
		cfg.DryRun = yamlCfg.DryRun
	}
	if yamlCfg.SkipCompleted {
		cfg.SkipCompleted = yamlCfg.SkipCompleted
	}
	if yamlCfg.RetryFailed {
		cfg.RetryFailed = yamlCfg.RetryFailed
	}
	if yamlCfg.QueueBackend != "" {
		cfg.QueueBackend = yamlCfg.QueueBackend
	}
	if yamlCfg.RedisAddr != "" {
		cfg.RedisAddr = yamlCfg.RedisAddr
	}
	if yamlCfg.MaxRetries != 0 {
		cfg.MaxRetries = yamlCfg.MaxRetries
	}
	if err := mergeDuration(&cfg.RetryBaseDelay, yamlCfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if err := mergeDuration(&cfg.RetryMaxDelay, yamlCfg.RetryMaxDelay); err != nil {
		return nil, err
	}
	if err := mergeDuration(&cfg.CircuitResetTimeout, yamlCfg.CircuitResetTimeout); err != nil {
		return nil, err
	}
	if err := mergeDuration(&cfg.HashStoreGCAge, yamlCfg.HashStoreGCAge); err != nil {
		return nil, err
	}
	if yamlCfg.LockMaxRetries != 0 {
		cfg.LockMaxRetries = yamlCfg.LockMaxRetries
	}
	if yamlCfg.LockRegistryCeiling != 0 {
		cfg.LockRegistryCeiling = yamlCfg.LockRegistryCeiling
	}
	if yamlCfg.HistoryDBPath != "" {
		cfg.HistoryDBPath = yamlCfg.HistoryDBPath
	}

	return cfg, nil
}

func mergeDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// LoadConfigFromDir loads configuration from .ralphy/config.yaml in the
// specified working directory.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, ".ralphy", "config.yaml"))
}

// FlagOverrides carries the subset of CLI flags that may override the
// config file, each nil unless the flag was explicitly set.
type FlagOverrides struct {
	MaxConcurrency *int
	Timeout        *time.Duration
	LogDir         *string
	DryRun         *bool
	SkipCompleted  *bool
	RetryFailed    *bool
	QueueBackend   *QueueBackend
	RedisAddr      *string
}

// MergeWithFlags applies any non-nil CLI flag override on top of the
// config file's values.
func (c *Config) MergeWithFlags(flags FlagOverrides) {
	if flags.MaxConcurrency != nil {
		c.MaxConcurrency = *flags.MaxConcurrency
	}
	if flags.Timeout != nil {
		c.Timeout = *flags.Timeout
	}
	if flags.LogDir != nil {
		c.LogDir = *flags.LogDir
	}
	if flags.DryRun != nil {
		c.DryRun = *flags.DryRun
	}
	if flags.SkipCompleted != nil {
		c.SkipCompleted = *flags.SkipCompleted
	}
	if flags.RetryFailed != nil {
		c.RetryFailed = *flags.RetryFailed
	}
	if flags.QueueBackend != nil {
		c.QueueBackend = *flags.QueueBackend
	}
	if flags.RedisAddr != nil {
		c.RedisAddr = *flags.RedisAddr
	}
}

// Validate catches out-of-range configuration values.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("config: max_concurrency must be >= 0, got %d", c.MaxConcurrency)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("config: invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must be >= 0, got %v", c.Timeout)
	}

	switch c.QueueBackend {
	case QueueBackendMemory, QueueBackendFile, QueueBackendRedis:
	default:
		return fmt.Errorf("config: invalid queue_backend %q, must be one of: memory, file, redis", c.QueueBackend)
	}
	if c.QueueBackend == QueueBackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("config: redis_addr cannot be empty when queue_backend is redis")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("config: retry_base_delay must be > 0, got %v", c.RetryBaseDelay)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry_max_delay must be >= retry_base_delay")
	}
	if c.CircuitResetTimeout <= 0 {
		return fmt.Errorf("config: circuit_reset_timeout must be > 0, got %v", c.CircuitResetTimeout)
	}
	if c.HashStoreGCAge < 0 {
		return fmt.Errorf("config: hash_store_gc_age must be >= 0, got %v", c.HashStoreGCAge)
	}
	if c.LockMaxRetries <= 0 {
		return fmt.Errorf("config: lock_max_retries must be > 0, got %d", c.LockMaxRetries)
	}
	if c.LockRegistryCeiling <= 0 {
		return fmt.Errorf("config: lock_registry_ceiling must be > 0, got %d", c.LockRegistryCeiling)
	}

	return nil
}
