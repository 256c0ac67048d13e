package main

import (
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/harrison/ralphy/internal/config"
	"github.com/harrison/ralphy/internal/driver"
	"github.com/harrison/ralphy/internal/history"
	"github.com/harrison/ralphy/internal/lockmgr"
	"github.com/harrison/ralphy/internal/logger"
	"github.com/harrison/ralphy/internal/plancache"
	"github.com/harrison/ralphy/internal/queue"
	"github.com/harrison/ralphy/internal/retry"
	"github.com/harrison/ralphy/internal/taskstate"
)

// kernel bundles the authorities every subcommand needs, built once
// from the merged configuration so no kernel package ever has to know
// about cobra or YAML.
type kernel struct {
	cfg     *config.Config
	workDir string
	state   *taskstate.Manager
	queue   queue.Queue
	locks   *lockmgr.LockManager
	breaker *retry.CircuitBreaker
	cache   *plancache.Cache
	log     logger.Logger
	history *history.Store
}

func buildQueue(cfg *config.Config, workDir string) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendMemory:
		return queue.NewMemoryQueue(), nil
	case config.QueueBackendFile:
		return queue.OpenFileQueue(filepath.Join(workDir, ".ralphy", "queue.json"))
	case config.QueueBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisQueue(client, "ralphy:"), nil
	default:
		return nil, fmt.Errorf("ralphy: unknown queue backend %q", cfg.QueueBackend)
	}
}

// newKernel wires the five authorities (plus the observational history
// store) from merged config, never as package globals, per Design Note
// "process-global singletons" — the CLI constructs exactly one of each
// per invocation and hands them to internal/driver by reference.
func newKernel(cfg *config.Config, workDir, sourceType, sourcePath string) (*kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	state, err := taskstate.Open(workDir, sourceType, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("ralphy: open task state: %w", err)
	}

	q, err := buildQueue(cfg, workDir)
	if err != nil {
		return nil, err
	}

	cache, err := plancache.Open(workDir)
	if err != nil {
		return nil, fmt.Errorf("ralphy: open planning cache: %w", err)
	}

	hist, err := history.Open(filepath.Join(workDir, cfg.HistoryDBPath))
	if err != nil {
		return nil, fmt.Errorf("ralphy: open history store: %w", err)
	}

	return &kernel{
		cfg:     cfg,
		workDir: workDir,
		state:   state,
		queue:   q,
		locks:   lockmgr.NewWithCeiling("", cfg.LockRegistryCeiling),
		breaker: retry.NewCircuitBreakerWithResetTimeout(cfg.CircuitResetTimeout),
		cache:   cache,
		log:     logger.NewConsoleLogger(nil, cfg.LogLevel),
		history: hist,
	}, nil
}

func (k *kernel) newDriver(exec driver.Executor) *driver.Driver {
	return &driver.Driver{
		Queue:          k.queue,
		State:          k.state,
		Locks:          k.locks,
		Breaker:        k.breaker,
		PlanCache:      k.cache,
		Log:            k.log,
		WorkDir:        k.workDir,
		ProjectDir:     k.workDir,
		Executor:       exec,
		MaxRetries:     k.cfg.MaxRetries,
		LockMaxRetries: k.cfg.LockMaxRetries,
		History:        k.history,
	}
}

func (k *kernel) close() {
	if k.history != nil {
		_ = k.history.Close()
	}
	_ = k.queue.Close()
}
