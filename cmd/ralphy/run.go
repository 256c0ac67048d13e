package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/ralphy/internal/config"
	"github.com/harrison/ralphy/internal/driver"
	"github.com/harrison/ralphy/internal/model"
	"github.com/harrison/ralphy/internal/planner"
	"github.com/harrison/ralphy/internal/runner"
	"github.com/harrison/ralphy/internal/tasksource"
)

// engineExecutor adapts internal/planner into a driver.Executor: it
// drives the engine subprocess to produce a plan, then hands the
// planned file list back with empty content, since writing the actual
// files is the git-worktree/apply mechanic Non-goals (§1) scope out of
// this repo.
type engineExecutor struct {
	engine planner.Engine
	cfg    planner.Config
}

func (e *engineExecutor) Execute(ctx context.Context, task model.Task, plannedFiles []string) (map[string][]byte, error) {
	result, err := planner.Plan(ctx, e.engine, task, e.cfg, nil)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(result.Files))
	for _, f := range result.Files {
		files[f] = nil
	}
	return files, nil
}

func newRunCommand() *cobra.Command {
	var (
		configPath    string
		engineCmd     string
		engineArgs    []string
		streaming     bool
		maxConcurrent int
		timeoutStr    string
		skipCompleted bool
		retryFailed   bool
		queueBackend  string
		redisAddr     string
	)

	cmd := &cobra.Command{
		Use:   "run <task-source-file>",
		Short: "Drain the task source through the execution kernel",
		Long: `run loads a task source (CSV, YAML, JSON, or Markdown checklist),
seeds the queue, and repeatedly pulls, plans, locks, and executes tasks
until the queue is empty or the context is cancelled.

Configuration is loaded from <workDir>/.ralphy/config.yaml if present;
CLI flags override it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourcePath := args[0]
			workDir := filepath.Dir(sourcePath)

			var cfg *config.Config
			var err error
			if configPath != "" {
				cfg, err = config.LoadConfig(configPath)
			} else {
				cfg, err = config.LoadConfigFromDir(workDir)
			}
			if err != nil {
				return fmt.Errorf("ralphy: load config: %w", err)
			}

			var timeout *time.Duration
			if cmd.Flags().Changed("timeout") {
				d, err := time.ParseDuration(timeoutStr)
				if err != nil {
					return fmt.Errorf("ralphy: invalid --timeout %q: %w", timeoutStr, err)
				}
				timeout = &d
			}
			overrides := config.FlagOverrides{}
			if cmd.Flags().Changed("max-concurrency") {
				overrides.MaxConcurrency = &maxConcurrent
			}
			overrides.Timeout = timeout
			if cmd.Flags().Changed("skip-completed") {
				overrides.SkipCompleted = &skipCompleted
			}
			if cmd.Flags().Changed("retry-failed") {
				overrides.RetryFailed = &retryFailed
			}
			if cmd.Flags().Changed("queue-backend") {
				qb := config.QueueBackend(queueBackend)
				overrides.QueueBackend = &qb
			}
			if cmd.Flags().Changed("redis-addr") {
				overrides.RedisAddr = &redisAddr
			}
			cfg.MergeWithFlags(overrides)

			sourceType, err := tasksource.DetectSourceType(sourcePath)
			if err != nil {
				return fmt.Errorf("ralphy: %w", err)
			}
			data, err := os.ReadFile(sourcePath)
			if err != nil {
				return fmt.Errorf("ralphy: read task source: %w", err)
			}
			tasks, err := tasksource.Parse(sourceType, data)
			if err != nil {
				return fmt.Errorf("ralphy: parse task source: %w", err)
			}

			k, err := newKernel(cfg, workDir, string(sourceType), sourcePath)
			if err != nil {
				return err
			}
			defer k.close()

			if err := k.state.Sync(tasks); err != nil {
				return fmt.Errorf("ralphy: sync task state: %w", err)
			}
			seedOpts := driver.SeedOptions{SkipCompleted: cfg.SkipCompleted, RetryFailed: cfg.RetryFailed}
			if err := driver.SeedQueue(k.queue, k.state, tasks, maxRetriesOrDefault(cfg.MaxRetries), seedOpts); err != nil {
				return fmt.Errorf("ralphy: seed queue: %w", err)
			}

			registry := runner.NewRegistry()
			baseCtx, cancelTimeout := context.WithTimeout(context.Background(), cfg.Timeout)
			defer cancelTimeout()
			ctx, stop := runner.InstallSignalHandler(baseCtx, registry, 5*time.Second)
			defer stop()

			eng := planner.Engine{
				Registry:    registry,
				CommandName: engineCmd,
				Args:        engineArgs,
				Streaming:   streaming,
			}
			exec := &engineExecutor{engine: eng, cfg: planner.Config{WorkDir: workDir}}

			d := k.newDriver(exec)
			d.Engine = eng

			fmt.Fprintf(cmd.OutOrStdout(), "ralphy: running %d task(s) from %s\n", len(tasks), sourcePath)
			count, err := d.RunAll(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "ralphy: attempted %d task(s)\n", count)
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (default: <workDir>/.ralphy/config.yaml)")
	cmd.Flags().StringVar(&engineCmd, "engine-cmd", "", "engine subprocess command name (required)")
	cmd.Flags().StringSliceVar(&engineArgs, "engine-arg", nil, "engine subprocess argument (repeatable)")
	cmd.Flags().BoolVar(&streaming, "engine-streaming", false, "read the engine's output as line-delimited streaming text")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrency", 0, "concurrent driver loop limit (0 = unlimited); stored in the config only, the queue is drained by one loop")
	cmd.Flags().StringVar(&timeoutStr, "timeout", "", "maximum total execution time (e.g. 30m, 2h)")
	cmd.Flags().BoolVar(&skipCompleted, "skip-completed", false, "skip tasks already marked completed in the source")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "re-enqueue tasks that previously failed")
	cmd.Flags().StringVar(&queueBackend, "queue-backend", "", "queue backend: memory, file, or redis")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address, used only with --queue-backend=redis")
	cmd.MarkFlagRequired("engine-cmd")

	return cmd
}

func maxRetriesOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return 3
}
