// Package driver implements the control-flow loop §2 describes as the
// "external driver": pull a state-manager entry, acquire locks for the
// planned file set, invoke the engine adapter, write the result through
// the hash store, record the state transition, release locks. The
// driver is the thing that wires components A-J together into a
// runnable program; it owns no durable state of its own and holds the
// state manager, queue, lock manager, circuit breaker and planning cache
// by reference, never as package globals. Each task's hash store is
// opened when that task's results are stored.
package driver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/harrison/ralphy/internal/errs"
	"github.com/harrison/ralphy/internal/hashstore"
	"github.com/harrison/ralphy/internal/history"
	"github.com/harrison/ralphy/internal/lockmgr"
	"github.com/harrison/ralphy/internal/logger"
	"github.com/harrison/ralphy/internal/model"
	"github.com/harrison/ralphy/internal/planner"
	"github.com/harrison/ralphy/internal/plancache"
	"github.com/harrison/ralphy/internal/queue"
	"github.com/harrison/ralphy/internal/retry"
	"github.com/harrison/ralphy/internal/taskstate"
)

// Executor runs the engine for one task and returns the files it
// touched along with their content, so the driver can write them
// through the hash store. A real executor wraps internal/planner and
// an engine-specific apply step; Non-goals (§1) scope out the actual
// git-worktree/file-write mechanics, so Executor is the seam the CLI
// wires a concrete implementation into.
type Executor interface {
	Execute(ctx context.Context, task model.Task, plannedFiles []string) (map[string][]byte, error)
}

// Driver wires the five authorities into one control loop.
type Driver struct {
	Queue      queue.Queue
	State      *taskstate.Manager
	Locks      *lockmgr.LockManager
	Breaker    *retry.CircuitBreaker
	PlanCache  *plancache.Cache
	Log        logger.Logger
	WorkDir    string
	ProjectDir string
	Executor      Executor
	Engine        planner.Engine
	MaxRetries    int
	LockMaxRetries int
	History       *history.Store // optional; observational only, never consulted by the kernel
}

// recordHistory appends an observational row, logging rather than
// failing the task on a history-store error since history is never
// consulted by scheduling decisions.
func (d *Driver) recordHistory(ctx context.Context, task model.Task, attempt int, state model.State, started time.Time, errMsg string) {
	if d.History == nil {
		return
	}
	if err := d.History.RecordExecution(ctx, history.Record{
		TaskID:       task.ID,
		Title:        task.Title,
		Attempt:      attempt,
		State:        string(state),
		DurationMs:   time.Since(started).Milliseconds(),
		ErrorMessage: errMsg,
	}); err != nil {
		d.Log.Warn("task %s: history record: %v", task.ID, err)
	}
}

// RunOne pulls exactly one item off the queue and drives it through the
// full lock-plan-execute-store-release cycle. It returns false with no
// error when the queue is empty.
func (d *Driver) RunOne(ctx context.Context) (bool, error) {
	started := time.Now()
	item, ok, err := d.Queue.Dequeue()
	if err != nil {
		return false, fmt.Errorf("driver: dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}

	task := item.Task
	claimed, err := d.State.ClaimTaskForExecution(task.ID)
	if err != nil {
		return false, fmt.Errorf("driver: claim %s: %w", task.ID, err)
	}
	if !claimed {
		d.Log.Warn("task %s already running in state manager; skipping this pull", task.ID)
		_ = d.Queue.MarkSkipped(task.ID)
		return true, nil
	}

	if err := d.Queue.MarkRunning(task.ID); err != nil {
		d.Log.Warn("queue markRunning %s: %v", task.ID, err)
	}

	d.Log.Info("task %s: planning", task.ID)
	plannedFiles, planErr := d.planFiles(ctx, task)
	if planErr != nil {
		return true, d.fail(ctx, task, item.Attempts, started, planErr)
	}

	// Deadlock avoidance per 4.D's canonical strategy: sort paths
	// lexicographically before a multi-acquire so that any two drivers
	// racing over an overlapping file set always request them in the
	// same order.
	sort.Strings(plannedFiles)

	if len(plannedFiles) > 0 {
		acquired, lockErr := d.Locks.AcquireMany(plannedFiles, d.WorkDir, lockmgr.AcquireOptions{MaxRetries: d.LockMaxRetries})
		if lockErr != nil {
			return true, d.fail(ctx, task, item.Attempts, started, lockErr)
		}
		if !acquired {
			d.Log.Warn("task %s: could not acquire all planned-file locks, returning to pending", task.ID)
			_ = d.Queue.ResetTask(task.ID)
			_ = d.State.ResetTask(task.ID)
			return true, nil
		}
		defer func() {
			if relErr := d.Locks.ReleaseMany(plannedFiles, d.WorkDir); relErr != nil {
				d.Log.Warn("task %s: release locks: %v", task.ID, relErr)
			}
		}()
	}

	execErr := retry.WithRetry(ctx, func(ctx context.Context) error {
		return d.executeAndStore(ctx, task, plannedFiles)
	}, retry.Options{MaxRetries: d.maxRetries(), Breaker: d.Breaker})

	if execErr != nil {
		return true, d.fail(ctx, task, item.Attempts, started, execErr)
	}

	if err := d.State.TransitionState(task.ID, model.StateCompleted, ""); err != nil {
		d.Log.Warn("task %s: transition completed: %v", task.ID, err)
	}
	if err := d.Queue.MarkComplete(task.ID); err != nil {
		d.Log.Warn("task %s: queue markComplete: %v", task.ID, err)
	}
	d.recordHistory(ctx, task, item.Attempts+1, model.StateCompleted, started, "")
	d.Log.Info("task %s: completed", task.ID)
	return true, nil
}

func (d *Driver) maxRetries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return 3
}

// planFiles consults the planning cache before invoking the planner
// (closing the read-path gap Open Question (c) leaves, per DESIGN.md).
func (d *Driver) planFiles(ctx context.Context, task model.Task) ([]string, error) {
	if d.PlanCache != nil {
		if entry, fresh, err := d.PlanCache.Get(task.ID, task.Title); err == nil && fresh {
			d.Log.Debug("task %s: planning cache hit (%d files)", task.ID, len(entry.Files))
			return entry.Files, nil
		}
	}

	result, err := planner.Plan(ctx, d.Engine, task, planner.Config{WorkDir: d.WorkDir}, nil)
	if err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errs.New(errs.CodeProcess, result.Error)
	}
	if d.PlanCache != nil {
		if err := d.PlanCache.Put(task.ID, task.Title, result.Files); err != nil {
			d.Log.Warn("task %s: planning cache write: %v", task.ID, err)
		}
	}
	return result.Files, nil
}

func (d *Driver) executeAndStore(ctx context.Context, task model.Task, plannedFiles []string) error {
	files, err := d.Executor.Execute(ctx, task, plannedFiles)
	if err != nil {
		return err
	}

	store, err := hashstore.Open(d.ProjectDir, task.ID)
	if err != nil {
		return fmt.Errorf("driver: open hash store for %s: %w", task.ID, err)
	}
	for relPath, content := range files {
		if _, err := store.AddFile(relPath, content); err != nil {
			return fmt.Errorf("driver: store %s: %w", relPath, err)
		}
	}
	return nil
}

func (d *Driver) fail(ctx context.Context, task model.Task, attemptsBefore int, started time.Time, cause error) error {
	taskID := task.ID
	classified := errs.Normalize(cause)
	msg := classified.Error()

	if errs.IsFatal(classified) {
		_ = d.State.TransitionState(taskID, model.StateFailed, msg)
		_, _ = d.Queue.MarkFailed(taskID, msg)
		d.recordHistory(ctx, task, attemptsBefore+1, model.StateFailed, started, msg)
		d.Log.Error("task %s: fatal error, aborting: %s", taskID, msg)
		return fmt.Errorf("driver: fatal error on task %s: %w", taskID, cause)
	}

	item, markErr := d.Queue.MarkFailed(taskID, msg)
	if markErr != nil {
		d.Log.Warn("task %s: queue markFailed: %v", taskID, markErr)
	}
	if item != nil && item.Attempts >= item.MaxAttempts {
		_ = d.State.TransitionState(taskID, model.StateFailed, msg)
		d.recordHistory(ctx, task, attemptsBefore+1, model.StateFailed, started, msg)
		d.Log.Error("task %s: failed, retry budget exhausted: %s", taskID, msg)
	} else {
		_ = d.State.TransitionState(taskID, model.StatePending, msg)
		d.recordHistory(ctx, task, attemptsBefore+1, model.StatePending, started, msg)
		d.Log.Warn("task %s: failed, will retry: %s", taskID, msg)
	}
	return nil
}

// RunAll drains the queue, calling RunOne until it reports empty or ctx
// is cancelled. It returns the count of tasks attempted.
func (d *Driver) RunAll(ctx context.Context) (int, error) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}
		ran, err := d.RunOne(ctx)
		if err != nil {
			return count, err
		}
		if !ran {
			return count, nil
		}
		count++
	}
}

// SeedOptions controls which already-attempted tasks SeedQueue
// re-enqueues, mirroring the teacher's --skip-completed/--retry-failed
// flag pair.
type SeedOptions struct {
	// SkipCompleted excludes tasks already marked completed, either in
	// the task source itself or in the state manager. When false,
	// completed tasks are enqueued again.
	SkipCompleted bool
	// RetryFailed re-enqueues tasks the state manager has in the Failed
	// state. When false, a Failed task is left alone.
	RetryFailed bool
}

// SeedQueue enqueues tasks known to the state manager, honoring
// parallelGroup-derived priority: tasks in parallel group 0 get High
// priority; tasks in any other group, or in no group, get Normal.
func SeedQueue(q queue.Queue, state *taskstate.Manager, tasks []model.Task, maxAttempts int, opts SeedOptions) error {
	for _, t := range tasks {
		entry, hasEntry := state.Get(t.ID)

		if opts.SkipCompleted && (t.Completed || (hasEntry && entry.State == model.StateCompleted)) {
			continue
		}
		if hasEntry && entry.State == model.StateSkipped {
			continue
		}
		if hasEntry && entry.State == model.StateFailed && !opts.RetryFailed {
			continue
		}
		if q.HasTask(t.ID) {
			continue
		}

		priority := model.PriorityNormal
		if t.ParallelGroup != nil && *t.ParallelGroup == 0 {
			priority = model.PriorityHigh
		}
		if err := q.Enqueue(t, priority, maxAttempts); err != nil {
			return fmt.Errorf("driver: seed %s: %w", t.ID, err)
		}
	}
	return nil
}
