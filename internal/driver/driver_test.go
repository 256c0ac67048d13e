package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/ralphy/internal/lockmgr"
	"github.com/harrison/ralphy/internal/logger"
	"github.com/harrison/ralphy/internal/model"
	"github.com/harrison/ralphy/internal/planner"
	"github.com/harrison/ralphy/internal/plancache"
	"github.com/harrison/ralphy/internal/queue"
	"github.com/harrison/ralphy/internal/retry"
	"github.com/harrison/ralphy/internal/runner"
	"github.com/harrison/ralphy/internal/taskstate"
)

// fakeExecutor stands in for the git-worktree/engine-apply step Non-goals
// (§1) scope out of this repo's hard engineering.
type fakeExecutor struct {
	files map[string][]byte
	err   error
}

func (f *fakeExecutor) Execute(ctx context.Context, task model.Task, plannedFiles []string) (map[string][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.files, nil
}

func writeFakeEngineScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeengine")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestDriver(t *testing.T, executor Executor) (*Driver, string) {
	workDir := t.TempDir()
	src := filepath.Join(workDir, "tasks.json")

	state, err := taskstate.Open(workDir, "json", src)
	require.NoError(t, err)

	q := queue.NewMemoryQueue()
	cache, err := plancache.Open(workDir)
	require.NoError(t, err)

	scriptPath := writeFakeEngineScript(t, "#!/bin/sh\n"+
		"echo '<ANALYSIS>ok</ANALYSIS><PLAN>1. do it</PLAN><FILES>out.txt</FILES><OPTIMIZATION></OPTIMIZATION>'\n")

	d := &Driver{
		Queue:      q,
		State:      state,
		Locks:      lockmgr.New(""),
		Breaker:    retry.NewCircuitBreaker(),
		PlanCache:  cache,
		Log:        logger.NewConsoleLogger(nil, "error"),
		WorkDir:    workDir,
		ProjectDir: workDir,
		Executor:   executor,
		Engine: planner.Engine{
			Registry:    runner.NewRegistry(),
			CommandName: scriptPath,
		},
	}
	return d, workDir
}

func TestRunOneCompletesATaskEndToEnd(t *testing.T) {
	executor := &fakeExecutor{files: map[string][]byte{"out.txt": []byte("hello")}}
	d, _ := newTestDriver(t, executor)

	task := model.Task{ID: "1", Title: "demo"}
	require.NoError(t, d.State.Sync([]model.Task{task}))
	require.NoError(t, d.Queue.Enqueue(task, model.PriorityNormal, 3))

	ran, err := d.RunOne(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	entry, ok := d.State.Get("1")
	require.True(t, ok)
	assert.Equal(t, model.StateCompleted, entry.State)
	assert.Len(t, d.Queue.GetCompleted(), 1)
}

func TestRunOneReturnsFalseWhenQueueEmpty(t *testing.T) {
	d, _ := newTestDriver(t, &fakeExecutor{})
	ran, err := d.RunOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunOneMarksFailedWhenRetryBudgetExhausted(t *testing.T) {
	executor := &fakeExecutor{err: assert.AnError}
	d, _ := newTestDriver(t, executor)

	task := model.Task{ID: "2", Title: "demo"}
	require.NoError(t, d.State.Sync([]model.Task{task}))
	require.NoError(t, d.Queue.Enqueue(task, model.PriorityNormal, 1))

	ran, err := d.RunOne(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	entry, ok := d.State.Get("2")
	require.True(t, ok)
	assert.Equal(t, model.StateFailed, entry.State)
	assert.Len(t, d.Queue.GetFailed(), 1)
}

func TestSeedQueueSkipsCompletedAndAlreadyQueuedTasks(t *testing.T) {
	workDir := t.TempDir()
	src := filepath.Join(workDir, "tasks.json")
	state, err := taskstate.Open(workDir, "json", src)
	require.NoError(t, err)

	done := true
	tasks := []model.Task{
		{ID: "1", Title: "a", Completed: done},
		{ID: "2", Title: "b"},
	}
	require.NoError(t, state.Sync(tasks))

	q := queue.NewMemoryQueue()
	require.NoError(t, SeedQueue(q, state, tasks, 3, SeedOptions{SkipCompleted: true}))

	assert.False(t, q.HasTask("1"))
	assert.True(t, q.HasTask("2"))
}

func TestSeedQueueHonorsRetryFailedToggle(t *testing.T) {
	workDir := t.TempDir()
	src := filepath.Join(workDir, "tasks.json")
	state, err := taskstate.Open(workDir, "json", src)
	require.NoError(t, err)

	task := model.Task{ID: "3", Title: "c"}
	require.NoError(t, state.Sync([]model.Task{task}))
	require.NoError(t, state.TransitionState("3", model.StateFailed, "boom"))

	q := queue.NewMemoryQueue()
	require.NoError(t, SeedQueue(q, state, []model.Task{task}, 3, SeedOptions{RetryFailed: false}))
	assert.False(t, q.HasTask("3"))

	require.NoError(t, SeedQueue(q, state, []model.Task{task}, 3, SeedOptions{RetryFailed: true}))
	assert.True(t, q.HasTask("3"))
}
