package taskstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/ralphy/internal/model"
)

func newManagerWithTasks(t *testing.T, tasks []model.Task) (*Manager, string) {
	workDir := t.TempDir()
	m, err := Open(workDir, "json", "tasks.json")
	require.NoError(t, err)
	require.NoError(t, m.Sync(tasks))
	return m, workDir
}

func TestSyncSeedsNewTasksAsPending(t *testing.T) {
	m, _ := newManagerWithTasks(t, []model.Task{{ID: "1", Title: "A"}, {ID: "2", Title: "B"}})

	entry, ok := m.Get("1")
	require.True(t, ok)
	assert.Equal(t, model.StatePending, entry.State)
	assert.Equal(t, 0, entry.AttemptCount)
}

func TestClaimTaskForExecutionOnlyWinsOncePending(t *testing.T) {
	m, _ := newManagerWithTasks(t, []model.Task{{ID: "1", Title: "A"}})

	won, err := m.ClaimTaskForExecution("1")
	require.NoError(t, err)
	assert.True(t, won)

	wonAgain, err := m.ClaimTaskForExecution("1")
	require.NoError(t, err)
	assert.False(t, wonAgain, "a running task cannot be claimed again")

	entry, _ := m.Get("1")
	assert.Equal(t, model.StateRunning, entry.State)
	assert.Equal(t, 1, entry.AttemptCount)
}

func TestTransitionStateAppendsErrorHistory(t *testing.T) {
	m, _ := newManagerWithTasks(t, []model.Task{{ID: "1", Title: "A"}})
	_, err := m.ClaimTaskForExecution("1")
	require.NoError(t, err)

	require.NoError(t, m.TransitionState("1", model.StateFailed, "boom"))

	entry, _ := m.Get("1")
	assert.Equal(t, model.StateFailed, entry.State)
	assert.Equal(t, []string{"boom"}, entry.ErrorHistory)
}

func TestResetTaskClearsAttemptCount(t *testing.T) {
	m, _ := newManagerWithTasks(t, []model.Task{{ID: "1", Title: "A"}})
	_, err := m.ClaimTaskForExecution("1")
	require.NoError(t, err)
	require.NoError(t, m.TransitionState("1", model.StateFailed, "err"))

	require.NoError(t, m.ResetTask("1"))
	entry, _ := m.Get("1")
	assert.Equal(t, model.StatePending, entry.State)
	assert.Equal(t, 0, entry.AttemptCount)
}

func TestCrashRecoveryDowngradesRunningToPending(t *testing.T) {
	m, workDir := newManagerWithTasks(t, []model.Task{{ID: "1", Title: "A"}})
	won, err := m.ClaimTaskForExecution("1")
	require.NoError(t, err)
	require.True(t, won)

	// Simulate a process restart against the same on-disk state.
	m2, err := Open(workDir, "json", "tasks.json")
	require.NoError(t, err)

	entry, ok := m2.Get("1")
	require.True(t, ok)
	assert.Equal(t, model.StatePending, entry.State)
	assert.Equal(t, 0, entry.AttemptCount)
}

func TestSyncDropsUnknownStoredTasks(t *testing.T) {
	m, workDir := newManagerWithTasks(t, []model.Task{{ID: "1", Title: "A"}, {ID: "2", Title: "B"}})
	_ = workDir

	require.NoError(t, m.Sync([]model.Task{{ID: "1", Title: "A"}}))

	_, ok := m.Get("2")
	assert.False(t, ok)
}

func TestYAMLFormatPersistsAndReloads(t *testing.T) {
	workDir := t.TempDir()
	m, err := Open(workDir, "yaml", "tasks.yaml")
	require.NoError(t, err)
	require.NoError(t, m.Sync([]model.Task{{ID: "1", Title: "A"}}))

	path := filepath.Join(workDir, ".ralphy", "task-state.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "version: 1")

	m2, err := Open(workDir, "yaml", "tasks.yaml")
	require.NoError(t, err)
	entry, ok := m2.Get("1")
	require.True(t, ok)
	assert.Equal(t, model.StatePending, entry.State)
}
