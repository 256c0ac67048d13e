package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/ralphy/internal/model"
	"github.com/harrison/ralphy/internal/runner"
)

// writeFakeEngine writes an executable shell script standing in for the
// opaque external engine CLI, returning its path. Used instead of a
// mock so the planner is exercised through the same runner.Exec path a
// real engine invocation takes.
func writeFakeEngine(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeengine")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestParseExtractsAllFourSections(t *testing.T) {
	output := "noise before\n" +
		"<ANALYSIS>\nUse OAuth for login.\n</ANALYSIS>\n" +
		"<PLAN>\n1. Add provider config\n2) Wire callback route\n- Add tests\n</PLAN>\n" +
		"<FILES>\n" +
		"- `./internal/auth/login.go`\n" +
		"* internal\\auth\\callback.go\n" +
		"# a comment, ignored\n" +
		"internal/auth/login.go\n" +
		"</FILES>\n" +
		"<OPTIMIZATION>\nCache the provider discovery document.\n</OPTIMIZATION>\n"

	r := Parse(output)
	assert.Equal(t, "Use OAuth for login.", r.Analysis)
	assert.Equal(t, []string{"Add provider config", "Wire callback route", "Add tests"}, r.Plan)
	assert.Equal(t, []string{"internal/auth/login.go", "internal/auth/callback.go"}, r.Files)
	assert.Equal(t, "Cache the provider discovery document.", r.Optimization)
}

func TestParseFileListDeduplicatesPreservingOrder(t *testing.T) {
	files := parseFileList("a.go\nb.go\na.go\n./b.go\n")
	assert.Equal(t, []string{"a.go", "b.go"}, files)
}

func TestLooksLikeRawToolUseDetectsMalformedOutput(t *testing.T) {
	assert.True(t, looksLikeRawToolUse(`{"type":"tool_use","name":"Read"}`))
	assert.False(t, looksLikeRawToolUse("<ANALYSIS>fine</ANALYSIS><PLAN>1. ok</PLAN><FILES>a.go</FILES><OPTIMIZATION></OPTIMIZATION>"))
	assert.False(t, looksLikeRawToolUse("plain text response"))
}

func TestPlanReplansOnMalformedOutputUntilBudgetExhausted(t *testing.T) {
	countFile := filepath.Join(t.TempDir(), "calls")
	scriptPath := writeFakeEngine(t, "#!/bin/sh\n"+
		"echo x >> '"+countFile+"'\n"+
		"echo '{\"type\":\"tool_use\",\"name\":\"Read\"}'\n")

	eng := Engine{
		Registry:    runner.NewRegistry(),
		CommandName: scriptPath,
	}

	var stages []string
	result, err := Plan(context.Background(), eng, model.Task{ID: "1", Title: "demo"}, Config{MaxReplans: 3}, func(ev ProgressEvent) {
		stages = append(stages, ev.Stage)
	})
	require.NoError(t, err)

	data, readErr := os.ReadFile(countFile)
	require.NoError(t, readErr)
	assert.Len(t, data, 8) // "x\n" x 4: initial attempt + 3 replans
	assert.Empty(t, result.Files)
	assert.Contains(t, result.Error, "Planning failed")
	assert.Contains(t, stages, "started")
	assert.Contains(t, stages, "failed")
}

func TestPlanSucceedsOnWellFormedOutput(t *testing.T) {
	scriptPath := writeFakeEngine(t, "#!/bin/sh\n"+
		"echo '<ANALYSIS>ok</ANALYSIS><PLAN>1. do it</PLAN><FILES>a.go</FILES><OPTIMIZATION>none</OPTIMIZATION>'\n")
	eng := Engine{
		Registry:    runner.NewRegistry(),
		CommandName: scriptPath,
	}

	result, err := Plan(context.Background(), eng, model.Task{ID: "1", Title: "demo"}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, result.Files)
	assert.Equal(t, "ok", result.Analysis)
}

func TestBuildPromptIncludesTaskAndSectionTags(t *testing.T) {
	prompt := BuildPrompt(model.Task{ID: "7", Title: "Fix bug", Body: "details here"})
	assert.Contains(t, prompt, "Task 7: Fix bug")
	assert.Contains(t, prompt, "details here")
	assert.Contains(t, prompt, "<ANALYSIS>")
	assert.Contains(t, prompt, "<FILES>")
}
