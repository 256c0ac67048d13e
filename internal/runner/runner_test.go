package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateArgRejectsDenyListSequences(t *testing.T) {
	cases := []string{
		"rm -rf /; echo pwned",
		"foo && rm -rf /",
		"foo || true",
		"$(whoami)",
		"${HOME}",
		"foo | cat",
		"echo `id`",
	}
	for _, c := range cases {
		assert.Error(t, ValidateArg(c), c)
	}
}

func TestValidateArgAllowsSafeArgs(t *testing.T) {
	safe := []string{"task-1", "./src/main.go", "a.b_c-123", "/tmp/work"}
	for _, s := range safe {
		assert.NoError(t, ValidateArg(s), s)
	}
}

func TestExecReturnsStdoutAndExitCode(t *testing.T) {
	registry := NewRegistry()
	res, err := Exec(context.Background(), registry, "echo", []string{"hello"}, ".", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
}

func TestExecStreamingDeliversLines(t *testing.T) {
	registry := NewRegistry()
	var lines []string
	res, err := ExecStreaming(context.Background(), registry, "printf", []string{"a\\nb\\n"}, ".", nil, "", func(l string) {
		lines = append(lines, l)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.ElementsMatch(t, []string{"a", "b"}, lines)
}

func TestCommandExistsRejectsUnsafeName(t *testing.T) {
	assert.False(t, CommandExists("echo;rm"))
}

func TestRegistryKillAllIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	assert.NotPanics(t, func() {
		registry.KillAll(10 * time.Millisecond)
		registry.KillAll(10 * time.Millisecond)
	})
}
