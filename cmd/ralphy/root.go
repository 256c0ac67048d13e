package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// newRootCommand builds the ralphy root command tree.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ralphy",
		Short: "Autonomous multi-agent task-execution kernel",
		Long: `ralphy drives a task source through its full lifecycle: claiming
tasks from the state manager, planning the file set an engine subprocess
will touch, acquiring locks for that set, invoking the engine, and
recording the result through the content-addressed hash store.

It never writes files itself and never applies a git worktree; nor
does the engine adapter, which returns only the planned file list,
with no file contents. ralphy only owns the
scheduling, locking, retry, and caching authorities around it.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newLocksCommand())
	cmd.AddCommand(newCacheCommand())
	cmd.AddCommand(newQueueCommand())

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// cobra already printed the error (SilenceUsage only suppresses usage text)
		os.Exit(1)
	}
}
