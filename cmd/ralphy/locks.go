package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/ralphy/internal/lockmgr"
)

func newLocksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clear the on-disk lock registry",
	}
	cmd.AddCommand(newLocksClearCommand())
	return cmd
}

func newLocksClearCommand() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove stale lock files older than the lock manager's liveness window",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := lockmgr.New("")
			if err := mgr.CleanupStale(workDir); err != nil {
				return fmt.Errorf("ralphy: clear locks: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ralphy: stale locks under %s cleared\n", workDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "directory containing the lock registry")
	return cmd
}
