package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/ralphy/internal/hashstore"
	"github.com/harrison/ralphy/internal/plancache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and garbage-collect the planning cache and hash store",
	}
	cmd.AddCommand(newCacheFingerprintCommand())
	cmd.AddCommand(newCacheGCCommand())
	return cmd
}

func newCacheFingerprintCommand() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the current repo fingerprint the planning cache keys off of",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := plancache.Open(workDir)
			if err != nil {
				return fmt.Errorf("ralphy: open planning cache: %w", err)
			}
			fp, err := cache.Fingerprint()
			if err != nil {
				return fmt.Errorf("ralphy: compute fingerprint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest files tracked: %d, dir hash: %s\n", len(fp.FileStates), fp.DirHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "repository root to fingerprint")
	return cmd
}

func newCacheGCCommand() *cobra.Command {
	var (
		projectDir string
		maxAge     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove hash-store entries for tasks older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := hashstore.GC(projectDir, maxAge); err != nil {
				return fmt.Errorf("ralphy: hash store gc: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ralphy: hash store gc complete (max-age %s)\n", maxAge)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectDir, "project-dir", ".", "project root containing the hash store")
	cmd.Flags().DurationVar(&maxAge, "max-age", 24*time.Hour, "maximum age of a task's hash-store entry before it is GC'd")
	return cmd
}
