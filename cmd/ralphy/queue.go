package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/ralphy/internal/config"
)

func newQueueCommand() *cobra.Command {
	var (
		configPath string
		workDir    string
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queue statistics for the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			if err := cfg.Validate(); err != nil {
				return err
			}

			q, err := buildQueue(cfg, workDir)
			if err != nil {
				return err
			}
			defer q.Close()

			stats := q.GetStats()
			fmt.Fprintf(cmd.OutOrStdout(), "backend: %s\n", cfg.QueueBackend)
			fmt.Fprintf(cmd.OutOrStdout(), "pending:   %d\n", stats.Pending)
			fmt.Fprintf(cmd.OutOrStdout(), "running:   %d\n", stats.Running)
			fmt.Fprintf(cmd.OutOrStdout(), "completed: %d\n", stats.Completed)
			fmt.Fprintf(cmd.OutOrStdout(), "failed:    %d\n", stats.Failed)
			fmt.Fprintf(cmd.OutOrStdout(), "skipped:   %d\n", stats.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "working directory (for file/redis queue state and config discovery)")

	return cmd
}
