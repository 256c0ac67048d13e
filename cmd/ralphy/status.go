package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harrison/ralphy/internal/config"
	"github.com/harrison/ralphy/internal/history"
	"github.com/harrison/ralphy/internal/tasksource"
)

func newStatusCommand() *cobra.Command {
	var (
		configPath  string
		showHistory bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "status <task-source-file>",
		Short: "Show task state and, optionally, recent execution history",
		Args:  cobra.ExactArgs(1),
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

			sourceType, err := tasksource.DetectSourceType(sourcePath)
			if err != nil {
				return fmt.Errorf("ralphy: %w", err)
			}

			k, err := newKernel(cfg, workDir, string(sourceType), sourcePath)
			if err != nil {
				return err
			}
			defer k.close()

			entries := k.state.All()
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %-8s %-8s %-40s\n", "ID", "STATE", "ATTEMPTS", "TITLE")
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %-8s %-8d %-40s\n", e.ID, e.State, e.AttemptCount, e.Title)
			}

			if showHistory {
				hist, herr := history.Open(filepath.Join(workDir, cfg.HistoryDBPath))
				if herr != nil {
					return fmt.Errorf("ralphy: open history: %w", herr)
				}
				defer hist.Close()

				records, herr := hist.Recent(context.Background(), limit)
				if herr != nil {
					return fmt.Errorf("ralphy: read history: %w", herr)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nRecent executions:\n")
				for _, r := range records {
					fmt.Fprintf(cmd.OutOrStdout(), "  [%s] task %s attempt %d: %s (%dms) %s\n",
						r.RecordedAt.Format("15:04:05"), r.TaskID, r.Attempt, r.State, r.DurationMs, r.ErrorMessage)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().BoolVar(&showHistory, "history", false, "also show recent execution history")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of history records to show")

	return cmd
}
