package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wenbnb/wenbnb/internal/maintenance"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write one snapshot of data/ and logs/ and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		release, err := setupLogging(cfg, nil)
		if err != nil {
			return err
		}
		defer release()

		mc := cfg.Maintenance
		opts := maintenance.Options{
			DataDir:    mc.DataDir,
			LogsDir:    mc.LogsDir,
			BackupsDir: mc.BackupsDir,
		}
		up, err := maintenance.NewS3Uploader(cfg.ObjectStore)
		if err != nil {
			slog.Warn("backup upload disabled", "error", err)
		} else if up != nil {
			opts.Uploader = up
		}

		path, err := maintenance.New(opts).Backup(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}
