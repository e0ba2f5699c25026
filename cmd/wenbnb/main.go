package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wenbnb/wenbnb/internal/config"
	"github.com/wenbnb/wenbnb/internal/telemetry"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "wenbnb",
	Short:         "WENBNB chat bot",
	Long:          "AI + crypto chat bot for Telegram and Matrix: plugins, memory, mood-aware replies and maintenance.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file, JSON or YAML (default: $WENBNB_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log at debug level")
	rootCmd.AddCommand(serveCmd, backupCmd, memoryCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wenbnb %s (%s)\n", version, commit)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("wenbnb failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config or $WENBNB_CONFIG.
func loadConfig() (*config.Config, error) {
	p := configPath
	if p == "" {
		p = os.Getenv("WENBNB_CONFIG")
	}
	cfg, err := config.Load(p)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging installs the default logger: text to stdout and to
// <logs_dir>/wenbnb.log, mirrored onto feed when it is non-nil. The
// returned func releases the log file.
func setupLogging(cfg *config.Config, feed *telemetry.Feed) (func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var (
		out     io.Writer = os.Stdout
		release           = func() {}
	)
	if dir := cfg.Maintenance.LogsDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logs dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "wenbnb.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		release = func() { _ = f.Close() }
	}

	var h slog.Handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	if feed != nil {
		h = telemetry.NewLogTee(h, feed)
	}
	slog.SetDefault(slog.New(h))
	return release, nil
}
