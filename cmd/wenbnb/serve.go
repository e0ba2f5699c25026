package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wenbnb/wenbnb/internal/bot"
	"github.com/wenbnb/wenbnb/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	feed := telemetry.NewFeed()
	release, err := setupLogging(cfg, feed)
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bot.New(ctx, cfg, bot.WithFeed(feed))
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("wenbnb stopped", "restart", b.Restarted())
	return nil
}
