package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nous-labs/gloria/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the assistant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = os.Getenv("GLORIA_CONFIG_PATH")
		}
		return run(path)
	},
}

func init() {
	runCmd.Flags().String("config", "", "path to a JSON or YAML config file")
}

func run(configPath string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))
	slog.Info("gloria starting", "version", version, "config", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("gloria stopped")
	return nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
