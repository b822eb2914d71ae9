// Command mikroscope runs the log ingest, index, query, alerting, and
// maintenance sidecar as a single process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kon-rad/mikroscope/internal/app"
	"github.com/kon-rad/mikroscope/internal/config"
	"github.com/kon-rad/mikroscope/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	logger.Info("starting mikroscope",
		"host", cfg.Host,
		"port", cfg.Port,
		"protocol", cfg.Protocol,
		"db_path", cfg.DBPath,
		"logs_path", cfg.LogsPath,
	)

	rt := app.New(cfg, logger)
	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	return nil
}
