package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edvin/boosterclub/internal/app"
	"github.com/edvin/boosterclub/internal/config"
	"github.com/edvin/boosterclub/internal/db"
	"github.com/edvin/boosterclub/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Metrics: prometheus.DefaultRegisterer})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		a.Close()
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}
