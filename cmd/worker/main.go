package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"qrattend/internal/app"
	"qrattend/internal/config"
	"qrattend/internal/logging"
	"qrattend/internal/worker"
)

// Worker consumes reconcile requests and expires sessions past the maximum age.
func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer c.Close()

	svc := c.Service()
	w := worker.New(c.Queue, svc, svc, cfg.SweepInterval, logger)
	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker failed")
	}
}
