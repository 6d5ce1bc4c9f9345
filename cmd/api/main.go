package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"qrattend/internal/app"
	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/events"
	"qrattend/internal/httpapi"
	"qrattend/internal/logging"
	"qrattend/internal/outbox"
	"qrattend/internal/queue"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
	logger.Info().Msg("server exited")
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.Open(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer c.Close()

	box, err := outbox.Open(cfg.OutboxPath)
	if err != nil {
		return err
	}
	defer box.Close()

	svc := c.Service(attendance.WithOutbox(box))

	// The outbox file is locked by this process, so replays run here.
	dcfg := outbox.DefaultConfig()
	dcfg.Interval = cfg.OutboxInterval
	dcfg.Permanent = attendance.Permanent
	drainer := outbox.NewDrainer(box, svc.Replay, dcfg, log.Logger)
	box.Notify(drainer.Trigger)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		drainer.Run(ctx)
	}()

	// An in-process queue has no consumer here; reconcile synchronously.
	var jobs queue.Queue
	if cfg.QueueBackend == config.BackendRedis {
		jobs = c.Queue
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Service:         svc,
		Store:           c.Store,
		Queue:           jobs,
		Outbox:          box,
		Events:          events.NewHub(c.Bus, log.Logger, cfg.CORSOrigins...),
		Issuer:          auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		Publisher:       c.Bus,
		RegistrationKey: cfg.RegistrationKey,
		ClosureTimeout:  cfg.ClosureTimeout,
		Limiter:         c.Limiter,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
		Health:          c.Health(),
		Logger:          log.Logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server forced shutdown")
	}
	<-drained
	return nil
}
