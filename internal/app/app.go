// Package app assembles the attendance engine from configuration for the
// api, worker and attendctl binaries.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/events"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/lock"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Components are the shared backends selected by configuration.
type Components struct {
	Config config.App
	Logger zerolog.Logger
	Policy attendance.Policy

	DB    *store.DB
	Redis *store.Redis

	Store  attendance.Store
	Bus    events.Bus
	Locker attendance.Locker
	Queue  queue.Queue
	// Limiter is nil unless a shared limiter is configured.
	Limiter httpmiddleware.Limiter

	closers []func() error
}

// Open connects every backend the configuration asks for.
func Open(ctx context.Context, cfg config.App, logger zerolog.Logger) (*Components, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	c := &Components{Config: cfg, Logger: logger, Policy: policy}

	if usesRedis(cfg) {
		c.Redis = store.NewRedis(cfg.RedisAddr, cfg.RedisPoolSize)
		c.closers = append(c.closers, c.Redis.Close)
		if err := c.Redis.WaitReady(ctx, cfg.ConnectWait); err != nil {
			logger.Warn().Err(err).Msg("redis not reachable at startup")
		}
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		c.Store = attendance.NewMemoryStore()
	case config.BackendPostgres, "":
		db, err := store.NewDB(ctx, cfg.DatabaseURL,
			store.PoolConfig{MaxConns: cfg.DBMaxConns, ConnectWait: cfg.ConnectWait}, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		c.DB = db
		c.closers = append(c.closers, db.Close)
		if cfg.AutoMigrate {
			if err := attendance.Migrate(ctx, db.Client, logger); err != nil {
				c.Close()
				return nil, err
			}
		}
		c.Store = attendance.NewRepository(db.Client)
	default:
		c.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.EventsBackend == config.BackendRedis {
		c.Bus = events.NewRedisBus(c.Redis.Client, "", logger)
	} else {
		c.Bus = events.NewMemoryBus(64, logger)
	}

	if cfg.LockBackend == config.BackendRedis {
		c.Locker = lock.NewRedis(c.Redis.Client, cfg.LockTTL, 0, logger)
	} else {
		c.Locker = lock.NewMemory()
	}

	if cfg.QueueBackend == config.BackendRedis {
		c.Queue = queue.NewRedisQueue(c.Redis.Client, "qrattend:reconcile", logger)
	} else {
		c.Queue = queue.NewInMemory(64)
	}

	if cfg.RateLimitBackend == config.BackendRedis {
		if l := httpmiddleware.NewRedis(c.Redis.Client, cfg.RateLimitPerMin, cfg.RateLimitPerMin); l != nil {
			c.Limiter = l
		}
	}
	return c, nil
}

func usesRedis(cfg config.App) bool {
	return cfg.EventsBackend == config.BackendRedis ||
		cfg.LockBackend == config.BackendRedis ||
		cfg.QueueBackend == config.BackendRedis ||
		cfg.RateLimitBackend == config.BackendRedis
}

// Service builds the engine on the selected backends.
func (c *Components) Service(opts ...attendance.Option) *attendance.Service {
	base := []attendance.Option{
		attendance.WithLogger(c.Logger),
		attendance.WithLocker(c.Locker),
		attendance.WithPublisher(c.Bus),
	}
	return attendance.NewService(c.Store, c.Policy, append(base, opts...)...)
}

// Health returns the liveness checks of the connected backends.
func (c *Components) Health() map[string]func(context.Context) bool {
	checks := map[string]func(context.Context) bool{}
	if c.DB != nil {
		checks["db"] = c.DB.Healthy
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Healthy
	}
	return checks
}

// Close releases every backend in reverse order of opening.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.Logger.Warn().Err(err).Msg("close failed")
		}
	}
	c.closers = nil
}
