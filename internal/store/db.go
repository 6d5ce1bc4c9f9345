package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// PoolConfig sizes the Postgres pool. Zero values take the defaults.
type PoolConfig struct {
	MaxConns int
	// ConnectWait bounds how long NewDB keeps retrying the first ping.
	ConnectWait time.Duration
}

func (p PoolConfig) withDefaults() PoolConfig {
	if p.MaxConns <= 0 {
		p.MaxConns = 10
	}
	if p.ConnectWait <= 0 {
		p.ConnectWait = 5 * time.Second
	}
	return p
}

// DB is the Postgres pool behind the attendance repository.
type DB struct {
	Client *sql.DB
}

// NewDB opens a pgx-backed pool and waits for the server to accept a ping.
// Authentication and unknown-database errors fail immediately.
func NewDB(ctx context.Context, connString string, pool PoolConfig, logger zerolog.Logger) (*DB, error) {
	pool = pool.withDefaults()
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxConns)
	db.SetMaxIdleConns(max(1, pool.MaxConns/2))
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := db.PingContext(pingCtx)
		if err == nil {
			return struct{}{}, nil
		}
		if fatalConnectError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Debug().Err(err).Int("attempt", attempt).Msg("postgres not ready")
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(pool.ConnectWait))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres after %d attempts: %w", attempt, err)
	}
	return &DB{Client: db}, nil
}

func fatalConnectError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.InvalidPassword,
		pgerrcode.InvalidAuthorizationSpecification,
		pgerrcode.InvalidCatalogName:
		return true
	}
	return false
}

func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
