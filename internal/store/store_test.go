package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedis(mr.Addr(), 4)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.WaitReady(ctx, time.Second))
	assert.True(t, r.Healthy(ctx))

	mr.Close()
	assert.False(t, r.Healthy(ctx))
	assert.Error(t, r.WaitReady(ctx, 200*time.Millisecond))

	var missing *Redis
	assert.False(t, missing.Healthy(ctx))
	assert.NoError(t, missing.Close())
}

func TestNewDBGivesUpOnUnreachableServer(t *testing.T) {
	start := time.Now()
	_, err := NewDB(context.Background(), "postgres://u:p@127.0.0.1:1/none?sslmode=disable",
		PoolConfig{ConnectWait: 300 * time.Millisecond}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping postgres")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestFatalConnectError(t *testing.T) {
	bad := fmt.Errorf("connect: %w", &pgconn.PgError{Code: pgerrcode.InvalidPassword})
	assert.True(t, fatalConnectError(bad))
	assert.False(t, fatalConnectError(&pgconn.PgError{Code: pgerrcode.CannotConnectNow}))
	assert.False(t, fatalConnectError(errors.New("connection refused")))
}

func TestPoolDefaults(t *testing.T) {
	p := PoolConfig{}.withDefaults()
	assert.Equal(t, 10, p.MaxConns)
	assert.Equal(t, 5*time.Second, p.ConnectWait)
}

func TestNilDBHealth(t *testing.T) {
	var db *DB
	assert.False(t, db.Healthy(context.Background()))
	assert.NoError(t, db.Close())
}
