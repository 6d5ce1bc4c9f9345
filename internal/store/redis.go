package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// maxBlock is the longest a blocking command (BLMOVE, pub/sub
// receive) may wait server-side on a client from NewRedis.
const maxBlock = 5 * time.Second

// Redis is the client shared by the queue, lock, limiter and event bus.
type Redis struct {
	Client *redis.Client
}

// NewRedis returns a client for addr. It does not connect; see WaitReady.
func NewRedis(addr string, poolSize int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     poolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  maxBlock + 5*time.Second,
		WriteTimeout: time.Second,
	})
	return &Redis{Client: client}
}

// WaitReady pings until the server answers or wait elapses. A non-positive
// wait pings once.
func (r *Redis) WaitReady(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return r.Client.Ping(ctx).Err()
	}
	_, err := backoff.Retry(ctx, func() (string, error) {
		return r.Client.Ping(ctx).Result()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(wait))
	if err != nil {
		return fmt.Errorf("redis %s: %w", r.Client.Options().Addr, err)
	}
	return nil
}

func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
