package httpmiddleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ClientIP charges requests to the caller address.
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// Decision is the outcome of charging one request to a bucket.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter charges one request against key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Middleware enforces l per key. A nil key function limits by client IP.
// Limiter errors let the request through.
func Middleware(l Limiter, key KeyFunc, logger zerolog.Logger) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		d, err := l.Allow(c.Request.Context(), key(c))
		if err != nil {
			logger.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Memory is a per-process limiter holding one token bucket per key. Buckets
// refill at perMinute tokens per minute up to capacity.
type Memory struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewMemory returns nil when perMinute is not positive, which disables limiting.
func NewMemory(capacity, perMinute int) *Memory {
	if perMinute <= 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = perMinute
	}
	limit := rate.Limit(float64(perMinute) / 60)
	return &Memory{
		limit:   limit,
		burst:   capacity,
		idle:    time.Duration(float64(capacity)/float64(limit)*float64(time.Second)) + time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.seen = now

	if b.lim.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now))}, nil
	}
	missing := 1 - b.lim.TokensAt(now)
	return Decision{RetryAfter: time.Duration(missing / float64(m.limit) * float64(time.Second))}, nil
}

// prune drops buckets idle long enough to have refilled completely. It runs
// on every 256th call.
func (m *Memory) prune(now time.Time) {
	m.calls++
	if m.calls%256 != 0 {
		return
	}
	for k, b := range m.buckets {
		if now.Sub(b.seen) > m.idle {
			delete(m.buckets, k)
		}
	}
}

// Len returns the number of tracked buckets.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
