package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/kiosk"
	"qrattend/internal/outbox"
	"qrattend/internal/queue"
)

// JobLookup reads outbox job status.
type JobLookup interface {
	Get(ctx context.Context, id string) (*outbox.Job, error)
	Counts(ctx context.Context) (map[outbox.Status]int, error)
}

// Deps wires the API to the engine and its infrastructure. Queue, Outbox
// and Events are optional.
type Deps struct {
	Service   *attendance.Service
	Store     attendance.Store
	Queue     queue.Queue
	Outbox    JobLookup
	Events    http.Handler
	Issuer    *auth.Issuer
	Publisher attendance.Publisher
	Clock     attendance.Clock

	// RegistrationKey, when set, must accompany kiosk registration.
	RegistrationKey string
	ClosureTimeout  time.Duration
	// Limiter is shared by the kiosk routes. Nil builds a per-process
	// limiter from RateLimitPerMin.
	Limiter         httpmiddleware.Limiter
	RateLimitPerMin int
	CORSOrigins     []string
	Health          map[string]func(context.Context) bool
	Logger          zerolog.Logger
}

type server struct {
	Deps
	logger zerolog.Logger

	mu        sync.Mutex
	terminals map[string]*kiosk.Terminal
}

// NewRouter builds the HTTP API.
func NewRouter(d Deps) *gin.Engine {
	if d.Clock == nil {
		d.Clock = attendance.RealClock{}
	}
	s := &server{
		Deps:      d,
		logger:    d.Logger.With().Str("component", "http").Logger(),
		terminals: make(map[string]*kiosk.Terminal),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger, "/healthz", "/metrics"))
	r.Use(corsMiddleware(d.CORSOrigins))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.health)

	if d.Limiter == nil {
		if m := httpmiddleware.NewMemory(d.RateLimitPerMin, d.RateLimitPerMin); m != nil {
			d.Limiter = m
		}
	}
	byIP := httpmiddleware.Middleware(d.Limiter, nil, s.logger)
	byKiosk := httpmiddleware.Middleware(d.Limiter, kioskKey, s.logger)
	r.POST("/v1/kiosks/register", byIP, s.registerKiosk)
	r.POST("/v1/kiosks/refresh", byIP, s.refreshKiosk)

	v1 := r.Group("/v1")
	kiosks := v1.Group("", auth.Required(d.Issuer, false, auth.RoleKiosk), byKiosk)
	kiosks.POST("/scans", s.submitScan)
	kiosks.GET("/kiosks/pending", s.pendingClosure)
	v1.POST("/closures", auth.Required(d.Issuer, false, auth.RoleKiosk, auth.RoleOperator), byKiosk, s.submitClosure)

	read := v1.Group("", auth.Required(d.Issuer, false), byKiosk)
	read.GET("/students", s.listStudents)
	read.GET("/students/:id/sessions", s.studentSessions)
	read.POST("/students/:id/reconcile", s.reconcileStudent)
	read.GET("/outbox/:id", s.outboxJob)

	if d.Events != nil {
		v1.GET("/events", auth.Required(d.Issuer, true), gin.WrapH(d.Events))
	}
	return r
}

// kioskKey charges authenticated requests to the token subject.
func kioskKey(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok && claims.Subject != "" {
		return "kiosk:" + claims.Subject
	}
	return httpmiddleware.ClientIP(c)
}

func (s *server) terminal(id string) *kiosk.Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.terminals[id]
	if !ok {
		opts := []kiosk.Option{
			kiosk.WithClosureTimeout(s.ClosureTimeout),
			kiosk.WithClock(s.Clock),
			kiosk.WithLogger(s.Logger),
		}
		if s.Publisher != nil {
			opts = append(opts, kiosk.WithPublisher(s.Publisher))
		}
		t = kiosk.New(id, s.Service, opts...)
		s.terminals[id] = t
	}
	return t
}

func requestLogger(logger zerolog.Logger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		if _, ok := skipped[c.FullPath()]; ok {
			return
		}
		evt := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Dur("duration", time.Since(started)).
			Msg("http request")
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Registration-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
