package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"qrattend/internal/metrics"
)

// Handler applies one job. It must be safe to call more than once per job.
type Handler func(ctx context.Context, kind string, payload []byte) error

// Config tunes the drainer.
type Config struct {
	// Interval between drain passes.
	Interval time.Duration
	// MaxAttempts before a job is marked failed.
	MaxAttempts int
	// TriesPerPass bounds the backoff loop for a single job in one pass.
	TriesPerPass    uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Retention for delivered jobs. Zero keeps them forever.
	Retention time.Duration
	// Permanent reports errors that will never succeed on retry.
	Permanent func(error) bool
}

// DefaultConfig returns the drainer defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		MaxAttempts:     20,
		TriesPerPass:    3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Retention:       24 * time.Hour,
	}
}

// Drainer replays pending jobs in order until they are delivered or fail
// permanently.
type Drainer struct {
	store   *Store
	handle  Handler
	cfg     Config
	logger  zerolog.Logger
	flushCh chan struct{}
}

func NewDrainer(store *Store, handle Handler, cfg Config, logger zerolog.Logger) *Drainer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.TriesPerPass == 0 {
		cfg.TriesPerPass = def.TriesPerPass
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Permanent == nil {
		cfg.Permanent = func(error) bool { return false }
	}
	return &Drainer{
		store:   store,
		handle:  handle,
		cfg:     cfg,
		logger:  logger.With().Str("component", "outbox").Logger(),
		flushCh: make(chan struct{}, 1),
	}
}

// Trigger asks the run loop for an immediate pass.
func (d *Drainer) Trigger() {
	select {
	case d.flushCh <- struct{}{}:
	default:
	}
}

// Run drains on every tick until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", d.cfg.Interval).Msg("outbox drainer started")
	d.pass(ctx)
	for {
		select {
		case <-ticker.C:
			d.pass(ctx)
		case <-d.flushCh:
			d.pass(ctx)
		case <-ctx.Done():
			d.logger.Info().Msg("outbox drainer stopped")
			return
		}
	}
}

func (d *Drainer) pass(ctx context.Context) {
	report, err := d.Drain(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error().Err(err).Msg("outbox drain failed")
		return
	}
	if report.Delivered+report.Failed > 0 {
		d.logger.Info().Int("delivered", report.Delivered).Int("failed", report.Failed).Int("pending", report.Pending).Msg("outbox drained")
	}
	if d.cfg.Retention > 0 {
		if n, err := d.store.PurgeDelivered(ctx, time.Now().Add(-d.cfg.Retention)); err != nil {
			d.logger.Warn().Err(err).Msg("outbox purge failed")
		} else if n > 0 {
			d.logger.Debug().Int("purged", n).Msg("purged delivered jobs")
		}
	}
}

// Report summarises one drain pass.
type Report struct {
	Delivered int
	Failed    int
	Pending   int
}

// Drain makes one ordered pass over pending jobs. A job that still fails
// with a transient error stops the pass so later jobs for the same student
// never overtake it.
func (d *Drainer) Drain(ctx context.Context) (Report, error) {
	var report Report
	jobs, err := d.store.Pending(ctx, 0)
	if err != nil {
		return report, err
	}

	for i, job := range jobs {
		log := d.logger.With().Str("job_id", job.ID).Str("kind", job.Kind).Logger()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.cfg.InitialInterval
		b.MaxInterval = d.cfg.MaxInterval

		_, herr := backoff.Retry(ctx, func() (struct{}, error) {
			job.Attempts++
			err := d.handle(ctx, job.Kind, job.Payload)
			if err != nil && d.cfg.Permanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}, backoff.WithBackOff(b), backoff.WithMaxTries(d.cfg.TriesPerPass))

		stop := false
		switch {
		case herr == nil:
			job.Status, job.LastError = StatusDelivered, ""
			metrics.OutboxDelivered.WithLabelValues(job.Kind).Inc()
			report.Delivered++
			log.Info().Int("attempts", job.Attempts).Msg("outbox job delivered")
		case ctx.Err() != nil:
			return report, ctx.Err()
		case d.cfg.Permanent(herr) || job.Attempts >= d.cfg.MaxAttempts:
			job.Status, job.LastError = StatusFailed, herr.Error()
			metrics.OutboxFailed.WithLabelValues(job.Kind).Inc()
			report.Failed++
			log.Error().Err(herr).Int("attempts", job.Attempts).Msg("outbox job failed permanently")
		default:
			job.LastError = herr.Error()
			stop = true
			log.Warn().Err(herr).Int("attempts", job.Attempts).Msg("outbox job still failing, will retry")
		}

		if err := d.store.Save(ctx, job); err != nil {
			return report, err
		}
		if stop {
			report.Pending = len(jobs) - i
			break
		}
	}
	metrics.OutboxPending.Set(float64(report.Pending))
	return report, nil
}
