// Package worker runs the background jobs: aggregate repairs requested
// through the queue and the periodic sweep of sessions past the maximum age.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
)

// Sweeper expires sessions that outlived the maximum age.
type Sweeper interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Reconciler recomputes one student's aggregate.
type Reconciler interface {
	ReconcileStudent(ctx context.Context, studentID string) (attendance.Reconciliation, error)
}

// Worker consumes reconcile requests and sweeps stale sessions.
type Worker struct {
	queue         queue.Queue
	reconciler    Reconciler
	sweeper       Sweeper
	sweepInterval time.Duration
	logger        zerolog.Logger
}

func New(q queue.Queue, r Reconciler, s Sweeper, sweepInterval time.Duration, logger zerolog.Logger) *Worker {
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	return &Worker{
		queue:         q,
		reconciler:    r,
		sweeper:       s,
		sweepInterval: sweepInterval,
		logger:        logger.With().Str("component", "worker").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sweepLoop(ctx)
	}()

	w.logger.Info().Dur("sweep_interval", w.sweepInterval).Msg("worker started, waiting for messages")
	for msg := range messages {
		w.dispatch(ctx, msg)
	}
	wg.Wait()
	w.logger.Info().Msg("worker stopped")
	return nil
}

// dispatch settles every message it handles. On shutdown the message is
// left unsettled so the Redis queue hands it out again after a restart.
func (w *Worker) dispatch(ctx context.Context, msg queue.Message) {
	herr := w.Handle(ctx, msg)
	if ctx.Err() != nil {
		return
	}
	var err error
	if herr != nil {
		err = w.queue.Nack(ctx, msg, herr)
	} else {
		err = w.queue.Ack(ctx, msg)
	}
	if err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("queue acknowledgement failed")
	}
}

// Handle processes one queue message. A returned error means the message
// should be retried; unknown types and students are dropped.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	log := w.logger.With().Str("message_id", msg.ID).Int("attempt", msg.Attempt).Logger()
	if msg.Type != queue.TypeReconcile {
		log.Warn().Str("type", msg.Type).Msg("ignoring unknown message")
		return nil
	}
	id := string(msg.Body)
	rec, err := w.reconciler.ReconcileStudent(ctx, id)
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		log.Warn().Str("student_id", id).Msg("reconcile requested for unknown student")
		return nil
	case err != nil:
		log.Error().Err(err).Str("student_id", id).Msg("reconcile failed")
		return err
	}
	log.Info().Str("student_id", id).Str("total", rec.Total).Bool("written", rec.Written).Msg("student reconciled")
	return nil
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (w *Worker) Sweep(ctx context.Context) {
	n, err := w.sweeper.ExpireStale(ctx)
	if err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Int("expired", n).Msg("expiry sweep failed")
		return
	}
	if n > 0 {
		w.logger.Info().Int("expired", n).Msg("expired stale sessions")
	}
}
