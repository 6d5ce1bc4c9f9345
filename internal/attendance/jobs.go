package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qrattend/internal/metrics"
)

// Outbox job kinds.
const (
	JobCreateSession    = "session.create"
	JobCloseSession     = "session.close"
	JobReconcileStudent = "student.reconcile"
)

// ErrInvalidJob is returned for outbox jobs that cannot be decoded.
var ErrInvalidJob = errors.New("attendance: invalid outbox job")

type closeJob struct {
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	Activities []string  `json:"activities,omitempty"`
	ClosedAt   time.Time `json:"closed_at"`
	// Expire marks an uncounted auto-closure instead of a scan closure.
	Expire bool   `json:"expire,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type reconcileJob struct {
	StudentID string `json:"student_id"`
}

func (s *Service) enqueue(ctx context.Context, kind string, body any) (string, error) {
	if s.outbox == nil {
		return "", errors.New("no outbox configured")
	}
	id, err := s.outbox.Enqueue(ctx, kind, body)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("outbox enqueue failed")
		return "", err
	}
	metrics.OutboxEnqueued.WithLabelValues(kind).Inc()
	return id, nil
}

// Replay applies a queued write. Every kind is safe to apply more than once:
// creates carry their id, closes only touch active sessions and aggregate
// repairs recompute from scratch.
func (s *Service) Replay(ctx context.Context, kind string, body []byte) error {
	switch kind {
	case JobCreateSession:
		var sess Session
		if err := json.Unmarshal(body, &sess); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		return s.replayCreate(ctx, sess)
	case JobCloseSession:
		var job closeJob
		if err := json.Unmarshal(body, &job); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		return s.replayClose(ctx, job)
	case JobReconcileStudent:
		var job reconcileJob
		if err := json.Unmarshal(body, &job); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		return s.replayReconcile(ctx, job.StudentID)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, kind)
	}
}

func (s *Service) replayCreate(ctx context.Context, sess Session) error {
	unlock, err := s.lock(ctx, sess.StudentID)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.store.CreateSession(ctx, sess)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	if errors.Is(err, ErrConflict) {
		// A newer scan reached the store first; the queued check-in is superseded.
		s.logger.Warn().Str("student_id", sess.StudentID).Str("session_id", sess.ID).Msg("queued check-in conflicts with an active session")
		return err
	}
	return unavailable("replay create", err)
}

// replayClose writes a queued closure or expiry. Closures repair the
// aggregate with a full reconciliation, so a retried job never double counts.
func (s *Service) replayClose(ctx context.Context, job closeJob) error {
	unlock, err := s.lock(ctx, job.StudentID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, job.SessionID)
	if err != nil {
		return unavailable("replay close", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s: %w", job.SessionID, ErrNotFound)
	}
	if sess.Open() {
		at := job.ClosedAt.In(s.policy.Location)
		patch := expiryPatch(at, job.Reason)
		if !job.Expire {
			patch, _ = s.closurePatch(*sess, job.Activities, at)
		}
		if _, err := s.apply(ctx, *sess, patch); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	if job.Expire {
		return nil
	}
	return s.reconcileLocked(ctx, job.StudentID)
}

func (s *Service) replayReconcile(ctx context.Context, studentID string) error {
	unlock, err := s.lock(ctx, studentID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.reconcileLocked(ctx, studentID)
}

func (s *Service) reconcileLocked(ctx context.Context, studentID string) error {
	_, err := s.reconciler.ReconcileStudent(ctx, studentID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn().Str("student_id", studentID).Msg("student not enrolled, nothing to reconcile")
		return nil
	}
	if errors.Is(err, ErrConflict) {
		// Lost the race to another writer; retry the whole job later.
		return fmt.Errorf("reconcile %s: %v", studentID, err)
	}
	return err
}

// Permanent reports whether a replay error will never succeed on retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidJob) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound)
}
