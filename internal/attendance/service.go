package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qrattend/internal/duration"
	"qrattend/internal/events"
	"qrattend/internal/metrics"
	"qrattend/internal/payload"
)

// Service runs the per-student session state machine. It keeps no session
// state of its own; the store is queried on every scan.
type Service struct {
	store      Store
	policy     Policy
	clock      Clock
	locker     Locker
	publisher  Publisher
	outbox     Outbox
	reconciler *Reconciler
	newID      func() string
	logger     zerolog.Logger
	casTries   uint
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithLocker serialises scans and closures per student.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithOutbox enables durable fallback for writes the store rejects as unavailable.
func WithOutbox(o Outbox) Option { return func(s *Service) { s.outbox = o } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// NewService creates a service backed by a store.
func NewService(store Store, policy Policy, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policy:   policy.withDefaults(),
		clock:    RealClock{},
		newID:    uuid.NewString,
		logger:   zerolog.Nop(),
		casTries: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "attendance").Logger()
	s.reconciler = NewReconciler(store, s.logger)
	return s
}

// Policy returns the thresholds in effect.
func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) now() time.Time {
	return s.clock.Now().In(s.policy.Location)
}

// SubmitScan processes one raw decoded code. Validation failures are reported
// through the result status; errors mean the store or lock could not be used.
func (s *Service) SubmitScan(ctx context.Context, raw string) (ScanResult, error) {
	now := s.now()

	p, err := payload.Parse(raw)
	if err != nil {
		return s.reject(ctx, ScanResult{Status: ScanRejectedMalformed}, "empty code"), nil
	}
	if err := payload.CheckFreshness(p, now); err != nil {
		res := ScanResult{StudentID: p.StudentID, DateDisplay: p.DateDisplay}
		if errors.Is(err, payload.ErrInvalidDate) {
			res.Status = ScanRejectedMalformed
			return s.reject(ctx, res, "invalid date"), nil
		}
		res.Status = ScanRejectedExpired
		return s.reject(ctx, res, "code issued for "+p.DateISO), nil
	}

	unlock, err := s.lock(ctx, p.StudentID)
	if err != nil {
		return ScanResult{}, err
	}
	defer unlock()

	res, err := s.transition(ctx, p.StudentID, now, true)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return ScanResult{}, err
	}
	res.DisplayName = s.displayName(ctx, p.StudentID)
	metrics.ScansTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (s *Service) transition(ctx context.Context, studentID string, now time.Time, retry bool) (ScanResult, error) {
	log := s.logger.With().Str("student_id", studentID).Logger()

	active, err := s.store.ActiveSessionsFor(ctx, studentID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("active_sessions").Inc()
		log.Error().Err(err).Msg("active session lookup failed")
		return ScanResult{}, unavailable("active sessions", err)
	}
	current := s.guard(ctx, active, now)

	var res ScanResult
	if current != nil {
		age := now.Sub(current.CheckIn)
		if age <= s.policy.MaxAge {
			res = ScanResult{
				Status:    ScanAwaitingClosure,
				StudentID: studentID,
				SessionID: current.ID,
				CheckIn:   &current.CheckIn,
				Elapsed:   age,
			}
			log.Info().Str("session_id", current.ID).Dur("elapsed", age).Str("status", string(res.Status)).Msg("session awaiting closure")
			s.publish(ctx, events.Event{Type: events.AwaitingClosure, StudentID: studentID, SessionID: current.ID, Status: string(res.Status), At: now})
			return res, nil
		}

		expired, queued, err := s.expire(ctx, *current, now, ReasonExceededAge)
		if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
			return ScanResult{}, err
		}
		if err == nil {
			res.Expired = &expired
		}
		if queued != "" {
			res.Queued, res.JobID = true, queued
		}
	}

	sess := Session{
		ID:            s.newID(),
		StudentID:     studentID,
		CheckIn:       now,
		Activities:    []string{},
		TotalDuration: duration.Zero,
		State:         StateActive,
	}
	created, err := s.store.CreateSession(ctx, sess)
	err = unavailable("create session", err)
	switch {
	case err == nil:
		sess = created
	case errors.Is(err, ErrConflict) && retry:
		// Another replica opened a session first; this scan becomes its closure request.
		log.Warn().Msg("concurrent check-in detected, re-reading active session")
		return s.transition(ctx, studentID, now, false)
	case errors.Is(err, ErrStoreUnavailable):
		metrics.StoreErrors.WithLabelValues("create_session").Inc()
		jobID, qerr := s.enqueue(ctx, JobCreateSession, sess)
		if qerr != nil {
			log.Error().Err(err).Msg("check-in write failed")
			return ScanResult{}, err
		}
		res.Queued, res.JobID = true, jobID
		log.Warn().Err(err).Str("job_id", jobID).Msg("check-in queued in outbox")
	default:
		return ScanResult{}, err
	}

	res.Status = ScanAcceptedCheckIn
	res.StudentID = studentID
	res.SessionID = sess.ID
	res.CheckIn = &sess.CheckIn
	log.Info().Str("session_id", sess.ID).Str("status", string(res.Status)).Bool("queued", res.Queued).Msg("session opened")
	s.publish(ctx, events.Event{Type: events.CheckedIn, StudentID: studentID, SessionID: sess.ID, Status: string(res.Status), At: now})
	return res, nil
}

// SubmitClosure closes the session a previous scan left awaiting closure.
func (s *Service) SubmitClosure(ctx context.Context, req ClosureRequest) (ClosureResult, error) {
	now := s.now()
	acts := FilterActivities(req.Activities)
	if len(acts) == 0 {
		metrics.ClosuresTotal.WithLabelValues(string(ClosureRejectedNoActivities)).Inc()
		s.publish(ctx, events.Event{Type: events.Rejected, StudentID: req.StudentID, SessionID: req.SessionID, Status: string(ClosureRejectedNoActivities), At: now})
		return ClosureResult{Status: ClosureRejectedNoActivities}, nil
	}

	unlock, err := s.lock(ctx, req.StudentID)
	if err != nil {
		return ClosureResult{}, err
	}
	defer unlock()

	res, err := s.closeByID(ctx, req.SessionID, req.StudentID, acts, now)
	if errors.Is(err, ErrStoreUnavailable) {
		jobID, qerr := s.enqueue(ctx, JobCloseSession, closeJob{
			SessionID:  req.SessionID,
			StudentID:  req.StudentID,
			Activities: acts,
			ClosedAt:   now,
		})
		if qerr != nil {
			s.logger.Error().Err(err).Str("student_id", req.StudentID).Str("session_id", req.SessionID).Msg("closure write failed")
			metrics.ClosuresTotal.WithLabelValues("error").Inc()
			return ClosureResult{}, err
		}
		s.logger.Warn().Err(err).Str("student_id", req.StudentID).Str("job_id", jobID).Msg("closure queued in outbox")
		res = ClosureResult{Status: ClosureClosed, Queued: true, JobID: jobID}
		err = nil
	}
	if err != nil {
		metrics.ClosuresTotal.WithLabelValues("error").Inc()
		return ClosureResult{}, err
	}
	metrics.ClosuresTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (s *Service) closeByID(ctx context.Context, sessionID, studentID string, acts []string, at time.Time) (ClosureResult, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get_session").Inc()
		return ClosureResult{}, unavailable("get session", err)
	}
	if sess == nil || sess.StudentID != studentID || !sess.Open() {
		s.logger.Info().Str("student_id", studentID).Str("session_id", sessionID).Msg("closure for session that is no longer active")
		return ClosureResult{Status: ClosureRejectedStale, Session: sess}, nil
	}
	return s.close(ctx, *sess, acts, at)
}

// close applies the floor and ceiling policy to an open session.
func (s *Service) close(ctx context.Context, sess Session, acts []string, at time.Time) (ClosureResult, error) {
	log := s.logger.With().Str("student_id", sess.StudentID).Str("session_id", sess.ID).Logger()

	patch, counted := s.closurePatch(sess, acts, at)
	closed, err := s.apply(ctx, sess, patch)
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		log.Info().Msg("session changed before closure, rejecting")
		return ClosureResult{Status: ClosureRejectedStale}, nil
	}
	if err != nil {
		log.Error().Err(err).Msg("closure write failed")
		return ClosureResult{}, err
	}
	if closed.State == StateExpired {
		return ClosureResult{Status: ClosureRejectedStale, Session: &closed}, nil
	}

	res := ClosureResult{Status: ClosureClosed, Session: &closed, Counted: counted}
	if !counted {
		return res, nil
	}

	student, err := s.accumulate(ctx, sess.StudentID, duration.Parse(closed.TotalDuration))
	switch {
	case err == nil:
		res.AggregateTotal = student.TotalDuration
	case errors.Is(err, ErrNotFound):
		log.Warn().Msg("student not enrolled, aggregate not updated")
	default:
		// The session is written; the aggregate is repaired later from all sessions.
		log.Error().Err(err).Msg("accumulation failed")
		if jobID, qerr := s.enqueue(ctx, JobReconcileStudent, reconcileJob{StudentID: sess.StudentID}); qerr == nil {
			res.Queued, res.JobID = true, jobID
		}
	}
	return res, nil
}

// closurePatch decides how a closure at time at is recorded. Sessions past
// the ceiling expire instead of closing.
func (s *Service) closurePatch(sess Session, acts []string, at time.Time) (SessionPatch, bool) {
	elapsed := at.Sub(sess.CheckIn)
	if elapsed > s.policy.MaxAge {
		return expiryPatch(at, ReasonExceededAge), false
	}
	patch := SessionPatch{
		CheckOut:   at,
		Activities: acts,
		State:      StateClosed,
	}
	if elapsed < s.policy.MinDuration {
		patch.TotalDuration = duration.Zero
		patch.CloseReason = ReasonBelowMinimum
		return patch, false
	}
	patch.TotalDuration = duration.Format(elapsed)
	return patch, true
}

func expiryPatch(at time.Time, reason string) SessionPatch {
	return SessionPatch{
		CheckOut:      at,
		Activities:    []string{},
		TotalDuration: duration.Zero,
		State:         StateExpired,
		CloseReason:   reason,
		AutoClosed:    true,
	}
}

// apply writes patch to an open session and announces the change.
func (s *Service) apply(ctx context.Context, sess Session, patch SessionPatch) (Session, error) {
	updated, err := s.store.UpdateSession(ctx, sess.ID, sess.Version, patch)
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("update_session").Inc()
		return Session{}, unavailable("update session", err)
	}

	log := s.logger.With().Str("student_id", sess.StudentID).Str("session_id", sess.ID).Logger()
	age := patch.CheckOut.Sub(sess.CheckIn)
	if patch.State == StateExpired {
		metrics.SessionsExpired.WithLabelValues(patch.CloseReason).Inc()
		log.Info().Dur("age", age).Str("status", string(StateExpired)).Str("close_reason", patch.CloseReason).Msg("session expired")
		s.publish(ctx, events.Event{Type: events.Expired, StudentID: sess.StudentID, SessionID: sess.ID, Status: string(StateExpired), Reason: patch.CloseReason, At: patch.CheckOut})
		return updated, nil
	}

	metrics.SessionDuration.Observe(age.Seconds())
	log.Info().
		Str("status", string(ClosureClosed)).
		Str("total_duration", updated.TotalDuration).
		Str("close_reason", updated.CloseReason).
		Msg("session closed")
	s.publish(ctx, events.Event{Type: events.Closed, StudentID: sess.StudentID, SessionID: sess.ID, Status: string(ClosureClosed), Duration: updated.TotalDuration, Reason: updated.CloseReason, At: patch.CheckOut})
	return updated, nil
}

// accumulate adds d to the student's total with a compare-and-swap loop.
func (s *Service) accumulate(ctx context.Context, studentID string, d time.Duration) (Student, error) {
	op := func() (Student, error) {
		st, err := s.store.Student(ctx, studentID)
		if err != nil {
			return Student{}, backoff.Permanent(unavailable("get student", err))
		}
		if st == nil {
			return Student{}, backoff.Permanent(ErrNotFound)
		}
		total := duration.Format(duration.Add(duration.Parse(st.TotalDuration), d))
		updated, err := s.store.UpdateStudentTotal(ctx, studentID, st.Version, total)
		if errors.Is(err, ErrConflict) {
			return Student{}, err
		}
		if err != nil {
			return Student{}, backoff.Permanent(unavailable("update student", err))
		}
		return updated, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(casBackOff()),
		backoff.WithMaxTries(s.casTries),
	)
}

func casBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// expire auto-closes an open session without counting it. When the store is
// unavailable the write is queued and the returned job id is non-empty.
func (s *Service) expire(ctx context.Context, sess Session, at time.Time, reason string) (Session, string, error) {
	patch := expiryPatch(at, reason)
	expired, err := s.apply(ctx, sess, patch)
	if !errors.Is(err, ErrStoreUnavailable) {
		return expired, "", err
	}
	jobID, qerr := s.enqueue(ctx, JobCloseSession, closeJob{
		SessionID: sess.ID,
		StudentID: sess.StudentID,
		ClosedAt:  at,
		Expire:    true,
		Reason:    reason,
	})
	if qerr != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("expiry write failed")
		return Session{}, "", err
	}
	s.logger.Warn().Err(err).Str("session_id", sess.ID).Str("job_id", jobID).Msg("expiry queued in outbox")
	return patch.Apply(sess), jobID, nil
}

// guard keeps the most recently opened session authoritative and expires
// any older active sessions for the same student.
func (s *Service) guard(ctx context.Context, active []Session, now time.Time) *Session {
	if len(active) == 0 {
		return nil
	}
	newest := 0
	for i := range active {
		if active[i].CheckIn.After(active[newest].CheckIn) {
			newest = i
		}
	}
	if len(active) > 1 {
		metrics.InvariantViolations.Inc()
		s.logger.Warn().
			Str("student_id", active[newest].StudentID).
			Int("active_sessions", len(active)).
			Str("kept_session_id", active[newest].ID).
			Msg("multiple active sessions, superseding older ones")
		for i, sess := range active {
			if i == newest {
				continue
			}
			if _, _, err := s.expire(ctx, sess, now, ReasonSuperseded); err != nil {
				s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("could not supersede session")
			}
		}
	}
	cur := active[newest]
	return &cur
}

// ExpireStale auto-closes every active session older than the policy ceiling.
// It returns the number of sessions expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.policy.MaxAge)
	count := 0
	for {
		batch, err := s.store.ListActiveBefore(ctx, cutoff, 100)
		if err != nil {
			return count, unavailable("list stale sessions", err)
		}
		if len(batch) == 0 {
			return count, nil
		}
		progressed := false
		for _, sess := range batch {
			ok, err := s.expireOne(ctx, sess, now)
			if err != nil {
				return count, err
			}
			if ok {
				count++
				progressed = true
			}
		}
		if !progressed {
			return count, nil
		}
	}
}

func (s *Service) expireOne(ctx context.Context, sess Session, now time.Time) (bool, error) {
	unlock, err := s.lock(ctx, sess.StudentID)
	if err != nil {
		return false, err
	}
	defer unlock()

	cur, err := s.store.GetSession(ctx, sess.ID)
	if err != nil {
		return false, unavailable("get session", err)
	}
	if cur == nil || !cur.Open() || now.Sub(cur.CheckIn) <= s.policy.MaxAge {
		return false, nil
	}
	_, queued, err := s.expire(ctx, *cur, now, ReasonExceededAge)
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return queued == "", nil
}

func (s *Service) reject(ctx context.Context, res ScanResult, reason string) ScanResult {
	metrics.ScansTotal.WithLabelValues(string(res.Status)).Inc()
	s.logger.Info().Str("student_id", res.StudentID).Str("status", string(res.Status)).Str("reason", reason).Msg("scan rejected")
	s.publish(ctx, events.Event{Type: events.Rejected, StudentID: res.StudentID, Status: string(res.Status), Reason: reason, At: s.now()})
	return res
}

func (s *Service) lock(ctx context.Context, studentID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Lock(ctx, "student:"+studentID)
	if err != nil {
		return nil, fmt.Errorf("lock student %s: %w", studentID, err)
	}
	return unlock, nil
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("type", string(evt.Type)).Msg("event publish failed")
	}
}

func (s *Service) displayName(ctx context.Context, studentID string) string {
	st, err := s.store.Student(ctx, studentID)
	if err != nil {
		s.logger.Debug().Err(err).Str("student_id", studentID).Msg("display name lookup failed")
		return ""
	}
	if st == nil {
		return ""
	}
	return st.DisplayName()
}
