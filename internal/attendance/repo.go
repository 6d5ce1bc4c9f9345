package attendance

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sessionPKey      = "attendance_sessions_pkey"
	sessionOneActive = "attendance_sessions_one_active"
	sessionColumns   = `id, student_id, check_in, check_out, activities, total_duration #>> '{}', state, close_reason, auto_closed, version`
	studentColumns   = `id, given_names, family_names, status, total_duration, version`
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s        Session
		checkOut sql.NullTime
		acts     []byte
		state    string
	)
	if err := row.Scan(&s.ID, &s.StudentID, &s.CheckIn, &checkOut, &acts, &s.TotalDuration, &state, &s.CloseReason, &s.AutoClosed, &s.Version); err != nil {
		return Session{}, err
	}
	if checkOut.Valid {
		t := checkOut.Time
		s.CheckOut = &t
	}
	s.State = State(state)
	s.Activities = []string{}
	if len(acts) > 0 {
		if err := json.Unmarshal(acts, &s.Activities); err != nil {
			return Session{}, fmt.Errorf("decode activities of %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanStudent(row rowScanner) (Student, error) {
	var st Student
	err := row.Scan(&st.ID, &st.GivenNames, &st.FamilyNames, &st.Status, &st.TotalDuration, &st.Version)
	return st, err
}

func marshalActivities(acts []string) (string, error) {
	if acts == nil {
		acts = []string{}
	}
	b, err := json.Marshal(acts)
	return string(b), err
}

// ActiveSessionsFor returns every active session for the student, newest first.
func (r *Repository) ActiveSessionsFor(ctx context.Context, studentID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE student_id = $1 AND state = 'active' AND check_out IS NULL
		ORDER BY check_in DESC
	`, studentID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanSessions(rows)
}

// CreateSession inserts a new active session with its pre-assigned id.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" || s.StudentID == "" {
		return Session{}, errors.New("session id and student id required")
	}
	acts, err := marshalActivities(s.Activities)
	if err != nil {
		return Session{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (id, student_id, check_in, activities, total_duration, state)
		VALUES ($1, $2, $3, $4, to_jsonb($5::text), $6)
		RETURNING `+sessionColumns,
		s.ID, s.StudentID, s.CheckIn, acts, s.TotalDuration, string(s.State))
	created, err := scanSession(row)
	if err != nil {
		return Session{}, mapPostgresError(err)
	}
	return created, nil
}

// UpdateSession applies patch if the session is still active at version.
func (r *Repository) UpdateSession(ctx context.Context, id string, version int64, patch SessionPatch) (Session, error) {
	acts, err := marshalActivities(patch.Activities)
	if err != nil {
		return Session{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_sessions
		SET check_out = $3, activities = $4, total_duration = to_jsonb($5::text),
			state = $6, close_reason = $7, auto_closed = $8, version = version + 1
		WHERE id = $1 AND version = $2 AND state = 'active'
		RETURNING `+sessionColumns,
		id, version, patch.CheckOut, acts, patch.TotalDuration, string(patch.State), patch.CloseReason, patch.AutoClosed)
	updated, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, r.missOrConflict(ctx, id)
	}
	if err != nil {
		return Session{}, mapPostgresError(err)
	}
	return updated, nil
}

func (r *Repository) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM attendance_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapPostgresError(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// GetSession returns a single session by id, or nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPostgresError(err)
	}
	return &s, nil
}

// Student returns a single student, or nil when not enrolled.
func (r *Repository) Student(ctx context.Context, id string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id)
	st, err := scanStudent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPostgresError(err)
	}
	return &st, nil
}

// UpdateStudentTotal writes total if the student is still at version.
func (r *Repository) UpdateStudentTotal(ctx context.Context, id string, version int64, total string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE students
		SET total_duration = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+studentColumns,
		id, version, total)
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM students WHERE id = $1)`, id).Scan(&exists); err != nil {
			return Student{}, mapPostgresError(err)
		}
		if !exists {
			return Student{}, ErrNotFound
		}
		return Student{}, ErrConflict
	}
	if err != nil {
		return Student{}, mapPostgresError(err)
	}
	return st, nil
}

// UpsertStudent enrolls or renames a student without touching the total.
func (r *Repository) UpsertStudent(ctx context.Context, st Student) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, given_names, family_names, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			given_names = EXCLUDED.given_names,
			family_names = EXCLUDED.family_names,
			status = EXCLUDED.status,
			updated_at = NOW()
	`, st.ID, st.GivenNames, st.FamilyNames, st.Status)
	return mapPostgresError(err)
}

// ClosedSessionsFor returns the student's closed sessions, oldest first.
func (r *Repository) ClosedSessionsFor(ctx context.Context, studentID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE student_id = $1 AND state = 'closed'
		ORDER BY check_in
	`, studentID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanSessions(rows)
}

// SessionsFor pages through a student's sessions, newest first.
func (r *Repository) SessionsFor(ctx context.Context, studentID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE student_id = $1
		ORDER BY check_in DESC
		LIMIT $2 OFFSET $3
	`, studentID, limit, offset)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanSessions(rows)
}

// ListStudents returns all students ordered by id.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY id`)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// ListDurations pages through raw stored durations ordered by session id.
// Numbers decode as json.Number.
func (r *Repository) ListDurations(ctx context.Context, afterID string, limit int) ([]DurationRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, total_duration::text
		FROM attendance_sessions
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	var res []DurationRecord
	for rows.Next() {
		var (
			rec DurationRecord
			raw string
		)
		if err := rows.Scan(&rec.SessionID, &rec.StudentID, &raw); err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		if err := dec.Decode(&rec.Value); err != nil {
			return nil, fmt.Errorf("decode duration of %s: %w", rec.SessionID, err)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ReplaceSessionDuration writes value only if the stored duration still equals old.
func (r *Repository) ReplaceSessionDuration(ctx context.Context, id string, old any, value string) error {
	oldJSON, err := json.Marshal(old)
	if err != nil {
		return fmt.Errorf("encode old duration: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET total_duration = to_jsonb($3::text), version = version + 1
		WHERE id = $1 AND total_duration = $2::jsonb
	`, id, string(oldJSON), value)
	if err != nil {
		return mapPostgresError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// ListActiveBefore returns active sessions checked in before cutoff, oldest first.
func (r *Repository) ListActiveBefore(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE state = 'active' AND check_out IS NULL AND check_in < $1
		ORDER BY check_in
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanSessions(rows)
}

// mapPostgresError maps PostgreSQL errors to the package sentinels.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		switch pgErr.ConstraintName {
		case sessionPKey:
			return ErrDuplicate
		case sessionOneActive:
			return ErrConflict
		}
		return fmt.Errorf("unique constraint violation: %s: %w", pgErr.ConstraintName, ErrConflict)
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("transaction conflict: %w", ErrConflict)
	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.TooManyConnections,
		pgerrcode.QueryCanceled:
		return fmt.Errorf("%w: %s", ErrStoreUnavailable, pgErr.Message)
	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s): %w", pgErr.Code, pgErr.Message, pgErr.Detail, err)
	}
}
