package attendance

import (
	"context"
	"sync"
	"time"

	"qrattend/internal/events"
)

// Store is the persistence surface used by the engine.
type Store interface {
	// ActiveSessionsFor returns every active session for the student, newest first.
	ActiveSessionsFor(ctx context.Context, studentID string) ([]Session, error)
	// CreateSession inserts s with its pre-assigned id. Returns ErrDuplicate
	// when the id exists and ErrConflict when the student already has an
	// active session.
	CreateSession(ctx context.Context, s Session) (Session, error)
	// UpdateSession applies patch if the session is still active at version.
	UpdateSession(ctx context.Context, id string, version int64, patch SessionPatch) (Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	// Student returns nil, nil when the student is not enrolled.
	Student(ctx context.Context, id string) (*Student, error)
	// UpdateStudentTotal writes total if the student is still at version.
	UpdateStudentTotal(ctx context.Context, id string, version int64, total string) (Student, error)
	ClosedSessionsFor(ctx context.Context, studentID string) ([]Session, error)
	SessionsFor(ctx context.Context, studentID string, limit, offset int) ([]Session, error)
	ListStudents(ctx context.Context) ([]Student, error)
	// ListDurations pages through raw stored durations ordered by session id.
	ListDurations(ctx context.Context, afterID string, limit int) ([]DurationRecord, error)
	// ReplaceSessionDuration writes value only if the stored duration still equals old.
	ReplaceSessionDuration(ctx context.Context, id string, old any, value string) error
	// ListActiveBefore returns active sessions checked in before cutoff.
	ListActiveBefore(ctx context.Context, cutoff time.Time, limit int) ([]Session, error)
}

// DurationRecord is a session's stored duration before canonicalisation.
// Value is a string or a number.
type DurationRecord struct {
	SessionID string
	StudentID string
	Value     any
}

// Locker serialises work per key across replicas.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Publisher receives engine events.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// Outbox durably records writes the store could not accept.
type Outbox interface {
	Enqueue(ctx context.Context, kind string, payload any) (string, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock returns a fixed, adjustable time.
type TestClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewTestClock returns a clock frozen at t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{t: t}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
