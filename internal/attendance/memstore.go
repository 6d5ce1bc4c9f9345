package attendance

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

var errMemoryDown = errors.New("memory store offline")

// MemoryStore is an in-process Store with the same conditional-write rules
// as the Postgres repository. Used for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	students map[string]Student
	offline  bool
}

type memSession struct {
	Session
	// raw is the stored duration: a canonical string or a legacy number.
	raw any
}

func (m *memSession) view() Session {
	s := m.Session
	s.Activities = append([]string{}, m.Activities...)
	if m.CheckOut != nil {
		co := *m.CheckOut
		s.CheckOut = &co
	}
	s.TotalDuration = rawText(m.raw)
	return s
}

func rawText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memSession),
		students: make(map[string]Student),
	}
}

// SetOffline makes every call fail as if the backing store were unreachable.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// PutStudent enrolls or replaces a student.
func (m *MemoryStore) PutStudent(st Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[st.ID] = st
}

// PutSession stores s as-is, bypassing the one-active-session check.
func (m *MemoryStore) PutSession(s Session) {
	m.PutRawSession(s, s.TotalDuration)
}

// PutRawSession stores s with a raw duration value such as a legacy float.
func (m *MemoryStore) PutRawSession(s Session, raw any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &memSession{Session: s, raw: raw}
}

// RawDuration returns the stored duration value of a session.
func (m *MemoryStore) RawDuration(id string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s.raw
	}
	return nil
}

func (m *MemoryStore) check() error {
	if m.offline {
		return errMemoryDown
	}
	return nil
}

func (m *MemoryStore) ActiveSessionsFor(_ context.Context, studentID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range m.sessions {
		if s.StudentID == studentID && s.Open() {
			out = append(out, s.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckIn.After(out[j].CheckIn) })
	return out, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Session{}, err
	}
	if _, ok := m.sessions[s.ID]; ok {
		return Session{}, ErrDuplicate
	}
	for _, cur := range m.sessions {
		if cur.StudentID == s.StudentID && cur.Open() {
			return Session{}, ErrConflict
		}
	}
	s.Version = 1
	if s.Activities == nil {
		s.Activities = []string{}
	}
	m.sessions[s.ID] = &memSession{Session: s, raw: s.TotalDuration}
	return m.sessions[s.ID].view(), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, id string, version int64, patch SessionPatch) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Session{}, err
	}
	cur, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if cur.Version != version || cur.State != StateActive {
		return Session{}, ErrConflict
	}
	next := patch.Apply(cur.view())
	m.sessions[id] = &memSession{Session: next, raw: next.TotalDuration}
	return m.sessions[id].view(), nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	cur, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	s := cur.view()
	return &s, nil
}

func (m *MemoryStore) Student(_ context.Context, id string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	st, ok := m.students[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) UpdateStudentTotal(_ context.Context, id string, version int64, total string) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Student{}, err
	}
	st, ok := m.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	if st.Version != version {
		return Student{}, ErrConflict
	}
	st.TotalDuration = total
	st.Version++
	m.students[id] = st
	return st, nil
}

func (m *MemoryStore) ClosedSessionsFor(_ context.Context, studentID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range m.sessions {
		if s.StudentID == studentID && s.State == StateClosed {
			out = append(out, s.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckIn.Before(out[j].CheckIn) })
	return out, nil
}

func (m *MemoryStore) SessionsFor(_ context.Context, studentID string, limit, offset int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range m.sessions {
		if s.StudentID == studentID {
			out = append(out, s.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckIn.After(out[j].CheckIn) })
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *MemoryStore) ListStudents(_ context.Context) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]Student, 0, len(m.students))
	for _, st := range m.students {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListDurations(_ context.Context, afterID string, limit int) ([]DurationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	ids = page(ids, limit, 0)
	out := make([]DurationRecord, 0, len(ids))
	for _, id := range ids {
		s := m.sessions[id]
		out = append(out, DurationRecord{SessionID: id, StudentID: s.StudentID, Value: s.raw})
	}
	return out, nil
}

func (m *MemoryStore) ReplaceSessionDuration(_ context.Context, id string, old any, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !reflect.DeepEqual(s.raw, old) {
		return ErrConflict
	}
	s.raw = value
	s.TotalDuration = value
	s.Version++
	return nil
}

func (m *MemoryStore) ListActiveBefore(_ context.Context, cutoff time.Time, limit int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range m.sessions {
		if s.Open() && s.CheckIn.Before(cutoff) {
			out = append(out, s.view())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckIn.Before(out[j].CheckIn) })
	return page(out, limit, 0), nil
}
