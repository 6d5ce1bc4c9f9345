package attendance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/duration"
)

// storeFixture seeds data a Store implementation cannot create through its
// public surface.
type storeFixture struct {
	store       Store
	enroll      func(t *testing.T, st Student)
	putLegacy   func(t *testing.T, s Session, raw any)
	legacyValue func(t *testing.T, id string) any
}

func runStoreContract(t *testing.T, f storeFixture) {
	ctx := context.Background()
	s := f.store
	checkIn := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

	t.Run("create and read back", func(t *testing.T) {
		created, err := s.CreateSession(ctx, Session{ID: "c-1", StudentID: "stu-1", CheckIn: checkIn, Activities: []string{}, TotalDuration: duration.Zero, State: StateActive})
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		got, err := s.GetSession(ctx, "c-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, checkIn.Equal(got.CheckIn))
		assert.Nil(t, got.CheckOut)
		assert.Equal(t, duration.Zero, got.TotalDuration)
		assert.True(t, got.Open())

		missing, err := s.GetSession(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("duplicate id and second active session", func(t *testing.T) {
		_, err := s.CreateSession(ctx, Session{ID: "c-1", StudentID: "stu-9", CheckIn: checkIn, TotalDuration: duration.Zero, State: StateActive})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = s.CreateSession(ctx, Session{ID: "c-2", StudentID: "stu-1", CheckIn: checkIn.Add(time.Minute), TotalDuration: duration.Zero, State: StateActive})
		assert.ErrorIs(t, err, ErrConflict)

		active, err := s.ActiveSessionsFor(ctx, "stu-1")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "c-1", active[0].ID)
	})

	t.Run("conditional close", func(t *testing.T) {
		patch := SessionPatch{CheckOut: checkIn.Add(10 * time.Minute), Activities: []string{"lab"}, TotalDuration: "0h 10m 0s", State: StateClosed}

		_, err := s.UpdateSession(ctx, "c-1", 7, patch)
		assert.ErrorIs(t, err, ErrConflict)

		closed, err := s.UpdateSession(ctx, "c-1", 1, patch)
		require.NoError(t, err)
		assert.Equal(t, StateClosed, closed.State)
		assert.Equal(t, []string{"lab"}, closed.Activities)
		assert.Equal(t, int64(2), closed.Version)

		_, err = s.UpdateSession(ctx, "c-1", 2, patch)
		assert.ErrorIs(t, err, ErrConflict, "closed sessions are terminal")

		_, err = s.UpdateSession(ctx, "nope", 1, patch)
		assert.ErrorIs(t, err, ErrNotFound)

		closedList, err := s.ClosedSessionsFor(ctx, "stu-1")
		require.NoError(t, err)
		require.Len(t, closedList, 1)
		assert.Equal(t, "0h 10m 0s", closedList[0].TotalDuration)

		// With the first session closed a new one may open.
		_, err = s.CreateSession(ctx, Session{ID: "c-3", StudentID: "stu-1", CheckIn: checkIn.Add(time.Hour), TotalDuration: duration.Zero, State: StateActive})
		require.NoError(t, err)

		all, err := s.SessionsFor(ctx, "stu-1", 10, 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "c-3", all[0].ID, "newest first")

		paged, err := s.SessionsFor(ctx, "stu-1", 1, 1)
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, "c-1", paged[0].ID)
	})

	t.Run("active before cutoff", func(t *testing.T) {
		stale, err := s.ListActiveBefore(ctx, checkIn.Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "c-3", stale[0].ID)

		none, err := s.ListActiveBefore(ctx, checkIn.Add(30*time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("student totals", func(t *testing.T) {
		f.enroll(t, Student{ID: "stu-1", GivenNames: "Ana", FamilyNames: "Pérez"})

		st, err := s.Student(ctx, "stu-1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "Ana Pérez", st.DisplayName())

		updated, err := s.UpdateStudentTotal(ctx, "stu-1", st.Version, "0h 10m 0s")
		require.NoError(t, err)
		assert.Equal(t, "0h 10m 0s", updated.TotalDuration)

		_, err = s.UpdateStudentTotal(ctx, "stu-1", st.Version, "5h 0m 0s")
		assert.ErrorIs(t, err, ErrConflict)

		_, err = s.UpdateStudentTotal(ctx, "ghost", 0, "1h 0m 0s")
		assert.ErrorIs(t, err, ErrNotFound)

		missing, err := s.Student(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, missing)

		students, err := s.ListStudents(ctx)
		require.NoError(t, err)
		require.Len(t, students, 1)
	})

	t.Run("legacy durations", func(t *testing.T) {
		out := checkIn.Add(-time.Hour)
		f.putLegacy(t, Session{ID: "l-1", StudentID: "stu-2", CheckIn: checkIn.Add(-2 * time.Hour), CheckOut: &out, State: StateClosed}, 1.5)

		var legacy *DurationRecord
		recs, err := s.ListDurations(ctx, "", 100)
		require.NoError(t, err)
		for i := range recs {
			if recs[i].SessionID == "l-1" {
				legacy = &recs[i]
			}
		}
		require.NotNil(t, legacy)
		hours, ok := duration.LegacyHours(legacy.Value)
		require.True(t, ok)
		assert.InDelta(t, 1.5, hours, 1e-9)

		after, err := s.ListDurations(ctx, "l-1", 100)
		require.NoError(t, err)
		for _, r := range after {
			assert.Greater(t, r.SessionID, "l-1")
		}

		assert.ErrorIs(t, s.ReplaceSessionDuration(ctx, "l-1", 2.5, "2h 30m 0s"), ErrConflict)
		require.NoError(t, s.ReplaceSessionDuration(ctx, "l-1", legacy.Value, "1h 30m 0s"))
		assert.ErrorIs(t, s.ReplaceSessionDuration(ctx, "l-1", legacy.Value, "1h 30m 0s"), ErrConflict)
		assert.Equal(t, "1h 30m 0s", f.legacyValue(t, "l-1"))
	})
}

func TestMemoryStoreContract(t *testing.T) {
	m := NewMemoryStore()
	runStoreContract(t, storeFixture{
		store:  m,
		enroll: func(_ *testing.T, st Student) { m.PutStudent(st) },
		putLegacy: func(_ *testing.T, s Session, raw any) {
			m.PutRawSession(s, raw)
		},
		legacyValue: func(_ *testing.T, id string) any { return m.RawDuration(id) },
	})
}

func TestMemoryStoreOffline(t *testing.T) {
	m := NewMemoryStore()
	m.SetOffline(true)
	_, err := m.ActiveSessionsFor(context.Background(), "x")
	require.Error(t, err)

	svc := NewService(m, DefaultPolicy())
	_, err = svc.SubmitScan(context.Background(), "x")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestSessionJSONShape(t *testing.T) {
	out := start.Add(time.Hour)
	b, err := json.Marshal(Session{ID: "s", StudentID: "x", CheckIn: start, CheckOut: &out, TotalDuration: "1h 0m 0s", State: StateClosed})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "closed", m["state"])
	assert.Equal(t, "1h 0m 0s", m["total_duration"])
	assert.Contains(t, m, "check_out")
}
