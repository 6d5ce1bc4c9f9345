package attendance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/duration"
)

func closedSession(id, student string, checkIn time.Time, total string) Session {
	out := checkIn.Add(duration.Parse(total))
	return Session{
		ID:            id,
		StudentID:     student,
		CheckIn:       checkIn,
		CheckOut:      &out,
		Activities:    []string{"work"},
		TotalDuration: total,
		State:         StateClosed,
		Version:       2,
	}
}

func seedHistory(store *MemoryStore) {
	store.PutStudent(Student{ID: "s1", GivenNames: "Ana", FamilyNames: "Pérez", TotalDuration: "9h 0m 0s"})
	store.PutStudent(Student{ID: "s2", GivenNames: "Luis", TotalDuration: duration.Zero})
	store.PutStudent(Student{ID: "s3 ", TotalDuration: ""})

	store.PutSession(closedSession("a", "s1", start, "1h 0m 0s"))
	store.PutSession(closedSession("b", "s1", start.Add(24*time.Hour), "0h 30m 15s"))
	// Below the floor: logged, never counted.
	below := closedSession("c", "s1", start.Add(48*time.Hour), duration.Zero)
	below.CloseReason = ReasonBelowMinimum
	store.PutSession(below)
	// Expired sessions never count either.
	store.PutSession(Session{ID: "d", StudentID: "s1", CheckIn: start, TotalDuration: duration.Zero, State: StateExpired, AutoClosed: true, CloseReason: ReasonExceededAge})
}

func TestReconcileStudentIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	seedHistory(store)
	r := NewReconciler(store, zerolog.Nop())
	ctx := context.Background()

	first, err := r.ReconcileStudent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "9h 0m 0s", first.Previous)
	assert.Equal(t, "1h 30m 15s", first.Total)
	assert.Equal(t, 2, first.ValidSessions)
	assert.True(t, first.Written)

	second, err := r.ReconcileStudent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.Total, second.Total)
	assert.False(t, second.Written)

	st, err := store.Student(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "1h 30m 15s", st.TotalDuration)
}

func TestReconcileSkipsStudentsWithoutCountedSessions(t *testing.T) {
	store := NewMemoryStore()
	store.PutStudent(Student{ID: "s2", TotalDuration: "2h 0m 0s"})
	store.PutSession(closedSession("x", "s2", start, duration.Zero))
	r := NewReconciler(store, zerolog.Nop())

	rec, err := r.ReconcileStudent(context.Background(), "s2")
	require.NoError(t, err)
	assert.False(t, rec.Written)
	st, _ := store.Student(context.Background(), "s2")
	assert.Equal(t, "2h 0m 0s", st.TotalDuration)
}

func TestReconcileUnknownStudent(t *testing.T) {
	r := NewReconciler(NewMemoryStore(), zerolog.Nop())
	_, err := r.ReconcileStudent(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileAll(t *testing.T) {
	store := NewMemoryStore()
	seedHistory(store)
	store.PutSession(closedSession("e", "s2", start, "0h 45m 0s"))
	locker := &countingLocker{}
	svc := NewService(store, DefaultPolicy(), WithLocker(locker), WithLogger(zerolog.Nop()))

	recs, err := svc.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	totals := map[string]string{}
	for _, rec := range recs {
		totals[rec.StudentID] = rec.Total
	}
	assert.Equal(t, "1h 30m 15s", totals["s1"])
	assert.Equal(t, "0h 45m 0s", totals["s2"])
	assert.Equal(t, duration.Zero, totals["s3 "])

	again, err := svc.ReconcileAll(context.Background())
	require.NoError(t, err)
	for _, rec := range again {
		assert.False(t, rec.Written, rec.StudentID)
	}
	assert.Equal(t, 6, locker.locks, "each student is reconciled under its lock")
}

func TestMigrateLegacyConvertsOnce(t *testing.T) {
	store := NewMemoryStore()
	store.PutRawSession(closedSession("l1", "s1", start, ""), 1.5)
	store.PutRawSession(closedSession("l2", "s1", start, ""), "0.25")
	store.PutRawSession(closedSession("l3", "s1", start, ""), json.Number("2"))
	store.PutSession(closedSession("ok", "s1", start, "0h 10m 0s"))
	m := NewMigrator(store, zerolog.Nop())
	m.pageSize = 2
	ctx := context.Background()

	report, err := m.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationReport{Scanned: 4, Converted: 3}, report)
	assert.Equal(t, "1h 30m 0s", store.RawDuration("l1"))
	assert.Equal(t, "0h 15m 0s", store.RawDuration("l2"))
	assert.Equal(t, "2h 0m 0s", store.RawDuration("l3"))
	assert.Equal(t, "0h 10m 0s", store.RawDuration("ok"))

	again, err := m.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationReport{Scanned: 4}, again)
	assert.Equal(t, "1h 30m 0s", store.RawDuration("l1"))
}

func TestMigrateThenReconcile(t *testing.T) {
	store := NewMemoryStore()
	store.PutStudent(Student{ID: "s1", TotalDuration: "1.5"})
	store.PutRawSession(closedSession("l1", "s1", start, ""), 1.5)
	ctx := context.Background()

	_, err := NewMigrator(store, zerolog.Nop()).MigrateLegacy(ctx)
	require.NoError(t, err)
	rec, err := NewReconciler(store, zerolog.Nop()).ReconcileStudent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "1h 30m 0s", rec.Total)
}

func TestAuditReportsDiscrepancies(t *testing.T) {
	store := NewMemoryStore()
	seedHistory(store)
	store.PutStudent(Student{ID: "s4", TotalDuration: "0h 20m 0s"})
	store.PutSession(closedSession("f", "s4", start, "0h 20m 0s"))

	entries, err := NewAuditor(store).Audit(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2, "students without counted sessions are not reported")

	byID := map[string]AuditEntry{}
	for _, e := range entries {
		byID[e.StudentID] = e
	}
	bad := byID["s1"]
	assert.False(t, bad.Match)
	assert.Equal(t, "9h 0m 0s", bad.Recorded)
	assert.Equal(t, "1h 30m 15s", bad.Expected)
	assert.Equal(t, 2, bad.ValidSessions)
	assert.Len(t, bad.Sessions, 2)
	assert.Equal(t, "Ana Pérez", bad.DisplayName)

	good := byID["s4"]
	assert.True(t, good.Match)
	assert.Empty(t, good.Sessions)
}

func TestRoster(t *testing.T) {
	store := NewMemoryStore()
	seedHistory(store)

	roster, err := Roster(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, roster, 3)

	assert.Equal(t, "s1", roster[0].ID)
	assert.False(t, roster[0].MissingGivenNames)
	assert.False(t, roster[0].MissingFamilyNames)

	assert.Equal(t, "s2", roster[1].ID)
	assert.True(t, roster[1].MissingFamilyNames)

	assert.Equal(t, "s3 ", roster[2].ID)
	assert.True(t, roster[2].PaddedID)
	assert.Equal(t, duration.Zero, roster[2].TotalDuration)
}
