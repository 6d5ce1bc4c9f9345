package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
)

var start = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

func TestWorkerReconcilesAndSweeps(t *testing.T) {
	store := attendance.NewMemoryStore()
	store.PutStudent(attendance.Student{ID: "s1", TotalDuration: "7h 0m 0s"})
	out := start.Add(-2 * time.Hour)
	store.PutSession(attendance.Session{ID: "done", StudentID: "s1", CheckIn: start.Add(-3 * time.Hour), CheckOut: &out,
		TotalDuration: "1h 0m 0s", State: attendance.StateClosed, Version: 2})
	store.PutSession(attendance.Session{ID: "stale", StudentID: "s2", CheckIn: start.Add(-30 * time.Hour),
		TotalDuration: "0h 0m 0s", State: attendance.StateActive, Version: 1})

	svc := attendance.NewService(store, attendance.Policy{Location: time.UTC}, attendance.WithClock(attendance.NewTestClock(start)))
	q := queue.NewInMemory(4)
	w := New(q, svc, svc, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, queue.Message{Type: "unknown"}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeReconcile, Body: []byte("ghost")}))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeReconcile, Body: []byte("s1")}))

	require.Eventually(t, func() bool {
		st, _ := store.Student(context.Background(), "s1")
		sess, _ := store.GetSession(context.Background(), "stale")
		return st.TotalDuration == "1h 0m 0s" && sess.State == attendance.StateExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	sess, err := store.GetSession(context.Background(), "stale")
	require.NoError(t, err)
	assert.True(t, sess.AutoClosed)
	assert.Equal(t, attendance.ReasonExceededAge, sess.CloseReason)
}

type countingSweeper struct{ n atomic.Int32 }

func (c *countingSweeper) ExpireStale(context.Context) (int, error) {
	c.n.Add(1)
	return 0, nil
}

func TestSweepRunsOnTicker(t *testing.T) {
	sw := &countingSweeper{}
	w := New(queue.NewInMemory(1), attendance.NewReconciler(attendance.NewMemoryStore(), zerolog.Nop()), sw, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type flakyReconciler struct{ calls atomic.Int32 }

func (f *flakyReconciler) ReconcileStudent(_ context.Context, id string) (attendance.Reconciliation, error) {
	if f.calls.Add(1) == 1 {
		return attendance.Reconciliation{}, attendance.ErrStoreUnavailable
	}
	return attendance.Reconciliation{StudentID: id, Total: "1h 0m 0s"}, nil
}

func TestFailedReconcileIsRetried(t *testing.T) {
	q := queue.NewInMemory(4)
	r := &flakyReconciler{}
	w := New(q, r, &countingSweeper{}, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeReconcile, Body: []byte("s1")}))
	require.Eventually(t, func() bool { return r.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, q.Dead())
}

func TestHandleDropsUnknownWork(t *testing.T) {
	w := New(queue.NewInMemory(1), attendance.NewReconciler(attendance.NewMemoryStore(), zerolog.Nop()), &countingSweeper{}, time.Hour, zerolog.Nop())
	ctx := context.Background()

	assert.NoError(t, w.Handle(ctx, queue.Message{Type: "unknown"}))
	assert.NoError(t, w.Handle(ctx, queue.Message{Type: queue.TypeReconcile, Body: []byte("ghost")}))
}
