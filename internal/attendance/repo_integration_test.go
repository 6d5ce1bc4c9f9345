//go:build integration

package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"qrattend/internal/store"
)

func setupPostgres(t *testing.T, ctx context.Context) (*sql.DB, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "attendance",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := store.NewDB(ctx, fmt.Sprintf("postgres://test:test@%s:%s/attendance?sslmode=disable", host, port.Port()),
		store.PoolConfig{MaxConns: 4, ConnectWait: 30 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db.Client, zerolog.Nop()))
	// Applying twice is a no-op.
	require.NoError(t, Migrate(ctx, db.Client, zerolog.Nop()))

	return db.Client, func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	}
}

func TestIntegration_RepositoryContract(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	repo := NewRepository(db)
	runStoreContract(t, storeFixture{
		store: repo,
		enroll: func(t *testing.T, st Student) {
			require.NoError(t, repo.UpsertStudent(ctx, st))
		},
		putLegacy: func(t *testing.T, s Session, raw any) {
			b, err := json.Marshal(raw)
			require.NoError(t, err)
			_, err = db.ExecContext(ctx, `
				INSERT INTO attendance_sessions (id, student_id, check_in, check_out, total_duration, state)
				VALUES ($1, $2, $3, $4, $5::jsonb, $6)
			`, s.ID, s.StudentID, s.CheckIn, s.CheckOut, string(b), string(s.State))
			require.NoError(t, err)
		},
		legacyValue: func(t *testing.T, id string) any {
			var v string
			require.NoError(t, db.QueryRowContext(ctx, `SELECT total_duration #>> '{}' FROM attendance_sessions WHERE id = $1`, id).Scan(&v))
			return v
		},
	})
}

func TestIntegration_ServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	repo := NewRepository(db)
	require.NoError(t, repo.UpsertStudent(ctx, Student{ID: "1234567890", GivenNames: "Ana", FamilyNames: "Pérez"}))

	clock := NewTestClock(start)
	svc := NewService(repo, Policy{Location: start.Location()}, WithClock(clock))

	scan, err := svc.SubmitScan(ctx, `{"cedula":"1234567890"}`)
	require.NoError(t, err)
	require.Equal(t, ScanAcceptedCheckIn, scan.Status)
	require.Equal(t, "Ana Pérez", scan.DisplayName)

	clock.Advance(45 * time.Minute)
	again, err := svc.SubmitScan(ctx, "1234567890")
	require.NoError(t, err)
	require.Equal(t, ScanAwaitingClosure, again.Status)

	res, err := svc.SubmitClosure(ctx, ClosureRequest{StudentID: "1234567890", SessionID: again.SessionID, Activities: []string{"lab"}})
	require.NoError(t, err)
	require.Equal(t, ClosureClosed, res.Status)
	require.True(t, res.Counted)
	require.Equal(t, "0h 45m 0s", res.AggregateTotal)

	st, err := repo.Student(ctx, "1234567890")
	require.NoError(t, err)
	require.Equal(t, "0h 45m 0s", st.TotalDuration)
}
