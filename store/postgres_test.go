package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/plan"
	"github.com/autopack-run/autopack/run"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Postgres{db: sqlx.NewDb(db, "sqlmock"), locks: newLocks()}, mock
}

func TestPostgresUpsertWritesRunAndPhases(t *testing.T) {
	p, mock := newMockPostgres(t)

	r := &plan.Run{
		ID:    "run1",
		State: plan.RunRunning,
		Plan:  plan.PlanMetadata{Name: "demo"},
		Phases: []*plan.Phase{
			{ID: "phase-a", Run: "run1", Goal: "build", State: plan.PhaseQueued},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM phases").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO phases").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.Upsert(context.Background(), r))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertRollsBackOnPhaseError(t *testing.T) {
	p, mock := newMockPostgres(t)

	r := &plan.Run{
		ID:     "run1",
		State:  plan.RunRunning,
		Phases: []*plan.Phase{{ID: "phase-a", Run: "run1"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM phases").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO phases").WillReturnError(&pgErrorStub{})
	mock.ExpectRollback()

	err := p.Upsert(context.Background(), r)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadReturnsNotFoundSentinel(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := p.Load(context.Background(), "missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestPostgresLoadAssemblesRunAndPhases(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").
		WithArgs("run1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "state", "plan_name", "plan_description", "plan_labels", "providers",
			"counters", "failed_phase_id", "failure_reason", "created_at", "updated_at",
		}).AddRow(
			"run1", "running", "demo", "", []byte(`{}`), []byte(`{}`),
			[]byte(`{}`), "", "", now, now,
		))

	mock.ExpectQuery("SELECT (.+) FROM phases WHERE run_id").
		WithArgs("run1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "goal", "original_intent", "deliverables", "acceptance_criteria",
			"scope_paths", "protected_paths", "complexity", "dependencies", "state",
			"retry_attempt", "escalation_level", "error_history", "learning_hints",
			"decision_trail", "created_at", "updated_at",
		}).AddRow(
			"phase-a", "build", "", []byte(`[]`), []byte(`[]`), []byte(`[]`), []byte(`[]`),
			"low", []byte(`[]`), "queued", 0, 0, []byte(`[]`), []byte(`[]`), []byte(`[]`), now, now,
		))

	r, err := p.Load(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, "run1", r.ID)
	require.Equal(t, plan.RunRunning, r.State)
	require.Len(t, r.Phases, 1)
	require.Equal(t, "phase-a", r.Phases[0].ID)
	require.Equal(t, "run1", r.Phases[0].Run)
}

func TestAdvisoryLockRoundTrip(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs("run1").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs("run1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := p.TryAdvisoryLock(context.Background(), "run1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.Release(context.Background(), "run1"))
}

func TestAdvisoryLockDeniedWhenAlreadyHeld(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs("run1").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := p.TryAdvisoryLock(context.Background(), "run1")
	require.NoError(t, err)
	require.False(t, ok)
}

// pgErrorStub stands in for a generic non-nil database error in the
// rollback test. It is not a *pgconn.PgError, so the conflict-mapping path
// is not exercised by this file.
type pgErrorStub struct{}

func (*pgErrorStub) Error() string { return "stub db error" }
