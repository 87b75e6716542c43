package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/autopack-run/autopack/plan"
)

func TestBaselinesPutUpsertsRow(t *testing.T) {
	p, mock := newMockPostgres(t)

	b := plan.NewBaselineReport("run1")
	b.Pass["t1"] = true
	b.Fail["t2"] = true

	mock.ExpectExec("INSERT INTO baselines").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.Put(context.Background(), b))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBaselinesGetReturnsNotFoundSentinel(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT (.+) FROM baselines WHERE run_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := p.Get(context.Background(), "missing")
	require.ErrorIs(t, err, plan.ErrNotFound)
}

func TestBaselinesGetAssemblesReport(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM baselines WHERE run_id").
		WithArgs("run1").
		WillReturnRows(sqlmock.NewRows([]string{
			"pass", "fail", "collection_error", "discovery_hash", "captured_at",
		}).AddRow(
			[]byte(`{"t1":true}`), []byte(`{"t2":true}`), []byte(`{}`), "abc123", now,
		))

	b, err := p.Get(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, "run1", b.RunID)
	require.True(t, b.Pass["t1"])
	require.True(t, b.Fail["t2"])
	require.Equal(t, "abc123", b.DiscoveryHash)
}
