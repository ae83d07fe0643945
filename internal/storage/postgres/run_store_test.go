package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adscout/internal/scout"
)

func TestCreateRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	run := scout.Run{
		RunID:          "run-1",
		OrganisationID: "org-1",
		SourceURL:      "https://ads.example.com/library?q=acme",
		TargetURL:      "https://ads.example.com/library?q=acme&country=ALL",
		Kind:           scout.KindCompetitor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(
			run.RunID,
			run.OrganisationID,
			run.SourceURL,
			run.TargetURL,
			"competitor",
			run.ScrapedCount,
			run.LeaseExpiresAt,
			run.CompletedAt,
			run.CreatedAt,
			run.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRunDuplicateIsErrRunExists(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = store.CreateRun(context.Background(), scout.Run{RunID: "run-1"})
	require.ErrorIs(t, err, scout.ErrRunExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusMapsRowToState(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()

	cases := []struct {
		name        string
		completedAt *time.Time
		noRow       bool
		want        scout.RunState
	}{
		{name: "missing row is unknown", noRow: true, want: scout.RunStateUnknown},
		{name: "open row is in progress", completedAt: nil, want: scout.RunStateInProgress},
		{name: "closed row is completed", completedAt: &now, want: scout.RunStateCompleted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			store, err := NewRunStoreWithPool(mock, "runs")
			require.NoError(t, err)

			q := mock.ExpectQuery("SELECT completed_at FROM runs").WithArgs("run-1")
			if tc.noRow {
				q.WillReturnError(pgx.ErrNoRows)
			} else {
				q.WillReturnRows(pgxmock.NewRows([]string{"completed_at"}).AddRow(tc.completedAt))
			}

			state, err := store.Status(context.Background(), "run-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, state)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkCompletedGuardsCompletedRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	at := time.Unix(1700000100, 0).UTC()

	// First completion updates the row.
	mock.ExpectExec("UPDATE runs SET scraped_count").
		WithArgs("run-1", 42, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.MarkCompleted(context.Background(), "run-1", 42, at))

	// A replay matches no rows; the row still exists, so nothing to report.
	mock.ExpectExec("UPDATE runs SET scraped_count").
		WithArgs("run-1", 42, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT completed_at FROM runs").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"completed_at"}).AddRow(&at))
	require.NoError(t, store.MarkCompleted(context.Background(), "run-1", 42, at))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedMissingRunIsErrRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	at := time.Unix(1700000100, 0).UTC()
	mock.ExpectExec("UPDATE runs SET scraped_count").
		WithArgs("run-x", 1, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT completed_at FROM runs").
		WithArgs("run-x").
		WillReturnError(pgx.ErrNoRows)

	err = store.MarkCompleted(context.Background(), "run-x", 1, at)
	require.ErrorIs(t, err, scout.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunMissingIsErrRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT run_id, organisation_id").
		WithArgs("run-x").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetRun(context.Background(), "run-x")
	require.ErrorIs(t, err, scout.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListExpiredLeasesScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	lease := created.Add(2 * time.Minute)
	cutoff := created.Add(10 * time.Minute)

	rows := pgxmock.NewRows([]string{
		"run_id", "organisation_id", "source_url", "target_url", "kind",
		"scraped_count", "lease_expires_at", "completed_at", "created_at", "updated_at",
	}).AddRow("run-1", "org-1", "src", "tgt", "self", 0, &lease, (*time.Time)(nil), created, created)

	mock.ExpectQuery("SELECT run_id, organisation_id").
		WithArgs(cutoff, 10).
		WillReturnRows(rows)

	runs, err := store.ListExpiredLeases(context.Background(), cutoff, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, scout.KindSelf, runs[0].Kind)
	require.NotNil(t, runs[0].LeaseExpiresAt)
	assert.True(t, runs[0].LeaseExpiresAt.Equal(lease))
	assert.False(t, runs[0].Completed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunStoreWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE runs")
	require.Error(t, err)
}
