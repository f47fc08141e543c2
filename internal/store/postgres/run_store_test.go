package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/promodata/harvester/internal/progress"
)

func TestStartRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "harvest_runs")
	require.NoError(t, err)

	runID := uuid.New()
	startedAt := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(runID, progress.StatusRunning, startedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StartRun(context.Background(), runID, startedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRunUpdatesTotals(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "harvest_runs")
	require.NoError(t, err)

	runID := uuid.New()
	finishedAt := time.Unix(1700003600, 0).UTC()
	counters := progress.Counters{Fetched: 9, Failed: 1, Skipped: 2, BatchesSaved: 4}

	mock.ExpectExec("UPDATE harvest_runs").
		WithArgs(finishedAt, progress.StatusCompletedWithErrors, 9, 1, 2, 4, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.FinishRun(context.Background(), runID, finishedAt, progress.StatusCompletedWithErrors, counters)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunStoreWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "harvest_runs; DROP TABLE")
	require.Error(t, err)
}
