package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

func TestStoreResultsWritesRunAndRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "extraction_results")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	store.now = func() time.Time { return now }

	target := pipeline.Target{Index: 0, Name: "Report", URL: "https://example.com/report.pdf"}
	results := []pipeline.ExtractionResult{
		pipeline.Success(target, pipeline.SourcePDF, "text", nil),
		pipeline.Failure(pipeline.Target{Index: 1, Name: "Blocked", URL: "https://example.com/x"},
			pipeline.NewTargetError(pipeline.RobotsDisallowed, pipeline.ReasonRobotsBlocked, nil), nil),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO extraction_results_runs").
		WithArgs("run-1", 2, 1, 1, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO extraction_results").
		WithArgs("run-1", 0, "Report", target.URL, "text", true, "PDF", "", "", []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO extraction_results").
		WithArgs("run-1", 1, "Blocked", "https://example.com/x", "Error: "+pipeline.ReasonRobotsBlocked,
			false, "Unknown", "RobotsDisallowed", pipeline.ReasonRobotsBlocked, []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.StoreResults(context.Background(), "run-1", results))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreResultsRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO extraction_results_runs").
		WithArgs("run-1", 0, 0, 0, pgxmock.AnyArg()).
		WillReturnError(errors.New("relation does not exist"))
	mock.ExpectRollback()

	err = store.StoreResults(context.Background(), "run-1", nil)
	require.ErrorContains(t, err, "upsert run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "results; drop table")
	require.Error(t, err)
	_, err = NewWithPool(nil, "results")
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
