package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

// sqlmock covers the SQL paths that are awkward to force against a real
// database: missing rows on UPDATE and driver-level failures.

func TestUpdateRunMissingRowReturnsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	mock.ExpectExec(`UPDATE runs SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := New(db)
	err = repo.UpdateRun(context.Background(), &contracts.Run{
		ID:     "missing-run",
		Status: contracts.StatusFailed,
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountTenantRunsByStatusWrapsDriverError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM runs`).
		WithArgs("tenant-a", "QUEUED").
		WillReturnError(assert.AnError)

	repo := New(db)
	_, err = repo.CountTenantRunsByStatus(context.Background(), "tenant-a", contracts.StatusQueued)
	assert.ErrorContains(t, err, "count runs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimQueuedRunOnlyTouchesQueuedRows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	mock.ExpectExec(`UPDATE runs SET status = \$1`).
		WithArgs("RUNNING", sqlmock.AnyArg(), "run-1", "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := New(db)
	require.NoError(t, repo.ClaimQueuedRun(context.Background(), "run-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
