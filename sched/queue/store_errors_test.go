package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quirehq/quire/errors"
)

// Store failures must surface to the caller instead of being swallowed
// as a skipped or empty outcome.

func TestInsertIfNewPropagatesStoreFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnError(errors.New("disk I/O error"))

	store := NewStore(conn)
	job, err := NewJob("reindex", "acme", "", nil)
	require.NoError(t, err)
	job.Subject = "reindex/acme"

	_, err = store.InsertIfNew(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextJobsPropagatesStoreFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT id FROM jobs").
		WillReturnError(errors.New("database is locked"))

	store := NewStore(conn)
	_, err = store.NextJobs(context.Background(), "worker-1", []string{"reindex"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextJobsReturnsJobsClaimedBeforeFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	// Two candidates; the first claim lands, the second one errors. The
	// claimed job must come back with the error so the caller can still
	// execute it instead of leaving it leased and idle.
	mock.ExpectQuery("SELECT id FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job_a").AddRow("job_b"))
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = ?").
		WithArgs("job_a").
		WillReturnRows(jobRow("job_a", "reindex", "scheduled", "worker-1"))
	mock.ExpectExec("UPDATE jobs").
		WillReturnError(errors.New("database is locked"))

	store := NewStore(conn)
	jobs, err := store.NextJobs(context.Background(), "worker-1", []string{"reindex"}, 2)
	require.Error(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job_a", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// jobRow builds a full jobs row in select-column order.
func jobRow(id, task, state, workerID string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "task", "args", "subject", "collective", "submitter",
		"priority", "state", "retries", "worker_id", "heartbeat",
		"error", "created_at", "started_at", "finished_at",
	}).AddRow(id, task, nil, nil, "acme", nil,
		PriorityDefault, state, 0, workerID, now,
		nil, now, nil, nil)
}

func TestMarkFailedRollsBackOnUpdateFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT retries, state, worker_id FROM jobs").
		WithArgs("job_x").
		WillReturnRows(sqlmock.NewRows([]string{"retries", "state", "worker_id"}).
			AddRow(0, "running", "node-1"))
	mock.ExpectExec("UPDATE jobs").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	store := NewStore(conn)
	_, err = store.MarkFailed(context.Background(), "job_x", "node-1", errors.New("handler failed"), true, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}
