package usertask

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quirehq/quire/logger"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
)

func newTestDriver(t *testing.T) (*Driver, *Store, *queue.Queue) {
	t.Helper()
	store, q := newTestStore(t)
	driver := NewDriver(context.Background(), store, q,
		DriverConfig{Interval: time.Hour}, logger.NewTestLogger())
	return driver, store, q
}

func TestTickEnqueuesDueTask(t *testing.T) {
	driver, store, q := newTestDriver(t)
	ctx := context.Background()
	scope := CollectiveScope("acme")

	task := newTrashTask(t, scope, "0 3 * * *")
	require.NoError(t, store.UpdateOneTask(ctx, task))

	fireAt := task.NextRunAt.Add(time.Minute)
	driver.Tick(ctx, fireAt)

	// The job's dedup subject is the definition id.
	job, err := q.Store().FindActiveBySubject(ctx, codec.TaskTrashEmpty, task.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "acme", job.Collective)
	assert.JSONEq(t, string(task.Args), string(job.Args))

	// The fire was recorded and the next run scheduled past the tick.
	updated, err := store.FindBySubject(ctx, scope, task.Subject)
	require.NoError(t, err)
	require.NotNil(t, updated.LastRunAt)
	assert.WithinDuration(t, fireAt, *updated.LastRunAt, time.Second)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.After(fireAt))
}

func TestTickSkipsInFlightDefinition(t *testing.T) {
	driver, store, q := newTestDriver(t)
	ctx := context.Background()
	scope := CollectiveScope("acme")

	task := newTrashTask(t, scope, "0 3 * * *")
	require.NoError(t, store.UpdateOneTask(ctx, task))

	first := task.NextRunAt.Add(time.Minute)
	driver.Tick(ctx, first)

	// Force the definition due again while the first job is still active.
	overdue := first.Add(-time.Hour)
	_, err := store.db.ExecContext(ctx,
		"UPDATE user_tasks SET next_run_at = ? WHERE id = ?", overdue, task.ID)
	require.NoError(t, err)

	driver.Tick(ctx, first.Add(time.Minute))

	waiting := queue.StateWaiting
	jobs, err := q.ListJobs(ctx, &waiting, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "second fire merges into the in-flight job")
}

func TestTickIgnoresDisabledAndFuture(t *testing.T) {
	driver, store, q := newTestDriver(t)
	ctx := context.Background()

	disabled := newTrashTask(t, CollectiveScope("acme"), "0 3 * * *")
	disabled.Enabled = false
	require.NoError(t, store.UpdateOneTask(ctx, disabled))

	future := newTrashTask(t, CollectiveScope("beta"), "0 3 * * *")
	require.NoError(t, store.UpdateOneTask(ctx, future))

	driver.Tick(ctx, time.Now().UTC())

	counts, err := q.CountByState(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.StateWaiting])
}

func TestDriverStartStop(t *testing.T) {
	driver, _, _ := newTestDriver(t)
	driver.Start()
	driver.Stop()
}
