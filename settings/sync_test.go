package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quirehq/quire/errors"
	qtesting "github.com/quirehq/quire/internal/testing"
	"github.com/quirehq/quire/logger"
	"github.com/quirehq/quire/notify"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
	"github.com/quirehq/quire/sched/usertask"
)

func newTestSync(t *testing.T) (*Sync, *usertask.Store, *notify.Emitter) {
	t.Helper()
	conn := qtesting.CreateTestDB(t)
	log := logger.NewTestLogger()
	codecs := codec.NewRegistry()
	emitter := notify.NewEmitter(log)
	t.Cleanup(emitter.Close)

	q := queue.NewQueue(queue.NewStore(conn), emitter, log)
	tasks := usertask.NewStore(conn, q, codecs, log)
	return NewSync(NewStore(conn), tasks, codecs, emitter, log), tasks, emitter
}

func validSettings() *CollectiveSettings {
	return &CollectiveSettings{
		Collective:         "acme",
		ClassifierEnabled:  true,
		ClassifierSchedule: "0 2 * * *",
		TrashMinAgeDays:    14,
		TrashSchedule:      "0 4 * * 0",
	}
}

func TestUpdateCreatesPolicyTasks(t *testing.T) {
	sync, tasks, _ := newTestSync(t)
	ctx := context.Background()

	result, err := sync.Update(ctx, validSettings())
	require.NoError(t, err)
	assert.True(t, result.Persisted)
	assert.True(t, result.TasksSynced)

	scope := usertask.CollectiveScope("acme")
	all, err := tasks.FindAll(ctx, scope)
	require.NoError(t, err)
	require.Len(t, all, 2)

	classifier, err := tasks.FindBySubject(ctx, scope, "classifier-train/acme")
	require.NoError(t, err)
	require.NotNil(t, classifier)
	assert.True(t, classifier.Enabled)
	assert.Equal(t, "0 2 * * *", classifier.Schedule)

	trash, err := tasks.FindBySubject(ctx, scope, "trash-empty/acme")
	require.NoError(t, err)
	require.NotNil(t, trash)
	assert.JSONEq(t, `{"collective":"acme","min_age_days":14}`, string(trash.Args))
}

func TestUpdateEditKeepsTaskIdentity(t *testing.T) {
	sync, tasks, _ := newTestSync(t)
	ctx := context.Background()
	scope := usertask.CollectiveScope("acme")

	_, err := sync.Update(ctx, validSettings())
	require.NoError(t, err)

	before, err := tasks.FindBySubject(ctx, scope, "classifier-train/acme")
	require.NoError(t, err)

	edited := validSettings()
	edited.ClassifierSchedule = "0 2 * * 0" // daily to weekly
	edited.ClassifierEnabled = false
	_, err = sync.Update(ctx, edited)
	require.NoError(t, err)

	after, err := tasks.FindBySubject(ctx, scope, "classifier-train/acme")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "edit updates the same definition")
	assert.Equal(t, "0 2 * * 0", after.Schedule)
	assert.False(t, after.Enabled)

	all, err := tasks.FindAll(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, all, 2, "no duplicate definitions after the edit")
}

func TestUpdatePublishesScheduleChanged(t *testing.T) {
	sync, _, emitter := newTestSync(t)

	events := emitter.Subscribe()
	_, err := sync.Update(context.Background(), validSettings())
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, notify.EventScheduleChanged, event.Kind)
		assert.Equal(t, "acme", event.Collective)
	case <-time.After(time.Second):
		t.Fatal("no schedule-changed event published")
	}
}

func TestUpdateRejectsInvalidSettings(t *testing.T) {
	sync, _, _ := newTestSync(t)

	bad := validSettings()
	bad.ClassifierSchedule = "whenever"
	_, err := sync.Update(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	bad = validSettings()
	bad.TrashMinAgeDays = -1
	_, err = sync.Update(context.Background(), bad)
	assert.Error(t, err)

	// Enabled without a schedule would show as enabled yet never run.
	bad = validSettings()
	bad.ClassifierSchedule = ""
	_, err = sync.Update(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestUpdatePersistsWhenTaskSyncFails(t *testing.T) {
	sync, _, _ := newTestSync(t)
	ctx := context.Background()

	// Sabotage task sync by dropping the user_tasks table out from
	// under the store; the settings write must still land.
	_, err := sync.store.db.ExecContext(ctx, "DROP TABLE user_tasks")
	require.NoError(t, err)

	result, err := sync.Update(ctx, validSettings())
	require.NoError(t, err, "persistence failure is the only hard error")
	assert.True(t, result.Persisted)
	assert.False(t, result.TasksSynced)

	saved, err := sync.store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 14, saved.TrashMinAgeDays)
}

func TestGetReturnsDefaultsWhenUnset(t *testing.T) {
	sync, _, _ := newTestSync(t)

	got, err := sync.store.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, 30, got.TrashMinAgeDays)
	assert.False(t, got.ClassifierEnabled)
}

func TestEmptyScheduleKeepsDisabledDefinition(t *testing.T) {
	sync, tasks, _ := newTestSync(t)
	ctx := context.Background()

	s := validSettings()
	s.TrashSchedule = ""
	result, err := sync.Update(ctx, s)
	require.NoError(t, err)
	assert.True(t, result.TasksSynced)

	trash, err := tasks.FindBySubject(ctx, usertask.CollectiveScope("acme"), "trash-empty/acme")
	require.NoError(t, err)
	require.NotNil(t, trash)
	assert.False(t, trash.Enabled, "no schedule means no automatic runs")
}
