package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qtesting "github.com/quirehq/quire/internal/testing"
	"github.com/quirehq/quire/logger"
	"github.com/quirehq/quire/notify"
)

func newTestQueue(t *testing.T) (*Queue, *notify.Emitter) {
	t.Helper()
	log := logger.NewTestLogger()
	emitter := notify.NewEmitter(log)
	t.Cleanup(emitter.Close)
	return NewQueue(NewStore(qtesting.CreateTestDB(t)), emitter, log), emitter
}

func TestSubmitPublishesWakeup(t *testing.T) {
	q, emitter := newTestQueue(t)
	events := emitter.Subscribe()

	job, err := NewJob("reindex", "acme", "alice", nil)
	require.NoError(t, err)

	result, err := q.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, Inserted, result)

	select {
	case event := <-events:
		assert.Equal(t, notify.EventJobSubmitted, event.Kind)
		assert.Equal(t, "acme", event.Collective)
		assert.Equal(t, "reindex", event.Task)
	case <-time.After(time.Second):
		t.Fatal("no job-submitted event published")
	}
}

func TestSubmitSkippedDuplicateStaysQuiet(t *testing.T) {
	q, emitter := newTestQueue(t)
	ctx := context.Background()

	first, err := NewJob("reindex", "acme", "", nil)
	require.NoError(t, err)
	first.Subject = "reindex/acme"
	_, err = q.Submit(ctx, first)
	require.NoError(t, err)

	events := emitter.Subscribe()

	dup, err := NewJob("reindex", "acme", "", nil)
	require.NoError(t, err)
	dup.Subject = "reindex/acme"
	result, err := q.Submit(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, SkippedDuplicate, result)

	select {
	case <-events:
		t.Fatal("merged submit must not wake nodes")
	default:
	}
}

func TestCancelThroughQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := NewJob("reindex", "acme", "", nil)
	require.NoError(t, err)
	_, err = q.Submit(ctx, job)
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, job.ID, "no longer needed")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
}
