package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quirehq/quire/errors"
	qtesting "github.com/quirehq/quire/internal/testing"
	"github.com/quirehq/quire/logger"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
)

type recordingHandler struct {
	task string
	fn   func(ctx context.Context, job *queue.Job, args codec.Args) error

	mu    sync.Mutex
	calls int
}

func (h *recordingHandler) Task() string { return h.task }

func (h *recordingHandler) Execute(ctx context.Context, job *queue.Job, args codec.Args) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, job, args)
	}
	return nil
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:           1,
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		RetryLimit:        3,
		StopTimeout:       2 * time.Second,
	}
}

func newTestPool(t *testing.T, handlers ...TaskHandler) (*Pool, *queue.Store) {
	t.Helper()
	store := queue.NewStore(qtesting.CreateTestDB(t))

	registry := NewRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}

	pool := NewPool(context.Background(), store, registry, codec.NewRegistry(),
		"node-test", testPoolConfig(), logger.NewTestLogger())
	return pool, store
}

func submit(t *testing.T, store *queue.Store, task string, args string) *queue.Job {
	t.Helper()
	var raw []byte
	if args != "" {
		raw = []byte(args)
	}
	job, err := queue.NewJob(task, "acme", "", raw)
	require.NoError(t, err)
	result, err := store.InsertIfNew(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, queue.Inserted, result)
	return job
}

func waitForState(t *testing.T, store *queue.Store, jobID string, want queue.State) *queue.Job {
	t.Helper()
	var got *queue.Job
	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = job
		return job.State == want
	}, 3*time.Second, 10*time.Millisecond, "job never reached state %s", want)
	return got
}

func TestPoolExecutesJobToSuccess(t *testing.T) {
	handler := &recordingHandler{
		task: codec.TaskReindex,
		fn: func(ctx context.Context, job *queue.Job, args codec.Args) error {
			reindex, ok := args.(codec.ReindexArgs)
			require.True(t, ok)
			assert.Equal(t, "acme", reindex.Collective)
			return nil
		},
	}
	pool, store := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job := submit(t, store, codec.TaskReindex, `{"collective":"acme"}`)

	done := waitForState(t, store, job.ID, queue.StateSuccess)
	assert.Equal(t, 1, handler.callCount())
	assert.Empty(t, done.WorkerID)
	assert.NotNil(t, done.FinishedAt)
}

func TestPoolRetriesUntilLimit(t *testing.T) {
	handler := &recordingHandler{
		task: codec.TaskReindex,
		fn: func(ctx context.Context, job *queue.Job, args codec.Args) error {
			return errors.New("index shard unavailable")
		},
	}
	pool, store := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job := submit(t, store, codec.TaskReindex, `{"collective":"acme"}`)

	failed := waitForState(t, store, job.ID, queue.StateFailed)
	assert.Equal(t, 3, failed.Retries)
	assert.Equal(t, 3, handler.callCount())
	assert.Contains(t, failed.Error, "index shard unavailable")
}

func TestPoolPermanentFailureSkipsRetry(t *testing.T) {
	handler := &recordingHandler{
		task: codec.TaskReindex,
		fn: func(ctx context.Context, job *queue.Job, args codec.Args) error {
			return Permanent(errors.New("collective does not exist"))
		},
	}
	pool, store := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job := submit(t, store, codec.TaskReindex, `{"collective":"gone"}`)

	failed := waitForState(t, store, job.ID, queue.StateFailed)
	assert.Equal(t, 1, failed.Retries)
	assert.Equal(t, 1, handler.callCount())
}

func TestPoolMalformedPayloadFailsWithoutRetry(t *testing.T) {
	handler := &recordingHandler{task: codec.TaskReindex}
	pool, store := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job := submit(t, store, codec.TaskReindex, `{"collective":42}`)

	failed := waitForState(t, store, job.ID, queue.StateFailed)
	assert.Equal(t, 1, failed.Retries)
	assert.Zero(t, handler.callCount(), "handler never runs on a decode failure")
}

func TestPoolOnlyClaimsRegisteredTasks(t *testing.T) {
	handler := &recordingHandler{task: codec.TaskReindex}
	pool, store := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	other := submit(t, store, codec.TaskTrashEmpty, `{"collective":"acme"}`)

	time.Sleep(150 * time.Millisecond)
	job, err := store.GetJob(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
}

func TestPoolPokeWakesIdleSlot(t *testing.T) {
	handler := &recordingHandler{task: codec.TaskReindex}
	pool, store := newTestPool(t, handler)

	// A long poll interval makes progress depend on the poke.
	pool.cfg.PollInterval = time.Hour
	pool.Start()
	defer pool.Stop()

	time.Sleep(50 * time.Millisecond) // let the slot drain and go idle
	job := submit(t, store, codec.TaskReindex, `{"collective":"acme"}`)
	pool.Poke()

	waitForState(t, store, job.ID, queue.StateSuccess)
}

func TestPoolReleasesRunningJobOnStop(t *testing.T) {
	started := make(chan struct{})
	handler := &recordingHandler{
		task: codec.TaskReindex,
		fn: func(ctx context.Context, job *queue.Job, args codec.Args) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	pool, store := newTestPool(t, handler)
	pool.Start()

	job := submit(t, store, codec.TaskReindex, `{"collective":"acme"}`)
	<-started
	pool.Stop()

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, got.State)
	assert.Empty(t, got.WorkerID)
	assert.Zero(t, got.Retries, "shutdown is not a failed attempt")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&recordingHandler{task: codec.TaskReindex})

	assert.Panics(t, func() {
		registry.Register(&recordingHandler{task: codec.TaskReindex})
	})
	assert.ElementsMatch(t, []string{codec.TaskReindex}, registry.Capabilities())
}

func TestPermanentMarking(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	err := Permanent(errors.New("boom"))
	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(errors.Wrap(err, "outer")))
	assert.False(t, IsPermanent(errors.New("plain")))
}
