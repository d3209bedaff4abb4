package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/quirehq/quire/notify"
)

// Queue couples the job store with change notification: every accepted
// insert publishes a wakeup hint so idle workers poll immediately
// instead of waiting out their poll interval.
type Queue struct {
	store   *Store
	emitter *notify.Emitter
	logger  *zap.SugaredLogger
}

// NewQueue creates a queue over the store. The emitter may be nil when
// notification is not wired, for tools that only inspect the queue.
func NewQueue(store *Store, emitter *notify.Emitter, logger *zap.SugaredLogger) *Queue {
	return &Queue{store: store, emitter: emitter, logger: logger}
}

// Store exposes the underlying store for claim and transition
// primitives used by the worker pool and reclaimer.
func (q *Queue) Store() *Store {
	return q.store
}

// Submit inserts the job unless an active duplicate exists, and
// publishes a wakeup hint when the insert happened.
func (q *Queue) Submit(ctx context.Context, job *Job) (InsertResult, error) {
	result, err := q.store.InsertIfNew(ctx, job)
	if err != nil {
		return result, err
	}

	if result == Inserted {
		q.logger.Infow("Job submitted",
			"id", job.ID,
			"task", job.Task,
			"collective", job.Collective,
			"subject", job.Subject,
			"priority", job.Priority)
		if q.emitter != nil {
			q.emitter.Publish(notify.Event{
				Kind:       notify.EventJobSubmitted,
				Collective: job.Collective,
				Task:       job.Task,
			})
		}
	} else {
		q.logger.Debugw("Job merged into active duplicate",
			"task", job.Task, "subject", job.Subject)
	}
	return result, nil
}

// Cancel cancels a waiting job. Jobs already claimed or finished are
// left alone and reported as not cancelled.
func (q *Queue) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	ok, err := q.store.MarkCancelled(ctx, jobID, reason)
	if err != nil {
		return false, err
	}
	if ok {
		q.logger.Infow("Job cancelled", "id", jobID, "reason", reason)
	}
	return ok, nil
}

// GetJob retrieves a job by ID.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// ListJobs returns jobs, optionally filtered by state, newest first.
func (q *Queue) ListJobs(ctx context.Context, state *State, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, state, limit)
}

// CountByState returns the number of jobs per state.
func (q *Queue) CountByState(ctx context.Context) (map[State]int, error) {
	return q.store.CountByState(ctx)
}
