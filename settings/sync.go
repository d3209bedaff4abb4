package settings

import (
	"context"

	"go.uber.org/zap"

	"github.com/quirehq/quire/notify"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/usertask"
)

// UpdateResult reports how far a settings update propagated. Persisted
// is the authoritative outcome; TasksSynced false means the recurring
// task catalog is temporarily behind the saved policy.
type UpdateResult struct {
	Persisted   bool
	TasksSynced bool
}

// Sync applies a settings edit: persist, derive the policy-backed
// recurring tasks, wake the nodes. Persistence failures propagate;
// everything after is logged and reported as a degraded success.
type Sync struct {
	store   *Store
	tasks   *usertask.Store
	codecs  *codec.Registry
	emitter *notify.Emitter
	logger  *zap.SugaredLogger
}

// NewSync creates the settings orchestrator.
func NewSync(store *Store, tasks *usertask.Store, codecs *codec.Registry, emitter *notify.Emitter, logger *zap.SugaredLogger) *Sync {
	return &Sync{
		store:   store,
		tasks:   tasks,
		codecs:  codecs,
		emitter: emitter,
		logger:  logger,
	}
}

// Settings exposes the underlying settings store for reads.
func (s *Sync) Settings() *Store {
	return s.store
}

// Update persists the settings and syncs the derived task definitions.
// The returned error is non-nil only when persistence itself failed.
func (s *Sync) Update(ctx context.Context, settings *CollectiveSettings) (UpdateResult, error) {
	if err := s.store.Save(ctx, settings); err != nil {
		return UpdateResult{}, err
	}
	result := UpdateResult{Persisted: true, TasksSynced: true}

	if err := s.syncTasks(ctx, settings); err != nil {
		s.logger.Errorw("Settings saved but task sync failed",
			"collective", settings.Collective, "error", err)
		result.TasksSynced = false
	}

	s.emitter.Publish(notify.Event{
		Kind:       notify.EventScheduleChanged,
		Collective: settings.Collective,
	})
	return result, nil
}

// syncTasks upserts one recurring definition per policy. Subjects are
// stable across edits, so a schedule change lands on the existing row.
func (s *Sync) syncTasks(ctx context.Context, settings *CollectiveSettings) error {
	scope := usertask.CollectiveScope(settings.Collective)

	classifierArgs := codec.ClassifierTrainArgs{Collective: settings.Collective}
	if err := s.upsert(ctx, scope, codec.TaskClassifierTrain, classifierArgs,
		settings.ClassifierSchedule, settings.ClassifierEnabled,
		"Train the document classifier"); err != nil {
		return err
	}

	trashArgs := codec.TrashEmptyArgs{
		Collective: settings.Collective,
		MinAgeDays: settings.TrashMinAgeDays,
	}
	return s.upsert(ctx, scope, codec.TaskTrashEmpty, trashArgs,
		settings.TrashSchedule, settings.TrashSchedule != "",
		"Purge trashed documents past retention")
}

func (s *Sync) upsert(ctx context.Context, scope usertask.Scope, taskName string, args codec.Args, schedule string, enabled bool, summary string) error {
	if schedule == "" {
		// No schedule configured: keep a disabled definition so manual
		// "run now" still has args to work from.
		schedule = "@daily"
		enabled = false
	}

	raw, err := s.codecs.Encode(taskName, args)
	if err != nil {
		return err
	}

	task, err := usertask.NewUserTask(scope, args.Subject(), taskName, schedule, enabled, raw)
	if err != nil {
		return err
	}
	task.Summary = summary
	return s.tasks.UpdateOneTask(ctx, task)
}
