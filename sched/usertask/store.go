package usertask

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/quirehq/quire/errors"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
)

// Store persists recurring task definitions and feeds one-off
// executions into the job queue.
type Store struct {
	db     *sql.DB
	queue  *queue.Queue
	codecs *codec.Registry
	logger *zap.SugaredLogger
}

// NewStore creates a user task store.
func NewStore(db *sql.DB, q *queue.Queue, codecs *codec.Registry, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, queue: q, codecs: codecs, logger: logger}
}

const taskSelectColumns = `id, collective, login, subject, task, enabled,
	schedule, summary, args, next_run_at, last_run_at, created_at, updated_at`

// UpdateOneTask upserts a definition by its (scope, subject) key. An
// existing definition keeps its identifier and creation time; schedule,
// enabled, args and summary are replaced. Concurrent calls for the same
// subject are resolved by the conflict clause, never by double-insert.
func (s *Store) UpdateOneTask(ctx context.Context, task *UserTask) error {
	if err := task.Scope.validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_tasks (
			id, collective, login, subject, task, enabled,
			schedule, summary, args, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collective, login, subject) DO UPDATE SET
			task = excluded.task,
			enabled = excluded.enabled,
			schedule = excluded.schedule,
			summary = excluded.summary,
			args = excluded.args,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at
	`,
		task.ID,
		task.Scope.Collective,
		task.Scope.Login,
		task.Subject,
		task.Task,
		task.Enabled,
		task.Schedule,
		nullStr(task.Summary),
		nullStr(string(task.Args)),
		nullTime(task.NextRunAt),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert user task %s", task.Subject)
	}
	return nil
}

// ExecuteNow enqueues a one-shot job for the definition regardless of
// its schedule or enabled flag. The job's dedup subject is derived from
// the task payload, so repeated requests while one is in flight merge
// into the active job.
func (s *Store) ExecuteNow(ctx context.Context, scope Scope, subject, submitter string) (queue.InsertResult, error) {
	task, err := s.FindBySubject(ctx, scope, subject)
	if err != nil {
		return queue.SkippedDuplicate, err
	}
	if task == nil {
		return queue.SkippedDuplicate, errors.NewNotFoundError("user task %s in scope %s", subject, scope)
	}

	args, err := s.codecs.Decode(task.Task, task.Args)
	if err != nil {
		return queue.SkippedDuplicate, errors.Wrapf(err, "cannot derive job subject for task %s", task.Task)
	}

	job, err := queue.NewJob(task.Task, scope.Collective, submitter, task.Args)
	if err != nil {
		return queue.SkippedDuplicate, err
	}
	job.Subject = args.Subject()

	result, err := s.queue.Submit(ctx, job)
	if err != nil {
		return result, err
	}
	s.logger.Infow("Manual task execution requested",
		"task", task.Task,
		"subject", job.Subject,
		"result", result.String())
	return result, nil
}

// FindBySubject returns the definition with the given subject in the
// scope, or nil when none exists.
func (s *Store) FindBySubject(ctx context.Context, scope Scope, subject string) (*UserTask, error) {
	query := `SELECT ` + taskSelectColumns + `
		FROM user_tasks
		WHERE collective = ? AND login = ? AND subject = ?`

	var task UserTask
	err := scanTaskFromRow(s.db.QueryRowContext(ctx, query, scope.Collective, scope.Login, subject), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find user task %s", subject)
	}
	return &task, nil
}

// FindAll returns every definition in the scope, oldest first.
func (s *Store) FindAll(ctx context.Context, scope Scope) ([]*UserTask, error) {
	query := `SELECT ` + taskSelectColumns + `
		FROM user_tasks
		WHERE collective = ? AND login = ?
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, scope.Collective, scope.Login)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user tasks")
	}
	defer rows.Close()

	return collectTasks(rows)
}

// Delete removes a definition by identifier within its scope. Returns
// false when no such definition exists.
func (s *Store) Delete(ctx context.Context, scope Scope, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM user_tasks
		WHERE id = ? AND collective = ? AND login = ?
	`, id, scope.Collective, scope.Login)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete user task %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// DeleteAllForCollective removes every definition of a collective, both
// collective-wide and user-specific. Used when the collective itself is
// removed.
func (s *Store) DeleteAllForCollective(ctx context.Context, collective string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM user_tasks WHERE collective = ?", collective)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete user tasks for %s", collective)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// DeleteAllForUser removes every user-specific definition of one user.
func (s *Store) DeleteAllForUser(ctx context.Context, collective, login string) (int, error) {
	if login == "" {
		return 0, errors.New("login cannot be empty")
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM user_tasks WHERE collective = ? AND login = ?", collective, login)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete user tasks for %s/%s", collective, login)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// ListDue returns enabled definitions whose next fire time has passed,
// across all scopes, most overdue first.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*UserTask, error) {
	query := `SELECT ` + taskSelectColumns + `
		FROM user_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due user tasks")
	}
	defer rows.Close()

	return collectTasks(rows)
}

// UpdateAfterRun records a fire and schedules the next one.
func (s *Store) UpdateAfterRun(ctx context.Context, id string, ranAt, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_tasks
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, ranAt, next, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to record run of user task %s", id)
	}
	return nil
}

type taskScanArgs struct {
	Summary   sql.NullString
	Args      sql.NullString
	NextRunAt sql.NullTime
	LastRunAt sql.NullTime
}

func scanTargets(task *UserTask, args *taskScanArgs) []interface{} {
	return []interface{}{
		&task.ID,
		&task.Scope.Collective,
		&task.Scope.Login,
		&task.Subject,
		&task.Task,
		&task.Enabled,
		&task.Schedule,
		&args.Summary,
		&args.Args,
		&args.NextRunAt,
		&args.LastRunAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	}
}

func applyScanArgs(task *UserTask, args *taskScanArgs) {
	if args.Summary.Valid {
		task.Summary = args.Summary.String
	}
	if args.Args.Valid {
		task.Args = []byte(args.Args.String)
	}
	if args.NextRunAt.Valid {
		task.NextRunAt = &args.NextRunAt.Time
	}
	if args.LastRunAt.Valid {
		task.LastRunAt = &args.LastRunAt.Time
	}
}

func scanTaskFromRow(row *sql.Row, task *UserTask) error {
	args := &taskScanArgs{}
	if err := row.Scan(scanTargets(task, args)...); err != nil {
		return err
	}
	applyScanArgs(task, args)
	return nil
}

func collectTasks(rows *sql.Rows) ([]*UserTask, error) {
	var tasks []*UserTask
	for rows.Next() {
		var task UserTask
		args := &taskScanArgs{}
		if err := rows.Scan(scanTargets(&task, args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan user task")
		}
		applyScanArgs(&task, args)
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating user tasks")
	}
	return tasks, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
