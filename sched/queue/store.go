package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/quirehq/quire/errors"
)

// Store handles persistence of queued jobs. All cross-node coordination
// (claim exclusivity, subject uniqueness) is delegated to conditional
// writes, so a claim succeeds only if the row is still in the expected
// state when the update lands.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// statePlaceholders builds "?, ?, ..." and the matching args for a state set.
func statePlaceholders(states []State) (string, []interface{}) {
	marks := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, s := range states {
		marks[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(marks, ", "), args
}

// InsertIfNew inserts the job unless an active job with the same
// (task, subject) already exists. A job without a subject is always
// inserted. SkippedDuplicate is a defined outcome, not an error.
func (s *Store) InsertIfNew(ctx context.Context, job *Job) (InsertResult, error) {
	if job.Subject == "" {
		if err := s.insert(ctx, job); err != nil {
			return SkippedDuplicate, err
		}
		return Inserted, nil
	}

	marks, stateArgs := statePlaceholders(activeStates)
	query := `
		INSERT INTO jobs (
			id, task, args, subject, collective, submitter,
			priority, state, retries, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, 0, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE task = ? AND subject = ? AND state IN (` + marks + `)
		)
	`

	args := []interface{}{
		job.ID,
		job.Task,
		nullStr(string(job.Args)),
		job.Subject,
		job.Collective,
		nullStr(job.Submitter),
		job.Priority,
		job.State,
		job.CreatedAt,
		job.Task,
		job.Subject,
	}
	args = append(args, stateArgs...)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return SkippedDuplicate, errors.Wrap(err, "failed to insert job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return SkippedDuplicate, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return SkippedDuplicate, nil
	}
	return Inserted, nil
}

// insert writes a job unconditionally.
func (s *Store) insert(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, task, args, subject, collective, submitter,
			priority, state, retries, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Task,
		nullStr(string(job.Args)),
		nullStr(job.Subject),
		job.Collective,
		nullStr(job.Submitter),
		job.Priority,
		job.State,
		job.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert job")
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// claimAttempts bounds re-selection when all candidates of a batch were
// claimed by other workers between SELECT and UPDATE.
const claimAttempts = 3

// NextJobs atomically claims up to limit waiting jobs whose task matches
// one of the given capabilities, ordered by priority (high first) then
// creation time (old first). Each returned job has moved to Scheduled
// with the worker recorded; no concurrent caller can receive the same
// job because the claim update is conditional on state still being
// Waiting.
func (s *Store) NextJobs(ctx context.Context, workerID string, capabilities []string, limit int) ([]*Job, error) {
	if workerID == "" {
		return nil, errors.New("workerID cannot be empty")
	}
	if len(capabilities) == 0 || limit <= 0 {
		return nil, nil
	}

	capMarks := make([]string, len(capabilities))
	capArgs := make([]interface{}, len(capabilities))
	for i, c := range capabilities {
		capMarks[i] = "?"
		capArgs[i] = c
	}

	candidateQuery := `
		SELECT id FROM jobs
		WHERE state = ? AND task IN (` + strings.Join(capMarks, ", ") + `)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`

	var claimed []*Job
	for attempt := 0; attempt < claimAttempts && len(claimed) < limit; attempt++ {
		need := limit - len(claimed)

		args := append([]interface{}{StateWaiting}, capArgs...)
		args = append(args, need)
		rows, err := s.db.QueryContext(ctx, candidateQuery, args...)
		if err != nil {
			return claimed, errors.Wrap(err, "failed to select claim candidates")
		}

		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return claimed, errors.Wrap(err, "failed to scan candidate id")
			}
			candidates = append(candidates, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return claimed, errors.Wrap(err, "error iterating candidates")
		}
		rows.Close()

		if len(candidates) == 0 {
			break
		}

		won := 0
		now := time.Now().UTC()
		for _, id := range candidates {
			// The claim: succeeds only if the job is still waiting.
			result, err := s.db.ExecContext(ctx, `
				UPDATE jobs
				SET state = ?, worker_id = ?, heartbeat = ?
				WHERE id = ? AND state = ?
			`, StateScheduled, workerID, now, id, StateWaiting)
			if err != nil {
				return claimed, errors.Wrapf(err, "failed to claim job %s", id)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return claimed, errors.Wrap(err, "failed to get rows affected")
			}
			if n == 0 {
				continue // lost the race to another worker
			}

			job, err := s.GetJob(ctx, id)
			if err != nil {
				return claimed, errors.Wrapf(err, "failed to load claimed job %s", id)
			}
			claimed = append(claimed, job)
			won++
			if len(claimed) == limit {
				break
			}
		}

		// Fewer candidates than needed and none lost: the queue is drained.
		if won == len(candidates) && len(candidates) < need {
			break
		}
	}

	return claimed, nil
}

// MarkRunning transitions a claimed job to Running. The update is
// conditional on the job still being Scheduled and owned by workerID.
func (s *Store) MarkRunning(ctx context.Context, jobID, workerID string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, started_at = ?, heartbeat = ?
		WHERE id = ? AND state = ? AND worker_id = ?
	`, StateRunning, now, now, jobID, StateScheduled, workerID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s running", jobID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is not scheduled for worker %s", jobID, workerID)
	}
	return nil
}

// MarkSuccess transitions a running job to its Success terminal state
// and releases the lease.
func (s *Store) MarkSuccess(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, finished_at = ?, worker_id = NULL, heartbeat = NULL
		WHERE id = ? AND state = ?
	`, StateSuccess, time.Now().UTC(), jobID, StateRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s successful", jobID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is not running", jobID)
	}
	return nil
}

// MarkFailed records a failed attempt by the worker holding the lease.
// A retryable failure below the retry limit puts the job back to
// Waiting with the lease cleared; a non-retryable failure or an
// exhausted retry budget is terminal. retryLimit is the maximum number
// of attempts overall. A worker that lost its claim (job reclaimed or
// re-claimed elsewhere) gets ErrConflict and must not touch the job.
func (s *Store) MarkFailed(ctx context.Context, jobID, workerID string, jobErr error, retryable bool, retryLimit int) (FailOutcome, error) {
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailedTerminal, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var retries int
	var state State
	var owner sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT retries, state, worker_id FROM jobs WHERE id = ?", jobID,
	).Scan(&retries, &state, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return FailedTerminal, errors.NewNotFoundError("job %s", jobID)
	}
	if err != nil {
		return FailedTerminal, errors.Wrapf(err, "failed to load job %s", jobID)
	}
	if state.Terminal() {
		return FailedTerminal, errors.Wrapf(errors.ErrTerminalState, "job %s is already %s", jobID, state)
	}
	if (state != StateScheduled && state != StateRunning) || owner.String != workerID {
		return FailedTerminal, errors.Wrapf(errors.ErrConflict, "job %s is no longer leased to %s", jobID, workerID)
	}

	retries++
	outcome := FailedTerminal
	if retryable && retries < retryLimit {
		outcome = RetryScheduled
	}

	if outcome == RetryScheduled {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, retries = ?, error = ?,
			    worker_id = NULL, heartbeat = NULL, started_at = NULL
			WHERE id = ? AND worker_id = ?
		`, StateWaiting, retries, errMsg, jobID, workerID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, retries = ?, error = ?, finished_at = ?,
			    worker_id = NULL, heartbeat = NULL
			WHERE id = ? AND worker_id = ?
		`, StateFailed, retries, errMsg, time.Now().UTC(), jobID, workerID)
	}
	if err != nil {
		return FailedTerminal, errors.Wrapf(err, "failed to mark job %s failed", jobID)
	}

	if err := tx.Commit(); err != nil {
		return FailedTerminal, errors.Wrap(err, "failed to commit failure")
	}
	return outcome, nil
}

// MarkCancelled cancels a job that has not started yet. Running jobs are
// not signalled; their abandonment is detected through lease expiry.
// Returns false when the job was not waiting (already claimed, finished,
// or missing).
func (s *Store) MarkCancelled(ctx context.Context, jobID, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, error = ?, finished_at = ?
		WHERE id = ? AND state = ?
	`, StateCancelled, reason, time.Now().UTC(), jobID, StateWaiting)
	if err != nil {
		return false, errors.Wrapf(err, "failed to cancel job %s", jobID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// UpdateHeartbeat renews the lease on a running job. A worker that lost
// its claim (lease reclaimed while it was stalled) gets zero rows and an
// ErrConflict so it can stop executing.
func (s *Store) UpdateHeartbeat(ctx context.Context, jobID, workerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET heartbeat = ?
		WHERE id = ? AND worker_id = ? AND state IN (?, ?)
	`, time.Now().UTC(), jobID, workerID, StateScheduled, StateRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to update heartbeat for job %s", jobID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is no longer leased to %s", jobID, workerID)
	}
	return nil
}

// FindStuck returns claimed jobs whose lease heartbeat is older than the
// given cutoff. These are candidates for reclamation by the watchdog.
func (s *Store) FindStuck(ctx context.Context, olderThan time.Time) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + `
		FROM jobs
		WHERE state IN (?, ?) AND heartbeat IS NOT NULL AND heartbeat < ?
		ORDER BY heartbeat ASC`

	rows, err := s.db.QueryContext(ctx, query, StateScheduled, StateRunning, olderThan)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find stuck jobs")
	}
	defer rows.Close()

	return collectJobs(rows, "stuck jobs")
}

// ResetToWaiting makes an abandoned job claimable again, clearing its
// lease. Only non-terminal states can be reset.
func (s *Store) ResetToWaiting(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, worker_id = NULL, heartbeat = NULL, started_at = NULL
		WHERE id = ? AND state IN (?, ?, ?)
	`, StateWaiting, jobID, StateScheduled, StateRunning, StateStuck)
	if err != nil {
		return errors.Wrapf(err, "failed to reset job %s", jobID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s cannot be reset", jobID)
	}
	return nil
}

// MarkStuck parks an abandoned job whose retry budget is exhausted.
// Stuck is not terminal: an operator (or ResetToWaiting) can revive it.
func (s *Store) MarkStuck(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, worker_id = NULL, heartbeat = NULL
		WHERE id = ? AND state IN (?, ?)
	`, StateStuck, jobID, StateScheduled, StateRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s stuck", jobID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is not claimed", jobID)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE id = ?`

	var job Job
	err := scanJobFromRow(s.db.QueryRowContext(ctx, query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return &job, nil
}

// FindActiveBySubject returns the active job with the given (task,
// subject), or nil when none exists.
func (s *Store) FindActiveBySubject(ctx context.Context, task, subject string) (*Job, error) {
	marks, stateArgs := statePlaceholders(activeStates)
	query := `SELECT ` + jobSelectColumns + `
		FROM jobs
		WHERE task = ? AND subject = ? AND state IN (` + marks + `)
		ORDER BY created_at DESC
		LIMIT 1`

	args := append([]interface{}{task, subject}, stateArgs...)

	var job Job
	err := scanJobFromRow(s.db.QueryRowContext(ctx, query, args...), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // no active job - not an error
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job by subject")
	}
	return &job, nil
}

// ListJobs returns jobs, optionally filtered by state, newest first.
func (s *Store) ListJobs(ctx context.Context, state *State, limit int) ([]*Job, error) {
	baseQuery := `SELECT ` + jobSelectColumns + ` FROM jobs`

	var query string
	var args []interface{}
	if state != nil {
		query = baseQuery + ` WHERE state = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*state, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return collectJobs(rows, "jobs")
}

// CountByState returns the number of jobs per state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// DeleteOld removes terminal jobs finished before the given cutoff and
// returns how many were removed.
func (s *Store) DeleteOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN (?, ?, ?) AND finished_at < ?
	`, StateSuccess, StateFailed, StateCancelled, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old jobs")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// collectJobs scans multiple jobs from query rows.
func collectJobs(rows *sql.Rows, what string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}
