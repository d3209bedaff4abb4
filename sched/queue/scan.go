package queue

import (
	"database/sql"
)

// jobScanArgs holds the nullable columns of a job row.
type jobScanArgs struct {
	Args      sql.NullString
	Subject   sql.NullString
	Submitter sql.NullString
	WorkerID  sql.NullString
	ErrorMsg  sql.NullString
	Heartbeat sql.NullTime
	StartedAt sql.NullTime
	Finished  sql.NullTime
}

// scanTargets returns scan destinations for the job and its nullable
// columns, in the order of jobSelectColumns.
func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Task,
		&args.Args,
		&args.Subject,
		&job.Collective,
		&args.Submitter,
		&job.Priority,
		&job.State,
		&job.Retries,
		&args.WorkerID,
		&args.Heartbeat,
		&args.ErrorMsg,
		&job.CreatedAt,
		&args.StartedAt,
		&args.Finished,
	}
}

// applyScanArgs copies the nullable columns into the job struct.
func applyScanArgs(job *Job, args *jobScanArgs) {
	if args.Args.Valid {
		job.Args = []byte(args.Args.String)
	}
	if args.Subject.Valid {
		job.Subject = args.Subject.String
	}
	if args.Submitter.Valid {
		job.Submitter = args.Submitter.String
	}
	if args.WorkerID.Valid {
		job.WorkerID = args.WorkerID.String
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.Heartbeat.Valid {
		job.Heartbeat = &args.Heartbeat.Time
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.Finished.Valid {
		job.FinishedAt = &args.Finished.Time
	}
}

// scanJobFromRow scans a single job from a sql.Row.
func scanJobFromRow(row *sql.Row, job *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(scanTargets(job, args)...); err != nil {
		return err
	}
	applyScanArgs(job, args)
	return nil
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops).
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(scanTargets(job, args)...); err != nil {
		return err
	}
	applyScanArgs(job, args)
	return nil
}

// jobSelectColumns is the standard column list for job SELECT queries.
const jobSelectColumns = `id, task, args, subject, collective, submitter,
	priority, state, retries, worker_id, heartbeat, error,
	created_at, started_at, finished_at`
