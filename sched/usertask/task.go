// Package usertask is the per-collective catalog of recurring task
// definitions. Definitions are upserted by a stable subject key, so a
// settings edit updates the existing row instead of creating a second
// one; a driver scans for due definitions and feeds them into the job
// queue.
package usertask

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/quirehq/quire/errors"
)

// scheduleParser accepts standard five-field cron expressions plus
// descriptors like @daily and @weekly.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks a calendar expression without building a task.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid schedule %q: %v", expr, err)
	}
	return nil
}

// NextRun computes the first fire time of the expression after the
// given instant.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "invalid schedule %q: %v", expr, err)
	}
	return sched.Next(after), nil
}

// UserTask is one recurring task definition. Subject is the stable key
// callers use for upserts; ID is the storage identity and survives
// edits to the same subject.
type UserTask struct {
	ID        string          `json:"id"`
	Scope     Scope           `json:"scope"`
	Subject   string          `json:"subject"`
	Task      string          `json:"task"`
	Enabled   bool            `json:"enabled"`
	Schedule  string          `json:"schedule"`
	Summary   string          `json:"summary,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewUserTask creates a definition with a fresh identifier and its
// first fire time computed from now.
func NewUserTask(scope Scope, subject, task, schedule string, enabled bool, args json.RawMessage) (*UserTask, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, errors.New("subject cannot be empty")
	}
	if task == "" {
		return nil, errors.New("task cannot be empty")
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next, err := NextRun(schedule, now)
	if err != nil {
		return nil, err
	}

	return &UserTask{
		ID:        "utask_" + uuid.NewString(),
		Scope:     scope,
		Subject:   subject,
		Task:      task,
		Enabled:   enabled,
		Schedule:  schedule,
		Args:      args,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Due reports whether the definition should fire at the given instant.
func (t *UserTask) Due(now time.Time) bool {
	return t.Enabled && t.NextRunAt != nil && !t.NextRunAt.After(now)
}
