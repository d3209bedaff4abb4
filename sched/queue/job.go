// Package queue provides the durable one-shot job queue shared by all
// worker nodes. Claim exclusivity and subject deduplication are enforced
// through conditional writes on the backing store, never in-process locks,
// because workers are separate processes on separate machines.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quirehq/quire/errors"
)

// State represents the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"   // eligible for claim
	StateScheduled State = "scheduled" // claimed by a worker, not yet executing
	StateRunning   State = "running"   // executing on a worker
	StateSuccess   State = "success"   // terminal
	StateFailed    State = "failed"    // terminal
	StateCancelled State = "cancelled" // terminal
	StateStuck     State = "stuck"     // lease expired with retries exhausted
)

// Terminal reports whether no transition may leave this state.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsValidState returns true if the string is a known job state.
func IsValidState(s string) bool {
	switch State(s) {
	case StateWaiting, StateScheduled, StateRunning,
		StateSuccess, StateFailed, StateCancelled, StateStuck:
		return true
	default:
		return false
	}
}

// activeStates are the non-terminal states that block a duplicate insert
// for the same (task, subject) pair.
var activeStates = []State{StateWaiting, StateScheduled, StateRunning, StateStuck}

// Priority orders jobs at claim time. Higher values are claimed first;
// within one tier jobs are served oldest-first.
type Priority int

const (
	PriorityLow     Priority = 0
	PriorityDefault Priority = 10
	PriorityHigh    Priority = 20
)

// Job is a single unit of executable work. Args is the encoded task
// payload; decoding is the handler's concern (see sched/codec).
type Job struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Args       json.RawMessage `json:"args,omitempty"`
	Subject    string          `json:"subject,omitempty"` // dedup key; empty disables dedup
	Collective string          `json:"collective"`
	Submitter  string          `json:"submitter,omitempty"`
	Priority   Priority        `json:"priority"`
	State      State           `json:"state"`
	Retries    int             `json:"retries,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
	Heartbeat  *time.Time      `json:"heartbeat,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// NewJob creates a waiting job with default priority and a fresh identifier.
func NewJob(task, collective, submitter string, args json.RawMessage) (*Job, error) {
	if task == "" {
		return nil, errors.New("task cannot be empty")
	}
	if collective == "" {
		return nil, errors.New("collective cannot be empty")
	}

	return &Job{
		ID:         "job_" + uuid.NewString(),
		Task:       task,
		Args:       args,
		Collective: collective,
		Submitter:  submitter,
		Priority:   PriorityDefault,
		State:      StateWaiting,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// InsertResult is the closed outcome set of Store.InsertIfNew.
type InsertResult int

const (
	// Inserted means the job was durably written.
	Inserted InsertResult = iota
	// SkippedDuplicate means an active job with the same (task, subject)
	// already existed; nothing was written. Not an error.
	SkippedDuplicate
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case SkippedDuplicate:
		return "skipped-duplicate"
	default:
		return "unknown"
	}
}

// FailOutcome is the closed outcome set of Store.MarkFailed.
type FailOutcome int

const (
	// RetryScheduled means the job went back to waiting for another attempt.
	RetryScheduled FailOutcome = iota
	// FailedTerminal means the job is permanently failed.
	FailedTerminal
)

func (o FailOutcome) String() string {
	switch o {
	case RetryScheduled:
		return "retry-scheduled"
	case FailedTerminal:
		return "failed-terminal"
	default:
		return "unknown"
	}
}
