// Package worker runs claimed jobs on a node. The pool claims jobs the
// node has handlers for, executes them with a renewed lease, and feeds
// the outcome back into the queue's state machine.
package worker

import (
	"context"
	"sync"

	"github.com/quirehq/quire/errors"
	"github.com/quirehq/quire/sched/codec"
	"github.com/quirehq/quire/sched/queue"
)

// TaskHandler executes one task type. Implementations receive the
// decoded payload and must honor context cancellation: on ctx.Done they
// should stop and return ctx.Err so the job can be rescheduled.
type TaskHandler interface {
	// Task returns the task name this handler serves. Registered names
	// double as the node's claim capabilities.
	Task() string

	// Execute runs the job. Returning an error marks the job failed;
	// wrap with Permanent to suppress retries.
	Execute(ctx context.Context, job *queue.Job, args codec.Args) error
}

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent failure")

// Permanent wraps an error so the pool marks the job failed without
// scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

// IsPermanent reports whether the error was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}

// Registry maps task names to handlers. Registration happens at
// startup, before the pool starts claiming.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// Register adds a handler. Panics on a duplicate task name; that is a
// wiring bug, not a runtime condition.
func (r *Registry) Register(handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := handler.Task()
	if _, exists := r.handlers[task]; exists {
		panic("handler already registered for task: " + task)
	}
	r.handlers[task] = handler
}

// Get retrieves the handler for a task name, or nil.
func (r *Registry) Get(task string) TaskHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[task]
}

// Capabilities returns all registered task names.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
