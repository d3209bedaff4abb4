// Package notify propagates "something changed, poll now" hints between
// the orchestrator and worker nodes. Delivery is best-effort; workers
// poll on their own interval regardless, so a lost hint costs latency,
// never correctness.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

const subscriberChannelBufferSize = 16

// EventKind classifies what changed.
type EventKind string

const (
	// EventJobSubmitted fires when a new job lands in the queue.
	EventJobSubmitted EventKind = "job-submitted"
	// EventScheduleChanged fires when a collective's recurring task
	// definitions were edited.
	EventScheduleChanged EventKind = "schedule-changed"
)

// Event is one change hint.
type Event struct {
	Kind       EventKind `json:"kind"`
	Collective string    `json:"collective,omitempty"`
	Task       string    `json:"task,omitempty"`
}

// Emitter fans events out to in-process subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses hints, which is
// acceptable for a latency optimization.
type Emitter struct {
	mu          sync.RWMutex
	subscribers []chan Event
	logger      *zap.SugaredLogger
}

// NewEmitter creates an event emitter.
func NewEmitter(logger *zap.SugaredLogger) *Emitter {
	return &Emitter{logger: logger}
}

// Subscribe returns a channel receiving future events.
func (e *Emitter) Subscribe() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, subscriberChannelBufferSize)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking.
func (e *Emitter) Publish(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			e.logger.Debugw("Subscriber channel full, dropping event",
				"kind", event.Kind, "collective", event.Collective)
		}
	}
}

// Close closes all subscriber channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
}
