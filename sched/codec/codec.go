// Package codec maps task names to typed argument payloads. Jobs carry
// their arguments as opaque JSON; the codec is the single place that
// knows how to turn that JSON back into something a handler can use,
// and how to derive the deduplication subject for a payload.
package codec

import (
	"encoding/json"
	"sync"

	"github.com/quirehq/quire/errors"
)

// Args is a typed task payload. Subject returns the deduplication key
// for this payload: two payloads with the same subject describe the
// same logical piece of work and collapse into one active job.
type Args interface {
	Subject() string
}

// Codec encodes and decodes the payload of one task type.
type Codec interface {
	Encode(args Args) (json.RawMessage, error)
	Decode(raw json.RawMessage) (Args, error)
}

// JSONCodec is a Codec backed by encoding/json for a concrete args type.
type JSONCodec[T Args] struct{}

func (JSONCodec[T]) Encode(args Args) (json.RawMessage, error) {
	typed, ok := args.(T)
	if !ok {
		return nil, errors.Newf("unexpected args type %T", args)
	}
	raw, err := json.Marshal(typed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode task args")
	}
	return raw, nil
}

func (JSONCodec[T]) Decode(raw json.RawMessage) (Args, error) {
	var typed T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, errors.Wrap(err, "failed to decode task args")
		}
	}
	return typed, nil
}

// Registry maps task names to codecs. Registration happens at startup;
// lookups are concurrent-safe.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry with the built-in task types registered.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(TaskTrashEmpty, JSONCodec[TrashEmptyArgs]{})
	r.Register(TaskClassifierTrain, JSONCodec[ClassifierTrainArgs]{})
	r.Register(TaskPreviewRebuild, JSONCodec[PreviewRebuildArgs]{})
	r.Register(TaskReindex, JSONCodec[ReindexArgs]{})
	return r
}

// Register adds a codec for a task name, replacing any previous one.
func (r *Registry) Register(task string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[task] = c
}

// Tasks returns the registered task names.
func (r *Registry) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		tasks = append(tasks, name)
	}
	return tasks
}

// Encode serializes the args for the named task.
func (r *Registry) Encode(task string, args Args) (json.RawMessage, error) {
	c, err := r.lookup(task)
	if err != nil {
		return nil, err
	}
	return c.Encode(args)
}

// Decode deserializes a persisted payload for the named task. An
// unknown task name is an error for the caller; it fails only the job
// carrying the payload.
func (r *Registry) Decode(task string, raw json.RawMessage) (Args, error) {
	c, err := r.lookup(task)
	if err != nil {
		return nil, err
	}
	return c.Decode(raw)
}

func (r *Registry) lookup(task string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[task]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownTask, "no codec registered for task %q", task)
	}
	return c, nil
}
