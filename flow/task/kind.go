package task

import (
	"context"
	"fmt"
	"sync"
)

// Action is the executable body of a leaf task. It receives the task after
// its input has been refreshed from upstream outputs, and returns the value
// to store as the task's output. A nil, nil return is a valid "no output".
//
// Actions run outside the engine's job lock, so they may block (I/O, RPC)
// without stalling sibling tasks.
type Action func(ctx context.Context, t *Task) (any, error)

// KindRegistry maps the persisted kind discriminator to the Action that
// must run for tasks of that kind. Persisted rows only carry the kind
// string; applications register the matching callables at startup, and
// loading a task whose kind is unregistered fails loudly before any task
// state is touched.
type KindRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewKindRegistry creates an empty kind registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{actions: make(map[string]Action)}
}

// Register binds an action to a kind. Re-registering a kind is an error to
// catch accidental collisions between job definitions.
func (r *KindRegistry) Register(kind string, action Action) error {
	if kind == "" {
		return fmt.Errorf("kind cannot be empty")
	}
	if action == nil {
		return fmt.Errorf("action for kind %q cannot be nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[kind]; exists {
		return fmt.Errorf("kind %q already registered", kind)
	}
	r.actions[kind] = action
	return nil
}

// Resolve returns the action registered for kind.
func (r *KindRegistry) Resolve(kind string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[kind]
	if !ok {
		return nil, fmt.Errorf("no action registered for task kind %q", kind)
	}
	return action, nil
}

// Kinds is the process-wide default registry used when an engine is not
// given an explicit one.
var Kinds = NewKindRegistry()

// RegisterKind registers an action in the default registry, panicking on
// conflict. Intended for package init of job definitions.
func RegisterKind(kind string, action Action) {
	if err := Kinds.Register(kind, action); err != nil {
		panic(err)
	}
}
