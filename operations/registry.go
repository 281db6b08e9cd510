// Package operations maps stable operation names to handlers. Workflow steps
// persist only a Descriptor (name plus tagged arguments), and the handler is
// looked up in the Registry when the step is dispatched, which is what lets
// a recovered workflow resume in a new process.
package operations

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/davidroman0O/blockflow/errors"
)

// NullRollback is the name of the built-in rollback that does nothing. Steps
// use it when undoing them is a no-op but they must still appear in the
// rollback plan.
const NullRollback = "rollbackMethodNull"

// ErrDeferred is returned by a handler that has handed the work to an
// external controller. The step stays RUNNING until the controller reports
// completion to the engine.
var ErrDeferred = stderrors.New("operation completion deferred")

// Descriptor is a named, argument-carrying reference to a unit of work
type Descriptor struct {
	Name string `json:"name"`
	Args Args   `json:"args,omitempty"`
}

// Op builds a descriptor
func Op(name string, args Args) Descriptor {
	return Descriptor{Name: name, Args: args}
}

// Ptr returns a pointer to d, handy for optional rollback descriptors
func (d Descriptor) Ptr() *Descriptor { return &d }

// Call is what a handler receives
type Call struct {
	WorkflowID string
	StepID     string
	TargetID   string
	TargetType string
	Args       Args
	// Rollback is set when the handler runs as a step's rollback
	Rollback bool
}

// Handler executes one operation
type Handler func(ctx context.Context, call Call) error

// Registry is a concurrency-safe name to handler map
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry holding the built-in handlers
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.handlers[NullRollback] = func(ctx context.Context, call Call) error { return nil }
	return r
}

// Register adds a handler. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return errors.New(errors.ErrInvalidInput, "operation name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return errors.Newf(errors.ErrInvalidInput, "operation %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister panics on duplicate names; meant for package wiring
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Replace registers h under name, overriding any previous handler
func (r *Registry) Replace(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup resolves a name at dispatch time
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "operation %q is not registered", name)
	}
	return h, nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names lists the registered operations
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
