// Package workflow runs persisted step graphs. Steps wait on predecessor
// groups, execute concurrently once eligible, and are rolled back in
// reverse completion order when any of them fails.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/locks"
	"github.com/davidroman0O/blockflow/operations"
)

// Option configures a new workflow
type Option func(*Workflow)

// WithID sets a pre-computed workflow id
func WithID(id string) Option {
	return func(w *Workflow) {
		if id != "" {
			w.ID = id
		}
	}
}

// WithRollbackAllowed toggles rollback on failure. It is on by default.
func WithRollbackAllowed(allowed bool) Option {
	return func(w *Workflow) { w.RollbackAllowed = allowed }
}

// WithLockKeys sets locks acquired before any step is dispatched
func WithLockKeys(keys ...string) Option {
	return func(w *Workflow) { w.LockKeys = locks.Normalize(append(w.LockKeys, keys...)) }
}

// WithLockTimeout bounds the wait for the workflow's locks
func WithLockTimeout(d time.Duration) Option {
	return func(w *Workflow) { w.LockTimeout = d }
}

// NewWorkflow creates an empty workflow in the CREATED state
func NewWorkflow(name string, opts ...Option) *Workflow {
	now := time.Now().UTC()
	w := &Workflow{
		ID:              uuid.NewString(),
		Name:            name,
		RollbackAllowed: true,
		State:           StateCreated,
		Steps:           []*Step{},
		CreatedAt:       now,
		UpdatedAt:       now,
		children:        make(map[string]*Workflow),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateStepID pre-computes a step or workflow id so callers can reference
// it before the step exists.
func CreateStepID() string {
	return uuid.NewString()
}

// StepOption configures a step at creation
type StepOption func(*Step)

// StepLockKeys adds locks acquired right before the step is dispatched
func StepLockKeys(keys ...string) StepOption {
	return func(s *Step) { s.LockKeys = locks.Normalize(append(s.LockKeys, keys...)) }
}

// CreateStep appends a step and returns its id. An empty stepID is
// generated and an empty groupID defaults to the operation name. waitFor,
// when set, must name an existing step or group.
func (w *Workflow) CreateStep(groupID, description, waitFor, targetID, targetType string,
	op operations.Descriptor, rollback *operations.Descriptor, stepID string, opts ...StepOption) (string, error) {

	if w.State != StateCreated {
		return "", errors.Newf(errors.ErrWorkflowState, "workflow %s is %s, steps can only be added before it starts", w.ID, w.State)
	}
	if op.Name == "" {
		return "", errors.Validation("createStep", "step operation name is required")
	}
	if stepID == "" {
		stepID = CreateStepID()
	}
	if _, exists := w.Step(stepID); exists {
		return "", errors.Validation("createStep", "step %s already exists in workflow %s", stepID, w.ID)
	}
	if groupID == "" {
		groupID = op.Name
	}
	if waitFor != "" {
		if waitFor == groupID {
			return "", errors.Validation("createStep", "step %s cannot wait for its own group %s", stepID, groupID)
		}
		if len(w.Group(waitFor)) == 0 {
			if _, ok := w.Step(waitFor); !ok {
				return "", errors.Validation("createStep", "step %s waits for unknown step or group %s", stepID, waitFor)
			}
		}
	}
	// a group some step already waits for is closed
	for _, s := range w.Steps {
		if s.WaitFor == groupID {
			return "", errors.Validation("createStep", "group %s is already awaited by step %s", groupID, s.ID)
		}
	}

	step := &Step{
		ID:          stepID,
		GroupID:     groupID,
		Description: description,
		WaitFor:     waitFor,
		TargetID:    targetID,
		TargetType:  targetType,
		Operation:   op,
		Rollback:    rollback,
		State:       StepPending,
	}
	for _, opt := range opts {
		opt(step)
	}
	w.Steps = append(w.Steps, step)
	w.UpdatedAt = time.Now().UTC()
	return stepID, nil
}

// CreateChildStep appends a step that runs child as a nested workflow. The
// child's id must be known up front, and rolling back the step rolls back
// whatever the child completed.
func (w *Workflow) CreateChildStep(groupID, description, waitFor string, child *Workflow, stepID string) (string, error) {
	if child == nil || child.ID == "" {
		return "", errors.Validation("createChildStep", "child workflow with a pre-computed id is required")
	}
	if child.ID == w.ID {
		return "", errors.Validation("createChildStep", "workflow %s cannot nest itself", w.ID)
	}
	if stepID == "" {
		stepID = CreateStepID()
	}

	args := operations.Args{ArgWorkflow: operations.ID(child.ID)}
	id, err := w.CreateStep(groupID, description, waitFor, "", "Workflow",
		operations.Op(OpRunChild, args),
		operations.Op(OpRollbackChild, args).Ptr(),
		stepID)
	if err != nil {
		return "", err
	}

	step, _ := w.Step(id)
	step.ChildWorkflowID = child.ID
	child.ParentID = w.ID
	child.OwnerStepID = id
	if w.children == nil {
		w.children = make(map[string]*Workflow)
	}
	w.children[child.ID] = child
	return id, nil
}
