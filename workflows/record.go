package workflow

import (
	"time"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/operations"
)

// State is the overall state of a workflow
type State string

const (
	StateCreated     State = "CREATED"
	StateRunning     State = "RUNNING"
	StateRollingBack State = "ROLLING_BACK"
	StateSuccess     State = "SUCCESS"
	StateError       State = "ERROR"
	StateSuspended   State = "SUSPENDED"
)

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// StepState is the state of one step, forward or rollback
type StepState string

const (
	StepPending StepState = "PENDING"
	StepRunning StepState = "RUNNING"
	StepSuccess StepState = "SUCCESS"
	StepError   StepState = "ERROR"
)

// Terminal reports whether the step is done
func (s StepState) Terminal() bool {
	return s == StepSuccess || s == StepError
}

// Failure is the persisted form of an error
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

func failureOf(stepID string, err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Code: errors.GetCode(err).String(), Message: err.Error(), Step: stepID}
}

// Step is one unit of work in a workflow
type Step struct {
	ID          string `json:"id"`
	GroupID     string `json:"groupId"`
	Description string `json:"description"`
	// WaitFor references a step id or a group id. The step starts only
	// once every referenced step is terminal.
	WaitFor    string                 `json:"waitFor,omitempty"`
	TargetID   string                 `json:"targetId,omitempty"`
	TargetType string                 `json:"targetType,omitempty"`
	Operation  operations.Descriptor  `json:"operation"`
	Rollback   *operations.Descriptor `json:"rollback,omitempty"`
	LockKeys   []string               `json:"lockKeys,omitempty"`

	State StepState `json:"state"`
	Error *Failure  `json:"error,omitempty"`
	// Seq is the position of the step in completion order, set on SUCCESS
	Seq         int64     `json:"seq,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`

	// RollbackState is empty until the rollback of the step was attempted
	RollbackState StepState `json:"rollbackState,omitempty"`
	RollbackError *Failure  `json:"rollbackError,omitempty"`

	ChildWorkflowID string `json:"childWorkflowId,omitempty"`
}

func (s *Step) clone() *Step {
	c := *s
	c.LockKeys = append([]string(nil), s.LockKeys...)
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.RollbackError != nil {
		e := *s.RollbackError
		c.RollbackError = &e
	}
	if s.Rollback != nil {
		r := *s.Rollback
		c.Rollback = &r
	}
	return &c
}

// Workflow is a persisted DAG of steps plus rollback and lock bookkeeping
type Workflow struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// ParentID and OwnerStepID link a nested workflow to the parent step
	// that runs it
	ParentID    string `json:"parentId,omitempty"`
	OwnerStepID string `json:"ownerStepId,omitempty"`

	RollbackAllowed bool          `json:"rollbackAllowed"`
	State           State         `json:"state"`
	Steps           []*Step       `json:"steps"`
	LockKeys        []string      `json:"lockKeys,omitempty"`
	LockTimeout     time.Duration `json:"lockTimeout,omitempty"`

	// Seq counts step completions
	Seq            int64     `json:"seq"`
	Error          *Failure  `json:"error,omitempty"`
	RollbackErrors []Failure `json:"rollbackErrors,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	children map[string]*Workflow
}

// Step returns the step with the given id
func (w *Workflow) Step(id string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Group returns the steps of a group, in creation order
func (w *Workflow) Group(groupID string) []*Step {
	var out []*Step
	for _, s := range w.Steps {
		if s.GroupID == groupID {
			out = append(out, s)
		}
	}
	return out
}

// StepsFor returns the steps running operation name
func (w *Workflow) StepsFor(name string) []*Step {
	var out []*Step
	for _, s := range w.Steps {
		if s.Operation.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Children returns the nested workflows attached while building
func (w *Workflow) Children() []*Workflow {
	out := make([]*Workflow, 0, len(w.children))
	for _, s := range w.Steps {
		if c, ok := w.children[s.ChildWorkflowID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// predecessors resolves a step's waitFor reference. A group id wins over a
// step id of the same name.
func (w *Workflow) predecessors(s *Step) []*Step {
	if s.WaitFor == "" {
		return nil
	}
	if group := w.Group(s.WaitFor); len(group) > 0 {
		return group
	}
	if p, ok := w.Step(s.WaitFor); ok {
		return []*Step{p}
	}
	return nil
}

// ready reports whether every predecessor of s is terminal
func (w *Workflow) ready(s *Step) bool {
	for _, p := range w.predecessors(s) {
		if !p.State.Terminal() {
			return false
		}
	}
	return true
}

// Clone deep-copies the record. Attached children are not copied.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.children = nil
	c.LockKeys = append([]string(nil), w.LockKeys...)
	c.RollbackErrors = append([]Failure(nil), w.RollbackErrors...)
	if w.Error != nil {
		e := *w.Error
		c.Error = &e
	}
	c.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s.clone()
	}
	return &c
}

// Summary is a one-line view of a workflow record
type Summary struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	State    State     `json:"state"`
	ParentID string    `json:"parentId,omitempty"`
	Steps    int       `json:"steps"`
	Updated  time.Time `json:"updated"`
}

// Summarize builds the summary of w
func (w *Workflow) Summarize() Summary {
	return Summary{ID: w.ID, Name: w.Name, State: w.State, ParentID: w.ParentID, Steps: len(w.Steps), Updated: w.UpdatedAt}
}
