package tasks

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/workflows/store"
)

// Store key prefix and metadata properties for task records
const (
	PrefixTask = "task:"
	// TaskDir is the backend directory holding one JSON entry per task
	TaskDir    = "tasks"

	PropOperation = "operation"
	PropStatus    = "status"
	PropResource  = "resource"
	PropWorkflow  = "workflow"
)

// Repository indexes task records in a KVStore. When it has a backend every
// change is written through to it.
type Repository struct {
	store   *store.KVStore
	backend coordinator.Backend
}

// NewRepository creates a repository over s, or over a fresh store if s is nil
func NewRepository(s *store.KVStore) *Repository {
	if s == nil {
		s = store.NewKVStore()
	}
	return &Repository{store: s}
}

// NewCoordinatorRepository indexes the tasks already stored on backend and
// keeps every later change there, so tasks outlive the process that created
// them.
func NewCoordinatorRepository(ctx context.Context, backend coordinator.Backend) (*Repository, error) {
	r := &Repository{store: store.NewKVStore(), backend: backend}
	ids, err := backend.List(ctx, TaskDir)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.fetch(ctx, id); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// fetch indexes the backend copy of a task
func (r *Repository) fetch(ctx context.Context, id string) (Task, error) {
	blob, err := r.backend.Get(ctx, TaskDir+"/"+id)
	if err != nil {
		if errors.IsNotFound(err) {
			return Task{}, errors.Newf(errors.ErrNotFound, "task %s not found", id)
		}
		return Task{}, err
	}
	var task Task
	if err := json.Unmarshal(blob, &task); err != nil {
		return Task{}, errors.Wrap(err, errors.ErrUnknown, "failed to decode task "+id)
	}
	return task, r.index(task)
}

func (r *Repository) index(task Task) error {
	meta := store.NewMetadata()
	meta.AddTag(task.ResourceType)
	meta.SetProperty(PropOperation, task.OpID)
	meta.SetProperty(PropStatus, string(task.Status))
	meta.SetProperty(PropResource, task.ResourceID)
	if task.WorkflowID != "" {
		meta.SetProperty(PropWorkflow, task.WorkflowID)
	}
	if err := r.store.PutWithMetadata(PrefixTask+task.ID, task, meta); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "failed to store task")
	}
	return nil
}

// flush writes the indexed task to the backend, if there is one
func (r *Repository) flush(id string) error {
	if r.backend == nil {
		return nil
	}
	task, err := store.Get[Task](r.store, PrefixTask+id)
	if err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "failed to load task")
	}
	blob, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "failed to encode task")
	}
	return r.backend.Put(context.Background(), TaskDir+"/"+id, blob)
}

// Create records a pending task for one object of operation opID
func (r *Repository) Create(resourceType, resourceID, opID, description string) (Task, error) {
	if resourceID == "" || opID == "" {
		return Task{}, errors.New(errors.ErrInvalidInput, "task resource id and operation id are required")
	}
	task := Task{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OpID:         opID,
		Description:  description,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.index(task); err != nil {
		return Task{}, err
	}
	if err := r.flush(task.ID); err != nil {
		return Task{}, err
	}
	return task, nil
}

// Get loads a task
func (r *Repository) Get(id string) (Task, error) {
	task, err := store.Get[Task](r.store, PrefixTask+id)
	if err == store.ErrNotFound && r.backend != nil {
		// created by another process sharing the backend
		return r.fetch(context.Background(), id)
	}
	if err == store.ErrNotFound {
		return Task{}, errors.Newf(errors.ErrNotFound, "task %s not found", id)
	}
	if err != nil {
		return Task{}, errors.Wrap(err, errors.ErrUnknown, "failed to load task")
	}
	return task, nil
}

// ForOperation lists the tasks created for opID
func (r *Repository) ForOperation(opID string) ([]Task, error) {
	return r.load(r.store.FindKeysByProperty(PropOperation, opID))
}

// ForResource lists every task recorded against a resource id
func (r *Repository) ForResource(resourceID string) ([]Task, error) {
	return r.load(r.store.FindKeysByProperty(PropResource, resourceID))
}

func (r *Repository) load(keys []string) ([]Task, error) {
	out := make([]Task, 0, len(keys))
	for _, k := range keys {
		task, err := r.Get(strings.TrimPrefix(k, PrefixTask))
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// ForWorkflow lists the tasks attached to workflowID
func (r *Repository) ForWorkflow(workflowID string) ([]Task, error) {
	return r.load(r.store.FindKeysByProperty(PropWorkflow, workflowID))
}

// AttachWorkflow records the workflow carrying the task's operation
func (r *Repository) AttachWorkflow(id, workflowID string) error {
	if err := r.update(id, map[string]interface{}{"WorkflowID": workflowID}); err != nil {
		return err
	}
	if err := r.store.SetProperty(PrefixTask+id, PropWorkflow, workflowID); err != nil {
		return err
	}
	return r.flush(id)
}

// complete moves a pending task to a terminal status. Repeating the same
// terminal status is a no-op; changing a terminal status is rejected.
func (r *Repository) complete(id string, status Status, detail *TaskError) error {
	task, err := r.Get(id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		if task.Status == status {
			return nil
		}
		return errors.Newf(errors.ErrWorkflowState, "task %s is already %s", id, task.Status)
	}
	fields := map[string]interface{}{
		"Status":      status,
		"CompletedAt": time.Now().UTC(),
	}
	if detail != nil {
		fields["Error"] = detail
	}
	if err := r.update(id, fields); err != nil {
		return err
	}
	if err := r.store.SetProperty(PrefixTask+id, PropStatus, string(status)); err != nil {
		return err
	}
	return r.flush(id)
}

func (r *Repository) update(id string, fields map[string]interface{}) error {
	err := r.store.UpdateFields(PrefixTask+id, fields)
	if err == store.ErrNotFound {
		return errors.Newf(errors.ErrNotFound, "task %s not found", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "failed to update task")
	}
	return nil
}
