package blockflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/planner"
	"github.com/davidroman0O/blockflow/tasks"
	workflow "github.com/davidroman0O/blockflow/workflows"
)

// Resource types recorded on tasks
const (
	ResourceVolume      = "Volume"
	ResourceExportGroup = "ExportGroup"
)

// Submission is what a request returns: the operation id, one task per
// affected object and, when a workflow ran, its id and result.
type Submission struct {
	OpID       string
	WorkflowID string
	Tasks      []tasks.Task
	Result     workflow.Result
}

// OK reports whether every task of the submission is ready
func (s *Submission) OK() bool {
	for _, t := range s.Tasks {
		if t.Status != tasks.StatusReady {
			return false
		}
	}
	return len(s.Tasks) > 0
}

type resource struct {
	kind string
	id   string
}

// request tracks the tasks of one submission
type request struct {
	o         *Orchestrator
	sub       *Submission
	ids       map[string]string
	completer *tasks.Completer
}

// begin creates a pending task per resource. It also applies a pending
// failure counter reset, once per request.
func (o *Orchestrator) begin(description string, resources []resource) (*request, error) {
	if o.injector.ResetIfRequested() {
		o.logger.Info("Failure injection counters reset")
	}
	r := &request{
		o:   o,
		sub: &Submission{OpID: uuid.NewString()},
		ids: make(map[string]string),
	}
	var ids []string
	for _, res := range resources {
		if _, dup := r.ids[res.id]; dup {
			continue
		}
		t, err := o.tasks.Create(res.kind, res.id, r.sub.OpID, description)
		if err != nil {
			return nil, err
		}
		r.ids[res.id] = t.ID
		ids = append(ids, t.ID)
	}
	r.completer = tasks.NewCompleter(o.tasks, r.sub.OpID, ids, o.logger)
	return r, nil
}

// fail marks the pending tasks in error with err and returns err
func (r *request) fail(ctx context.Context, err error) (*Submission, error) {
	if markErr := r.completer.MarkError(context.WithoutCancel(ctx), err); markErr != nil {
		r.o.logger.Warn("Operation %s: %v", r.sub.OpID, markErr)
	}
	return r.finish(err)
}

// reject fails the task of a single resource
func (r *request) reject(ctx context.Context, resourceID string, err error) {
	id, ok := r.ids[resourceID]
	if !ok {
		return
	}
	c := tasks.NewCompleter(r.o.tasks, r.sub.OpID, []string{id}, r.o.logger)
	if markErr := c.MarkError(context.WithoutCancel(ctx), err); markErr != nil {
		r.o.logger.Warn("Operation %s: %v", r.sub.OpID, markErr)
	}
}

// pending returns the completer covering the tasks not yet terminal
func (r *request) pending() *tasks.Completer {
	var ids []string
	for _, id := range r.completer.IDs() {
		if t, err := r.o.tasks.Get(id); err == nil && !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return tasks.NewCompleter(r.o.tasks, r.sub.OpID, ids, r.o.logger)
}

// run executes w and settles the pending tasks from its result
func (r *request) run(ctx context.Context, w *workflow.Workflow) (*Submission, error) {
	r.sub.WorkflowID = w.ID
	c := r.pending()
	for _, id := range c.IDs() {
		if err := r.o.tasks.AttachWorkflow(id, w.ID); err != nil {
			return r.fail(ctx, err)
		}
	}

	res := r.o.engine.Execute(ctx, w)
	r.o.array.Wait()
	r.sub.Result = res
	settle(ctx, c, res, r.o)
	return r.finish(nil)
}

func settle(ctx context.Context, c *tasks.Completer, res workflow.Result, o *Orchestrator) {
	bg := context.WithoutCancel(ctx)
	var err error
	switch {
	case res.OK():
		err = c.MarkReady(bg)
	case res.State == workflow.StateSuspended:
		return
	default:
		err = c.MarkError(bg, res.Cause())
	}
	if err != nil {
		o.logger.Warn("Operation %s: %v", c.OpID(), err)
	}
}

// succeed marks the pending tasks ready without running anything
func (r *request) succeed(ctx context.Context) (*Submission, error) {
	if err := r.pending().MarkReady(context.WithoutCancel(ctx)); err != nil {
		r.o.logger.Warn("Operation %s: %v", r.sub.OpID, err)
	}
	return r.finish(nil)
}

func (r *request) finish(err error) (*Submission, error) {
	list, loadErr := r.o.tasks.ForOperation(r.sub.OpID)
	if loadErr == nil {
		r.sub.Tasks = list
	}
	return r.sub, err
}

func volumeResources(volumes ...[]planner.Volume) []resource {
	var out []resource
	for _, vs := range volumes {
		for _, v := range vs {
			out = append(out, resource{kind: ResourceVolume, id: v.ID})
		}
	}
	return out
}

// MigrateVolumes moves volumes to a new virtual pool or array. Validation
// failures are returned before any workflow exists, with every task in
// error. Once a workflow ran, its outcome is in the submission's Result and
// task statuses.
func (o *Orchestrator) MigrateVolumes(ctx context.Context, req planner.MigrationRequest) (*Submission, error) {
	r, err := o.begin(fmt.Sprintf("Migrate %d volumes", len(req.Volumes)), volumeResources(req.Volumes))
	if err != nil {
		return nil, err
	}
	return r.migrate(ctx, req)
}

func (r *request) migrate(ctx context.Context, req planner.MigrationRequest) (*Submission, error) {
	plan, err := r.o.planner.PlanMigration(ctx, req)
	if err != nil {
		return r.fail(ctx, err)
	}
	for _, rej := range plan.Rejected {
		r.reject(ctx, rej.VolumeID, rej.Err)
	}
	if plan.Empty() {
		if len(plan.Rejected) > 0 {
			return r.fail(ctx, plan.Rejected[0].Err)
		}
		return r.succeed(ctx)
	}
	w, err := plan.Workflow()
	if err != nil {
		return r.fail(ctx, err)
	}
	return r.run(ctx, w)
}

// ChangeVirtualArray migrates volumes to the virtual array varray
func (o *Orchestrator) ChangeVirtualArray(ctx context.Context, req planner.MigrationRequest, varray string) (*Submission, error) {
	r, err := o.begin(fmt.Sprintf("Change virtual array of %d volumes to %s", len(req.Volumes), varray), volumeResources(req.Volumes))
	if err != nil {
		return nil, err
	}
	if varray == "" {
		return r.fail(ctx, errors.Validation("changeVirtualArray", "a target virtual array is required"))
	}
	req.TargetVirtualArray = varray
	return r.migrate(ctx, req)
}

// UpdateExport applies change to the export group on the array. The
// current mask state comes from the array.
func (o *Orchestrator) UpdateExport(ctx context.Context, change planner.ExportChange) (*Submission, error) {
	r, err := o.begin("Update export group "+change.ExportGroup,
		[]resource{{kind: ResourceExportGroup, id: change.ExportGroup}})
	if err != nil {
		return nil, err
	}
	plan, err := o.planner.PlanExportUpdate(o.array.ExportChange(change))
	if err != nil {
		return r.fail(ctx, err)
	}
	if plan == nil {
		return r.succeed(ctx)
	}
	return r.run(ctx, plan.Parent)
}

// UpdateVolumeGroup changes the membership of a volume group according to
// its role
func (o *Orchestrator) UpdateVolumeGroup(ctx context.Context, req planner.VolumeGroupRequest) (*Submission, error) {
	r, err := o.begin(fmt.Sprintf("Update %s volume group %s", req.Role, req.Group),
		volumeResources(req.AddVolumes, req.RemoveVolumes, req.Migration.Volumes))
	if err != nil {
		return nil, err
	}
	w, err := o.planner.PlanVolumeGroupUpdate(ctx, req)
	if err != nil {
		return r.fail(ctx, err)
	}
	return r.run(ctx, w)
}

// Recover resumes a persisted workflow after a restart and settles the
// tasks attached to it
func (o *Orchestrator) Recover(ctx context.Context, workflowID string) (workflow.Result, error) {
	res := o.engine.Recover(ctx, workflowID)
	o.array.Wait()
	if res.State == "" {
		return res, res.Err
	}

	attached, err := o.tasks.ForWorkflow(workflowID)
	if err != nil {
		return res, err
	}
	var ids []string
	opID := ""
	for _, t := range attached {
		if !t.Status.Terminal() {
			ids = append(ids, t.ID)
			opID = t.OpID
		}
	}
	if len(ids) > 0 {
		settle(ctx, tasks.NewCompleter(o.tasks, opID, ids, o.logger), res, o)
	}
	return res, nil
}
