package workflow

import (
	"context"

	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/failure"
	"github.com/davidroman0O/blockflow/operations"
)

// runChild is the forward operation of a step created by CreateChildStep.
// The child joins the parent's lock family, so keys the parent already
// holds are re-entrant for it, and it is cancelled when the parent starts
// rolling back.
func (e *Engine) runChild(ctx context.Context, call operations.Call) error {
	childID, err := call.Args.ID(ArgWorkflow)
	if err != nil {
		return err
	}
	child, err := e.records.Load(ctx, childID)
	if err != nil {
		return err
	}
	switch {
	case child.State == StateSuccess:
		return nil
	case child.State.Terminal():
		return errors.Newf(errors.ErrStepExecution, "nested workflow %s already ended in %s", childID, child.State)
	}

	e.locks.Adopt(childID, call.WorkflowID)
	if err := e.injector.Invoke(failure.ChildWorkflowBeforeStart); err != nil {
		return err
	}

	res := e.execute(ctx, child)
	if res.State == StateSuccess {
		return nil
	}
	if res.State == StateSuspended {
		return errors.Newf(errors.ErrStepExecution, "nested workflow %s was suspended", childID)
	}
	return errors.Wrap(res.Cause(), errors.ErrStepExecution, "nested workflow "+childID+" failed")
}

// rollbackChild undoes a nested workflow that completed. A child that
// failed already rolled itself back.
func (e *Engine) rollbackChild(ctx context.Context, call operations.Call) error {
	childID, err := call.Args.ID(ArgWorkflow)
	if err != nil {
		return err
	}
	child, err := e.records.Load(ctx, childID)
	if err != nil {
		return err
	}
	if child.State != StateSuccess {
		return nil
	}

	e.locks.Adopt(childID, call.WorkflowID)
	child.State = StateRollingBack
	child.Error = &Failure{Code: errors.ErrRollback.String(), Message: "rolled back by parent workflow " + call.WorkflowID}
	res := e.execute(ctx, child)
	return res.RollbackErr
}
