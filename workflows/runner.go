package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/davidroman0O/blockflow/errors"
)

// Result is the outcome of running a workflow. Err holds the validation or
// execution failure that stopped it; RollbackErr aggregates the rollbacks
// that failed afterwards.
type Result struct {
	WorkflowID  string
	State       State
	Err         error
	RollbackErr error
	Duration    time.Duration
}

// OK reports whether the workflow reached SUCCESS
func (r Result) OK() bool {
	return r.State == StateSuccess && r.Err == nil
}

// Cause joins the failure and the rollback failures, or returns nil
func (r Result) Cause() error {
	if r.Err == nil && r.RollbackErr == nil {
		if r.State == StateError {
			return errors.New(errors.ErrStepExecution, "workflow ended in ERROR")
		}
		return nil
	}
	if r.RollbackErr == nil {
		return r.Err
	}
	if r.Err == nil {
		return r.RollbackErr
	}
	return errors.Join(r.Err, r.RollbackErr)
}

// RunOptions contains options for running several workflows
type RunOptions struct {
	// Context to use for the workflow executions
	Context context.Context

	// Whether to keep running the remaining workflows after a failure
	IgnoreErrors bool
}

// DefaultRunOptions returns the default options for running workflows
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Context:      context.Background(),
		IgnoreErrors: false,
	}
}

// RunWorkflows executes workflows in sequence on engine
func RunWorkflows(engine *Engine, workflows []*Workflow, options RunOptions) []Result {
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]Result, 0, len(workflows))
	for i, wf := range workflows {
		result := engine.Execute(ctx, wf)
		results = append(results, result)

		// Stop after executing a failing workflow if we're not ignoring errors
		if !result.OK() && !options.IgnoreErrors && i < len(workflows)-1 {
			break
		}
	}
	return results
}

// FormatResults returns a human-readable summary of the workflow execution results
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No workflows executed"
	}

	var summary string
	successCount := 0

	for i, result := range results {
		if result.OK() {
			successCount++
		}

		summary += fmt.Sprintf("Workflow %d: %s - %s (%s)\n",
			i+1,
			result.WorkflowID,
			result.State,
			result.Duration.Round(time.Millisecond),
		)

		if result.Err != nil {
			summary += fmt.Sprintf("  Error: %v\n", result.Err)
		}
		if result.RollbackErr != nil {
			summary += fmt.Sprintf("  Rollback: %v\n", result.RollbackErr)
		}
	}

	summary += fmt.Sprintf("\nSummary: %d/%d workflows succeeded\n",
		successCount,
		len(results),
	)

	return summary
}
