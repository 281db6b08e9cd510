package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blockflow/errors"
)

func single(t *testing.T, name string, failing bool) *Workflow {
	t.Helper()
	w := NewWorkflow(name)
	d := work()
	if failing {
		d = fail()
	}
	_, err := w.CreateStep("g", "", "", "", "", d, nil, name)
	require.NoError(t, err)
	return w
}

func TestRunWorkflows(t *testing.T) {
	const ok, bad = false, true

	t.Run("stops after a failure", func(t *testing.T) {
		rec := &recorder{}
		engine := NewEngine(testRegistry(rec))
		results := RunWorkflows(engine, []*Workflow{
			single(t, "first", ok), single(t, "second", bad), single(t, "third", ok),
		}, DefaultRunOptions())

		require.Len(t, results, 2)
		assert.True(t, results[0].OK())
		assert.False(t, results[1].OK())
		assert.False(t, rec.has("do:third"))
	})

	t.Run("ignore errors", func(t *testing.T) {
		rec := &recorder{}
		engine := NewEngine(testRegistry(rec))
		results := RunWorkflows(engine, []*Workflow{
			single(t, "first", bad), single(t, "second", ok),
		}, RunOptions{IgnoreErrors: true})

		require.Len(t, results, 2)
		assert.True(t, results[1].OK())
		assert.True(t, rec.has("do:second"))
	})
}

func TestResultCause(t *testing.T) {
	assert.NoError(t, Result{State: StateSuccess}.Cause())
	assert.Error(t, Result{State: StateError}.Cause())

	stepErr := errors.New(errors.ErrStepExecution, "step failed")
	rbErr := errors.New(errors.ErrRollback, "rollback failed")
	cause := Result{State: StateError, Err: stepErr, RollbackErr: rbErr}.Cause()
	assert.True(t, errors.Is(cause, stepErr))
	assert.True(t, errors.Is(cause, rbErr))
	assert.Equal(t, rbErr, Result{State: StateError, RollbackErr: rbErr}.Cause())
}

func TestFormatResults(t *testing.T) {
	assert.Equal(t, "No workflows executed", FormatResults(nil))

	out := FormatResults([]Result{
		{WorkflowID: "wf-1", State: StateSuccess, Duration: 1500 * time.Microsecond},
		{WorkflowID: "wf-2", State: StateError,
			Err:         errors.New(errors.ErrStepExecution, "step s1 failed"),
			RollbackErr: errors.New(errors.ErrRollback, "undo failed")},
	})
	assert.Contains(t, out, "Workflow 1: wf-1 - SUCCESS (2ms)")
	assert.Contains(t, out, "  Error: step s1 failed")
	assert.Contains(t, out, "  Rollback: undo failed")
	assert.Contains(t, out, "Summary: 1/2 workflows succeeded")
}

func TestRunWorkflowsNilContext(t *testing.T) {
	engine := NewEngine(testRegistry(&recorder{}))
	results := RunWorkflows(engine, []*Workflow{single(t, "only", false)}, RunOptions{})
	require.Len(t, results, 1)
	assert.True(t, results[0].OK())
}
