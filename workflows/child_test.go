package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/failure"
	"github.com/davidroman0O/blockflow/locks"
	"github.com/davidroman0O/blockflow/operations"
)

// chain adds steps executing op one after the other, each in its own group
func chain(t *testing.T, w *Workflow, op operations.Descriptor, rollback *operations.Descriptor, ids ...string) {
	t.Helper()
	prev := ""
	for _, id := range ids {
		_, err := w.CreateStep(id, "", prev, "", "", op, rollback, id)
		require.NoError(t, err)
		prev = id
	}
}

func TestChildWorkflowSuccess(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithLogger(&TestLogger{t: t}))

	parent := NewWorkflow("parent")
	_, err := parent.CreateStep("a", "", "", "", "", work(), undo(), "a")
	require.NoError(t, err)

	child := NewWorkflow("child")
	chain(t, child, work(), undo(), "c1", "c2")
	stepID, err := parent.CreateChildStep("nested", "run child", "a", child, "")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, stepID, child.OwnerStepID)

	res := engine.Execute(context.Background(), parent)
	require.True(t, res.OK(), "%v", res.Cause())
	assert.Equal(t, []string{"do:a", "do:c1", "do:c2"}, rec.list())

	stored, err := engine.Get(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, stored.State)

	summaries, err := engine.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}

func TestChildStepRejectsItself(t *testing.T) {
	w := NewWorkflow("self")
	_, err := w.CreateChildStep("nested", "", "", w, "")
	assert.True(t, errors.IsValidation(err))
}

func TestChildFailureRollsBackBothLevels(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithLogger(&TestLogger{t: t}))

	parent := NewWorkflow("parent")
	_, err := parent.CreateStep("a", "", "", "", "", work(), undo(), "a")
	require.NoError(t, err)

	child := NewWorkflow("child")
	chain(t, child, work(), undo(), "c1", "c2")
	_, err = child.CreateStep("c3", "", "c2", "", "", fail(), undo(), "c3")
	require.NoError(t, err)
	_, err = parent.CreateChildStep("nested", "", "a", child, "")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), parent)
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.IsExecutionFailure(res.Err))
	assert.Equal(t, []string{"c2", "c1", "a"}, rec.with("undo:"))

	stored, err := engine.Get(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, stored.State)
}

func TestParentFailureRollsBackCompletedChild(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithLogger(&TestLogger{t: t}))

	parent := NewWorkflow("parent")
	_, err := parent.CreateStep("a", "", "", "", "", work(), undo(), "a")
	require.NoError(t, err)
	child := NewWorkflow("child")
	chain(t, child, work(), undo(), "c1", "c2")
	_, err = parent.CreateChildStep("nested", "", "a", child, "")
	require.NoError(t, err)
	_, err = parent.CreateStep("last", "", "nested", "", "", fail(), nil, "boom")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), parent)
	assert.Equal(t, StateError, res.State)
	assert.NoError(t, res.RollbackErr)
	assert.Equal(t, []string{"c2", "c1", "a"}, rec.with("undo:"))

	stored, err := engine.Get(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, stored.State)
	c1, _ := stored.Step("c1")
	assert.Equal(t, StepSuccess, c1.RollbackState)
}

func TestChildCancelledWhenParentRollsBack(t *testing.T) {
	rec := &recorder{}
	reg := testRegistry(rec)
	childStarted := make(chan struct{})
	reg.MustRegister("wait", func(ctx context.Context, call operations.Call) error {
		close(childStarted)
		<-ctx.Done()
		return ctx.Err()
	})
	reg.MustRegister("failLater", func(ctx context.Context, call operations.Call) error {
		<-childStarted
		return errors.New(errors.ErrStepExecution, "sibling failed")
	})
	engine := NewEngine(reg, WithLogger(&TestLogger{t: t}))

	parent := NewWorkflow("parent")
	child := NewWorkflow("child")
	chain(t, child, work(), undo(), "c0")
	_, err := child.CreateStep("c1", "", "c0", "", "", operations.Op("wait", nil), undo(), "c1")
	require.NoError(t, err)
	_, err = parent.CreateChildStep("par", "", "", child, "")
	require.NoError(t, err)
	_, err = parent.CreateStep("par", "", "", "", "", operations.Op("failLater", nil), nil, "sibling")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), parent)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, "sibling", errors.GetContext(res.Err)["step"])
	assert.Equal(t, []string{"c0"}, rec.with("undo:"))

	stored, err := engine.Get(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, stored.State)
	assert.Equal(t, errors.ErrCancelled.String(), stored.Error.Code)
}

func TestChildReentersParentLocks(t *testing.T) {
	mem := coordinator.NewMemory()
	mgr := locks.NewManager(mem, locks.WithPolling(5*time.Millisecond, 20*time.Millisecond))
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithLockManager(mgr), WithDefaultLockTimeout(200*time.Millisecond))

	key := locks.HostStorageKey("iqn.1998-01.com.vmware:host1", "array-1")
	parent := NewWorkflow("export", WithLockKeys(key))
	child := NewWorkflow("storageSystemExportGroupUpdate")
	_, err := child.CreateStep("add", "", "", "", "", work(), undo(), "c1", StepLockKeys(key, "cg::cg1::array-1"))
	require.NoError(t, err)
	_, err = parent.CreateChildStep("nested", "", "", child, "")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), parent)
	require.True(t, res.OK(), "%v", res.Cause())
	assert.True(t, rec.has("do:c1"))

	for _, k := range []string{key, "cg::cg1::array-1"} {
		owner, err := mem.LockOwner(context.Background(), k)
		require.NoError(t, err)
		assert.Empty(t, owner, "%s still held", k)
	}
}

func TestInjectedFailureBeforeChildStarts(t *testing.T) {
	rec := &recorder{}
	inj, err := failure.New(failure.StaticSource{failure.PropertySelector: failure.ChildWorkflowBeforeStart})
	require.NoError(t, err)
	engine := NewEngine(testRegistry(rec), WithInjector(inj))

	parent := NewWorkflow("parent")
	_, err = parent.CreateStep("a", "", "", "", "", work(), undo(), "a")
	require.NoError(t, err)
	child := NewWorkflow("child")
	chain(t, child, work(), undo(), "c1")
	_, err = parent.CreateChildStep("nested", "", "a", child, "")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), parent)
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.IsInjected(res.Err))
	assert.False(t, rec.has("do:c1"))
	assert.Equal(t, []string{"a"}, rec.with("undo:"))
	assert.Equal(t, 1, inj.Count(failure.ChildWorkflowBeforeStart))
}

func TestRecoverAbandonsRunningChild(t *testing.T) {
	rec := &recorder{}
	records := NewKVRecordStore(0)

	parent := NewWorkflow("parent")
	_, err := parent.CreateStep("a", "", "", "", "", work(), undo(), "a")
	require.NoError(t, err)
	child := NewWorkflow("child")
	chain(t, child, work(), undo(), "c1", "c2")
	stepID, err := parent.CreateChildStep("nested", "", "a", child, "")
	require.NoError(t, err)

	// crash while the child ran c2
	a, _ := parent.Step("a")
	a.State, a.Seq = StepSuccess, 1
	wrapper, _ := parent.Step(stepID)
	wrapper.State = StepRunning
	parent.Seq, parent.State = 1, StateRunning
	c1, _ := child.Step("c1")
	c1.State, c1.Seq = StepSuccess, 1
	c2, _ := child.Step("c2")
	c2.State = StepRunning
	child.Seq, child.State = 1, StateRunning
	require.NoError(t, records.Save(context.Background(), child))
	require.NoError(t, records.Save(context.Background(), parent))

	engine := NewEngine(testRegistry(rec), WithRecordStore(records), WithLogger(&TestLogger{t: t}))
	res := engine.Recover(context.Background(), parent.ID)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, []string{"c1", "a"}, rec.with("undo:"))
	assert.Empty(t, rec.with("do:"))

	storedChild, err := records.Load(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, storedChild.State)
}
