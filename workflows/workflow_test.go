package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/failure"
	"github.com/davidroman0O/blockflow/locks"
	"github.com/davidroman0O/blockflow/operations"
)

func TestCreateStep(t *testing.T) {
	w := NewWorkflow("build")
	assert.Equal(t, StateCreated, w.State)
	assert.True(t, w.RollbackAllowed)

	id, err := w.CreateStep("", "create volume", "", "array-1", "StorageSystem", work(), undo(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	step, ok := w.Step(id)
	require.True(t, ok)
	assert.Equal(t, "work", step.GroupID, "group defaults to the operation name")
	assert.Equal(t, StepPending, step.State)

	_, err = w.CreateStep("g2", "", "missing", "", "", work(), nil, "")
	assert.True(t, errors.IsValidation(err))

	_, err = w.CreateStep("g2", "", "g2", "", "", work(), nil, "")
	assert.True(t, errors.IsValidation(err), "a step cannot wait for its own group")

	_, err = w.CreateStep("g2", "", "", "", "", work(), nil, id)
	assert.True(t, errors.IsValidation(err), "step ids are unique")

	_, err = w.CreateStep("g2", "", "", "", "", operations.Descriptor{}, nil, "")
	assert.True(t, errors.IsValidation(err))

	_, err = w.CreateStep("g2", "", "work", "", "", work(), nil, "waiter")
	require.NoError(t, err)
	_, err = w.CreateStep("work", "", "", "", "", work(), nil, "")
	assert.True(t, errors.IsValidation(err), "an awaited group is closed")

	preset := CreateStepID()
	got, err := w.CreateStep("g3", "", id, "", "", work(), nil, preset, StepLockKeys("b", "a", "a"))
	require.NoError(t, err)
	assert.Equal(t, preset, got)
	step, _ = w.Step(preset)
	assert.Equal(t, []string{"a", "b"}, step.LockKeys)
	assert.Len(t, w.Group("g2"), 1)
}

func TestExecuteSequence(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithLogger(&TestLogger{t: t}))

	w := NewWorkflow("sequence")
	_, err := w.CreateStep("g1", "first", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "second", "g1", "", "", work(), undo(), "s2")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	require.True(t, res.OK(), "%v", res.Cause())
	assert.Equal(t, StateSuccess, res.State)
	assert.NoError(t, res.Cause())
	assert.Equal(t, []string{"do:s1", "do:s2"}, rec.list())

	stored, err := engine.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, stored.State)
	s1, _ := stored.Step("s1")
	s2, _ := stored.Step("s2")
	assert.Less(t, s1.Seq, s2.Seq)

	// executing twice is rejected
	res = engine.Execute(context.Background(), w)
	assert.Equal(t, errors.ErrWorkflowState, errors.GetCode(res.Err))
}

func TestWaitForWholeGroup(t *testing.T) {
	rec := &recorder{}
	reg := testRegistry(rec)

	var slowDone atomic.Bool
	release := make(chan struct{})
	reg.MustRegister("slow", func(ctx context.Context, call operations.Call) error {
		<-release
		slowDone.Store(true)
		return nil
	})
	var sawSlowDone atomic.Bool
	reg.MustRegister("check", func(ctx context.Context, call operations.Call) error {
		sawSlowDone.Store(slowDone.Load())
		return nil
	})

	engine := NewEngine(reg, WithLogger(&TestLogger{t: t}))
	w := NewWorkflow("fan-in")
	_, err := w.CreateStep("grp", "", "", "", "", work(), nil, "fast")
	require.NoError(t, err)
	_, err = w.CreateStep("grp", "", "", "", "", operations.Op("slow", nil), nil, "slow")
	require.NoError(t, err)
	_, err = w.CreateStep("after", "", "grp", "", "", operations.Op("check", nil), nil, "after")
	require.NoError(t, err)

	done := engine.ExecuteAsync(context.Background(), w)
	require.Eventually(t, func() bool { return rec.has("do:fast") }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-done
	require.True(t, res.OK(), "%v", res.Cause())
	assert.True(t, sawSlowDone.Load(), "dependent step started before its group finished")
}

func TestFailedStepBlocksDependentsAndRollsBack(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithLogger(&TestLogger{t: t}))

	w := NewWorkflow("failing")
	_, err := w.CreateStep("g0", "", "", "", "", work(), undo(), "s0")
	require.NoError(t, err)
	_, err = w.CreateStep("g1", "", "g0", "", "", fail(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", work(), undo(), "s2")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.IsExecutionFailure(res.Err))
	assert.Equal(t, "s1", errors.GetContext(res.Err)["step"])
	assert.NoError(t, res.RollbackErr)

	assert.False(t, rec.has("do:s2"), "dependent step must never start")
	assert.Equal(t, []string{"s0"}, rec.with("undo:"), "only SUCCESS steps are rolled back")

	stored, err := engine.Get(context.Background(), w.ID)
	require.NoError(t, err)
	s1, _ := stored.Step("s1")
	s2, _ := stored.Step("s2")
	assert.Equal(t, StepError, s1.State)
	assert.Equal(t, "STEP_EXECUTION", s1.Error.Code)
	assert.Equal(t, StepPending, s2.State)
	assert.Empty(t, s2.RollbackState)
}

func TestRollbackReverseOrderBestEffort(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithLogger(&TestLogger{t: t}))

	w := NewWorkflow("rollback")
	_, err := w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", work(), nil, "s2")
	require.NoError(t, err)
	_, err = w.CreateStep("g3", "", "g2", "", "", work(), operations.Op("undoFail", nil).Ptr(), "s3")
	require.NoError(t, err)
	_, err = w.CreateStep("g4", "", "g3", "", "", work(), undo(), "s4")
	require.NoError(t, err)
	_, err = w.CreateStep("g5", "", "g4", "", "", fail(), undo(), "s5")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, []string{"s4", "s3", "s1"}, rec.with("undo:"))

	require.Error(t, res.RollbackErr)
	assert.Equal(t, errors.ErrRollback, errors.GetCode(res.RollbackErr))
	assert.Equal(t, 1, errors.GetContext(res.RollbackErr)["failures"])

	stored, err := engine.Get(context.Background(), w.ID)
	require.NoError(t, err)
	s3, _ := stored.Step("s3")
	assert.Equal(t, StepError, s3.RollbackState)
	s1, _ := stored.Step("s1")
	assert.Equal(t, StepSuccess, s1.RollbackState)
	require.Len(t, stored.RollbackErrors, 1)
	assert.Equal(t, "s3", stored.RollbackErrors[0].Step)
}

func TestRollbackDisabled(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec))

	w := NewWorkflow("no-rollback", WithRollbackAllowed(false))
	_, err := w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", fail(), nil, "s2")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	assert.Equal(t, StateError, res.State)
	assert.Empty(t, rec.with("undo:"))
}

func TestRollbackOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "steps")
		withRollback := rapid.SliceOfN(rapid.Bool(), n, n).Draw(rt, "withRollback")
		chained := rapid.Bool().Draw(rt, "chained")

		rec := &recorder{}
		engine := NewEngine(testRegistry(rec))
		w := NewWorkflow("property")

		prev := ""
		for i := 0; i < n; i++ {
			var rb *operations.Descriptor
			if withRollback[i] {
				rb = undo()
			}
			group := "fan"
			if chained {
				group = fmt.Sprintf("g%d", i)
			}
			if _, err := w.CreateStep(group, "", prev, "", "", work(), rb, fmt.Sprintf("s%d", i)); err != nil {
				rt.Fatalf("create step: %v", err)
			}
			if chained {
				prev = group
			}
		}
		last := "fan"
		if chained {
			last = prev
		}
		if _, err := w.CreateStep("end", "", last, "", "", fail(), undo(), "boom"); err != nil {
			rt.Fatalf("create failing step: %v", err)
		}

		res := engine.Execute(context.Background(), w)
		if res.State != StateError {
			rt.Fatalf("expected ERROR, got %s", res.State)
		}
		stored, err := engine.Get(context.Background(), w.ID)
		if err != nil {
			rt.Fatalf("load: %v", err)
		}
		want := reverseCompletion(stored)
		got := rec.with("undo:")
		if fmt.Sprint(want) != fmt.Sprint(got) {
			rt.Fatalf("rollback order %v, want %v", got, want)
		}
	})
}

func TestInjectedFinalStepFailure(t *testing.T) {
	rec := &recorder{}
	inj, err := failure.New(failure.StaticSource{failure.PropertySelector: failure.WorkflowCompleteFinalStep})
	require.NoError(t, err)
	engine := NewEngine(testRegistry(rec), WithInjector(inj), WithLogger(&TestLogger{t: t}))

	w := NewWorkflow("injected")
	_, err = w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", work(), undo(), "s2")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.IsInjected(res.Err))
	assert.Equal(t, []string{"s2", "s1"}, rec.with("undo:"))
}

func TestInjectedMethodFailure(t *testing.T) {
	rec := &recorder{}
	selector := failure.InvokeMethodPrefix + "work"
	inj, err := failure.New(failure.StaticSource{failure.PropertySelector: selector})
	require.NoError(t, err)
	engine := NewEngine(testRegistry(rec), WithInjector(inj))

	w := NewWorkflow("method")
	_, err = w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.IsInjected(res.Err))
	assert.False(t, rec.has("do:s1"))
}

func TestStepLockTimeout(t *testing.T) {
	rec := &recorder{}
	mgr := locks.NewManager(coordinator.NewMemory(), locks.WithPolling(5*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, mgr.Acquire(context.Background(), "other-workflow", []string{"iqn.host1::array-1"}, time.Second))

	engine := NewEngine(testRegistry(rec), WithLockManager(mgr), WithDefaultLockTimeout(100*time.Millisecond))
	w := NewWorkflow("locked")
	_, err := w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", work(), undo(), "s2", StepLockKeys("iqn.host1::array-1"))
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.IsLockAcquisition(res.Err))
	assert.Contains(t, res.Err.Error(), "iqn.host1::array-1")
	assert.False(t, rec.has("do:s2"))
	assert.Equal(t, []string{"s1"}, rec.with("undo:"))
	assert.Empty(t, mgr.Held(w.ID), "locks are released when the workflow ends")
	require.NoError(t, mgr.ReleaseAll(context.Background(), "other-workflow"))
}

func TestStepLocksWaitForWorkflowTimeout(t *testing.T) {
	rec := &recorder{}
	mgr := locks.NewManager(coordinator.NewMemory(), locks.WithPolling(5*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, mgr.Acquire(context.Background(), "other-workflow", []string{"vol-1"}, time.Second))

	engine := NewEngine(testRegistry(rec), WithLockManager(mgr), WithDefaultLockTimeout(20*time.Millisecond))
	w := NewWorkflow("patient", WithLockTimeout(5*time.Second))
	_, err := w.CreateStep("g1", "", "", "", "", work(), undo(), "s1", StepLockKeys("vol-1"))
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(150 * time.Millisecond)
		_ = mgr.ReleaseAll(context.Background(), "other-workflow")
	}()

	res := engine.Execute(context.Background(), w)
	<-released
	require.True(t, res.OK(), "%v", res.Cause())
	assert.True(t, rec.has("do:s1"), "the step outwaited the engine default")
}

func TestWorkflowLocksReleasedOnSuccess(t *testing.T) {
	mem := coordinator.NewMemory()
	mgr := locks.NewManager(mem)
	engine := NewEngine(testRegistry(&recorder{}), WithLockManager(mgr))

	w := NewWorkflow("locks", WithLockKeys("k2", "k1"), WithLockTimeout(time.Second))
	_, err := w.CreateStep("g1", "", "", "", "", work(), nil, "s1", StepLockKeys("k3"))
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	require.True(t, res.OK(), "%v", res.Cause())
	for _, k := range []string{"k1", "k2", "k3"} {
		owner, err := mem.LockOwner(context.Background(), k)
		require.NoError(t, err)
		assert.Empty(t, owner, k)
	}
}

func TestDeferredCompletion(t *testing.T) {
	for _, tc := range []struct {
		name    string
		outcome error
		state   State
	}{
		{name: "ready", outcome: nil, state: StateSuccess},
		{name: "error", outcome: errors.New(errors.ErrStepExecution, "controller reported failure"), state: StateError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			reg := testRegistry(rec)
			started := make(chan string, 1)
			reg.MustRegister("async", func(ctx context.Context, call operations.Call) error {
				started <- call.StepID
				return operations.ErrDeferred
			})
			engine := NewEngine(reg, WithLogger(&TestLogger{t: t}))

			w := NewWorkflow("deferred")
			_, err := w.CreateStep("g1", "", "", "", "", operations.Op("async", nil), undo(), "s1")
			require.NoError(t, err)
			_, err = w.CreateStep("g2", "", "g1", "", "", work(), nil, "s2")
			require.NoError(t, err)

			done := engine.ExecuteAsync(context.Background(), w)
			stepID := <-started
			require.NoError(t, engine.CompleteStep(w.ID, stepID, tc.outcome))

			res := <-done
			assert.Equal(t, tc.state, res.State)
			assert.Equal(t, tc.outcome == nil, rec.has("do:s2"))

			err = engine.CompleteStep(w.ID, stepID, nil)
			assert.True(t, errors.IsNotFound(err), "the workflow is no longer executing")
		})
	}
}

func TestDeferralAfterFailureIsAbandoned(t *testing.T) {
	rec := &recorder{}
	reg := testRegistry(rec)
	reg.MustRegister("slow-async", func(ctx context.Context, call operations.Call) error {
		time.Sleep(50 * time.Millisecond)
		rec.add("do:" + call.StepID)
		return operations.ErrDeferred
	})
	engine := NewEngine(reg, WithLogger(&TestLogger{t: t}))

	w := NewWorkflow("late-deferral")
	_, err := w.CreateStep("g1", "", "", "", "", fail(), nil, "boom")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "", "", "", operations.Op("slow-async", nil), undo(), "async")
	require.NoError(t, err)

	done := engine.ExecuteAsync(context.Background(), w)
	var res Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow never settled after a late deferral")
	}
	assert.Equal(t, StateError, res.State)
	assert.True(t, rec.has("do:async"))

	stored, err := engine.Get(context.Background(), w.ID)
	require.NoError(t, err)
	s, _ := stored.Step("async")
	assert.Equal(t, StepError, s.State)
	require.NotNil(t, s.Error)
	assert.Contains(t, s.Error.Message, "abandoned")
	assert.Empty(t, rec.with("undo:"), "a step that never completed is not rolled back")
}

func TestCompleteStepRejectsTerminalStep(t *testing.T) {
	reg := testRegistry(&recorder{})
	started := make(chan struct{})
	release := make(chan struct{})
	reg.MustRegister("hold", func(ctx context.Context, call operations.Call) error {
		close(started)
		<-release
		return nil
	})
	engine := NewEngine(reg)

	w := NewWorkflow("terminal")
	_, err := w.CreateStep("g1", "", "", "", "", work(), nil, "done-step")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", operations.Op("hold", nil), nil, "hold")
	require.NoError(t, err)

	done := engine.ExecuteAsync(context.Background(), w)
	<-started
	err = engine.CompleteStep(w.ID, "done-step", nil)
	assert.Equal(t, errors.ErrWorkflowState, errors.GetCode(err))
	assert.Contains(t, err.Error(), "terminal state SUCCESS")

	err = engine.CompleteStep(w.ID, "missing", nil)
	assert.True(t, errors.IsNotFound(err))
	close(release)
	assert.True(t, (<-done).OK())
}

func TestSuspendAndResume(t *testing.T) {
	rec := &recorder{}
	reg := testRegistry(rec)
	started := make(chan struct{})
	release := make(chan struct{})
	reg.MustRegister("hold", func(ctx context.Context, call operations.Call) error {
		close(started)
		<-release
		return nil
	})
	engine := NewEngine(reg, WithLogger(&TestLogger{t: t}))

	w := NewWorkflow("suspend")
	_, err := w.CreateStep("g1", "", "", "", "", operations.Op("hold", nil), nil, "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", work(), nil, "s2")
	require.NoError(t, err)

	done := engine.ExecuteAsync(context.Background(), w)
	<-started
	require.NoError(t, engine.Suspend(w.ID))
	close(release)

	res := <-done
	assert.Equal(t, StateSuspended, res.State)
	assert.False(t, rec.has("do:s2"))

	assert.Error(t, engine.Suspend(w.ID), "only running workflows can be suspended")

	res = engine.Resume(context.Background(), w.ID)
	require.True(t, res.OK(), "%v", res.Cause())
	assert.True(t, rec.has("do:s2"))

	res = engine.Resume(context.Background(), w.ID)
	assert.Equal(t, errors.ErrWorkflowState, errors.GetCode(res.Err))
}

func TestRecoverRunningStepDrivesRollback(t *testing.T) {
	rec := &recorder{}
	records := NewKVRecordStore(0)

	w := NewWorkflow("interrupted")
	_, err := w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", work(), undo(), "s2")
	require.NoError(t, err)
	_, err = w.CreateStep("g3", "", "g2", "", "", work(), undo(), "s3")
	require.NoError(t, err)

	// state left behind by a process that died while s2 was running
	s1, _ := w.Step("s1")
	s1.State, s1.Seq = StepSuccess, 1
	s2, _ := w.Step("s2")
	s2.State = StepRunning
	w.Seq = 1
	w.State = StateRunning
	require.NoError(t, records.Save(context.Background(), w))

	engine := NewEngine(testRegistry(rec), WithRecordStore(records), WithLogger(&TestLogger{t: t}))
	res := engine.Recover(context.Background(), w.ID)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, []string{"undo:s1"}, rec.list(), "nothing is re-executed and s2 is not rolled back")

	stored, err := records.Load(context.Background(), w.ID)
	require.NoError(t, err)
	got2, _ := stored.Step("s2")
	assert.Equal(t, StepError, got2.State)
	got3, _ := stored.Step("s3")
	assert.Equal(t, StepPending, got3.State)
	assert.Equal(t, []string{w.ID}, records.InState(StateError))

	// recovering a terminal workflow reports its outcome
	again := engine.Recover(context.Background(), w.ID)
	assert.Equal(t, StateError, again.State)
	assert.Error(t, again.Err)
}

func TestRecoverSkipsCompletedSteps(t *testing.T) {
	rec := &recorder{}
	records := NewCoordinatorRecordStore(coordinator.NewMemory(), 0)

	w := NewWorkflow("resume-after-crash")
	_, err := w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", work(), undo(), "s2")
	require.NoError(t, err)
	s1, _ := w.Step("s1")
	s1.State, s1.Seq = StepSuccess, 1
	w.Seq = 1
	w.State = StateRunning
	require.NoError(t, records.Save(context.Background(), w))

	engine := NewEngine(testRegistry(rec), WithRecordStore(records))
	res := engine.Recover(context.Background(), w.ID)
	require.True(t, res.OK(), "%v", res.Cause())
	assert.Equal(t, []string{"do:s2"}, rec.list())

	res = engine.Recover(context.Background(), "unknown")
	assert.True(t, errors.IsNotFound(res.Err))
}

func TestValidationFailsBeforeAnythingRuns(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec))

	w := NewWorkflow("invalid")
	_, err := w.CreateStep("g1", "", "", "", "", work(), nil, "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", operations.Op("notRegistered", nil), nil, "s2")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	assert.True(t, errors.IsValidation(res.Err))
	assert.Equal(t, StateCreated, res.State)
	assert.Empty(t, rec.list())

	_, err = engine.Records().Load(context.Background(), w.ID)
	assert.True(t, errors.IsNotFound(err), "invalid workflows are never persisted")
}

func TestRecordSizeBound(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithRecordStore(NewKVRecordStore(2000)))

	w := NewWorkflow("huge")
	for i := 0; i < 50; i++ {
		_, err := w.CreateStep(fmt.Sprintf("g%d", i), "create backend volume", "", "array-1", "StorageSystem", work(), undo(), "")
		require.NoError(t, err)
	}

	res := engine.Execute(context.Background(), w)
	assert.Equal(t, errors.ErrRecordTooLarge, errors.GetCode(res.Err))
	assert.Empty(t, rec.list())

	records := NewCoordinatorRecordStore(coordinator.NewMemory(), 2000)
	err := records.Save(context.Background(), w)
	assert.Equal(t, errors.ErrRecordTooLarge, errors.GetCode(err))
	assert.Equal(t, 2000, errors.GetContext(err)["max"])
}

// overflowOnceStarted rejects every save made after a step left PENDING, the
// way a record grows past its bound while a workflow runs
type overflowOnceStarted struct {
	RecordStore
}

func (o overflowOnceStarted) Save(ctx context.Context, w *Workflow) error {
	for _, s := range w.Steps {
		if s.State != StepPending {
			return recordTooLarge(w.ID, 4096, 1024)
		}
	}
	return o.RecordStore.Save(ctx, w)
}

func TestRecordOutgrowsBoundWhileRunning(t *testing.T) {
	rec := &recorder{}
	engine := NewEngine(testRegistry(rec), WithRecordStore(overflowOnceStarted{NewKVRecordStore(0)}),
		WithLogger(&TestLogger{t: t}))

	w := NewWorkflow("growing")
	_, err := w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", work(), undo(), "s2")
	require.NoError(t, err)

	res := engine.Execute(context.Background(), w)
	assert.Equal(t, StateError, res.State)
	assert.False(t, res.OK())
	assert.Equal(t, errors.ErrRecordTooLarge, errors.GetCode(res.Err))
	assert.False(t, rec.has("do:s2"), "nothing new starts once the record cannot be saved")
}

func TestCancelledExecution(t *testing.T) {
	rec := &recorder{}
	reg := testRegistry(rec)
	started := make(chan struct{})
	reg.MustRegister("wait", func(ctx context.Context, call operations.Call) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	engine := NewEngine(reg)

	w := NewWorkflow("cancelled")
	_, err := w.CreateStep("g1", "", "", "", "", work(), undo(), "s1")
	require.NoError(t, err)
	_, err = w.CreateStep("g2", "", "g1", "", "", operations.Op("wait", nil), undo(), "s2")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := engine.ExecuteAsync(ctx, w)
	<-started
	cancel()

	res := <-done
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.IsCancelled(res.Err))
	assert.Equal(t, []string{"s1"}, rec.with("undo:"), "rollback still runs after cancellation")
}

func TestTransitionIsCompareAndSet(t *testing.T) {
	s := &Step{ID: "s", State: StepPending}
	require.NoError(t, transition(s, StepPending, StepRunning))
	assert.Error(t, transition(s, StepPending, StepRunning))
	require.NoError(t, transition(s, StepRunning, StepSuccess))

	err := transition(s, StepRunning, StepError)
	assert.Equal(t, errors.ErrWorkflowState, errors.GetCode(err))
	assert.Contains(t, err.Error(), "terminal state SUCCESS")
}
