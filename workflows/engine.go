package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davidroman0O/blockflow/config"
	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/errors"
	"github.com/davidroman0O/blockflow/failure"
	"github.com/davidroman0O/blockflow/locks"
	"github.com/davidroman0O/blockflow/metrics"
	"github.com/davidroman0O/blockflow/operations"
)

// Engine executes workflows. One engine may run many workflows at once;
// each runs its own scheduling loop.
type Engine struct {
	registry    *operations.Registry
	records     RecordStore
	locks       *locks.Manager
	injector    *failure.Injector
	metrics     *metrics.Collector
	logger      Logger
	lockTimeout time.Duration
	stepTimeout time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithRecordStore sets where workflow records are persisted
func WithRecordStore(s RecordStore) EngineOption {
	return func(e *Engine) { e.records = s }
}

// WithLockManager sets the lock manager
func WithLockManager(m *locks.Manager) EngineOption {
	return func(e *Engine) { e.locks = m }
}

// WithInjector sets the failure injector consulted by the engine
func WithInjector(i *failure.Injector) EngineOption {
	return func(e *Engine) { e.injector = i }
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// WithLogger sets the logger
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDefaultLockTimeout bounds lock waits of workflows without their own timeout
func WithDefaultLockTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithStepTimeout bounds every forward and rollback operation
func WithStepTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.stepTimeout = d }
}

// NewEngine creates an engine dispatching through registry. The nested
// workflow operations are registered on it.
func NewEngine(registry *operations.Registry, opts ...EngineOption) *Engine {
	if registry == nil {
		registry = operations.NewRegistry()
	}
	e := &Engine{
		registry:    registry,
		logger:      NewDefaultLogger(),
		lockTimeout: time.Minute,
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.records == nil {
		e.records = NewKVRecordStore(config.DefaultMaxRecordBytes)
	}
	if e.locks == nil {
		e.locks = locks.NewManager(coordinator.NewMemory(), locks.WithLogger(e.logger))
	}
	registry.Replace(OpRunChild, e.runChild)
	registry.Replace(OpRollbackChild, e.rollbackChild)
	return e
}

// Records returns the engine's record store
func (e *Engine) Records() RecordStore { return e.records }

// Locks returns the engine's lock manager
func (e *Engine) Locks() *locks.Manager { return e.locks }

type stepEvent struct {
	stepID string
	err    error
}

// run is the live state of one executing workflow
type run struct {
	mu       sync.Mutex
	wf       *Workflow
	events   chan stepEvent
	wake     chan struct{}
	done     chan struct{}
	cancels  map[string]context.CancelFunc
	deferred map[string]bool
	early    map[string]error
	inflight int
	suspend  bool
	failure  error

	// persistErr is the first record size violation
	persistErr error
}

func (r *run) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) register(w *Workflow) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, active := e.runs[w.ID]; active {
		return nil, errors.Newf(errors.ErrWorkflowState, "workflow %s is already executing", w.ID)
	}
	r := &run{
		wf:       w,
		events:   make(chan stepEvent),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		cancels:  make(map[string]context.CancelFunc),
		deferred: make(map[string]bool),
		early:    make(map[string]error),
	}
	e.runs[w.ID] = r
	return r, nil
}

func (e *Engine) unregister(r *run) {
	e.mu.Lock()
	delete(e.runs, r.wf.ID)
	e.mu.Unlock()
	close(r.done)
}

func (e *Engine) active(id string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// validate rejects a workflow that cannot be dispatched, before anything runs
func (e *Engine) validate(w *Workflow) error {
	if w.State != StateCreated {
		return errors.Newf(errors.ErrWorkflowState, "workflow %s is %s, only CREATED workflows can be executed", w.ID, w.State)
	}
	for _, s := range w.Steps {
		if !e.registry.Has(s.Operation.Name) {
			return errors.Validation("execute", "step %s uses unregistered operation %s", s.ID, s.Operation.Name)
		}
		if s.Rollback != nil && !e.registry.Has(s.Rollback.Name) {
			return errors.Validation("execute", "step %s uses unregistered rollback %s", s.ID, s.Rollback.Name)
		}
	}
	for _, child := range w.Children() {
		if err := e.validate(child); err != nil {
			return err
		}
	}
	return nil
}

// persistFamily saves nested workflows before their parent so that a
// recovering process finds every record a parent step refers to.
func (e *Engine) persistFamily(ctx context.Context, w *Workflow) error {
	for _, child := range w.Children() {
		if err := e.persistFamily(ctx, child); err != nil {
			return err
		}
	}
	return e.records.Save(ctx, w)
}

// Execute validates, persists and runs w until it is SUCCESS, ERROR or
// SUSPENDED. Validation failures return before any step runs.
func (e *Engine) Execute(ctx context.Context, w *Workflow) Result {
	if err := e.validate(w); err != nil {
		return Result{WorkflowID: w.ID, State: w.State, Err: err}
	}
	if err := e.persistFamily(ctx, w); err != nil {
		return Result{WorkflowID: w.ID, State: w.State, Err: err}
	}
	return e.execute(ctx, w)
}

// ExecuteAsync runs Execute in the background
func (e *Engine) ExecuteAsync(ctx context.Context, w *Workflow) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- e.Execute(ctx, w)
		close(ch)
	}()
	return ch
}

func (e *Engine) execute(ctx context.Context, w *Workflow) Result {
	start := time.Now()
	r, err := e.register(w)
	if err != nil {
		return Result{WorkflowID: w.ID, State: w.State, Err: err}
	}
	defer e.unregister(r)

	e.metrics.WorkflowStarted()
	e.logger.Info("Starting workflow %s (%s) with %d steps", w.ID, w.Name, len(w.Steps))

	r.mu.Lock()
	switch w.State {
	case StateCreated, StateSuspended:
		w.State = StateRunning
	case StateRollingBack:
		if w.Error != nil {
			r.failure = errors.New(errors.ErrStepExecution, w.Error.Message)
		} else {
			r.failure = errors.New(errors.ErrStepExecution, "workflow interrupted")
		}
	}
	e.save(ctx, r)
	r.mu.Unlock()

	if err := e.locks.Acquire(ctx, w.ID, w.LockKeys, e.lockTimeoutFor(w)); err != nil {
		r.mu.Lock()
		r.failLocked("", err)
		e.save(ctx, r)
		r.mu.Unlock()
	}

	e.loop(ctx, r)
	return e.finish(ctx, r, start)
}

// loop dispatches eligible steps and collects their outcomes until nothing
// is in flight and nothing more may start.
func (e *Engine) loop(ctx context.Context, r *run) {
	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	ctxDone := ctx.Done()
	w := r.wf

	for {
		r.mu.Lock()
		if w.State == StateRunning && r.suspend {
			if r.inflight == 0 {
				w.State = StateSuspended
				e.save(ctx, r)
				r.mu.Unlock()
				return
			}
		} else if w.State == StateRunning {
			e.dispatchLocked(runCtx, r)
			if r.inflight == 0 {
				if !allSucceeded(w) {
					r.failLocked("", errors.Newf(errors.ErrWorkflowState, "workflow %s has steps that can never start", w.ID))
					e.save(ctx, r)
					r.mu.Unlock()
					continue
				}
				r.mu.Unlock()
				if err := e.injector.Invoke(failure.WorkflowCompleteFinalStep); err != nil {
					r.mu.Lock()
					r.failLocked("", err)
					e.save(ctx, r)
					r.mu.Unlock()
					continue
				}
				return
			}
		} else if r.inflight == 0 {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		select {
		case ev := <-r.events:
			e.handle(ctx, r, ev)
		case <-r.wake:
		case <-ctxDone:
			ctxDone = nil
			r.mu.Lock()
			r.failLocked("", errors.Wrap(ctx.Err(), errors.ErrCancelled, "workflow cancelled"))
			e.save(ctx, r)
			r.mu.Unlock()
		}
	}
}

func allSucceeded(w *Workflow) bool {
	for _, s := range w.Steps {
		if s.State != StepSuccess {
			return false
		}
	}
	return true
}

// dispatchLocked starts every pending step whose predecessors are terminal
func (e *Engine) dispatchLocked(ctx context.Context, r *run) {
	w := r.wf
	started := 0
	for _, s := range w.Steps {
		if s.State != StepPending || !w.ready(s) {
			continue
		}
		if err := transition(s, StepPending, StepRunning); err != nil {
			continue
		}
		s.StartedAt = time.Now().UTC()
		stepCtx, cancel := context.WithCancel(ctx)
		r.cancels[s.ID] = cancel
		r.inflight++
		started++
		e.logger.Debug("Workflow %s dispatching step %s (%s): %s", w.ID, s.ID, s.Operation.Name, s.Description)
		go e.runStep(stepCtx, r, w.ID, s.clone())
	}
	if started > 0 {
		e.save(ctx, r)
	}
}

// transition is the compare-and-set on a step state. Callers hold the run lock.
func transition(s *Step, from, to StepState) error {
	if s.State != from {
		if s.State.Terminal() {
			return errors.StepTerminal(s.ID, string(s.State), string(to))
		}
		return errors.Newf(errors.ErrWorkflowState, "step %s is %s, expected %s", s.ID, s.State, from)
	}
	s.State = to
	return nil
}

// lockTimeoutFor is how long w waits for its own and its steps' locks
func (e *Engine) lockTimeoutFor(w *Workflow) time.Duration {
	if w.LockTimeout > 0 {
		return w.LockTimeout
	}
	return e.lockTimeout
}

func (e *Engine) runStep(ctx context.Context, r *run, workflowID string, s *Step) {
	err := e.invoke(ctx, workflowID, s, s.Operation, false, e.lockTimeoutFor(r.wf))
	if stderrors.Is(err, operations.ErrDeferred) {
		r.mu.Lock()
		if early, ok := r.early[s.ID]; ok {
			delete(r.early, s.ID)
			r.mu.Unlock()
			r.events <- stepEvent{stepID: s.ID, err: early}
			return
		}
		if r.failure != nil || r.wf.State != StateRunning {
			// rollback already started, nobody waits for this completion
			r.mu.Unlock()
			r.events <- stepEvent{stepID: s.ID, err: errors.New(errors.ErrCancelled, "abandoned while waiting for completion")}
			return
		}
		r.deferred[s.ID] = true
		r.mu.Unlock()
		e.logger.Debug("Workflow %s step %s waits for external completion", workflowID, s.ID)
		return
	}
	r.events <- stepEvent{stepID: s.ID, err: err}
}

// invoke runs a forward or rollback descriptor of s
func (e *Engine) invoke(ctx context.Context, workflowID string, s *Step, op operations.Descriptor, rollback bool, lockTimeout time.Duration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf(errors.ErrStepExecution, "operation %s panicked: %v", op.Name, p)
		}
	}()

	if err := e.locks.Acquire(ctx, workflowID, s.LockKeys, lockTimeout); err != nil {
		return err
	}
	if !rollback {
		if err := e.injector.InvokeMethod(op.Name); err != nil {
			return err
		}
	}
	h, err := e.registry.Lookup(op.Name)
	if err != nil {
		return err
	}
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return h(ctx, operations.Call{
		WorkflowID: workflowID,
		StepID:     s.ID,
		TargetID:   s.TargetID,
		TargetType: s.TargetType,
		Args:       op.Args,
		Rollback:   rollback,
	})
}

// handle applies a step outcome
func (e *Engine) handle(ctx context.Context, r *run, ev stepEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.wf

	s, ok := w.Step(ev.stepID)
	if !ok {
		return
	}
	if cancel, ok := r.cancels[s.ID]; ok {
		cancel()
		delete(r.cancels, s.ID)
	}
	delete(r.deferred, s.ID)
	delete(r.early, s.ID)
	r.inflight--

	if ev.err == nil {
		if err := transition(s, StepRunning, StepSuccess); err != nil {
			e.logger.Warn("Workflow %s: %v", w.ID, err)
			return
		}
		w.Seq++
		s.Seq = w.Seq
		s.CompletedAt = time.Now().UTC()
		e.metrics.StepFinished(s.Operation.Name, string(StepSuccess))
		e.logger.Debug("Workflow %s step %s succeeded", w.ID, s.ID)
	} else {
		if err := transition(s, StepRunning, StepError); err != nil {
			e.logger.Warn("Workflow %s: %v", w.ID, err)
			return
		}
		stepErr := errors.StepFailed(s.ID, ev.err)
		s.Error = failureOf(s.ID, stepErr)
		s.CompletedAt = time.Now().UTC()
		e.metrics.StepFinished(s.Operation.Name, string(StepError))
		e.logger.Warn("Workflow %s step %s (%s) failed: %v", w.ID, s.ID, s.Operation.Name, ev.err)
		if ctx.Err() != nil {
			// the step only saw the workflow's own cancellation
			r.failLocked("", errors.Wrap(ctx.Err(), errors.ErrCancelled, "workflow cancelled"))
		}
		r.failLocked(s.ID, stepErr)
	}
	e.save(ctx, r)
}

// failLocked records the first failure and moves the workflow to
// ROLLING_BACK. In-flight steps are cancelled and steps waiting for an
// external completion are given up on.
func (r *run) failLocked(stepID string, err error) {
	w := r.wf
	if r.failure == nil {
		r.failure = err
		w.Error = failureOf(stepID, err)
	}
	if w.State == StateRunning || w.State == StateSuspended {
		w.State = StateRollingBack
	}
	for id, cancel := range r.cancels {
		if !r.deferred[id] {
			cancel()
		}
	}
	for id := range r.deferred {
		s, ok := w.Step(id)
		if ok && s.State == StepRunning {
			s.State = StepError
			s.Error = &Failure{Code: errors.ErrCancelled.String(), Message: "abandoned while waiting for completion", Step: id}
			s.CompletedAt = time.Now().UTC()
		}
		if cancel, ok := r.cancels[id]; ok {
			cancel()
			delete(r.cancels, id)
		}
		delete(r.deferred, id)
		r.inflight--
	}
}

// finish runs the rollback when needed, settles the final state and frees
// the workflow's locks
func (e *Engine) finish(ctx context.Context, r *run, start time.Time) Result {
	bg := context.WithoutCancel(ctx)
	w := r.wf

	r.mu.Lock()
	state := w.State
	r.mu.Unlock()

	var rollbackErr error
	switch state {
	case StateRunning:
		r.mu.Lock()
		w.State = StateSuccess
		r.mu.Unlock()
	case StateRollingBack:
		if w.RollbackAllowed {
			rollbackErr = e.rollback(bg, r)
		}
		r.mu.Lock()
		w.State = StateError
		r.mu.Unlock()
	}

	r.mu.Lock()
	w.UpdatedAt = time.Now().UTC()
	e.save(bg, r)
	res := Result{
		WorkflowID:  w.ID,
		State:       w.State,
		Err:         r.failure,
		RollbackErr: rollbackErr,
		Duration:    time.Since(start),
	}
	if res.Err == nil {
		res.Err = r.persistErr
	}
	r.mu.Unlock()

	if res.State.Terminal() {
		if err := e.locks.ReleaseAll(bg, w.ID); err != nil {
			e.logger.Warn("Workflow %s could not release its locks: %v", w.ID, err)
		}
	}
	e.metrics.WorkflowFinished(string(res.State))

	if res.State == StateError {
		e.logger.Error("Workflow %s (%s) ended in %s: %v", w.ID, w.Name, res.State, res.Cause())
	} else {
		e.logger.Info("Workflow %s (%s) ended in %s after %s", w.ID, w.Name, res.State, res.Duration.Round(time.Millisecond))
	}
	return res
}

// rollback undoes every SUCCESS step carrying a rollback, most recently
// completed first. Failures are recorded per step and never stop the
// remaining rollbacks.
func (e *Engine) rollback(ctx context.Context, r *run) error {
	w := r.wf

	r.mu.Lock()
	var candidates []*Step
	for _, s := range w.Steps {
		if s.State != StepSuccess || s.Rollback == nil {
			continue
		}
		if s.RollbackState.Terminal() {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Seq > candidates[j].Seq })
	var errs []error
	for _, f := range w.RollbackErrors {
		errs = append(errs, errors.New(errors.ErrRollback, f.Message))
	}
	r.mu.Unlock()

	e.logger.Info("Workflow %s rolling back %d steps", w.ID, len(candidates))
	for _, s := range candidates {
		r.mu.Lock()
		s.RollbackState = StepRunning
		e.save(ctx, r)
		snapshot := s.clone()
		r.mu.Unlock()

		err := e.invoke(ctx, w.ID, snapshot, *snapshot.Rollback, true, e.lockTimeoutFor(w))

		r.mu.Lock()
		if err != nil {
			s.RollbackState = StepError
			s.RollbackError = failureOf(s.ID, err)
			w.RollbackErrors = append(w.RollbackErrors, *s.RollbackError)
			errs = append(errs, errors.Wrap(err, errors.ErrRollback, fmt.Sprintf("rollback of step %s failed", s.ID)))
			e.logger.Error("Workflow %s rollback of step %s (%s) failed: %v", w.ID, s.ID, s.Rollback.Name, err)
		} else {
			s.RollbackState = StepSuccess
			e.logger.Debug("Workflow %s rolled back step %s", w.ID, s.ID)
		}
		e.save(ctx, r)
		r.mu.Unlock()
		e.metrics.Rollback(err == nil)
	}
	return errors.Aggregate(errors.ErrRollback, "workflow "+w.ID+" rollback failed", errs)
}

func (e *Engine) persist(ctx context.Context, w *Workflow) error {
	w.UpdatedAt = time.Now().UTC()
	err := e.records.Save(context.WithoutCancel(ctx), w)
	if err != nil {
		e.logger.Error("Workflow %s could not be persisted: %v", w.ID, err)
	}
	return err
}

// save persists the live record of r. A record that outgrew the size bound
// fails a running workflow and ends up on its Result. Callers hold the run
// lock.
func (e *Engine) save(ctx context.Context, r *run) {
	err := e.persist(ctx, r.wf)
	if err == nil || errors.GetCode(err) != errors.ErrRecordTooLarge {
		return
	}
	if r.persistErr == nil {
		r.persistErr = err
	}
	if r.wf.State == StateRunning {
		r.failLocked("", err)
	}
}

// CompleteStep reports the outcome of a step whose operation deferred its
// completion. It may arrive before or after the operation returned.
func (e *Engine) CompleteStep(workflowID, stepID string, stepErr error) error {
	r, ok := e.active(workflowID)
	if !ok {
		return errors.Newf(errors.ErrNotFound, "workflow %s is not executing", workflowID)
	}
	r.mu.Lock()
	s, ok := r.wf.Step(stepID)
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.ErrNotFound, "step %s not found in workflow %s", stepID, workflowID)
	}
	if s.State != StepRunning {
		r.mu.Unlock()
		if s.State.Terminal() {
			return errors.StepTerminal(stepID, string(s.State), completionState(stepErr))
		}
		return errors.Newf(errors.ErrWorkflowState, "step %s is %s", stepID, s.State)
	}
	if !r.deferred[stepID] {
		if _, dup := r.early[stepID]; dup {
			r.mu.Unlock()
			return errors.Newf(errors.ErrWorkflowState, "step %s was already completed", stepID)
		}
		r.early[stepID] = stepErr
		r.mu.Unlock()
		return nil
	}
	delete(r.deferred, stepID)
	r.mu.Unlock()

	select {
	case r.events <- stepEvent{stepID: stepID, err: stepErr}:
		return nil
	case <-r.done:
		return errors.Newf(errors.ErrWorkflowState, "workflow %s finished before step %s completed", workflowID, stepID)
	}
}

func completionState(err error) string {
	if err != nil {
		return string(StepError)
	}
	return string(StepSuccess)
}

// Suspend asks a running workflow to stop dispatching. Execute returns with
// SUSPENDED once the steps in flight have completed.
func (e *Engine) Suspend(workflowID string) error {
	r, ok := e.active(workflowID)
	if !ok {
		return errors.Newf(errors.ErrWorkflowState, "workflow %s is not running", workflowID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wf.State != StateRunning {
		return errors.Newf(errors.ErrWorkflowState, "workflow %s is %s and cannot be suspended", workflowID, r.wf.State)
	}
	r.suspend = true
	r.poke()
	return nil
}

// Resume continues a SUSPENDED workflow from its persisted record
func (e *Engine) Resume(ctx context.Context, workflowID string) Result {
	w, err := e.records.Load(ctx, workflowID)
	if err != nil {
		return Result{WorkflowID: workflowID, Err: err}
	}
	if w.State != StateSuspended {
		return Result{WorkflowID: workflowID, State: w.State,
			Err: errors.Newf(errors.ErrWorkflowState, "workflow %s is %s, not SUSPENDED", workflowID, w.State)}
	}
	return e.execute(ctx, w)
}

// Recover continues a persisted workflow after a restart. Completed steps
// are skipped. Steps left RUNNING are marked failed, because their side
// effects are unknown, which drives the rollback.
func (e *Engine) Recover(ctx context.Context, workflowID string) Result {
	if _, busy := e.active(workflowID); busy {
		return Result{WorkflowID: workflowID,
			Err: errors.Newf(errors.ErrWorkflowState, "workflow %s is already executing", workflowID)}
	}
	w, err := e.records.Load(ctx, workflowID)
	if err != nil {
		return Result{WorkflowID: workflowID, Err: err}
	}
	if w.State.Terminal() {
		res := Result{WorkflowID: w.ID, State: w.State}
		if w.Error != nil {
			res.Err = errors.New(errors.ErrStepExecution, w.Error.Message)
		}
		return res
	}
	if e.interrupt(ctx, w) {
		w.State = StateRollingBack
	}
	e.logger.Info("Recovering workflow %s in state %s", w.ID, w.State)
	return e.execute(ctx, w)
}

// interrupt fails the steps of w left RUNNING and abandons the nested
// workflows they were running. It reports whether any step was failed.
func (e *Engine) interrupt(ctx context.Context, w *Workflow) bool {
	interrupted := false
	for _, s := range w.Steps {
		if s.State != StepRunning {
			continue
		}
		if s.ChildWorkflowID != "" {
			if child, err := e.records.Load(ctx, s.ChildWorkflowID); err == nil {
				e.abandon(ctx, child)
			} else {
				e.logger.Warn("Nested workflow %s of step %s could not be loaded: %v", s.ChildWorkflowID, s.ID, err)
			}
		}
		s.State = StepError
		s.Error = &Failure{Code: errors.ErrStepExecution.String(), Message: "step was running when the workflow was interrupted", Step: s.ID}
		s.CompletedAt = time.Now().UTC()
		if w.Error == nil {
			w.Error = s.Error
		}
		interrupted = true
	}
	return interrupted
}

// abandon settles a nested workflow whose parent step will not complete:
// whatever it finished is rolled back and it ends in ERROR.
func (e *Engine) abandon(ctx context.Context, w *Workflow) Result {
	switch w.State {
	case StateError:
		return Result{WorkflowID: w.ID, State: w.State}
	case StateCreated:
		w.State = StateError
		w.Error = &Failure{Code: errors.ErrCancelled.String(), Message: "parent workflow was interrupted"}
		e.persist(ctx, w)
		return Result{WorkflowID: w.ID, State: w.State}
	}
	e.interrupt(ctx, w)
	if w.Error == nil {
		w.Error = &Failure{Code: errors.ErrCancelled.String(), Message: "parent workflow was interrupted"}
	}
	w.State = StateRollingBack
	return e.execute(ctx, w)
}

// Get returns a copy of the workflow, live if it is executing
func (e *Engine) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	if r, ok := e.active(workflowID); ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.wf.Clone(), nil
	}
	return e.records.Load(ctx, workflowID)
}

// List summarizes the persisted workflows
func (e *Engine) List(ctx context.Context) ([]Summary, error) {
	return e.records.List(ctx)
}
