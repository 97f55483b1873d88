package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/taskflow/internal/approval"
	"github.com/rendis/taskflow/internal/cancellation"
	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/graph"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// executionRun is the coordinator state of one active execution. Everything
// except results and the scope builder is owned by the coordinator goroutine.
type executionRun struct {
	exec   *store.Execution
	def    *schema.WorkflowDefinition
	graph  *graph.Graph
	names  []string // task names, sorted
	comps  map[string][]string
	states map[string]*store.TaskExecution
	scope  *expressions.ScopeBuilder
	signal *cancellation.Signal

	base context.Context // process context; done on shutdown
	ctx  context.Context // base plus the workflow deadline

	pool    *WorkerPool
	results chan taskResult
	running int
	waiting map[string]bool
	log     *slog.Logger
}

type taskResult struct {
	name     string
	status   schema.TaskStatus
	output   any
	message  string
	err      error // infrastructure failure while persisting the outcome
	shutdown bool
}

// drive runs the scheduling loop of exec until it reaches a terminal status
// or pauses. It returns the final status and, when paused, the tasks waiting
// for approval.
func (o *Orchestrator) drive(ctx context.Context, exec *store.Execution, signal *cancellation.Signal) (schema.ExecutionStatus, []string, error) {
	wf, err := o.store.GetWorkflow(ctx, exec.WorkflowID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return o.finish(ctx, exec, schema.ExecutionFailed, schema.ErrCodeNotFound, "workflow no longer exists")
	}
	if err != nil {
		return "", nil, wrapStoreError("load workflow", err)
	}
	g, err := graph.Build(wf.Definition.Tasks)
	if err != nil {
		return o.finish(ctx, exec, schema.ExecutionFailed, schema.ErrorCode(err), err.Error())
	}

	tasks, err := o.store.ListTaskExecutions(ctx, exec.ID)
	if err != nil {
		return "", nil, wrapStoreError("list tasks", err)
	}
	states := make(map[string]*store.TaskExecution, len(tasks))
	for _, te := range tasks {
		states[te.TaskName] = te
	}
	names := make([]string, 0, len(g.Tasks))
	for name := range g.Tasks {
		if _, ok := states[name]; !ok {
			return o.finish(ctx, exec, schema.ExecutionFailed, schema.ErrCodeValidation,
				fmt.Sprintf("workflow changed since the execution started: task %s has no record", name))
		}
		names = append(names, name)
	}
	sort.Strings(names)

	scope := expressions.NewScopeBuilder(exec.Variables)
	for _, name := range names {
		te := states[name]
		if te.Status == schema.TaskCompleted {
			if err := scope.AddRawOutput(name, te.Output); err != nil {
				return "", nil, err
			}
		}
	}

	runCtx, cancel := o.deadline(ctx, exec, &wf.Definition)
	defer cancel()

	dop := wf.Definition.Configuration.Parallelism()
	r := &executionRun{
		exec:    exec,
		def:     &wf.Definition,
		graph:   g,
		names:   names,
		comps:   wf.Definition.Compensators(),
		states:  states,
		scope:   scope,
		signal:  signal,
		base:    ctx,
		ctx:     runCtx,
		pool:    NewWorkerPool(dop),
		results: make(chan taskResult, len(names)),
		waiting: make(map[string]bool),
		log:     logging.LogWith(ctx, o.logger),
	}
	r.pool.OnPanic(func(v any) {
		r.log.Error("task goroutine panicked", "panic", v)
	})
	defer r.pool.Shutdown()

	return o.loop(r)
}

// deadline derives the run context from the workflow timeout, measured from
// the execution's first start so that pauses and restarts do not extend it.
func (o *Orchestrator) deadline(ctx context.Context, exec *store.Execution, def *schema.WorkflowDefinition) (context.Context, context.CancelFunc) {
	timeout := def.Configuration.Timeout()
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	start := time.Now()
	if exec.ExecutionStart != nil {
		start = *exec.ExecutionStart
	}
	return context.WithDeadline(ctx, start.Add(timeout))
}

func (o *Orchestrator) loop(r *executionRun) (schema.ExecutionStatus, []string, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	signalDone := r.signal.Done()
	runDone := r.ctx.Done()
	var fatal error

	for {
		stopping := fatal != nil || r.base.Err() != nil || r.signal.Cancelled() || r.ctx.Err() != nil
		if !stopping {
			if err := o.schedule(r); err != nil {
				fatal = err
				continue
			}
		}

		if r.running == 0 {
			return o.conclude(r, fatal)
		}

		select {
		case res := <-r.results:
			r.running--
			o.apply(r, res, &fatal)
		case <-signalDone:
			signalDone = nil
			r.log.Info("cancellation observed", "reason", r.signal.Reason(), "in_flight", r.running)
		case <-runDone:
			runDone = nil
		case <-ticker.C:
		}
	}
}

// schedule settles blocked tasks and starts ready ones until neither changes
// anything. Starting a task can fail or skip it without running it, which in
// turn can block dependents or make a compensator ready.
func (o *Orchestrator) schedule(r *executionRun) error {
	for {
		if err := o.settle(r); err != nil {
			return err
		}
		if r.def.Configuration.FailFast() && r.uncompensatedFailure() != "" {
			return nil
		}
		changed, err := o.startReady(r)
		if err != nil || !changed {
			return err
		}
	}
}

// apply folds a task outcome into the coordinator state.
func (o *Orchestrator) apply(r *executionRun, res taskResult, fatal *error) {
	switch {
	case res.shutdown:
		return
	case res.err != nil:
		if *fatal == nil {
			*fatal = res.err
		}
		return
	}
	r.states[res.name].Status = res.status
	r.states[res.name].Message = res.message
	if res.status == schema.TaskCompleted {
		if err := r.scope.AddOutput(res.name, res.output); err != nil && *fatal == nil {
			*fatal = err
		}
	}
}

// conclude decides the outcome once nothing is in flight.
func (o *Orchestrator) conclude(r *executionRun, fatal error) (schema.ExecutionStatus, []string, error) {
	ctx := r.base
	switch {
	case ctx.Err() != nil:
		return "", nil, errShutdown
	case fatal != nil:
		return "", nil, fatal
	case r.signal.Cancelled():
		if err := o.skipPending(r, "execution cancelled"); err != nil {
			return "", nil, err
		}
		return o.finish(ctx, r.exec, schema.ExecutionCancelled, schema.ErrCodeCancelled, r.signal.Reason())
	case r.ctx.Err() != nil:
		if err := o.skipPending(r, "execution timed out"); err != nil {
			return "", nil, err
		}
		if _, err := o.events.Record(ctx, r.exec.ID, "", schema.EventExecutionTimedOut,
			map[string]any{"timeout_ms": r.def.Configuration.TimeoutMs}); err != nil {
			r.log.Warn("record timeout event failed", "error", err)
		}
		return o.finish(ctx, r.exec, schema.ExecutionFailed, schema.ErrCodeTimeout,
			fmt.Sprintf("execution exceeded timeout of %s", r.def.Configuration.Timeout()))
	}

	failed := r.uncompensatedFailure()
	if failed != "" && r.def.Configuration.FailFast() {
		if err := o.skipPending(r, "execution failed fast"); err != nil {
			return "", nil, err
		}
		return o.finish(ctx, r.exec, schema.ExecutionFailed, schema.ErrCodeTaskFailed,
			fmt.Sprintf("task %s failed: %s", failed, r.states[failed].Message))
	}

	if len(r.waiting) > 0 {
		waiting := make([]string, 0, len(r.waiting))
		for name := range r.waiting {
			waiting = append(waiting, name)
		}
		sort.Strings(waiting)
		if err := o.execFSM.Transition(ctx, r.exec.ID, schema.ExecutionRunning, schema.ExecutionPaused,
			store.ExecutionUpdate{}, map[string]any{"waiting_for_approval": waiting}); err != nil {
			return "", nil, err
		}
		return schema.ExecutionPaused, waiting, nil
	}

	for _, name := range r.names {
		if !r.states[name].Status.IsTerminal() {
			// Nothing runs, nothing waits, yet a task cannot start.
			return o.finish(ctx, r.exec, schema.ExecutionFailed, schema.ErrCodeTaskFailed,
				fmt.Sprintf("task %s can never become ready", name))
		}
	}
	if failed != "" {
		return o.finish(ctx, r.exec, schema.ExecutionFailed, schema.ErrCodeTaskFailed,
			fmt.Sprintf("task %s failed: %s", failed, r.states[failed].Message))
	}
	return o.finish(ctx, r.exec, schema.ExecutionCompleted, "", "")
}

// finish moves a running execution to a terminal status.
func (o *Orchestrator) finish(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, code, msg string) (schema.ExecutionStatus, []string, error) {
	update := store.ExecutionUpdate{}
	var payload map[string]any
	if to != schema.ExecutionCompleted {
		update.ErrorCode = &code
		update.Error = &msg
		payload = map[string]any{"code": code, "error": msg}
	}
	if err := o.execFSM.Transition(ctx, exec.ID, schema.ExecutionRunning, to, update, payload); err != nil {
		return "", nil, err
	}
	return to, nil, nil
}

// settle skips pending tasks that can no longer run, repeating until nothing
// changes: a task with a failed or skipped dependency, and a compensator
// whose target completed or was skipped.
func (o *Orchestrator) settle(r *executionRun) error {
	for changed := true; changed; {
		changed = false
		for _, name := range r.names {
			st := r.states[name]
			if st.Status != schema.TaskPending {
				continue
			}
			reason := r.blockedReason(r.graph.Tasks[name])
			if reason == "" {
				continue
			}
			if err := o.skip(r, name, reason); err != nil {
				return err
			}
			changed = true
		}
	}
	return nil
}

func (r *executionRun) blockedReason(t *schema.Task) string {
	for _, dep := range t.Dependencies {
		switch s := r.states[dep].Status; s {
		case schema.TaskFailed, schema.TaskSkipped:
			return fmt.Sprintf("dependency %s %s", dep, s)
		}
	}
	if t.IsCompensator() {
		switch s := r.states[t.RunOnFailureOf].Status; s {
		case schema.TaskCompleted, schema.TaskSkipped:
			return fmt.Sprintf("compensated task %s %s", t.RunOnFailureOf, s)
		}
	}
	return ""
}

func (r *executionRun) ready(t *schema.Task) bool {
	if r.states[t.Name].Status != schema.TaskPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if r.states[dep].Status != schema.TaskCompleted {
			return false
		}
	}
	if t.IsCompensator() && r.states[t.RunOnFailureOf].Status != schema.TaskFailed {
		return false
	}
	return true
}

// uncompensatedFailure returns the first failed task (by name) that no
// compensator has made good, or "" when there is none. A failure whose
// compensators are still pending or running is not (yet) uncompensated.
func (r *executionRun) uncompensatedFailure() string {
	for _, name := range r.names {
		if r.states[name].Status != schema.TaskFailed {
			continue
		}
		comps := r.comps[name]
		if len(comps) == 0 {
			return name
		}
		settled, compensated := true, false
		for _, c := range comps {
			switch r.states[c].Status {
			case schema.TaskCompleted:
				compensated = true
			case schema.TaskFailed, schema.TaskSkipped:
			default:
				settled = false
			}
		}
		if settled && !compensated {
			return name
		}
	}
	return ""
}

// startReady starts ready tasks in name order while the parallelism bound
// allows. It reports whether any task left pending, including tasks failed or
// skipped without running.
func (o *Orchestrator) startReady(r *executionRun) (bool, error) {
	changed := false
	for _, name := range r.names {
		if r.running >= r.pool.Size() {
			break
		}
		t := r.graph.Tasks[name]
		if !r.ready(t) {
			continue
		}
		if err := o.startTask(r, t); err != nil {
			return changed, err
		}
		if r.states[name].Status != schema.TaskPending {
			changed = true
		}
	}
	return changed, nil
}

// startTask passes a ready task through its approval gate and condition, then
// hands it to the pool. A task may end up failed or skipped instead.
func (o *Orchestrator) startTask(r *executionRun, t *schema.Task) error {
	ctx := r.base
	name := t.Name
	if t.RequiresApproval() {
		proceed, err := o.consultGate(r, t)
		if err != nil || !proceed {
			return err
		}
	}

	if t.Condition != "" {
		ok, err := o.evaluateCondition(r, t)
		if err != nil {
			msg := err.Error()
			if terr := o.taskFSM.Transition(ctx, r.exec.ID, name, schema.TaskPending, schema.TaskFailed,
				store.TaskUpdate{Message: &msg}, map[string]any{"error": msg, "code": schema.ErrorCode(err)}); terr != nil {
				return terr
			}
			r.states[name].Status = schema.TaskFailed
			r.states[name].Message = msg
			return nil
		}
		if !ok {
			return o.skip(r, name, "condition evaluated to false")
		}
	}

	if t.IsCompensator() {
		if _, err := o.events.Record(ctx, r.exec.ID, name, schema.EventCompensationTriggered,
			map[string]any{"failed_task": t.RunOnFailureOf}); err != nil {
			r.log.Warn("record compensation event failed", "task", name, "error", err)
		}
	}

	attempts := 1
	if err := o.taskFSM.Transition(ctx, r.exec.ID, name, schema.TaskPending, schema.TaskRunning,
		store.TaskUpdate{Attempts: &attempts}, map[string]any{"attempt": 1, "type": t.Type}); err != nil {
		return err
	}
	r.states[name].Status = schema.TaskRunning
	r.running++
	if err := r.pool.Submit(ctx, func(context.Context) error {
		res := o.runTask(r, t)
		r.results <- res
		return res.err
	}); err != nil {
		// Only a shutdown can refuse the submission; recovery resets the
		// task record to pending.
		r.running--
		return errShutdown
	}
	return nil
}

// consultGate reports whether a gated task may start. Tasks without a
// resolved approval are put on the waiting list.
func (o *Orchestrator) consultGate(r *executionRun, t *schema.Task) (bool, error) {
	ctx := r.base
	a, err := o.gate.Lookup(ctx, r.exec.ID, t.Name)
	if err != nil {
		return false, err
	}
	if a == nil {
		_, err := o.gate.RequestApproval(ctx, approval.Request{
			UserID:       r.exec.UserID,
			WorkflowID:   r.exec.WorkflowID,
			ExecutionID:  r.exec.ID,
			TaskName:     t.Name,
			Approvers:    t.ManualApproval.Approvers,
			Instructions: t.ManualApproval.Instructions,
		})
		if err != nil && !schema.HasCode(err, schema.ErrCodeConflict) {
			return false, err
		}
		r.waiting[t.Name] = true
		return false, nil
	}

	switch a.Status {
	case schema.ApprovalApproved:
		delete(r.waiting, t.Name)
		return true, nil
	case schema.ApprovalRejected:
		delete(r.waiting, t.Name)
		msg := "approval rejected"
		if a.Comment != "" {
			msg += ": " + a.Comment
		}
		if err := o.taskFSM.Transition(ctx, r.exec.ID, t.Name, schema.TaskPending, schema.TaskFailed,
			store.TaskUpdate{Message: &msg}, map[string]any{"approval_id": a.ID, "resolved_by": a.ResolvedBy}); err != nil {
			return false, err
		}
		r.states[t.Name].Status = schema.TaskFailed
		r.states[t.Name].Message = msg
		return false, nil
	default:
		r.waiting[t.Name] = true
		return false, nil
	}
}

func (o *Orchestrator) evaluateCondition(r *executionRun, t *schema.Task) (bool, error) {
	scope := r.scope.Snapshot(nil)
	ok, err := o.cel.EvaluateBool(r.base, t.Condition, map[string]any{
		"outputs":   scope.Outputs,
		"variables": scope.Variables,
		"execution": map[string]any{
			"id":          r.exec.ID,
			"user_id":     r.exec.UserID,
			"workflow_id": r.exec.WorkflowID,
			"attempt":     1,
		},
	})
	payload := map[string]any{"condition": t.Condition, "result": ok}
	if err != nil {
		payload["error"] = err.Error()
	}
	if _, rerr := o.events.Record(r.base, r.exec.ID, t.Name, schema.EventConditionEvaluated, payload); rerr != nil {
		r.log.Warn("record condition event failed", "task", t.Name, "error", rerr)
	}
	return ok, err
}

func (o *Orchestrator) skip(r *executionRun, name, reason string) error {
	if err := o.taskFSM.Transition(r.base, r.exec.ID, name, schema.TaskPending, schema.TaskSkipped,
		store.TaskUpdate{Message: &reason}, map[string]any{"reason": reason}); err != nil {
		return err
	}
	r.states[name].Status = schema.TaskSkipped
	r.states[name].Message = reason
	delete(r.waiting, name)
	return nil
}

// skipPending skips every task that never started.
func (o *Orchestrator) skipPending(r *executionRun, reason string) error {
	for _, name := range r.names {
		if r.states[name].Status == schema.TaskPending {
			if err := o.skip(r, name, reason); err != nil {
				return err
			}
		}
	}
	return nil
}
