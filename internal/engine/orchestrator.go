// Package engine drives workflow executions: it takes executions off the
// queue, schedules their tasks under the workflow's degree of parallelism,
// retries and compensates failed tasks, and persists every state change
// through compare-and-set transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/taskflow/internal/approval"
	"github.com/rendis/taskflow/internal/cancellation"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/queue"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultApprovalPollInterval is how often a running execution re-checks the
// approvals its tasks wait on while other tasks are still in flight.
const DefaultApprovalPollInterval = time.Second

// DefaultLeaseRenewInterval is how often a coordinator renews the queue entry
// of the execution it drives. It must stay below the queue's visibility
// timeout.
const DefaultLeaseRenewInterval = 30 * time.Second

// Config wires the orchestrator's collaborators. Store, Queue and Executors
// are required; everything else has a default.
type Config struct {
	Store         store.Store
	Queue         queue.Queue
	Executors     *executors.Registry
	Gate          *approval.Gate         // nil = gate over Store resuming through the queue
	Resumer       approval.Resumer       // nil = QueueResumer
	Cancellations *cancellation.Registry // nil = private registry
	Secrets       secrets.Resolver       // nil = Secrets('...') references fail with SECRET_ERROR
	Notifier      notify.Notifier
	Metrics       *metrics.Metrics
	Logger        *slog.Logger

	CircuitBreaker       *CircuitBreakerConfig // nil = defaults
	ApprovalPollInterval time.Duration
	LeaseRenewInterval   time.Duration
}

// StartOptions customise a new execution.
type StartOptions struct {
	// Variables override the workflow's default variables.
	Variables map[string]any
	TriggerID string
}

// Orchestrator runs executions delivered by the queue. One Orchestrator may
// process many executions concurrently; each execution is driven by a single
// coordinator goroutine.
type Orchestrator struct {
	store         store.Store
	queue         queue.Queue
	executors     *executors.Registry
	gate          *approval.Gate
	resumer       approval.Resumer
	cancellations *cancellation.Registry
	secrets       secrets.Resolver
	notifier      notify.Notifier
	metrics       *metrics.Metrics
	logger        *slog.Logger

	events    *store.EventLog
	execFSM   *ExecutionFSM
	taskFSM   *TaskFSM
	breakers  *CircuitBreakers
	evaluator *expressions.Evaluator
	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine

	pollInterval  time.Duration
	leaseInterval time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Executors == nil {
		return nil, errors.New("engine: store, queue and executors are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Cancellations == nil {
		cfg.Cancellations = cancellation.NewRegistry()
	}
	if cfg.Resumer == nil {
		cfg.Resumer = NewQueueResumer(cfg.Store, cfg.Queue, cfg.Metrics)
	}
	if cfg.Gate == nil {
		cfg.Gate = approval.NewGate(approval.Config{
			Store:    cfg.Store,
			Resumer:  cfg.Resumer,
			Notifier: cfg.Notifier,
			Metrics:  cfg.Metrics,
			Logger:   cfg.Logger,
		})
	}
	if cfg.ApprovalPollInterval <= 0 {
		cfg.ApprovalPollInterval = DefaultApprovalPollInterval
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = DefaultLeaseRenewInterval
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("engine: create CEL engine: %w", err)
	}

	events := store.NewEventLog(cfg.Store)
	o := &Orchestrator{
		store:         cfg.Store,
		queue:         cfg.Queue,
		executors:     cfg.Executors,
		gate:          cfg.Gate,
		resumer:       cfg.Resumer,
		cancellations: cfg.Cancellations,
		secrets:       cfg.Secrets,
		notifier:      cfg.Notifier,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		events:        events,
		execFSM:       NewExecutionFSM(cfg.Store, events, cfg.Logger),
		taskFSM:       NewTaskFSM(cfg.Store, events, cfg.Logger),
		breakers:      NewCircuitBreakers(cbConfig),
		evaluator:     expressions.NewEvaluator(),
		cel:           cel,
		jq:            expressions.NewGoJQEngine(),
		pollInterval:  cfg.ApprovalPollInterval,
		leaseInterval: cfg.LeaseRenewInterval,
		active:        make(map[string]struct{}),
	}
	o.breakers.OnStateChange(o.circuitChanged)
	for from, targets := range ValidExecutionTransitions {
		for _, to := range targets {
			if to.IsTerminal() {
				o.execFSM.OnAfter(from, to, o.notifyFinished)
			}
		}
	}
	return o, nil
}

// Cancellations returns the registry of executions active in this process.
func (o *Orchestrator) Cancellations() *cancellation.Registry {
	return o.cancellations
}

// Gate returns the approval gate used for manual approvals.
func (o *Orchestrator) Gate() *approval.Gate {
	return o.gate
}

// Resumer returns the resumer paused executions are re-driven through.
func (o *Orchestrator) Resumer() approval.Resumer {
	return o.resumer
}

// Metrics returns the collectors the orchestrator reports to; may be nil.
func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}

// Breakers returns the per-executor-type circuit breakers.
func (o *Orchestrator) Breakers() *CircuitBreakers {
	return o.breakers
}

// Start creates a pending execution of wf and queues it. The execution is
// returned even when queueing fails; the startup sweep queues it later.
func (o *Orchestrator) Start(ctx context.Context, wf *store.Workflow, opts StartOptions) (*store.Execution, error) {
	vars := make(map[string]any, len(wf.Definition.Variables)+len(opts.Variables))
	maps.Copy(vars, wf.Definition.Variables)
	maps.Copy(vars, opts.Variables)

	exec := &store.Execution{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		UserID:          wf.UserID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionPending,
		Variables:       vars,
		TriggerID:       opts.TriggerID,
	}
	tasks := make([]*store.TaskExecution, 0, len(wf.Definition.Tasks))
	for _, t := range wf.Definition.Tasks {
		tasks = append(tasks, &store.TaskExecution{
			ExecutionID: exec.ID,
			TaskName:    t.Name,
			Status:      schema.TaskPending,
		})
	}
	if err := o.store.CreateExecution(ctx, exec, tasks); err != nil {
		return nil, wrapStoreError("create execution", err)
	}

	ctx = logging.WithExecution(ctx, exec.UserID, exec.WorkflowID, exec.ID)
	if _, err := o.events.Record(ctx, exec.ID, "", schema.EventExecutionCreated, map[string]any{
		"workflow_version": exec.WorkflowVersion,
		"trigger_id":       exec.TriggerID,
	}); err != nil {
		logging.LogWith(ctx, o.logger).Warn("record creation event failed", "error", err)
	}

	if err := o.queue.Enqueue(ctx, queue.Entry{
		UserID:      exec.UserID,
		WorkflowID:  exec.WorkflowID,
		ExecutionID: exec.ID,
	}); err != nil {
		return exec, err
	}
	o.metrics.Enqueued()
	logging.LogWith(ctx, o.logger).Info("execution queued", "workflow_version", exec.WorkflowVersion)
	return exec, nil
}

// errShutdown marks a run abandoned because the process is stopping. The
// queue entry stays in flight and is recovered on the next start.
var errShutdown = errors.New("engine shutting down")

// Process drives the execution named by e until it finishes or pauses, then
// acknowledges the entry. An error leaves the entry unacknowledged so that
// queue recovery delivers it again.
func (o *Orchestrator) Process(ctx context.Context, e queue.Entry) error {
	ctx = logging.WithExecution(ctx, e.UserID, e.WorkflowID, e.ExecutionID)
	log := logging.LogWith(ctx, o.logger)

	exec, err := o.store.GetExecution(ctx, e.ExecutionID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		o.ack(ctx, e.ExecutionID, "execution not found")
		return nil
	}
	if err != nil {
		return wrapStoreError("load execution", err)
	}
	if exec.UserID != e.UserID || exec.WorkflowID != e.WorkflowID {
		o.ack(ctx, e.ExecutionID, "queue entry does not match execution owner")
		return nil
	}
	if exec.Status.IsTerminal() {
		o.ack(ctx, exec.ID, "")
		return nil
	}

	if !o.claim(exec.ID) {
		log.Debug("execution already active in this process")
		o.ack(ctx, exec.ID, "")
		return nil
	}
	key := cancellation.Key{UserID: exec.UserID, WorkflowID: exec.WorkflowID, ExecutionID: exec.ID}
	signal := o.cancellations.Register(key)

	spanCtx, span := metrics.Tracer().Start(ctx, "execution", trace.WithAttributes(
		metrics.AttrUserID.String(exec.UserID),
		metrics.AttrWorkflowID.String(exec.WorkflowID),
		metrics.AttrExecutionID.String(exec.ID),
	))
	stopRenew := o.renewLease(ctx, exec.ID)
	status, waiting, runErr := o.activate(spanCtx, exec, signal)
	stopRenew()
	metrics.EndSpan(span, runErr)

	o.cancellations.Remove(key, signal)
	o.release(exec.ID)

	switch {
	case errors.Is(runErr, errShutdown):
		log.Info("execution interrupted by shutdown")
		return nil
	case schema.HasCode(runErr, schema.ErrCodeConflict):
		// Another writer (a cancel, another worker) owns the execution now.
		log.Info("execution changed concurrently", "error", runErr)
		o.ack(ctx, exec.ID, "")
		return nil
	case runErr != nil:
		log.Error("execution run aborted", "error", runErr)
		return runErr
	}

	o.ack(ctx, exec.ID, "")
	if status == schema.ExecutionPaused {
		o.recheckApprovals(ctx, exec, waiting)
	}
	return nil
}

// renewLease keeps the execution's queue entry in flight until the returned
// stop function is called, so that queue recovery in another process does not
// hand a live execution to a second coordinator.
func (o *Orchestrator) renewLease(ctx context.Context, executionID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.leaseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.queue.Extend(ctx, executionID); err != nil && ctx.Err() == nil {
					logging.LogWith(ctx, o.logger).Warn("queue lease renewal failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// activate moves exec into running and drives it.
func (o *Orchestrator) activate(ctx context.Context, exec *store.Execution, signal *cancellation.Signal) (schema.ExecutionStatus, []string, error) {
	log := logging.LogWith(ctx, o.logger)
	mode := "start"
	switch exec.Status {
	case schema.ExecutionPending:
		if err := o.execFSM.Transition(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning, store.ExecutionUpdate{}, nil); err != nil {
			return "", nil, err
		}
		now := time.Now().UTC()
		exec.ExecutionStart = &now
	case schema.ExecutionPaused:
		mode = "resume"
		if err := o.execFSM.Transition(ctx, exec.ID, schema.ExecutionPaused, schema.ExecutionRunning, store.ExecutionUpdate{}, nil); err != nil {
			return "", nil, err
		}
	case schema.ExecutionRunning:
		mode = "recover"
		n, err := o.store.ResetInFlightTasks(ctx, exec.ID)
		if err != nil {
			return "", nil, wrapStoreError("reset in-flight tasks", err)
		}
		if _, err := o.events.Record(ctx, exec.ID, "", schema.EventExecutionRecovered, map[string]any{"reset_tasks": n}); err != nil {
			log.Warn("record recovery event failed", "error", err)
		}
		log.Info("recovering orphaned execution", "reset_tasks", n)
	}
	exec.Status = schema.ExecutionRunning

	started := time.Now()
	o.metrics.ExecutionStarted(mode)
	log.Info("execution running", "mode", mode)

	status, waiting, err := o.drive(ctx, exec, signal)
	if err == nil {
		o.metrics.ExecutionStopped(string(status), time.Since(started))
		log.Info("execution stopped", "status", status, "elapsed", time.Since(started))
	} else {
		o.metrics.ExecutionStopped("interrupted", time.Since(started))
	}
	return status, waiting, err
}

// recheckApprovals closes the window between persisting paused and acking the
// entry: an approval resolved in that window could not enqueue the execution.
func (o *Orchestrator) recheckApprovals(ctx context.Context, exec *store.Execution, waiting []string) {
	for _, name := range waiting {
		a, err := o.gate.Lookup(ctx, exec.ID, name)
		if err != nil || a == nil || a.Status == schema.ApprovalPending {
			continue
		}
		if err := o.resumer.ResumeExecution(ctx, exec.UserID, exec.WorkflowID, exec.ID); err != nil &&
			!schema.HasCode(err, schema.ErrCodeInvalidTransition) {
			logging.LogWith(ctx, o.logger).Warn("resume after pause failed", "error", err)
		}
		return
	}
}

// Cancel stops an execution. Executions active in this process are signalled
// and finish cooperatively; pending, paused and orphaned ones are cancelled
// directly. Cancelling a cancelled execution is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, userID, workflowID, executionID, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}
	key := cancellation.Key{UserID: userID, WorkflowID: workflowID, ExecutionID: executionID}
	ctx = logging.WithExecution(ctx, userID, workflowID, executionID)

	const maxRounds = 3
	for round := 0; ; round++ {
		exec, err := loadOwnedExecution(ctx, o.store, userID, workflowID, executionID)
		if err != nil {
			return err
		}
		switch exec.Status {
		case schema.ExecutionCancelled:
			return nil
		case schema.ExecutionCompleted, schema.ExecutionFailed:
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %s is already %s", exec.ID, exec.Status).
				WithDetails(map[string]any{"execution_id": exec.ID, "status": string(exec.Status)})
		}

		if o.cancellations.Cancel(key, reason) {
			logging.LogWith(ctx, o.logger).Info("cancellation signalled", "reason", reason)
			return nil
		}

		err = o.cancelInactive(ctx, exec, reason)
		if !schema.HasCode(err, schema.ErrCodeConflict) || round >= maxRounds {
			return err
		}
	}
}

// cancelInactive cancels an execution no coordinator in this process drives.
func (o *Orchestrator) cancelInactive(ctx context.Context, exec *store.Execution, reason string) error {
	msg := reason
	if err := o.execFSM.Transition(ctx, exec.ID, exec.Status, schema.ExecutionCancelled,
		store.ExecutionUpdate{Error: &msg}, map[string]any{"reason": reason}); err != nil {
		return err
	}
	if err := o.queue.MarkCompleted(ctx, exec.ID); err != nil &&
		!schema.HasCode(err, schema.ErrCodeNotFound) && !schema.HasCode(err, schema.ErrCodeConflict) {
		logging.LogWith(ctx, o.logger).Warn("ack cancelled execution failed", "error", err)
	}

	tasks, err := o.store.ListTaskExecutions(ctx, exec.ID)
	if err != nil {
		return wrapStoreError("list tasks", err)
	}
	for _, te := range tasks {
		var err error
		switch te.Status {
		case schema.TaskPending:
			err = o.taskFSM.Transition(ctx, exec.ID, te.TaskName, te.Status, schema.TaskSkipped,
				store.TaskUpdate{Message: &msg}, map[string]any{"reason": reason})
		case schema.TaskRunning, schema.TaskRetrying:
			cancelled := "cancelled"
			err = o.taskFSM.Transition(ctx, exec.ID, te.TaskName, te.Status, schema.TaskFailed,
				store.TaskUpdate{Message: &cancelled}, map[string]any{"reason": reason})
		}
		if err != nil && !schema.HasCode(err, schema.ErrCodeConflict) {
			return err
		}
	}
	logging.LogWith(ctx, o.logger).Info("execution cancelled", "reason", reason)
	return nil
}

// RecoverOrphans returns unacknowledged queue entries to the queue and
// re-queues pending or running executions that have no open entry, which is
// the case after a restart with a non-durable queue. Paused executions are
// re-queued when one of their approvals was decided. It returns the number of
// executions queued again.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) (int, error) {
	n, err := o.queue.Recover(ctx)
	if err != nil {
		return 0, err
	}
	o.metrics.Recovered(n)

	requeued := 0
	for _, status := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionPaused} {
		execs, err := o.store.ListExecutions(ctx, store.ExecutionFilter{Status: &status})
		if err != nil {
			return n + requeued, wrapStoreError("list executions", err)
		}
		for _, exec := range execs {
			if o.isActive(exec.ID) {
				continue
			}
			if status == schema.ExecutionPaused {
				resolved, err := o.approvalResolved(ctx, exec.ID)
				if err != nil {
					return n + requeued, err
				}
				if !resolved {
					continue
				}
			}
			if err := o.queue.Enqueue(ctx, queue.Entry{
				UserID:      exec.UserID,
				WorkflowID:  exec.WorkflowID,
				ExecutionID: exec.ID,
			}); err != nil {
				return n + requeued, err
			}
			requeued++
		}
	}
	if n+requeued > 0 {
		o.logger.InfoContext(ctx, "recovered executions", "redelivered", n, "requeued", requeued)
	}
	return n + requeued, nil
}

// approvalResolved reports whether a task of a paused execution is still
// pending although its latest approval has been decided. That happens when
// the process resolving the approval stopped before re-queueing.
func (o *Orchestrator) approvalResolved(ctx context.Context, executionID string) (bool, error) {
	tasks, err := o.store.ListTaskExecutions(ctx, executionID)
	if err != nil {
		return false, wrapStoreError("list task executions", err)
	}
	for _, te := range tasks {
		if te.Status != schema.TaskPending {
			continue
		}
		a, err := o.gate.Lookup(ctx, executionID, te.TaskName)
		if err != nil {
			return false, err
		}
		if a != nil && a.Status != schema.ApprovalPending {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[id]; ok {
		return false
	}
	o.active[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

func (o *Orchestrator) isActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}

// ack acknowledges the queue entry of an execution; a non-empty reason marks
// it failed. Repeated or late acks are ignored.
func (o *Orchestrator) ack(ctx context.Context, executionID, reason string) {
	var err error
	outcome := "completed"
	if reason == "" {
		err = o.queue.MarkCompleted(ctx, executionID)
	} else {
		outcome = "failed"
		err = o.queue.MarkFailed(ctx, executionID, reason)
	}
	if err != nil {
		logging.LogWith(ctx, o.logger).Warn("queue ack failed", "outcome", outcome, "error", err)
		return
	}
	o.metrics.Acked(outcome)
}

// notifyFinished is the after-hook for terminal execution transitions.
func (o *Orchestrator) notifyFinished(ctx context.Context, executionID, _, to string) error {
	n := notify.Notification{
		Kind:        notify.KindExecutionFinished,
		UserID:      logging.UserID(ctx),
		WorkflowID:  logging.WorkflowID(ctx),
		ExecutionID: executionID,
		Status:      to,
		Timestamp:   time.Now().UTC(),
	}
	if exec, err := o.store.GetExecution(ctx, executionID); err == nil {
		n.UserID, n.WorkflowID, n.Error = exec.UserID, exec.WorkflowID, exec.Error
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		logging.LogWith(ctx, o.logger).Warn("notify execution finished failed", "error", err)
	}
	return nil
}

func (o *Orchestrator) circuitChanged(taskType string, from, to CircuitState) {
	o.metrics.CircuitState(taskType, int(to))
	o.logger.Warn("circuit breaker state changed", "type", taskType, "from", from.String(), "to", to.String())
}
