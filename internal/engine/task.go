package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// runTask executes one started task to a terminal status, retrying failed
// attempts sequentially. It never panics and always reports a result.
func (o *Orchestrator) runTask(r *executionRun, t *schema.Task) (res taskResult) {
	res.name = t.Name
	ctx := logging.WithTask(r.ctx, t.Name)
	log := logging.LogWith(ctx, o.logger)
	// Outcomes are persisted even when the run context has timed out.
	persist := context.WithoutCancel(ctx)

	defer func() {
		if v := recover(); v != nil {
			log.Error("task panicked", "panic", v)
			res = o.failTask(persist, r, t, schema.TaskRunning, 1,
				schema.NewError(schema.ErrCodeExecution, panicError(v).Error()))
		}
	}()

	maxAttempts := t.RetryPolicy.Attempts()
	from := schema.TaskRunning
	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		if attempt > 1 {
			msg := lastErr.Error()
			if err := o.taskFSM.Transition(persist, r.exec.ID, t.Name, schema.TaskRunning, schema.TaskRetrying,
				store.TaskUpdate{Message: &msg}, map[string]any{"attempt": attempt - 1, "error": msg, "code": schema.ErrorCode(lastErr)}); err != nil {
				return taskResult{name: t.Name, err: err}
			}
			from = schema.TaskRetrying
			o.metrics.TaskRetry(t.Type)
			log.Info("retrying task", "attempt", attempt, "max_attempts", maxAttempts, "error", lastErr)

			if err := WaitForRetry(r.ctx, t.RetryPolicy.Delay(), r.signal); err != nil {
				lastErr = err
				attempt--
				break
			}
			n := attempt
			if err := o.taskFSM.Transition(persist, r.exec.ID, t.Name, schema.TaskRetrying, schema.TaskRunning,
				store.TaskUpdate{Attempts: &n}, map[string]any{"attempt": attempt, "type": t.Type}); err != nil {
				return taskResult{name: t.Name, err: err}
			}
			from = schema.TaskRunning
		}

		result, output, err := o.attempt(ctx, r, t, attempt)
		if err == nil {
			return o.completeTask(persist, r, t, attempt, result, output)
		}
		lastErr = err
		log.Warn("task attempt failed", "attempt", attempt, "error", err)

		if r.signal.Cancelled() || r.ctx.Err() != nil || !IsRetryableError(err) || attempt >= maxAttempts {
			break
		}
	}

	if r.base.Err() != nil {
		return taskResult{name: t.Name, shutdown: true}
	}
	switch {
	case r.signal.Cancelled():
		lastErr = schema.NewError(schema.ErrCodeCancelled, "cancelled")
	case r.ctx.Err() != nil:
		lastErr = schema.NewErrorf(schema.ErrCodeTimeout, "execution timed out: %v", lastErr)
	case attempt > 1 && attempt >= maxAttempts && IsRetryableError(lastErr):
		lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted, "%d attempts failed: %v", attempt, lastErr).WithCause(lastErr)
	}
	return o.failTask(persist, r, t, from, attempt, lastErr)
}

// attempt runs the per-attempt pipeline: secret and expression resolution,
// circuit breaker check, executor call and output selection.
func (o *Orchestrator) attempt(ctx context.Context, r *executionRun, t *schema.Task, attempt int) (*executors.Result, any, error) {
	_, secretKeys, err := o.evaluator.References(t.Parameters)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := o.resolveSecrets(ctx, r.exec.UserID, secretKeys)
	if err != nil {
		return nil, nil, err
	}
	params, err := o.evaluator.ResolveParameters(t.Parameters, r.scope.Snapshot(resolved))
	if err != nil {
		return nil, nil, err
	}

	before := o.breakers.State(t.Type)
	if err := o.breakers.Allow(t.Type); err != nil {
		o.recordCircuit(ctx, r, t, before, o.breakers.State(t.Type))
		return nil, nil, err
	}
	ex, err := o.executors.Get(t.Type)
	if err != nil {
		return nil, nil, err
	}

	ctx, span := metrics.Tracer().Start(ctx, "task "+t.Name, trace.WithAttributes(
		metrics.AttrUserID.String(r.exec.UserID),
		metrics.AttrWorkflowID.String(r.exec.WorkflowID),
		metrics.AttrExecutionID.String(r.exec.ID),
		metrics.AttrTaskName.String(t.Name),
		metrics.AttrTaskType.String(t.Type),
		metrics.AttrAttempt.Int(attempt),
	))
	var spanErr error
	defer func() { metrics.EndSpan(span, spanErr) }()

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := t.Timeout(); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	started := time.Now()
	result, err := callExecutor(attemptCtx, ex, executors.Request{
		UserID:      r.exec.UserID,
		WorkflowID:  r.exec.WorkflowID,
		ExecutionID: r.exec.ID,
		TaskName:    t.Name,
		Attempt:     attempt,
		Parameters:  params,
		Timeout:     t.Timeout(),
		Signal:      r.signal,
	})
	err = classifyAttemptError(err, attemptCtx, t)
	elapsed := time.Since(started)

	o.breakers.Record(t.Type, !countsAgainstCircuit(err))
	o.recordCircuit(ctx, r, t, before, o.breakers.State(t.Type))

	if err != nil {
		o.metrics.TaskAttempt(t.Type, "failed", elapsed)
		spanErr = err
		return nil, nil, err
	}
	o.metrics.TaskAttempt(t.Type, "completed", elapsed)
	if result == nil {
		result = &executors.Result{}
	}

	output := result.Output
	if t.OutputSelector != "" {
		output, err = o.jq.Select(ctx, t.OutputSelector, output)
		if err != nil {
			if schema.ErrorCode(err) == "" {
				err = schema.NewErrorf(schema.ErrCodeExpression, "output selector: %v", err).WithCause(err)
			}
			spanErr = err
			return nil, nil, err
		}
	}
	return result, output, nil
}

// callExecutor shields the orchestrator from executor panics.
func callExecutor(ctx context.Context, ex executors.Executor, req executors.Request) (res *executors.Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			res, err = nil, schema.NewErrorf(schema.ErrCodeExecution, "executor %s: %v", ex.Type(), panicError(v)).WithTask(req.TaskName)
		}
	}()
	return ex.Execute(ctx, req)
}

// classifyAttemptError turns plain executor errors into FlowErrors.
func classifyAttemptError(err error, attemptCtx context.Context, t *schema.Task) error {
	if err == nil {
		return nil
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.Task == "" {
			fe.Task = t.Name
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "task timed out after %s", t.Timeout()).WithTask(t.Name).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithTask(t.Name).WithCause(err)
}

func (o *Orchestrator) resolveSecrets(ctx context.Context, tenant string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if o.secrets == nil {
		return nil, schema.NewErrorf(schema.ErrCodeSecret, "no secret store configured for %s", strings.Join(keys, ", "))
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, err := o.secrets.ResolveSecret(ctx, tenant, key)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeSecret) {
				return nil, err
			}
			return nil, schema.NewErrorf(schema.ErrCodeSecret, "resolve secret %q: %v", key, err).WithCause(err)
		}
		out[key] = v
	}
	return out, nil
}

func (o *Orchestrator) completeTask(ctx context.Context, r *executionRun, t *schema.Task, attempt int, result *executors.Result, output any) taskResult {
	raw, err := json.Marshal(output)
	if err != nil {
		return o.failTask(ctx, r, t, schema.TaskRunning, attempt,
			schema.NewErrorf(schema.ErrCodeExecution, "output is not JSON serialisable: %v", err).WithTask(t.Name))
	}

	if err := o.saveArtifacts(ctx, r, t, attempt, result); err != nil {
		return taskResult{name: t.Name, err: err}
	}

	n := attempt
	if err := o.taskFSM.Transition(ctx, r.exec.ID, t.Name, schema.TaskRunning, schema.TaskCompleted,
		store.TaskUpdate{Attempts: &n, Output: raw}, map[string]any{"attempt": attempt}); err != nil {
		return taskResult{name: t.Name, err: err}
	}
	return taskResult{name: t.Name, status: schema.TaskCompleted, output: output}
}

func (o *Orchestrator) saveArtifacts(ctx context.Context, r *executionRun, t *schema.Task, attempt int, result *executors.Result) error {
	if len(result.Logs) > 0 {
		if err := o.store.AppendArtifact(ctx, &store.Artifact{
			ExecutionID: r.exec.ID,
			TaskName:    t.Name,
			Kind:        store.ArtifactKindLog,
			Name:        fmt.Sprintf("attempt-%d.log", attempt),
			ContentType: "text/plain",
			Data:        []byte(strings.Join(result.Logs, "\n")),
		}); err != nil {
			return wrapStoreError("save task log", err)
		}
	}
	for _, a := range result.Artifacts {
		if err := o.store.AppendArtifact(ctx, &store.Artifact{
			ExecutionID: r.exec.ID,
			TaskName:    t.Name,
			Kind:        store.ArtifactKindArtifact,
			Name:        a.Name,
			ContentType: a.ContentType,
			Data:        a.Data,
		}); err != nil {
			return wrapStoreError("save artifact", err)
		}
	}
	return nil
}

func (o *Orchestrator) failTask(ctx context.Context, r *executionRun, t *schema.Task, from schema.TaskStatus, attempt int, cause error) taskResult {
	msg := cause.Error()
	if schema.HasCode(cause, schema.ErrCodeCancelled) {
		msg = "cancelled"
	}
	n := attempt
	if err := o.taskFSM.Transition(ctx, r.exec.ID, t.Name, from, schema.TaskFailed,
		store.TaskUpdate{Attempts: &n, Message: &msg},
		map[string]any{"attempts": attempt, "error": cause.Error(), "code": schema.ErrorCode(cause)}); err != nil {
		return taskResult{name: t.Name, err: err}
	}
	return taskResult{name: t.Name, status: schema.TaskFailed, message: msg}
}

func (o *Orchestrator) recordCircuit(ctx context.Context, r *executionRun, t *schema.Task, before, after CircuitState) {
	if before == after {
		return
	}
	var eventType string
	switch after {
	case CircuitOpen:
		eventType = schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		eventType = schema.EventCircuitBreakerHalfOpen
	default:
		eventType = schema.EventCircuitBreakerClosed
	}
	if _, err := o.events.Record(context.WithoutCancel(ctx), r.exec.ID, t.Name, eventType,
		map[string]any{"type": t.Type, "from": before.String(), "to": after.String()}); err != nil {
		logging.LogWith(ctx, o.logger).Warn("record circuit event failed", "error", err)
	}
}
