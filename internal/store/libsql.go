package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/taskflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB. The SQL queue shares it.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, storeMigrations)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

// SaveWorkflow registers wf. When the user already owns a workflow with the
// same name, the stored definition is replaced, the version bumped and wf.ID,
// wf.Version and wf.CreatedAt are set from the existing row.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var (
		existingID string
		version    int
		createdAt  time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, version, created_at FROM workflows WHERE user_id = ? AND name = ?`,
		wf.UserID, wf.Name,
	).Scan(&existingID, &version, &createdAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		wf.Version = 1
		wf.CreatedAt = timeOrNow(wf.CreatedAt)
		wf.UpdatedAt = wf.CreatedAt
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflows (id, user_id, name, description, definition, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			wf.ID, wf.UserID, wf.Name, nullStr(wf.Description), string(def), wf.Version, wf.CreatedAt, wf.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup workflow: %w", err)
	default:
		wf.ID = existingID
		wf.Version = version + 1
		wf.CreatedAt = createdAt
		wf.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET description = ?, definition = ?, version = ?, updated_at = ? WHERE id = ?`,
			nullStr(wf.Description), string(def), wf.Version, now, wf.ID,
		); err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
	}
	return tx.Commit()
}

const workflowColumns = `id, user_id, name, description, definition, version, created_at, updated_at`

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows` + whereClause(where) + ` ORDER BY created_at DESC` +
		limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		description sql.NullString
		defJSON     string
	)
	if err := sc.Scan(&wf.ID, &wf.UserID, &wf.Name, &description, &defJSON, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = description.String
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Executions ---

// CreateExecution inserts the execution and its task records atomically.
func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution, tasks []*TaskExecution) error {
	vars, err := marshalMapOrDefault(exec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	exec.Version = 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, user_id, workflow_version, status, variables, trigger_id, created_at, updated_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.UserID, exec.WorkflowVersion, string(exec.Status), string(vars),
		nullStr(exec.TriggerID), exec.CreatedAt, exec.UpdatedAt, exec.Version,
	); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	for _, t := range tasks {
		if t.Status == "" {
			t.Status = schema.TaskPending
		}
		t.ExecutionID = exec.ID
		t.UpdatedAt = exec.CreatedAt
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_executions (execution_id, task_name, status, attempts, updated_at) VALUES (?, ?, ?, ?, ?)`,
			exec.ID, t.TaskName, string(t.Status), t.Attempts, t.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert task execution %s: %w", t.TaskName, err)
		}
	}
	return tx.Commit()
}

const executionColumns = `id, workflow_id, user_id, workflow_version, status, variables, trigger_id, error_code, error,
	execution_start, execution_end, version, created_at, updated_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + whereClause(where) + ` ORDER BY created_at DESC` +
		limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// TransitionExecution moves an execution from one status to another with a
// compare-and-set on the current status. A lost race returns CONFLICT.
func (s *LibSQLStore) TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus, update ExecutionUpdate) error {
	sets := []string{"status = ?", "version = version + 1", "updated_at = ?"}
	args := []any{string(to), time.Now().UTC()}

	if update.ErrorCode != nil {
		sets = append(sets, "error_code = ?")
		args = append(args, nullStr(*update.ErrorCode))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.ExecutionStart != nil {
		sets = append(sets, "execution_start = ?")
		args = append(args, *update.ExecutionStart)
	}
	if update.ExecutionEnd != nil {
		sets = append(sets, "execution_end = ?")
		args = append(args, *update.ExecutionEnd)
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %s is %s, expected %s", id, current, from).
		WithDetails(map[string]any{"execution_id": id, "expected": string(from), "actual": current})
}

func scanExecution(sc scanner) (*Execution, error) {
	exec := &Execution{}
	var (
		status, varsJSON        string
		triggerID, code, errMsg sql.NullString
		startedAt, endedAt      sql.NullTime
	)
	if err := sc.Scan(&exec.ID, &exec.WorkflowID, &exec.UserID, &exec.WorkflowVersion, &status, &varsJSON,
		&triggerID, &code, &errMsg, &startedAt, &endedAt, &exec.Version, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.TriggerID = triggerID.String
	exec.ErrorCode = code.String
	exec.Error = errMsg.String
	exec.ExecutionStart = timePtr(startedAt)
	exec.ExecutionEnd = timePtr(endedAt)
	if varsJSON != "" && varsJSON != "{}" {
		if err := json.Unmarshal([]byte(varsJSON), &exec.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return exec, nil
}

// --- Task Executions ---

const taskColumns = `execution_id, task_name, status, attempts, start_time, end_time, message, output, updated_at`

func (s *LibSQLStore) GetTaskExecution(ctx context.Context, executionID, taskName string) (*TaskExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_executions WHERE execution_id = ? AND task_name = ?`,
		executionID, taskName,
	)
	te, err := scanTaskExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task execution", executionID+"/"+taskName)
	}
	return te, err
}

func (s *LibSQLStore) ListTaskExecutions(ctx context.Context, executionID string) ([]*TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_executions WHERE execution_id = ? ORDER BY task_name`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*TaskExecution
	for rows.Next() {
		te, err := scanTaskExecution(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, te)
	}
	return tasks, rows.Err()
}

// UpdateTaskExecution applies update when the task is still in status from.
func (s *LibSQLStore) UpdateTaskExecution(ctx context.Context, executionID, taskName string, from schema.TaskStatus, update TaskUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(update.Status), time.Now().UTC()}

	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, *update.StartTime)
	}
	if update.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *update.EndTime)
	}
	if update.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, nullStr(*update.Message))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, nullRaw(update.Output))
	}
	args = append(args, executionID, taskName, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions SET `+strings.Join(sets, ", ")+` WHERE execution_id = ? AND task_name = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM task_executions WHERE execution_id = ? AND task_name = ?`, executionID, taskName,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("task execution", executionID+"/"+taskName)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "task is %s, expected %s", current, from).
		WithTask(taskName).
		WithDetails(map[string]any{"execution_id": executionID, "expected": string(from), "actual": current})
}

// ResetInFlightTasks returns running and retrying tasks of an execution to
// pending. Used when recovering an execution orphaned by a crash.
func (s *LibSQLStore) ResetInFlightTasks(ctx context.Context, executionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions SET status = ?, start_time = NULL, updated_at = ?
		 WHERE execution_id = ? AND status IN (?, ?)`,
		string(schema.TaskPending), time.Now().UTC(), executionID,
		string(schema.TaskRunning), string(schema.TaskRetrying),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanTaskExecution(sc scanner) (*TaskExecution, error) {
	te := &TaskExecution{}
	var (
		status              string
		start, end          sql.NullTime
		message, outputJSON sql.NullString
	)
	if err := sc.Scan(&te.ExecutionID, &te.TaskName, &status, &te.Attempts, &start, &end, &message, &outputJSON, &te.UpdatedAt); err != nil {
		return nil, err
	}
	te.Status = schema.TaskStatus(status)
	te.StartTime = timePtr(start)
	te.EndTime = timePtr(end)
	te.Message = message.String
	te.Output = rawOrNil(outputJSON)
	return te, nil
}

// --- Approvals ---

// CreateApproval inserts a pending approval request. A second pending request
// for the same execution and task returns CONFLICT.
func (s *LibSQLStore) CreateApproval(ctx context.Context, a *Approval) error {
	approvers, err := json.Marshal(nonNilStrings(a.Approvers))
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	a.Status = schema.ApprovalPending
	a.RequestedAt = timeOrNow(a.RequestedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE execution_id = ? AND task_name = ? AND status = ?`,
		a.ExecutionID, a.TaskName, string(schema.ApprovalPending),
	).Scan(&pending); err != nil {
		return fmt.Errorf("count pending approvals: %w", err)
	}
	if pending > 0 {
		return pendingApprovalConflict(a)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO approvals (id, execution_id, task_name, approvers, instructions, status, requested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.TaskName, string(approvers), nullStr(a.Instructions), string(a.Status), a.RequestedAt,
	); err != nil {
		if strings.Contains(strings.ToUpper(err.Error()), "UNIQUE") {
			return pendingApprovalConflict(a)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return tx.Commit()
}

func pendingApprovalConflict(a *Approval) *schema.FlowError {
	return schema.NewError(schema.ErrCodeConflict, "an approval request is already pending").
		WithTask(a.TaskName).
		WithDetails(map[string]any{"execution_id": a.ExecutionID, "task": a.TaskName})
}

const approvalColumns = `id, execution_id, task_name, approvers, instructions, status, requested_at, resolved_by, resolved_at, comment`

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("approval", id)
	}
	return a, err
}

// LatestApproval returns the most recent approval request for a task.
func (s *LibSQLStore) LatestApproval(ctx context.Context, executionID, taskName string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE execution_id = ? AND task_name = ?
		 ORDER BY requested_at DESC, rowid DESC LIMIT 1`,
		executionID, taskName,
	)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("approval", executionID+"/"+taskName)
	}
	return a, err
}

// ResolveApproval records a decision on a pending request. Resolving a request
// that is no longer pending returns ALREADY_RESOLVED.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, r ApprovalResolution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_by = ?, resolved_at = ?, comment = ?
		 WHERE id = ? AND status = ?`,
		string(r.Status), nullStr(r.ResolvedBy), timeOrNow(r.ResolvedAt), nullStr(r.Comment),
		id, string(schema.ApprovalPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM approvals WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("approval", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "approval %s is already %s", id, current).
		WithDetails(map[string]any{"approval_id": id, "status": current})
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.TaskName != "" {
		where = append(where, "task_name = ?")
		args = append(args, filter.TaskName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals` + whereClause(where) +
		` ORDER BY requested_at ASC, rowid ASC` + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func scanApproval(sc scanner) (*Approval, error) {
	a := &Approval{}
	var (
		approversJSON, status          string
		instructions, resolvedBy, cmnt sql.NullString
		resolvedAt                     sql.NullTime
	)
	if err := sc.Scan(&a.ID, &a.ExecutionID, &a.TaskName, &approversJSON, &instructions, &status,
		&a.RequestedAt, &resolvedBy, &resolvedAt, &cmnt); err != nil {
		return nil, err
	}
	a.Status = schema.ApprovalStatus(status)
	a.Instructions = instructions.String
	a.ResolvedBy = resolvedBy.String
	a.ResolvedAt = timePtr(resolvedAt)
	a.Comment = cmnt.String
	if err := json.Unmarshal([]byte(approversJSON), &a.Approvers); err != nil {
		return nil, fmt.Errorf("unmarshal approvers: %w", err)
	}
	if len(a.Approvers) == 0 {
		a.Approvers = nil
	}
	return a, nil
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, t *Trigger) error {
	props, err := json.Marshal(t.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	vars, err := marshalMapOrDefault(t.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	if t.Status == "" {
		t.Status = schema.TriggerActive
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	t.UpdatedAt = t.CreatedAt

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workflow_id, user_id, type, status, properties, variables, event_name, last_fired_at, next_fire_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.UserID, string(t.Type), string(t.Status), string(props), string(vars),
		nullStr(t.Properties.Event), unixMillis(t.LastFiredAt), unixMillis(t.NextFireAt), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const triggerColumns = `id, workflow_id, user_id, type, status, properties, variables, last_fired_at, next_fire_at, created_at, updated_at`

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("trigger", id)
	}
	return t, err
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*filter.Type))
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Event != "" {
		where = append(where, "event_name = ?")
		args = append(args, filter.Event)
	}

	query := `SELECT ` + triggerColumns + ` FROM triggers` + whereClause(where) +
		` ORDER BY created_at ASC` + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) SetTriggerStatus(ctx context.Context, id string, status schema.TriggerStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

// RecordTriggerFire stores a fire when last_fired_at still equals
// expectedLast (nil meaning never fired). Another processor having recorded
// the fire first yields CONFLICT.
func (s *LibSQLStore) RecordTriggerFire(ctx context.Context, id string, expectedLast *time.Time, firedAt time.Time, next *time.Time) error {
	var expected int64
	if expectedLast != nil {
		expected = expectedLast.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET last_fired_at = ?, next_fire_at = ?, updated_at = ?
		 WHERE id = ? AND COALESCE(last_fired_at, 0) = ?`,
		firedAt.UnixMilli(), unixMillis(next), time.Now().UTC(), id, expected,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetTrigger(ctx, id); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "trigger %s fired concurrently", id).
		WithDetails(map[string]any{"trigger_id": id})
}

// RevertTriggerFire restores last_fired_at to previous when the trigger still
// records firedAt as its last fire.
func (s *LibSQLStore) RevertTriggerFire(ctx context.Context, id string, firedAt time.Time, previous, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET last_fired_at = ?, next_fire_at = ?, updated_at = ?
		 WHERE id = ? AND last_fired_at = ?`,
		unixMillis(previous), unixMillis(next), time.Now().UTC(), id, firedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetTrigger(ctx, id); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "trigger %s fired again since %s", id, firedAt.Format(time.RFC3339)).
		WithDetails(map[string]any{"trigger_id": id})
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func scanTrigger(sc scanner) (*Trigger, error) {
	t := &Trigger{}
	var (
		typ, status, propsJSON, varsJSON string
		lastFired, nextFire              sql.NullInt64
	)
	if err := sc.Scan(&t.ID, &t.WorkflowID, &t.UserID, &typ, &status, &propsJSON, &varsJSON,
		&lastFired, &nextFire, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Type = schema.TriggerType(typ)
	t.Status = schema.TriggerStatus(status)
	t.LastFiredAt = fromUnixMillis(lastFired)
	t.NextFireAt = fromUnixMillis(nextFire)
	if err := json.Unmarshal([]byte(propsJSON), &t.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	if varsJSON != "" && varsJSON != "{}" {
		if err := json.Unmarshal([]byte(varsJSON), &t.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return t, nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, task_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.TaskName), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, task_name, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var task, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &task, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.TaskName = task.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Artifacts ---

func (s *LibSQLStore) AppendArtifact(ctx context.Context, a *Artifact) error {
	if a.Kind == "" {
		a.Kind = ArtifactKindArtifact
	}
	a.CreatedAt = timeOrNow(a.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (execution_id, task_name, kind, name, content_type, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ExecutionID, a.TaskName, a.Kind, a.Name, nullStr(a.ContentType), a.Data, a.CreatedAt,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// ListArtifacts returns artifacts of an execution, optionally narrowed to one task.
func (s *LibSQLStore) ListArtifacts(ctx context.Context, executionID, taskName string) ([]*Artifact, error) {
	query := `SELECT id, execution_id, task_name, kind, name, content_type, data, created_at FROM artifacts WHERE execution_id = ?`
	args := []any{executionID}
	if taskName != "" {
		query += ` AND task_name = ?`
		args = append(args, taskName)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var contentType sql.NullString
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.TaskName, &a.Kind, &a.Name, &contentType, &a.Data, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ContentType = contentType.String
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) PutSecret(ctx context.Context, tenant, key string, value []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (tenant, key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		tenant, key, value, now, now,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, tenant, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE tenant = ? AND key = ?`, tenant, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, tenant, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE tenant = ? AND key = ?`, tenant, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context, tenant string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets WHERE tenant = ? ORDER BY key`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func whereClause(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func unixMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromUnixMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
