package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SQLQueue is a Queue persisted in the libSQL database shared with the store.
// The queue_entries table is created by the store migrations.
type SQLQueue struct {
	db     *sql.DB
	cfg    Config
	notify chan struct{}
}

// NewSQLQueue creates a queue over db.
func NewSQLQueue(db *sql.DB, cfg Config) *SQLQueue {
	return &SQLQueue{db: db, cfg: cfg.withDefaults(), notify: make(chan struct{}, 1)}
}

func (q *SQLQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *SQLQueue) Enqueue(ctx context.Context, e Entry) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return queueError("begin enqueue", err)
	}
	defer tx.Rollback()

	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE execution_id = ? AND state IN (?, ?)`,
		e.ExecutionID, statePending, stateInflight,
	).Scan(&open); err != nil {
		return queueError("check open entries", err)
	}
	if open > 0 {
		return nil
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_entries (id, user_id, workflow_id, execution_id, state, attempts, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		e.ID, e.UserID, e.WorkflowID, e.ExecutionID, statePending, e.EnqueuedAt,
	); err != nil {
		return queueError("insert entry", err)
	}
	if err := tx.Commit(); err != nil {
		return queueError("commit enqueue", err)
	}
	q.wake()
	return nil
}

// claim marks the oldest pending entry in flight. ok is false when the queue is empty.
func (q *SQLQueue) claim(ctx context.Context) (Entry, bool, error) {
	for {
		var e Entry
		err := q.db.QueryRowContext(ctx,
			`SELECT id, user_id, workflow_id, execution_id, enqueued_at, attempts
			 FROM queue_entries WHERE state = ? ORDER BY rowid ASC LIMIT 1`, statePending,
		).Scan(&e.ID, &e.UserID, &e.WorkflowID, &e.ExecutionID, &e.EnqueuedAt, &e.Attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		if err != nil {
			return Entry{}, false, err
		}

		res, err := q.db.ExecContext(ctx,
			`UPDATE queue_entries SET state = ?, attempts = attempts + 1, delivered_at = ? WHERE id = ? AND state = ?`,
			stateInflight, time.Now().UTC(), e.ID, statePending,
		)
		if err != nil {
			return Entry{}, false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // another consumer won
		}
		e.Attempts++
		return e, true, nil
	}
}

func (q *SQLQueue) release(e Entry) {
	_, err := q.db.ExecContext(context.Background(),
		`UPDATE queue_entries SET state = ?, attempts = attempts - 1, delivered_at = NULL WHERE id = ? AND state = ?`,
		statePending, e.ID, stateInflight,
	)
	if err != nil {
		q.cfg.Logger.Warn("queue release failed", "execution_id", e.ExecutionID, "error", err)
	}
}

func (q *SQLQueue) DequeueAll(ctx context.Context) <-chan Entry {
	out := make(chan Entry)
	go func() {
		defer close(out)
		ticker := time.NewTicker(q.cfg.PollInterval)
		defer ticker.Stop()
		for {
			e, ok, err := q.claim(ctx)
			if err != nil && ctx.Err() == nil {
				q.cfg.Logger.Error("queue claim failed", "error", err)
			}
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.notify:
				case <-ticker.C:
				}
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				q.release(e)
				return
			}
		}
	}()
	return out
}

func (q *SQLQueue) MarkCompleted(ctx context.Context, executionID string) error {
	return q.ack(ctx, executionID, stateCompleted, "")
}

func (q *SQLQueue) MarkFailed(ctx context.Context, executionID, reason string) error {
	return q.ack(ctx, executionID, stateFailed, reason)
}

func (q *SQLQueue) ack(ctx context.Context, executionID, outcome, reason string) error {
	var id, state string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, state FROM queue_entries WHERE execution_id = ? ORDER BY rowid DESC LIMIT 1`, executionID,
	).Scan(&id, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return entryNotFound(executionID)
	}
	if err != nil {
		return queueError("load entry", err)
	}

	apply, err := ackDecision(executionID, state, outcome)
	if err != nil || !apply {
		return err
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = ?, reason = ?, acked_at = ? WHERE id = ? AND state = ?`,
		outcome, nullString(reason), time.Now().UTC(), id, stateInflight,
	)
	if err != nil {
		return queueError("ack entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with another ack or a Recover; report the state that won.
		return q.ack(ctx, executionID, outcome, reason)
	}
	return nil
}

func (q *SQLQueue) Extend(ctx context.Context, executionID string) error {
	var id, state string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, state FROM queue_entries WHERE execution_id = ? ORDER BY rowid DESC LIMIT 1`, executionID,
	).Scan(&id, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return entryNotFound(executionID)
	}
	if err != nil {
		return queueError("load entry", err)
	}
	if state != stateInflight {
		return notInFlight(executionID, state)
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_entries SET delivered_at = ? WHERE id = ? AND state = ?`,
		time.Now().UTC(), id, stateInflight,
	)
	if err != nil {
		return queueError("extend entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notInFlight(executionID, "recovered")
	}
	return nil
}

func (q *SQLQueue) Recover(ctx context.Context) (int, error) {
	query := `UPDATE queue_entries SET state = ?, delivered_at = NULL WHERE state = ?`
	args := []any{statePending, stateInflight}
	if q.cfg.VisibilityTimeout > 0 {
		query += ` AND delivered_at <= ?`
		args = append(args, time.Now().UTC().Add(-q.cfg.VisibilityTimeout))
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, queueError("recover entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queueError("recover entries", err)
	}
	if n > 0 {
		q.wake()
	}
	return int(n), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
