package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS taskflow_queue (
	seq          BIGSERIAL PRIMARY KEY,
	id           UUID NOT NULL UNIQUE,
	user_id      TEXT NOT NULL,
	workflow_id  TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	state        TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	reason       TEXT,
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at TIMESTAMPTZ,
	acked_at     TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS taskflow_queue_open ON taskflow_queue (execution_id) WHERE state IN ('pending', 'inflight');
CREATE INDEX IF NOT EXISTS taskflow_queue_pending ON taskflow_queue (seq) WHERE state = 'pending';
`

// PostgresQueue is a Queue shared by several processes through PostgreSQL.
// Consumers claim entries with FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	pool   *pgxpool.Pool
	cfg    Config
	notify chan struct{}
}

// NewPostgresQueue creates a queue over pool. Call EnsureSchema once before use.
func NewPostgresQueue(pool *pgxpool.Pool, cfg Config) *PostgresQueue {
	return &PostgresQueue{pool: pool, cfg: cfg.withDefaults(), notify: make(chan struct{}, 1)}
}

// EnsureSchema creates the queue table and indexes if missing.
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, postgresSchema); err != nil {
		return queueError("create queue schema", err)
	}
	return nil
}

func (q *PostgresQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO taskflow_queue (id, user_id, workflow_id, execution_id, state, enqueued_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT (execution_id) WHERE state IN ('pending', 'inflight') DO NOTHING`,
		e.ID, e.UserID, e.WorkflowID, e.ExecutionID, e.EnqueuedAt,
	)
	if err != nil {
		return queueError("insert entry", err)
	}
	q.wake()
	return nil
}

func (q *PostgresQueue) claim(ctx context.Context) (Entry, bool, error) {
	var e Entry
	err := q.pool.QueryRow(ctx, `
		UPDATE taskflow_queue SET state = 'inflight', attempts = attempts + 1, delivered_at = now()
		WHERE seq = (
			SELECT seq FROM taskflow_queue WHERE state = 'pending'
			ORDER BY seq FOR UPDATE SKIP LOCKED LIMIT 1
		)
		RETURNING id::text, user_id, workflow_id, execution_id, enqueued_at, attempts`,
	).Scan(&e.ID, &e.UserID, &e.WorkflowID, &e.ExecutionID, &e.EnqueuedAt, &e.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (q *PostgresQueue) release(e Entry) {
	_, err := q.pool.Exec(context.Background(), `
		UPDATE taskflow_queue SET state = 'pending', attempts = attempts - 1, delivered_at = NULL
		WHERE id = $1 AND state = 'inflight'`, e.ID)
	if err != nil {
		q.cfg.Logger.Warn("queue release failed", "execution_id", e.ExecutionID, "error", err)
	}
}

func (q *PostgresQueue) DequeueAll(ctx context.Context) <-chan Entry {
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

func (q *PostgresQueue) MarkCompleted(ctx context.Context, executionID string) error {
	return q.ack(ctx, executionID, stateCompleted, "")
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, executionID, reason string) error {
	return q.ack(ctx, executionID, stateFailed, reason)
}

func (q *PostgresQueue) ack(ctx context.Context, executionID, outcome, reason string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return queueError("begin ack", err)
	}
	defer tx.Rollback(ctx)

	var (
		seq   int64
		state string
	)
	err = tx.QueryRow(ctx, `
		SELECT seq, state FROM taskflow_queue WHERE execution_id = $1
		ORDER BY seq DESC LIMIT 1 FOR UPDATE`, executionID,
	).Scan(&seq, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return entryNotFound(executionID)
	}
	if err != nil {
		return queueError("load entry", err)
	}

	apply, err := ackDecision(executionID, state, outcome)
	if err != nil || !apply {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE taskflow_queue SET state = $1, reason = NULLIF($2, ''), acked_at = now() WHERE seq = $3`,
		outcome, reason, seq,
	); err != nil {
		return queueError("ack entry", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return queueError("commit ack", err)
	}
	return nil
}

func (q *PostgresQueue) Extend(ctx context.Context, executionID string) error {
	var state string
	err := q.pool.QueryRow(ctx, `
		SELECT state FROM taskflow_queue WHERE execution_id = $1
		ORDER BY seq DESC LIMIT 1`, executionID,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return entryNotFound(executionID)
	}
	if err != nil {
		return queueError("load entry", err)
	}
	if state != stateInflight {
		return notInFlight(executionID, state)
	}

	tag, err := q.pool.Exec(ctx, `
		UPDATE taskflow_queue SET delivered_at = now()
		WHERE execution_id = $1 AND state = 'inflight'`, executionID)
	if err != nil {
		return queueError("extend entry", err)
	}
	if tag.RowsAffected() == 0 {
		return notInFlight(executionID, "recovered")
	}
	return nil
}

func (q *PostgresQueue) Recover(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE taskflow_queue SET state = 'pending', delivered_at = NULL
		WHERE state = 'inflight' AND delivered_at <= now() - make_interval(secs => $1)`,
		q.cfg.VisibilityTimeout.Seconds(),
	)
	if err != nil {
		return 0, queueError("recover entries", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		q.wake()
	}
	return n, nil
}
