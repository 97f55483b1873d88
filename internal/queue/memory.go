package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memRecord struct {
	entry       Entry
	state       string
	deliveredAt time.Time
}

// MemoryQueue is an in-process Queue. Entries do not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []*memRecord
	latest  map[string]*memRecord // by execution ID
	changed chan struct{}
	cfg     Config
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{
		latest:  make(map[string]*memRecord),
		changed: make(chan struct{}),
		cfg:     cfg.withDefaults(),
	}
}

// broadcast wakes every waiting consumer. Caller holds mu.
func (q *MemoryQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if rec, ok := q.latest[e.ExecutionID]; ok && (rec.state == statePending || rec.state == stateInflight) {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	rec := &memRecord{entry: e, state: statePending}
	q.latest[e.ExecutionID] = rec
	q.pending = append(q.pending, rec)
	q.broadcast()
	return nil
}

// claim pops the oldest pending entry, or returns the channel to wait on.
func (q *MemoryQueue) claim() (*memRecord, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		rec := q.pending[0]
		q.pending = q.pending[1:]
		if rec.state != statePending {
			continue
		}
		rec.state = stateInflight
		rec.deliveredAt = time.Now()
		rec.entry.Attempts++
		return rec, nil
	}
	return nil, q.changed
}

// release puts an undelivered claim back at the head of the queue.
func (q *MemoryQueue) release(rec *memRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec.state = statePending
	rec.entry.Attempts--
	q.pending = append([]*memRecord{rec}, q.pending...)
	q.broadcast()
}

func (q *MemoryQueue) DequeueAll(ctx context.Context) <-chan Entry {
	out := make(chan Entry)
	go func() {
		defer close(out)
		for {
			rec, wait := q.claim()
			if rec == nil {
				select {
				case <-ctx.Done():
					return
				case <-wait:
					continue
				}
			}
			select {
			case out <- rec.entry:
			case <-ctx.Done():
				q.release(rec)
				return
			}
		}
	}()
	return out
}

func (q *MemoryQueue) MarkCompleted(_ context.Context, executionID string) error {
	return q.ack(executionID, stateCompleted)
}

func (q *MemoryQueue) MarkFailed(_ context.Context, executionID, reason string) error {
	if err := q.ack(executionID, stateFailed); err != nil {
		return err
	}
	q.cfg.Logger.Debug("queue entry failed", "execution_id", executionID, "reason", reason)
	return nil
}

func (q *MemoryQueue) ack(executionID, outcome string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.latest[executionID]
	if !ok {
		return entryNotFound(executionID)
	}
	apply, err := ackDecision(executionID, rec.state, outcome)
	if err != nil || !apply {
		return err
	}
	rec.state = outcome
	return nil
}

func (q *MemoryQueue) Extend(_ context.Context, executionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.latest[executionID]
	if !ok {
		return entryNotFound(executionID)
	}
	if rec.state != stateInflight {
		return notInFlight(executionID, rec.state)
	}
	rec.deliveredAt = time.Now()
	return nil
}

func (q *MemoryQueue) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-q.cfg.VisibilityTimeout)
	n := 0
	for _, rec := range q.latest {
		if rec.state != stateInflight {
			continue
		}
		if q.cfg.VisibilityTimeout > 0 && rec.deliveredAt.After(cutoff) {
			continue
		}
		rec.state = statePending
		q.pending = append(q.pending, rec)
		n++
	}
	if n > 0 {
		q.broadcast()
	}
	return n, nil
}

// Len returns the number of pending entries.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, rec := range q.pending {
		if rec.state == statePending {
			n++
		}
	}
	return n
}
