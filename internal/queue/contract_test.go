package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

// runQueueContract exercises the behaviour every Queue backend must share.
func runQueueContract(t *testing.T, newQueue func(t *testing.T, cfg Config) Queue) {
	t.Run("fifo delivery", func(t *testing.T) {
		q := newQueue(t, Config{})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for i := 0; i < 3; i++ {
			require.NoError(t, q.Enqueue(ctx, entry(fmt.Sprintf("exec-%d", i))))
		}
		ch := q.DequeueAll(ctx)
		for i := 0; i < 3; i++ {
			e := receive(t, ch)
			assert.Equal(t, fmt.Sprintf("exec-%d", i), e.ExecutionID)
			assert.Equal(t, 1, e.Attempts)
			assert.NotEmpty(t, e.ID)
		}
	})

	t.Run("enqueue is idempotent while open", func(t *testing.T) {
		q := newQueue(t, Config{})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, q.Enqueue(ctx, entry("dup")))
		require.NoError(t, q.Enqueue(ctx, entry("dup")))
		ch := q.DequeueAll(ctx)
		receive(t, ch)

		// In flight: still a no-op.
		require.NoError(t, q.Enqueue(ctx, entry("dup")))
		assertNothing(t, ch)

		// Acked: a new entry is accepted.
		require.NoError(t, q.MarkCompleted(ctx, "dup"))
		require.NoError(t, q.Enqueue(ctx, entry("dup")))
		e := receive(t, ch)
		assert.Equal(t, "dup", e.ExecutionID)
	})

	t.Run("ack semantics", func(t *testing.T) {
		q := newQueue(t, Config{})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		assert.True(t, schema.HasCode(q.MarkCompleted(ctx, "ghost"), schema.ErrCodeNotFound))

		require.NoError(t, q.Enqueue(ctx, entry("a")))
		assert.True(t, schema.HasCode(q.MarkCompleted(ctx, "a"), schema.ErrCodeConflict), "not yet delivered")

		receive(t, q.DequeueAll(ctx))
		require.NoError(t, q.MarkCompleted(ctx, "a"))
		require.NoError(t, q.MarkCompleted(ctx, "a"), "repeat ack is a no-op")
		assert.True(t, schema.HasCode(q.MarkFailed(ctx, "a", "boom"), schema.ErrCodeConflict))
	})

	t.Run("recover redelivers unacked only", func(t *testing.T) {
		q := newQueue(t, Config{})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, q.Enqueue(ctx, entry("acked")))
		require.NoError(t, q.Enqueue(ctx, entry("lost")))

		consumerCtx, stop := context.WithCancel(ctx)
		ch := q.DequeueAll(consumerCtx)
		receive(t, ch)
		receive(t, ch)
		stop()
		require.NoError(t, q.MarkCompleted(ctx, "acked"))

		n, err := q.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ch = q.DequeueAll(ctx)
		e := receive(t, ch)
		assert.Equal(t, "lost", e.ExecutionID)
		assert.Equal(t, 2, e.Attempts)
		assertNothing(t, ch)

		require.NoError(t, q.MarkFailed(ctx, "lost", "worker crashed"))
		n, err = q.Recover(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("extend keeps a long-held entry in flight", func(t *testing.T) {
		const visibility = 2 * time.Second
		q := newQueue(t, Config{VisibilityTimeout: visibility})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		assert.True(t, schema.HasCode(q.Extend(ctx, "ghost"), schema.ErrCodeNotFound))
		require.NoError(t, q.Enqueue(ctx, entry("long")))
		assert.True(t, schema.HasCode(q.Extend(ctx, "long"), schema.ErrCodeConflict), "not yet delivered")

		consumerCtx, stop := context.WithCancel(ctx)
		defer stop()
		ch := q.DequeueAll(consumerCtx)
		receive(t, ch)

		// Held for twice the visibility window, renewed along the way.
		deadline := time.Now().Add(2 * visibility)
		for time.Now().Before(deadline) {
			time.Sleep(visibility / 4)
			require.NoError(t, q.Extend(ctx, "long"))
			n, err := q.Recover(ctx)
			require.NoError(t, err)
			require.Zero(t, n, "extended entry was recovered")
		}

		// Abandoned: recovered once the window lapses.
		time.Sleep(visibility + 500*time.Millisecond)
		n, err := q.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.True(t, schema.HasCode(q.Extend(ctx, "long"), schema.ErrCodeConflict))

		e := receive(t, ch)
		assert.Equal(t, "long", e.ExecutionID)
		require.NoError(t, q.Extend(ctx, "long"))
		require.NoError(t, q.MarkCompleted(ctx, "long"))
		assert.True(t, schema.HasCode(q.Extend(ctx, "long"), schema.ErrCodeConflict))
	})

	t.Run("concurrent consumers share entries", func(t *testing.T) {
		q := newQueue(t, Config{})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		const total = 20
		for i := 0; i < total; i++ {
			require.NoError(t, q.Enqueue(ctx, entry(fmt.Sprintf("c-%d", i))))
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		consumerCtx, stop := context.WithCancel(ctx)
		for c := 0; c < 3; c++ {
			ch := q.DequeueAll(consumerCtx)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for e := range ch {
					mu.Lock()
					seen[e.ExecutionID]++
					done := len(seen) == total
					mu.Unlock()
					if done {
						stop()
					}
				}
			}()
		}
		wg.Wait()
		stop()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	})
}

func entry(executionID string) Entry {
	return Entry{UserID: "alice", WorkflowID: "wf-1", ExecutionID: executionID}
}

func receive(t *testing.T, ch <-chan Entry) Entry {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for entry")
		return Entry{}
	}
}

func assertNothing(t *testing.T, ch <-chan Entry) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected entry %s", e.ExecutionID)
	case <-time.After(150 * time.Millisecond):
	}
}
