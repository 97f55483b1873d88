package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// recordingStarter creates pending executions without queueing them.
type recordingStarter struct {
	store store.Store

	mu       sync.Mutex
	calls    []engine.StartOptions
	failures int // calls to reject before starting anything
}

func (r *recordingStarter) Start(ctx context.Context, wf *store.Workflow, opts engine.StartOptions) (*store.Execution, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	r.mu.Unlock()
	exec := &store.Execution{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		UserID:          wf.UserID,
		WorkflowVersion: wf.Version,
		Variables:       opts.Variables,
		TriggerID:       opts.TriggerID,
	}
	if err := r.store.CreateExecution(ctx, exec, nil); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls = append(r.calls, opts)
	r.mu.Unlock()
	return exec, nil
}

func (r *recordingStarter) started() []engine.StartOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.StartOptions(nil), r.calls...)
}

type fixture struct {
	t       *testing.T
	store   *store.LibSQLStore
	starter *recordingStarter
	wf      *store.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	wf := &store.Workflow{
		ID:     uuid.New().String(),
		UserID: "alice",
		Name:   "nightly",
		Definition: schema.WorkflowDefinition{
			Name:      "nightly",
			Variables: map[string]any{"region": "eu"},
			Tasks:     []schema.Task{{Name: "a", Type: "noop"}},
		},
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	return &fixture{t: t, store: s, starter: &recordingStarter{store: s}, wf: wf}
}

func (f *fixture) trigger(tr *store.Trigger) *store.Trigger {
	f.t.Helper()
	tr.ID = uuid.New().String()
	if tr.WorkflowID == "" {
		tr.WorkflowID = f.wf.ID
	}
	if tr.UserID == "" {
		tr.UserID = f.wf.UserID
	}
	require.NoError(f.t, f.store.CreateTrigger(context.Background(), tr))
	return tr
}

// processor returns a processor whose clock reads *now and whose first window
// opens at start.
func (f *fixture) processor(start time.Time, now *time.Time) *TriggerProcessor {
	p := NewTriggerProcessor(Config{Store: f.store, Starter: f.starter, PollInterval: time.Hour})
	p.now = func() time.Time { return *now }
	p.lastPoll = start
	return p
}

var base = time.Date(2026, 3, 2, 12, 0, 30, 0, time.UTC)

func TestParseCron(t *testing.T) {
	from := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		expr string
		next time.Time
	}{
		{"*/5 * * * *", from.Add(5 * time.Minute)},
		{"30 * * * * *", from.Add(30 * time.Second)},
		{"@hourly", from.Add(time.Hour)},
		{"0 0 * * *", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sched, err := ParseCron(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.next, sched.Next(from))
		})
	}

	_, err := ParseCron("every tuesday")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
}

func TestLatestOccurrence(t *testing.T) {
	sched, err := ParseCron("*/5 * * * *")
	require.NoError(t, err)

	got := latestOccurrence(sched, base, base.Add(17*time.Minute))
	assert.Equal(t, time.Date(2026, 3, 2, 12, 15, 0, 0, time.UTC), got)

	assert.True(t, latestOccurrence(sched, base, base.Add(time.Minute)).IsZero())

	// An occurrence exactly at now is inside the window; one at start is not.
	at := time.Date(2026, 3, 2, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, at, latestOccurrence(sched, at.Add(-time.Second), at))
	assert.True(t, latestOccurrence(sched, at, at.Add(time.Second)).IsZero())
}

func TestTriggerProcessor_NoBackfill(t *testing.T) {
	f := newFixture(t)
	// Created long before the processor started; the missed occurrences are
	// not replayed.
	tr := f.trigger(&store.Trigger{
		Type:       schema.TriggerTime,
		Properties: store.TriggerProperties{Cron: "*/5 * * * *"},
		CreatedAt:  base.Add(-6 * time.Hour),
	})

	now := base.Add(time.Minute)
	p := f.processor(base, &now)
	ctx := context.Background()

	assert.Zero(t, p.Poll(ctx))
	assert.Empty(t, f.starter.started())

	now = time.Date(2026, 3, 2, 12, 5, 10, 0, time.UTC)
	assert.Equal(t, 1, p.Poll(ctx))

	now = now.Add(time.Minute)
	assert.Zero(t, p.Poll(ctx))

	calls := f.starter.started()
	require.Len(t, calls, 1)
	assert.Equal(t, tr.ID, calls[0].TriggerID)

	got, err := f.store.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, got.LastFiredAt.Equal(time.Date(2026, 3, 2, 12, 5, 0, 0, time.UTC)))
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.Equal(time.Date(2026, 3, 2, 12, 10, 0, 0, time.UTC)))
}

func TestTriggerProcessor_FiresOncePerWindow(t *testing.T) {
	f := newFixture(t)
	tr := f.trigger(&store.Trigger{
		Type:       schema.TriggerTime,
		Properties: store.TriggerProperties{Cron: "* * * * *"},
		Variables:  map[string]any{"region": "us"},
		CreatedAt:  base.Add(-time.Hour),
	})

	// A window spanning twenty occurrences starts one execution.
	now := base.Add(20 * time.Minute)
	p := f.processor(base, &now)
	assert.Equal(t, 1, p.Poll(context.Background()))

	calls := f.starter.started()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"region": "us"}, calls[0].Variables)

	execs, err := f.store.ListExecutions(context.Background(), store.ExecutionFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, tr.ID, execs[0].TriggerID)

	events, err := f.store.GetEvents(context.Background(), execs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventTriggerFired, events[0].Type)
	assert.JSONEq(t, `{"trigger_id":"`+tr.ID+`","type":"time","occurrence":"2026-03-02T12:20:00Z"}`,
		string(events[0].Payload))
}

func TestTriggerProcessor_ConcurrentFireSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.trigger(&store.Trigger{
		Type:       schema.TriggerTime,
		Properties: store.TriggerProperties{Cron: "*/5 * * * *"},
		CreatedAt:  base.Add(-time.Hour),
	})
	stale, err := f.store.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)

	// Another processor records the same occurrence first.
	occurrence := time.Date(2026, 3, 2, 12, 5, 0, 0, time.UTC)
	require.NoError(t, f.store.RecordTriggerFire(ctx, tr.ID, nil, occurrence, nil))

	now := occurrence.Add(10 * time.Second)
	p := f.processor(base, &now)
	fired, err := p.check(ctx, stale, base, now)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, f.starter.started())

	// The next poll sees the recorded fire and has nothing to do.
	assert.Zero(t, p.Poll(ctx))
}

func TestTriggerProcessor_RetriesOccurrenceAfterStartFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.trigger(&store.Trigger{
		Type:       schema.TriggerTime,
		Properties: store.TriggerProperties{Cron: "*/5 * * * *"},
		CreatedAt:  base.Add(-time.Hour),
	})
	f.starter.failures = 1

	now := time.Date(2026, 3, 2, 12, 5, 10, 0, time.UTC)
	p := f.processor(base, &now)
	assert.Zero(t, p.Poll(ctx))
	assert.Empty(t, f.starter.started())

	got, err := f.store.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastFiredAt, "failed start leaves the occurrence unfired")

	now = now.Add(time.Minute)
	assert.Equal(t, 1, p.Poll(ctx))
	now = now.Add(time.Minute)
	assert.Zero(t, p.Poll(ctx))

	require.Len(t, f.starter.started(), 1)
	got, err = f.store.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, got.LastFiredAt.Equal(time.Date(2026, 3, 2, 12, 5, 0, 0, time.UTC)))
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.Equal(time.Date(2026, 3, 2, 12, 10, 0, 0, time.UTC)))
}

// flakyStore fails the next listFailures trigger listings.
type flakyStore struct {
	store.Store
	listFailures int
}

func (s *flakyStore) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.Trigger, error) {
	if s.listFailures > 0 {
		s.listFailures--
		return nil, schema.NewError(schema.ErrCodeStore, "connection reset")
	}
	return s.Store.ListTriggers(ctx, filter)
}

func TestTriggerProcessor_ListFailureKeepsWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.trigger(&store.Trigger{
		Type:       schema.TriggerTime,
		Properties: store.TriggerProperties{Cron: "*/5 * * * *"},
		CreatedAt:  base.Add(-time.Hour),
	})

	flaky := &flakyStore{Store: f.store, listFailures: 1}
	p := NewTriggerProcessor(Config{Store: flaky, Starter: f.starter, PollInterval: time.Hour})
	now := time.Date(2026, 3, 2, 12, 5, 10, 0, time.UTC)
	p.now = func() time.Time { return now }
	p.lastPoll = base

	assert.Zero(t, p.Poll(ctx))
	now = now.Add(time.Minute)
	assert.Equal(t, 1, p.Poll(ctx), "the 12:05 occurrence survives the failed poll")
	assert.Len(t, f.starter.started(), 1)
}

func TestTriggerProcessor_SkipsMalformedAndInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := f.trigger(&store.Trigger{
		Type:       schema.TriggerTime,
		Properties: store.TriggerProperties{Cron: "every tuesday"},
		CreatedAt:  base.Add(-time.Hour),
	})
	f.trigger(&store.Trigger{
		Type:       schema.TriggerTime,
		Status:     schema.TriggerDisabled,
		Properties: store.TriggerProperties{Cron: "* * * * *"},
		CreatedAt:  base.Add(-time.Hour),
	})
	good := f.trigger(&store.Trigger{
		Type:       schema.TriggerTime,
		Properties: store.TriggerProperties{Cron: "* * * * *"},
		CreatedAt:  base.Add(-time.Hour),
	})

	now := base.Add(2 * time.Minute)
	p := f.processor(base, &now)
	assert.Equal(t, 1, p.Poll(ctx))

	calls := f.starter.started()
	require.Len(t, calls, 1)
	assert.Equal(t, good.ID, calls[0].TriggerID)

	got, err := f.store.GetTrigger(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TriggerActive, got.Status)
	assert.Nil(t, got.LastFiredAt)
}

func TestTriggerProcessor_ForeignWorkflowNotFired(t *testing.T) {
	f := newFixture(t)
	f.trigger(&store.Trigger{
		UserID:     "mallory",
		Type:       schema.TriggerTime,
		Properties: store.TriggerProperties{Cron: "* * * * *"},
		CreatedAt:  base.Add(-time.Hour),
	})

	now := base.Add(time.Minute)
	p := f.processor(base, &now)
	assert.Zero(t, p.Poll(context.Background()))
	assert.Empty(t, f.starter.started())
}

func TestTriggerProcessor_StartStop(t *testing.T) {
	f := newFixture(t)
	p := NewTriggerProcessor(Config{Store: f.store, Starter: f.starter, PollInterval: 10 * time.Millisecond})

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestEventRouter_Publish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	big := f.trigger(&store.Trigger{
		Type:       schema.TriggerEvent,
		Properties: store.TriggerProperties{Event: "order.created", Filter: "payload.amount > 100"},
	})
	always := f.trigger(&store.Trigger{
		Type:       schema.TriggerEvent,
		Properties: store.TriggerProperties{Event: "order.created"},
		Variables:  map[string]any{"source": "orders"},
	})
	f.trigger(&store.Trigger{
		Type:       schema.TriggerEvent,
		Properties: store.TriggerProperties{Event: "order.deleted"},
	})
	f.trigger(&store.Trigger{
		Type:       schema.TriggerEvent,
		Status:     schema.TriggerDisabled,
		Properties: store.TriggerProperties{Event: "order.created"},
	})

	router := NewEventRouter(f.store, f.starter, nil, nil)

	ids, err := router.Publish(ctx, "alice", "order.created", map[string]any{"amount": 50})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	calls := f.starter.started()
	require.Len(t, calls, 1)
	assert.Equal(t, always.ID, calls[0].TriggerID)
	assert.Equal(t, "orders", calls[0].Variables["source"])
	assert.Equal(t, map[string]any{"name": "order.created", "payload": map[string]any{"amount": 50}},
		calls[0].Variables["event"])

	ids, err = router.Publish(ctx, "alice", "order.created", map[string]any{"amount": 150})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	calls = f.starter.started()
	require.Len(t, calls, 3)
	assert.ElementsMatch(t, []string{big.ID, always.ID}, []string{calls[1].TriggerID, calls[2].TriggerID})
}

func TestEventRouter_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	f.trigger(&store.Trigger{
		Type:       schema.TriggerEvent,
		Properties: store.TriggerProperties{Event: "deploy"},
	})

	router := NewEventRouter(f.store, f.starter, nil, nil)
	ids, err := router.Publish(context.Background(), "bob", "deploy", nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, f.starter.started())
}

func TestEventRouter_BrokenFilterSkipped(t *testing.T) {
	f := newFixture(t)
	f.trigger(&store.Trigger{
		Type:       schema.TriggerEvent,
		Properties: store.TriggerProperties{Event: "deploy", Filter: "payload.env =="},
	})
	f.trigger(&store.Trigger{
		Type:       schema.TriggerEvent,
		Properties: store.TriggerProperties{Event: "deploy", Filter: `payload.env == "prod"`},
	})

	router := NewEventRouter(f.store, f.starter, nil, nil)
	ids, err := router.Publish(context.Background(), "alice", "deploy", map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestEventRouter_Validation(t *testing.T) {
	f := newFixture(t)
	router := NewEventRouter(f.store, f.starter, nil, nil)

	_, err := router.Publish(context.Background(), "alice", "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	assert.NoError(t, router.CheckFilter(""))
	assert.NoError(t, router.CheckFilter(`payload.env == "prod"`))
	assert.True(t, schema.HasCode(router.CheckFilter("payload.env =="), schema.ErrCodeValidation))
}
