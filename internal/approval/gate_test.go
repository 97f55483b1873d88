package approval

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

type countingResumer struct {
	calls atomic.Int32
}

func (r *countingResumer) ResumeExecution(context.Context, string, string, string) error {
	r.calls.Add(1)
	return nil
}

type captureNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

type fixture struct {
	gate     *Gate
	store    *store.LibSQLStore
	resumer  *countingResumer
	notifier *captureNotifier
	exec     *store.Execution
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	wf := &store.Workflow{
		ID:     uuid.New().String(),
		UserID: "alice",
		Name:   "release",
		Definition: schema.WorkflowDefinition{
			Name:  "release",
			Tasks: []schema.Task{{Name: "deploy", Type: "noop", ManualApproval: &schema.ManualApproval{Enabled: true}}},
		},
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	exec := &store.Execution{ID: uuid.New().String(), WorkflowID: wf.ID, UserID: "alice", WorkflowVersion: 1}
	require.NoError(t, s.CreateExecution(ctx, exec, []*store.TaskExecution{{TaskName: "deploy"}}))

	f := &fixture{store: s, resumer: &countingResumer{}, notifier: &captureNotifier{}, exec: exec}
	f.gate = NewGate(Config{Store: s, Resumer: f.resumer, Notifier: f.notifier})
	return f
}

func (f *fixture) request(t *testing.T, approvers ...string) *store.Approval {
	t.Helper()
	a, err := f.gate.RequestApproval(context.Background(), Request{
		UserID:       "alice",
		WorkflowID:   f.exec.WorkflowID,
		ExecutionID:  f.exec.ID,
		TaskName:     "deploy",
		Approvers:    approvers,
		Instructions: "check the canary",
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) decision(approvalID string) Decision {
	return Decision{UserID: "alice", WorkflowID: f.exec.WorkflowID, ExecutionID: f.exec.ID, ApprovalID: approvalID}
}

func TestRequestApproval_OnePendingPerTask(t *testing.T) {
	f := newFixture(t)
	a := f.request(t)
	assert.Equal(t, schema.ApprovalPending, a.Status)

	_, err := f.gate.RequestApproval(context.Background(), Request{ExecutionID: f.exec.ID, TaskName: "deploy"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, notify.KindApprovalRequested, f.notifier.got[0].Kind)
	assert.Equal(t, a.ID, f.notifier.got[0].ApprovalID)
	assert.Equal(t, "check the canary", f.notifier.got[0].Instructions)

	events, err := f.store.GetEvents(context.Background(), f.exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventApprovalRequested, events[0].Type)
}

func TestApprove_Twice(t *testing.T) {
	f := newFixture(t)
	a := f.request(t)
	ctx := context.Background()

	resolved, err := f.gate.Approve(ctx, f.decision(a.ID))
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)

	_, err = f.gate.Approve(ctx, f.decision(a.ID))
	assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyResolved))
	_, err = f.gate.Reject(ctx, f.decision(a.ID))
	assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyResolved))

	assert.Equal(t, int32(1), f.resumer.calls.Load())
}

func TestApprove_ConcurrentResolvesOnce(t *testing.T) {
	f := newFixture(t)
	a := f.request(t)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gate.Approve(context.Background(), f.decision(a.ID)); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), f.resumer.calls.Load())
}

func TestReject_AllowsNewRequest(t *testing.T) {
	f := newFixture(t)
	a := f.request(t)

	_, err := f.gate.Reject(context.Background(), f.decision(a.ID))
	require.NoError(t, err)

	latest, err := f.gate.Lookup(context.Background(), f.exec.ID, "deploy")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalRejected, latest.Status)

	f.request(t)
}

func TestApprove_ApproverMembership(t *testing.T) {
	f := newFixture(t)
	a := f.request(t, "bob", "carol")

	_, err := f.gate.Approve(context.Background(), f.decision(a.ID))
	assert.True(t, schema.HasCode(err, schema.ErrCodeForbidden))

	d := f.decision(a.ID)
	d.ResolvedBy = "carol"
	d.Comment = "lgtm"
	resolved, err := f.gate.Approve(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "carol", resolved.ResolvedBy)
	assert.Equal(t, "lgtm", resolved.Comment)
}

func TestApprove_Ownership(t *testing.T) {
	f := newFixture(t)
	a := f.request(t)

	cases := map[string]Decision{
		"other tenant":    {UserID: "mallory", WorkflowID: f.exec.WorkflowID, ExecutionID: f.exec.ID, ApprovalID: a.ID},
		"other workflow":  {UserID: "alice", WorkflowID: "wf-x", ExecutionID: f.exec.ID, ApprovalID: a.ID},
		"other execution": {UserID: "alice", WorkflowID: f.exec.WorkflowID, ExecutionID: "exec-x", ApprovalID: a.ID},
		"unknown id":      f.decision("nope"),
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.gate.Approve(context.Background(), d)
			assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "%v", err)
		})
	}
	assert.Zero(t, f.resumer.calls.Load())
}

func TestLookup_NoneIsNil(t *testing.T) {
	f := newFixture(t)
	a, err := f.gate.Lookup(context.Background(), f.exec.ID, "deploy")
	require.NoError(t, err)
	assert.Nil(t, a)
}
