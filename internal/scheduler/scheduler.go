// Package scheduler starts executions from triggers: time triggers fire on a
// cron schedule, event triggers fire when a matching event is published.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultPollInterval is how often time triggers are checked.
const DefaultPollInterval = 15 * time.Second

// maxCatchUp bounds the occurrences walked when a window spans many of them.
const maxCatchUp = 10000

// Starter creates and queues an execution of a workflow. Satisfied by
// *engine.Orchestrator.
type Starter interface {
	Start(ctx context.Context, wf *store.Workflow, opts engine.StartOptions) (*store.Execution, error)
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a 5-field cron expression with optional leading seconds,
// or a descriptor such as @hourly.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %v", expr, err).
			WithDetails(map[string]any{"cron": expr})
	}
	return sched, nil
}

// Config configures a TriggerProcessor.
type Config struct {
	Store        store.Store
	Starter      Starter
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// TriggerProcessor polls the store for active time triggers and fires those
// with an occurrence inside the current window. Occurrences missed while the
// processor was not running are not back-filled.
type TriggerProcessor struct {
	store    store.Store
	firer    *Firer
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastPoll time.Time
	// retry holds occurrences whose execution could not be started, by
	// trigger ID. The next poll widens that trigger's window to include it.
	retry    map[string]time.Time
}

// NewTriggerProcessor creates a processor; call Start to begin polling.
func NewTriggerProcessor(cfg Config) *TriggerProcessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TriggerProcessor{
		store:    cfg.Store,
		firer:    NewFirer(cfg.Store, cfg.Starter, cfg.Logger),
		interval: cfg.PollInterval,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		retry:    make(map[string]time.Time),
	}
}

// Start launches the polling loop. The first window opens now.
func (p *TriggerProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("trigger processor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.lastPoll = p.now()
	p.mu.Unlock()

	go p.loop(loopCtx)
	p.logger.Info("trigger processor started", "poll_interval", p.interval)
	return nil
}

// Stop stops the polling loop and waits for the current poll to finish.
func (p *TriggerProcessor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("trigger processor stopped")
}

func (p *TriggerProcessor) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll checks every active time trigger once and returns the number fired.
// The window only advances when the triggers could be listed.
func (p *TriggerProcessor) Poll(ctx context.Context) int {
	now := p.now()
	p.mu.Lock()
	since := p.lastPoll
	p.mu.Unlock()

	typ, status := schema.TriggerTime, schema.TriggerActive
	triggers, err := p.store.ListTriggers(ctx, store.TriggerFilter{Type: &typ, Status: &status})
	if err != nil {
		p.logger.ErrorContext(ctx, "list time triggers failed", "error", err)
		p.metrics.TriggerError("store")
		return 0
	}
	p.mu.Lock()
	if now.After(p.lastPoll) {
		p.lastPoll = now
	}
	p.mu.Unlock()

	fired := 0
	for _, t := range triggers {
		ok, err := p.check(ctx, t, p.windowFloor(t.ID, since), now)
		if err != nil {
			p.logger.WarnContext(ctx, "time trigger not fired",
				"trigger_id", t.ID, "workflow_id", t.WorkflowID, "error", err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired
}

// check fires t when a cron occurrence lies in (window start, now].
func (p *TriggerProcessor) check(ctx context.Context, t *store.Trigger, since, now time.Time) (bool, error) {
	sched, err := ParseCron(t.Properties.Cron)
	if err != nil {
		p.metrics.TriggerError("cron")
		return false, err
	}

	start := windowStart(since, t)
	occurrence := latestOccurrence(sched, start, now)
	if occurrence.IsZero() {
		return false, nil
	}

	next := sched.Next(now)
	if err := p.store.RecordTriggerFire(ctx, t.ID, t.LastFiredAt, occurrence, &next); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			// Another processor fired this occurrence.
			return false, nil
		}
		p.metrics.TriggerError("store")
		return false, err
	}

	if _, err := p.firer.Fire(ctx, t, nil, map[string]any{
		"occurrence": occurrence.Format(time.RFC3339),
	}); err != nil {
		p.metrics.TriggerError("start")
		p.undoFire(ctx, t, occurrence, err)
		return false, err
	}
	p.setRetry(t.ID, time.Time{})
	p.metrics.TriggerFired(string(t.Type))
	return true, nil
}

// undoFire restores the trigger's previous fire after its execution could not
// be started, so that the next poll tries the occurrence again. A trigger whose
// workflow is gone is not retried.
func (p *TriggerProcessor) undoFire(ctx context.Context, t *store.Trigger, occurrence time.Time, cause error) {
	if schema.HasCode(cause, schema.ErrCodeNotFound) {
		p.setRetry(t.ID, time.Time{})
		return
	}
	if err := p.store.RevertTriggerFire(ctx, t.ID, occurrence, t.LastFiredAt, t.NextFireAt); err != nil {
		p.logger.ErrorContext(ctx, "time trigger occurrence lost",
			"trigger_id", t.ID, "occurrence", occurrence, "error", err)
		return
	}
	p.setRetry(t.ID, occurrence)
}

// windowFloor is the start of the trigger's window: the last poll, or just
// before an occurrence that still has to be started.
func (p *TriggerProcessor) windowFloor(triggerID string, since time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if occ, ok := p.retry[triggerID]; ok && !occ.After(since) {
		return occ.Add(-time.Millisecond)
	}
	return since
}

// setRetry records occurrence for triggerID; the zero time clears it.
func (p *TriggerProcessor) setRetry(triggerID string, occurrence time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if occurrence.IsZero() {
		delete(p.retry, triggerID)
		return
	}
	p.retry[triggerID] = occurrence
}

// windowStart is the latest of the last poll, the trigger's creation and its
// last fire.
func windowStart(lastPoll time.Time, t *store.Trigger) time.Time {
	start := lastPoll
	if t.CreatedAt.After(start) {
		start = t.CreatedAt
	}
	if t.LastFiredAt != nil && t.LastFiredAt.After(start) {
		start = *t.LastFiredAt
	}
	return start
}

// latestOccurrence returns the last occurrence of sched in (start, now], or
// the zero time when there is none.
func latestOccurrence(sched cron.Schedule, start, now time.Time) time.Time {
	var last time.Time
	t := sched.Next(start)
	for i := 0; i < maxCatchUp && !t.IsZero() && !t.After(now); i++ {
		last = t
		t = sched.Next(t)
	}
	return last
}
