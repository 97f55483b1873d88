package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ExecutionStarted("run")
	m.ExecutionStopped("completed", 2*time.Second)
	m.TaskAttempt("http", "success", 10*time.Millisecond)
	m.Enqueued()
	m.Recovered(3)
	m.ApprovalResolved("approved")
	m.TriggerFired("time")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExecutionsStarted.WithLabelValues("run")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveExecutions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TaskAttempts.WithLabelValues("http", "success")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueueRecovered))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TriggerFires.WithLabelValues("time")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"taskflow_executions_started_total",
		"taskflow_execution_duration_seconds",
		"taskflow_task_attempts_total",
		"taskflow_queue_enqueued_total",
		"taskflow_approvals_resolved_total",
	} {
		assert.True(t, names[want], want)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ExecutionStarted("run")
		m.ExecutionStopped("failed", time.Second)
		m.TaskAttempt("noop", "failure", 0)
		m.TaskRetry("noop")
		m.CircuitState("noop", 2)
		m.Acked("completed")
		m.ApprovalRequested()
		m.TriggerError("cron_parse")
	})
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Enqueued()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "taskflow_queue_enqueued_total 1")
}
