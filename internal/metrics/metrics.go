// Package metrics holds the Prometheus instruments and OpenTelemetry tracer
// used by the engine, queue dispatcher and trigger processors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	executionDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}
	taskDurationBuckets      = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Metrics holds every taskflow instrument. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ActiveExecutions   prometheus.Gauge

	TaskAttempts     *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TaskRetries      *prometheus.CounterVec
	CircuitBreakerOn *prometheus.GaugeVec

	QueueEnqueued  prometheus.Counter
	QueueDelivered prometheus.Counter
	QueueAcked     *prometheus.CounterVec
	QueueRecovered prometheus.Counter

	ApprovalsRequested prometheus.Counter
	ApprovalsResolved  *prometheus.CounterVec

	TriggerFires  *prometheus.CounterVec
	TriggerErrors *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates and registers all instruments on reg. When reg is also a
// Gatherer, Handler serves it.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_executions_started_total",
			Help: "Total number of executions picked up by an orchestrator.",
		}, []string{"mode"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_executions_finished_total",
			Help: "Total number of executions that stopped running, by resulting status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskflow_execution_duration_seconds",
			Help:    "Wall time of one orchestration pass, by resulting status.",
			Buckets: executionDurationBuckets,
		}, []string{"status"}),
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskflow_active_executions",
			Help: "Executions currently being orchestrated in this process.",
		}),

		TaskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_task_attempts_total",
			Help: "Total number of task attempts, by task type and outcome.",
		}, []string{"type", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskflow_task_attempt_duration_seconds",
			Help:    "Task attempt duration in seconds.",
			Buckets: taskDurationBuckets,
		}, []string{"type"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_task_retries_total",
			Help: "Total number of task retries.",
		}, []string{"type"}),
		CircuitBreakerOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskflow_circuit_breaker_state",
			Help: "Circuit breaker state per task type (0=closed, 1=half-open, 2=open).",
		}, []string{"type"}),

		QueueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskflow_queue_enqueued_total",
			Help: "Total number of queue entries enqueued.",
		}),
		QueueDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskflow_queue_delivered_total",
			Help: "Total number of queue entries delivered to the dispatcher.",
		}),
		QueueAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_queue_acked_total",
			Help: "Total number of queue acknowledgements, by outcome.",
		}, []string{"outcome"}),
		QueueRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskflow_queue_recovered_total",
			Help: "Total number of in-flight entries returned to the queue by recovery.",
		}),

		ApprovalsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskflow_approvals_requested_total",
			Help: "Total number of manual approval requests.",
		}),
		ApprovalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_approvals_resolved_total",
			Help: "Total number of resolved approval requests, by decision.",
		}, []string{"decision"}),

		TriggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_trigger_fires_total",
			Help: "Total number of trigger fires, by trigger type.",
		}, []string{"type"}),
		TriggerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_trigger_errors_total",
			Help: "Total number of trigger evaluation errors, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ExecutionsStarted, m.ExecutionsFinished, m.ExecutionDuration, m.ActiveExecutions,
		m.TaskAttempts, m.TaskDuration, m.TaskRetries, m.CircuitBreakerOn,
		m.QueueEnqueued, m.QueueDelivered, m.QueueAcked, m.QueueRecovered,
		m.ApprovalsRequested, m.ApprovalsResolved,
		m.TriggerFires, m.TriggerErrors,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry the instruments were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ExecutionStarted(mode string) {
	if m == nil {
		return
	}
	m.ExecutionsStarted.WithLabelValues(mode).Inc()
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ExecutionStopped(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
	m.ExecutionsFinished.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskAttempt(taskType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TaskAttempts.WithLabelValues(taskType, outcome).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskRetry(taskType string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(taskType).Inc()
}

func (m *Metrics) CircuitState(taskType string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerOn.WithLabelValues(taskType).Set(float64(state))
}

func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.QueueEnqueued.Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.QueueDelivered.Inc()
}

func (m *Metrics) Acked(outcome string) {
	if m == nil {
		return
	}
	m.QueueAcked.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Recovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueRecovered.Add(float64(n))
}

func (m *Metrics) ApprovalRequested() {
	if m == nil {
		return
	}
	m.ApprovalsRequested.Inc()
}

func (m *Metrics) ApprovalResolved(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsResolved.WithLabelValues(decision).Inc()
}

func (m *Metrics) TriggerFired(triggerType string) {
	if m == nil {
		return
	}
	m.TriggerFires.WithLabelValues(triggerType).Inc()
}

func (m *Metrics) TriggerError(reason string) {
	if m == nil {
		return
	}
	m.TriggerErrors.WithLabelValues(reason).Inc()
}
