package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the runtime.
//
// Collectors cover the event gateway (submissions, queue depth), LLM
// calls (latency, tokens, status), tool executions, and the workflow
// orchestrator (transitions, task outcomes).
type Metrics struct {
	// EventsSubmitted counts gateway submissions.
	// Labels: source, priority, status (queued|dropped|rejected)
	EventsSubmitted *prometheus.CounterVec

	// EventsProcessed counts consumed events.
	// Labels: source, status (success|error)
	EventsProcessed *prometheus.CounterVec

	// QueueDepth is the current gateway queue depth.
	QueueDepth prometheus.Gauge

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed counts tokens by direction.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// BudgetPressure is the fraction of the daily token cap consumed.
	BudgetPressure prometheus.Gauge

	// ToolExecutionCounter counts tool runs.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool run latency in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// WorkflowTransitions counts project state transitions.
	// Labels: from, to
	WorkflowTransitions *prometheus.CounterVec

	// WorkflowTasks counts worker task outcomes.
	// Labels: status (success|error|cancelled)
	WorkflowTasks *prometheus.CounterVec
}

// NewMetrics registers all collectors with the default registry. Call
// once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_events_submitted_total",
				Help: "Gateway event submissions by source, priority, and outcome",
			},
			[]string{"source", "priority", "status"},
		),
		EventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_events_processed_total",
				Help: "Events consumed by the gateway by source and status",
			},
			[]string{"source", "status"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "valet_queue_depth",
				Help: "Current number of events waiting in the gateway queue",
			},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_llm_request_duration_seconds",
				Help:    "Duration of LLM calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_llm_requests_total",
				Help: "LLM calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_llm_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		BudgetPressure: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "valet_budget_pressure",
				Help: "Fraction of the daily token budget consumed",
			},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_tool_executions_total",
				Help: "Tool executions by tool name and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		WorkflowTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_workflow_transitions_total",
				Help: "Workflow project state transitions",
			},
			[]string{"from", "to"},
		),
		WorkflowTasks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_workflow_tasks_total",
				Help: "Workflow task outcomes",
			},
			[]string{"status"},
		),
	}
}

// RecordLLMRequest records one LLM call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordEventSubmitted records the outcome of one gateway submission.
func (m *Metrics) RecordEventSubmitted(source, priority, status string) {
	if m == nil {
		return
	}
	m.EventsSubmitted.WithLabelValues(source, priority, status).Inc()
}

// RecordEventProcessed records one consumed event.
func (m *Metrics) RecordEventProcessed(source, status string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(source, status).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// SetBudgetPressure updates the budget pressure gauge.
func (m *Metrics) SetBudgetPressure(p float64) {
	if m == nil {
		return
	}
	m.BudgetPressure.Set(p)
}

// RecordWorkflowTransition records a project state transition.
func (m *Metrics) RecordWorkflowTransition(from, to string) {
	if m == nil {
		return
	}
	m.WorkflowTransitions.WithLabelValues(from, to).Inc()
}

// RecordWorkflowTask records a worker task outcome.
func (m *Metrics) RecordWorkflowTask(status string) {
	if m == nil {
		return
	}
	m.WorkflowTasks.WithLabelValues(status).Inc()
}
