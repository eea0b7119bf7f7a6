package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized set of Prometheus collectors for the runtime:
// activity pressure, LLM queue depth, orchestrator turns, and tool
// executions.
type Metrics struct {
	// ActiveOperations is the activity tracker's pending-operation gauge per world.
	ActiveOperations *prometheus.GaugeVec

	// IdleTransitions counts idle events emitted per world.
	IdleTransitions *prometheus.CounterVec

	// QueueDepth is the LLM queue's queued-plus-running task count per
	// (world, chat).
	QueueDepth *prometheus.GaugeVec

	// QueueWait measures time a task spent queued before running.
	QueueWait *prometheus.HistogramVec

	// OrchestratorTurns counts completed orchestrator turns by outcome
	// (text|tool_calls|approval|hitl|error|cancelled).
	OrchestratorTurns *prometheus.CounterVec

	// OrchestratorTurnDuration measures turn latency in seconds.
	OrchestratorTurnDuration *prometheus.HistogramVec

	// ToolExecutions counts tool invocations by tool name and status.
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalDecisions counts approval/HITL resolutions by kind and decision.
	ApprovalDecisions *prometheus.CounterVec

	// EventsPersisted counts event-log writes by channel type.
	EventsPersisted *prometheus.CounterVec
}

// NewMetrics registers and returns the runtime's Prometheus collectors.
// Call once per process; pass the same *Metrics to every world.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveOperations: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentworld_active_operations",
				Help: "Current in-flight orchestrator operations per world",
			},
			[]string{"world_id"},
		),
		IdleTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_idle_transitions_total",
				Help: "Total idle transitions emitted per world",
			},
			[]string{"world_id"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentworld_llm_queue_depth",
				Help: "Queued plus running LLM queue tasks per (world, chat)",
			},
			[]string{"world_id", "chat_id"},
		),
		QueueWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentworld_llm_queue_wait_seconds",
				Help:    "Time a task waited in the LLM queue before running",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"world_id"},
		),
		OrchestratorTurns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_orchestrator_turns_total",
				Help: "Completed orchestrator turns by outcome",
			},
			[]string{"world_id", "outcome"},
		),
		OrchestratorTurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentworld_orchestrator_turn_duration_seconds",
				Help:    "Duration of a single orchestrator turn",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"world_id"},
		),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_tool_executions_total",
				Help: "Tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentworld_tool_execution_duration_seconds",
				Help:    "Duration of tool executions",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ApprovalDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_approval_decisions_total",
				Help: "Approval/HITL resolutions by kind and decision",
			},
			[]string{"kind", "decision"},
		),
		EventsPersisted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_events_persisted_total",
				Help: "Event records appended to storage by channel type",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) ActivityBegin(worldID string) { m.ActiveOperations.WithLabelValues(worldID).Inc() }

func (m *Metrics) ActivityEnd(worldID string) { m.ActiveOperations.WithLabelValues(worldID).Dec() }

func (m *Metrics) ActivityIdle(worldID string) { m.IdleTransitions.WithLabelValues(worldID).Inc() }

func (m *Metrics) SetQueueDepth(worldID, chatID string, depth int) {
	m.QueueDepth.WithLabelValues(worldID, chatID).Set(float64(depth))
}

func (m *Metrics) RecordQueueWait(worldID string, seconds float64) {
	m.QueueWait.WithLabelValues(worldID).Observe(seconds)
}

func (m *Metrics) RecordTurn(worldID, outcome string, seconds float64) {
	m.OrchestratorTurns.WithLabelValues(worldID, outcome).Inc()
	m.OrchestratorTurnDuration.WithLabelValues(worldID).Observe(seconds)
}

func (m *Metrics) RecordTool(toolName, status string, seconds float64) {
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(seconds)
}

func (m *Metrics) RecordApprovalDecision(kind, decision string) {
	m.ApprovalDecisions.WithLabelValues(kind, decision).Inc()
}

func (m *Metrics) RecordEventPersisted(eventType string) {
	m.EventsPersisted.WithLabelValues(eventType).Inc()
}
