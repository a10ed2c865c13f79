// Package telemetry fans orchestration events out to in-process subscribers,
// structured logs, persisted event rows, and an optional NATS sink.
package telemetry

import (
	"time"
)

// Event types broadcast by the orchestrator components.
const (
	EventThinkingStarted   = "thinking_process_started"
	EventThinkingStep      = "thinking_step_added"
	EventThinkingCompleted = "thinking_process_completed"
	EventTaskStarted       = "task_started"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventRecoveryAnalysis  = "recovery_analysis"
	EventGoalValidated     = "goal_validated"
	EventCorrectiveCreated = "corrective_task_created"
	EventDeliverableReady  = "deliverable_ready"
	EventSystemAlert       = "system_alert"
	EventHealthRecovered   = "health_auto_recovery"
	EventMetric            = "metric"
)

// Alert types raised by health checks and orchestration components.
const (
	AlertOrphanedWorkspace     = "ORPHANED_WORKSPACE"
	AlertNoAgentsAtAll         = "NO_AGENTS_AT_ALL"
	AlertNoAvailableAgents     = "NO_AVAILABLE_AGENTS"
	AlertNoTasksForGoal        = "NO_TASKS_FOR_GOAL"
	AlertCorrectiveTaskNoAgent = "CORRECTIVE_TASK_NO_AGENT"
	AlertCriticalUnrecoverable = "CRITICAL_UNRECOVERABLE_ISSUES"
	AlertHealthCheckError      = "HEALTH_CHECK_ERROR"
	AlertBudgetExceeded        = "BUDGET_EXCEEDED"
	AlertTaskEscalated         = "TASK_ESCALATED"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Event is a single broadcast observation. Payload keys are event-type
// specific; Timestamp is stamped by the hub.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Telemetry is the outbound observation port. Implementations must never
// block the caller and must never fail it: delivery problems are logged
// and swallowed.
type Telemetry interface {
	// Broadcast fans an event out to subscribers and sinks.
	Broadcast(eventType string, payload map[string]any)
	// EmitMetric records a named numeric measurement.
	EmitMetric(name string, value float64, tags map[string]string)
	// Alert raises an operator-facing condition for a workspace.
	Alert(workspaceID, alertType, severity, description string)
}

// Noop discards everything. Useful as a default when callers pass nil.
type Noop struct{}

func (Noop) Broadcast(string, map[string]any) {}

func (Noop) EmitMetric(string, float64, map[string]string) {}

func (Noop) Alert(string, string, string, string) {}
