package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antigravity-dev/foreman/internal/agentruntime"
	"github.com/antigravity-dev/foreman/internal/recovery"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
	"github.com/antigravity-dev/foreman/internal/thinking"
)

const maxFollowUps = 3

// runTask is one worker's handling of one queued task: claim it, run the
// agent under a deadline, then settle the books on either outcome.
func (e *Executor) runTask(ctx context.Context, task *store.Task, log *slog.Logger) {
	e.mu.Lock()
	e.active++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	agent, err := e.resolveAgent(task)
	if err != nil {
		log.Warn("no agent for task", "task_id", task.ID, "error", err)
		if task.IsCorrective {
			e.telemetry.Alert(task.WorkspaceID, telemetry.AlertCorrectiveTaskNoAgent, telemetry.SeverityWarning,
				fmt.Sprintf("corrective task %s has no agent to run it", task.ID))
		}
		if err := e.store.CASTaskStatus(task.ID, store.TaskQueued, store.TaskPending); err != nil {
			log.Warn("claim release failed", "task_id", task.ID, "error", err)
		}
		return
	}

	if err := e.store.ClaimTask(task.ID, agent.ID); err != nil {
		// Usually a crossed path: the task moved on while queued.
		log.Debug("task claim lost", "task_id", task.ID, "error", err)
		return
	}
	task.AgentID = agent.ID
	if err := e.store.UpdateAgentStatus(agent.ID, store.AgentBusy); err != nil {
		log.Warn("agent status update failed", "agent_id", agent.ID, "error", err)
	}

	started := e.clock.Now()
	deadline := e.taskDeadline(task)
	e.noteStarted(task, agent, deadline)

	procID := e.startThinking(task, agent, deadline)

	execCtx, cancel := context.WithTimeout(ctx, deadline)
	res, execErr := e.runtime.Execute(execCtx, task, agent)
	cancel()
	elapsed := e.clock.Now().Sub(started)

	if execErr != nil {
		e.handleFailure(ctx, task, agent, procID, execErr, elapsed, log)
		return
	}
	e.finishSuccess(ctx, task, agent, procID, res, elapsed, log)
}

// resolveAgent picks who runs the task: the pinned agent when it is still
// usable, then the least-loaded agent of the requested role, then anyone
// available.
func (e *Executor) resolveAgent(task *store.Task) (*store.Agent, error) {
	now := e.clock.Now()
	if task.AgentID != "" {
		agent, err := e.store.GetAgent(task.AgentID)
		if err == nil && agent.Status != store.AgentOffline && !quarantinedNow(agent, now) {
			return agent, nil
		}
	}
	if task.AgentRole != "" {
		agents, err := e.store.AgentsByRole(task.WorkspaceID, task.AgentRole, now)
		if err != nil {
			return nil, fmt.Errorf("executor: agents by role: %w", err)
		}
		if len(agents) > 0 {
			return &agents[0], nil
		}
	}
	agents, err := e.store.AvailableAgents(task.WorkspaceID, now)
	if err != nil {
		return nil, fmt.Errorf("executor: available agents: %w", err)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("executor: no available agent in workspace %s", task.WorkspaceID)
	}
	return &agents[0], nil
}

func quarantinedNow(a *store.Agent, now time.Time) bool {
	return a.QuarantinedUntil.Valid && a.QuarantinedUntil.Time.After(now)
}

// taskDeadline derives the execution window from the planner's duration
// estimate, clamped to the configured bounds. Tasks without an estimate
// get the full window.
func (e *Executor) taskDeadline(task *store.Task) time.Duration {
	minT := e.cfg.MinTaskTimeout.Duration
	if minT <= 0 {
		minT = 2 * time.Minute
	}
	maxT := e.cfg.MaxTaskTimeout.Duration
	if maxT < minT {
		maxT = 30 * time.Minute
	}
	if maxT < minT {
		maxT = minT
	}
	d := maxT
	if v, ok := task.ContextData["estimated_duration_hours"]; ok {
		if hours := numericHours(v); hours > 0 {
			d = time.Duration(hours * float64(time.Hour))
		}
	}
	if d < minT {
		d = minT
	}
	if d > maxT {
		d = maxT
	}
	return d
}

func numericHours(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func (e *Executor) noteStarted(task *store.Task, agent *store.Agent, deadline time.Duration) {
	if err := e.store.LogEvent(telemetry.EventTaskStarted, task.WorkspaceID, task.ID, telemetry.SeverityInfo, map[string]any{
		"agent_id":   agent.ID,
		"agent_role": agent.Role,
		"timeout":    deadline.String(),
	}); err != nil {
		e.logger.Warn("event log failed", "task_id", task.ID, "error", err)
	}
	e.telemetry.Broadcast(telemetry.EventTaskStarted, map[string]any{
		"task_id":      task.ID,
		"workspace_id": task.WorkspaceID,
		"agent_id":     agent.ID,
		"name":         task.Name,
	})
	e.activity.Record(ActivityEntry{
		Timestamp:   e.clock.Now().UTC(),
		Event:       ActivityTaskStarted,
		TaskID:      task.ID,
		AgentID:     agent.ID,
		WorkspaceID: task.WorkspaceID,
		Summary:     task.Name,
	})
	e.logger.Info("task started", "task_id", task.ID, "agent_id", agent.ID, "timeout", deadline)
}

func (e *Executor) startThinking(task *store.Task, agent *store.Agent, deadline time.Duration) string {
	if e.thinking == nil {
		return ""
	}
	procID, err := e.thinking.Start(task.WorkspaceID, task.ID, agent.ID,
		fmt.Sprintf("Executing task %q", task.Name))
	if err != nil {
		e.logger.Debug("thinking start failed", "task_id", task.ID, "error", err)
		return ""
	}
	content := fmt.Sprintf("Assigned to %s agent %s with a %s window. %s",
		agent.Role, agent.ID, deadline, task.Description)
	if err := e.thinking.Append(procID, thinking.StepAnalysis, content, 0.6, map[string]any{"attempt": task.RecoveryCount + 1}); err != nil {
		e.logger.Debug("thinking append failed", "process_id", procID, "error", err)
	}
	return procID
}

func (e *Executor) finishSuccess(ctx context.Context, task *store.Task, agent *store.Agent, procID string, res *agentruntime.Result, elapsed time.Duration, log *slog.Logger) {
	model := res.Model
	if model == "" {
		model = agent.Model
	}
	var cost float64
	if e.budget != nil {
		entry := e.budget.Record(agent.ID, task.WorkspaceID, task.ID, model, res.Usage)
		cost = entry.TotalCost
	}

	result := map[string]any{
		"output":                 res.Output,
		"status_detail":          "completed",
		"execution_time_seconds": elapsed.Seconds(),
		"model_used":             model,
		"tokens_used": map[string]any{
			"input":     res.Usage.InputTokens,
			"output":    res.Usage.OutputTokens,
			"estimated": res.Usage.Estimated,
		},
		"cost_estimated": cost,
	}
	if res.AgentMeta != nil {
		result["agent_metadata"] = res.AgentMeta
	}
	if res.Structured != nil {
		result["structured"] = res.Structured
	}

	if err := e.store.CompleteTask(task.ID, result); err != nil {
		// The task left in_progress under us, likely requeued by a health
		// sweep. The work is lost but the books must not double-count.
		log.Warn("task completion lost", "task_id", task.ID, "error", err)
		e.restoreAgent(agent, false)
		return
	}
	task.Status = store.TaskCompleted
	task.Result = result

	if id := e.takeAttempt(task.ID); id != 0 && e.recovery != nil {
		e.recovery.MarkOutcome(id, true)
	}
	e.restoreAgent(agent, true)

	e.mu.Lock()
	e.completed++
	e.mu.Unlock()

	if err := e.store.LogEvent(telemetry.EventTaskCompleted, task.WorkspaceID, task.ID, telemetry.SeverityInfo, map[string]any{
		"agent_id":               agent.ID,
		"execution_time_seconds": elapsed.Seconds(),
		"cost_estimated":         cost,
		"model":                  model,
	}); err != nil {
		log.Warn("event log failed", "task_id", task.ID, "error", err)
	}
	e.telemetry.Broadcast(telemetry.EventTaskCompleted, map[string]any{
		"task_id":      task.ID,
		"workspace_id": task.WorkspaceID,
		"agent_id":     agent.ID,
		"name":         task.Name,
		"cost":         cost,
	})
	e.telemetry.EmitMetric("executor_task_seconds", elapsed.Seconds(), map[string]string{"status": "completed"})
	e.activity.Record(ActivityEntry{
		Timestamp:   e.clock.Now().UTC(),
		Event:       ActivityTaskCompleted,
		TaskID:      task.ID,
		AgentID:     agent.ID,
		WorkspaceID: task.WorkspaceID,
		Summary:     clip(res.Output, 120),
	})
	log.Info("task completed", "task_id", task.ID, "agent_id", agent.ID,
		"seconds", elapsed.Seconds(), "cost", cost)

	if procID != "" && e.thinking != nil {
		if err := e.thinking.Complete(ctx, procID, clip(res.Output, 500), 0.8); err != nil {
			log.Debug("thinking complete failed", "process_id", procID, "error", err)
		}
	}
	if e.hook != nil {
		e.hook.HandleTaskCompletion(ctx, task)
	}
	if res.Structured != nil {
		e.spawnFollowUps(task, agent, res.Structured)
		e.noteHandoff(task, agent, res.Structured)
	}
	e.pokeReconciler(ctx, task)
}

// pokeReconciler triggers an immediate goal validation so progress shows
// up without waiting for the next monitor cycle.
func (e *Executor) pokeReconciler(ctx context.Context, task *store.Task) {
	if task.GoalID == "" {
		return
	}
	e.mu.Lock()
	r := e.reconciler
	e.mu.Unlock()
	if r == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := r.ValidateNow(ctx, task.WorkspaceID); err != nil {
			e.logger.Debug("post-completion validation failed", "workspace_id", task.WorkspaceID, "error", err)
		}
	}()
}

func (e *Executor) handleFailure(ctx context.Context, task *store.Task, agent *store.Agent, procID string, execErr error, elapsed time.Duration, log *slog.Logger) {
	cls := agentruntime.Classify(execErr)

	// A failure after a retry settles the pending attempt before a new
	// decision gets its own row.
	if id := e.takeAttempt(task.ID); id != 0 && e.recovery != nil {
		e.recovery.MarkOutcome(id, false)
	}

	e.mu.Lock()
	e.failed++
	e.mu.Unlock()

	if err := e.store.LogEvent(telemetry.EventTaskFailed, task.WorkspaceID, task.ID, telemetry.SeverityWarning, map[string]any{
		"agent_id":               agent.ID,
		"error":                  cls.Message,
		"error_kind":             cls.Kind,
		"execution_time_seconds": elapsed.Seconds(),
	}); err != nil {
		log.Warn("event log failed", "task_id", task.ID, "error", err)
	}
	e.telemetry.Broadcast(telemetry.EventTaskFailed, map[string]any{
		"task_id":      task.ID,
		"workspace_id": task.WorkspaceID,
		"agent_id":     agent.ID,
		"error_kind":   cls.Kind,
	})
	e.telemetry.EmitMetric("executor_task_seconds", elapsed.Seconds(), map[string]string{"status": "failed"})
	e.activity.Record(ActivityEntry{
		Timestamp:   e.clock.Now().UTC(),
		Event:       ActivityTaskFailed,
		TaskID:      task.ID,
		AgentID:     agent.ID,
		WorkspaceID: task.WorkspaceID,
		Summary:     clip(cls.Message, 120),
	})
	log.Warn("task failed", "task_id", task.ID, "agent_id", agent.ID,
		"error_kind", cls.Kind, "error", cls.Message)

	if procID != "" && e.thinking != nil {
		if err := e.thinking.Complete(ctx, procID, "Execution failed: "+clip(cls.Message, 300), 0.2); err != nil {
			log.Debug("thinking complete failed", "process_id", procID, "error", err)
		}
	}

	if e.recovery == nil {
		e.failTask(task, agent, cls, nil, elapsed, "no recovery analyser configured")
		return
	}

	rc := recovery.Context{
		TaskID:           task.ID,
		WorkspaceID:      task.WorkspaceID,
		AgentID:          agent.ID,
		ErrorMessage:     cls.Message,
		ErrorType:        cls.Kind,
		ExecutionStage:   "execute",
		PreviousAttempts: task.RecoveryCount,
		SystemLoad:       e.loadFactor(),
	}
	if e.health != nil {
		if rep := e.health.WorkspaceHealth(task.WorkspaceID); rep != nil {
			rc.WorkspaceHealthScore = float64(rep.Score)
		}
	}
	d := e.recovery.Analyze(ctx, rc)

	allowed := e.maxAttempts
	if d.MaxAttempts > 0 && d.MaxAttempts < allowed {
		allowed = d.MaxAttempts
	}

	switch d.Decision {
	case recovery.DecisionRetry:
		if task.RecoveryCount >= allowed {
			e.failTask(task, agent, cls, d, elapsed, fmt.Sprintf("exhausted %d recovery attempts", allowed))
			e.telemetry.Alert(task.WorkspaceID, telemetry.AlertTaskEscalated, telemetry.SeverityCritical,
				fmt.Sprintf("task %s failed %d times, last error: %s", task.ID, allowed+1, clip(cls.Message, 200)))
			return
		}
		e.retryTask(task, agent, d, log)

	case recovery.DecisionCircuitBreak:
		until := e.clock.Now().Add(e.breakWindow(d))
		if err := e.store.QuarantineAgent(agent.ID, until); err != nil {
			log.Warn("agent quarantine failed", "agent_id", agent.ID, "error", err)
		} else {
			log.Warn("agent circuit broken", "agent_id", agent.ID, "until", until, "reason", d.Reasoning)
		}
		if task.RecoveryCount < allowed {
			e.retryTask(task, agent, d, log)
			return
		}
		e.failTask(task, agent, cls, d, elapsed, "circuit breaker with no attempts left")

	case recovery.DecisionEscalate:
		e.failTask(task, agent, cls, d, elapsed, d.Reasoning)
		e.telemetry.Alert(task.WorkspaceID, telemetry.AlertTaskEscalated, telemetry.SeverityCritical,
			fmt.Sprintf("task %s escalated: %s", task.ID, clip(cls.Message, 200)))

	default: // DecisionSkip and anything unrecognised
		e.failTask(task, agent, cls, d, elapsed, d.Reasoning)
	}
}

func (e *Executor) breakWindow(d *recovery.Decision) time.Duration {
	if d.DelaySeconds > 0 {
		return time.Duration(d.DelaySeconds * float64(time.Second))
	}
	return 30 * time.Minute
}

// retryTask puts the task back in the cycle: pending again, recovery count
// bumped, requeued after the decided delay. The attempt row stays open
// until the next outcome for this task settles it.
func (e *Executor) retryTask(task *store.Task, agent *store.Agent, d *recovery.Decision, log *slog.Logger) {
	if err := e.store.RetryTask(task.ID); err != nil {
		log.Warn("task retry failed", "task_id", task.ID, "error", err)
		e.restoreAgent(agent, false)
		return
	}
	e.rememberAttempt(task.ID, d.AttemptID)
	e.restoreAgent(agent, false)

	delay := time.Duration(d.DelaySeconds * float64(time.Second))
	log.Info("task retry scheduled", "task_id", task.ID, "strategy", d.Strategy,
		"delay", delay, "attempt", task.RecoveryCount+1, "confidence", d.Confidence)
	if delay <= 0 {
		e.requeue(task.ID)
		return
	}
	e.clock.AfterFunc(delay, func() { e.requeue(task.ID) })
}

// requeue re-enqueues a retried task. A full queue or a crossed path is
// fine; the control loop sweeps pending tasks anyway.
func (e *Executor) requeue(taskID string) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		e.logger.Warn("requeue lookup failed", "task_id", taskID, "error", err)
		return
	}
	if task.Status != store.TaskPending {
		return
	}
	if err := e.Enqueue(task); err != nil && !errors.Is(err, store.ErrConflict) {
		e.logger.Debug("requeue deferred to control loop", "task_id", taskID, "error", err)
	}
}

func (e *Executor) failTask(task *store.Task, agent *store.Agent, cls *agentruntime.Error, d *recovery.Decision, elapsed time.Duration, reason string) {
	diag := map[string]any{
		"error":                  cls.Message,
		"error_kind":             cls.Kind,
		"status_detail":          "failed_during_execution",
		"execution_time_seconds": elapsed.Seconds(),
		"cost_estimated":         0.0,
		"reason":                 reason,
	}
	if d != nil {
		diag["recovery_decision"] = d.Decision
		diag["recovery_strategy"] = d.Strategy
	}
	if err := e.store.FailTask(task.ID, diag); err != nil {
		e.logger.Warn("task fail transition lost", "task_id", task.ID, "error", err)
	}
	if d != nil && d.AttemptID != 0 && e.recovery != nil {
		e.recovery.MarkOutcome(d.AttemptID, false)
	}
	e.restoreAgent(agent, false)
}

// restoreAgent returns the agent to the pool, crediting the completion
// when the task finished.
func (e *Executor) restoreAgent(agent *store.Agent, completed bool) {
	if err := e.store.UpdateAgentStatus(agent.ID, store.AgentAvailable); err != nil {
		e.logger.Warn("agent release failed", "agent_id", agent.ID, "error", err)
	}
	if completed {
		if err := e.store.IncrementAgentCompleted(agent.ID); err != nil {
			e.logger.Warn("agent credit failed", "agent_id", agent.ID, "error", err)
		}
	}
}

// spawnFollowUps creates the tasks an agent asked for in its structured
// answer, capped so a chatty agent cannot flood the backlog.
func (e *Executor) spawnFollowUps(task *store.Task, agent *store.Agent, structured map[string]any) {
	raw, ok := structured["follow_up_tasks"].([]any)
	if !ok || len(raw) == 0 {
		return
	}
	created := 0
	for _, item := range raw {
		if created >= maxFollowUps {
			break
		}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if strings.TrimSpace(name) == "" {
			continue
		}
		desc, _ := m["description"].(string)
		role, _ := m["agent_role"].(string)
		fu := &store.Task{
			WorkspaceID: task.WorkspaceID,
			GoalID:      task.GoalID,
			AgentRole:   role,
			Name:        name,
			Description: desc,
			Priority:    store.PriorityMedium,
			AIGenerated: true,
			ContextData: map[string]any{
				"origin":         "agent_follow_up",
				"parent_task_id": task.ID,
			},
		}
		if err := e.store.CreateTask(fu); err != nil {
			e.logger.Warn("follow-up create failed", "parent_task_id", task.ID, "error", err)
			continue
		}
		created++
		if err := e.store.LogEvent(ActivityAutoTaskGenerated, task.WorkspaceID, fu.ID, telemetry.SeverityInfo, map[string]any{
			"parent_task_id": task.ID,
			"agent_id":       agent.ID,
		}); err != nil {
			e.logger.Warn("event log failed", "task_id", fu.ID, "error", err)
		}
		e.activity.Record(ActivityEntry{
			Timestamp:   e.clock.Now().UTC(),
			Event:       ActivityAutoTaskGenerated,
			TaskID:      fu.ID,
			AgentID:     agent.ID,
			WorkspaceID: task.WorkspaceID,
			Summary:     name,
		})
	}
	if created > 0 {
		e.logger.Info("follow-up tasks created", "parent_task_id", task.ID, "count", created)
	}
}

// noteHandoff records an agent's request to pass remaining work to another
// role. The follow-up tasks carry the actual work; this is the audit row.
func (e *Executor) noteHandoff(task *store.Task, agent *store.Agent, structured map[string]any) {
	want, _ := structured["handoff_requested"].(bool)
	if !want {
		return
	}
	target, _ := structured["handoff_role"].(string)
	if err := e.store.LogEvent(ActivityHandoffRequested, task.WorkspaceID, task.ID, telemetry.SeverityInfo, map[string]any{
		"agent_id":    agent.ID,
		"target_role": target,
	}); err != nil {
		e.logger.Warn("event log failed", "task_id", task.ID, "error", err)
	}
	e.activity.Record(ActivityEntry{
		Timestamp:   e.clock.Now().UTC(),
		Event:       ActivityHandoffRequested,
		TaskID:      task.ID,
		AgentID:     agent.ID,
		WorkspaceID: task.WorkspaceID,
		Summary:     "handoff to " + target,
	})
	e.logger.Info("handoff requested", "task_id", task.ID, "agent_id", agent.ID, "target_role", target)
}

func (e *Executor) loadFactor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workers == 0 {
		return 0
	}
	return float64(e.active) / float64(e.workers)
}

func (e *Executor) rememberAttempt(taskID string, attemptID int64) {
	if attemptID == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries[taskID] = attemptID
}

func (e *Executor) takeAttempt(taskID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.retries[taskID]
	delete(e.retries, taskID)
	return id
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
