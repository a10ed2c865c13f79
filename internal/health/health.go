// Package health scores workspaces, repairs the faults it can reverse, and
// quarantines the ones it cannot. It also owns the single-instance process
// lock used by the daemon.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

// Issue types detected by workspace scoring.
const (
	IssueWorkspaceMissing  = "workspace_missing"
	IssueNotStarted        = "workspace_not_started"
	IssueNoAgents          = "no_agents"
	IssueNoAvailableAgents = "no_available_agents"
	IssueGoalsWithoutTasks = "goals_without_tasks"
	IssueExecutorSilent    = "executor_silent"
	IssueNeedsIntervention = "needs_intervention"
	IssueBudgetExceeded    = "budget_exceeded"
	IssueCheckFailed       = "health_check_failed"
)

// Issue is one problem found on a workspace.
type Issue struct {
	Type            string
	Description     string
	AutoRecoverable bool
	Critical        bool
}

// Report is the outcome of scoring a single workspace. Score is 0-100:
// five checks worth 20 each (row exists, lifecycle started, at least one
// usable agent, every active goal has tasks, the executor is not silent on
// a runnable backlog).
type Report struct {
	WorkspaceID string
	Score       int
	Issues      []Issue
	CheckedAt   time.Time
}

// Has reports whether an issue of the given type was found.
func (r *Report) Has(issueType string) bool {
	for _, issue := range r.Issues {
		if issue.Type == issueType {
			return true
		}
	}
	return false
}

// Critical reports whether any issue is critical and not auto-recoverable.
func (r *Report) Critical() bool {
	for _, issue := range r.Issues {
		if issue.Critical && !issue.AutoRecoverable {
			return true
		}
	}
	return false
}

// SpendReader reports the accumulated cost of a workspace. The executor's
// budget tracker implements it; a nil reader disables budget checks.
type SpendReader interface {
	WorkspaceSpend(workspaceID string) float64
}

// Manager runs the health sweeps and keeps the quarantine set that the
// goal monitor consults when building its working set.
type Manager struct {
	store      *store.Store
	telemetry  telemetry.Telemetry
	spend      SpendReader
	cfg        config.Health
	maxRetries int
	clock      clock.Clock
	logger     *slog.Logger

	mu          sync.Mutex
	quarantined map[string]string // workspace id -> reason
}

// New builds a Manager. spend may be nil, which disables budget checks.
func New(s *store.Store, tel telemetry.Telemetry, spend SpendReader, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Manager {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       s,
		telemetry:   tel,
		spend:       spend,
		cfg:         cfg.Health,
		maxRetries:  cfg.Recovery.MaxAttemptsPerTask,
		clock:       clk,
		logger:      logger.With("component", "health"),
		quarantined: make(map[string]string),
	}
}

// Scan runs one full health pass: global sweeps first (orphaned goals,
// expired task-creation locks, stale in-progress tasks), then a score per
// live workspace with auto-recovery of what can be fixed and alerting on
// what cannot. Returns the per-workspace reports.
func (m *Manager) Scan(ctx context.Context) []Report {
	if !m.cfg.Enabled {
		return nil
	}

	m.cleanOrphanedGoals()
	m.releaseExpiredLocks()
	m.requeueStaleTasks()

	workspaces, err := m.store.ListWorkspacesByStatus(
		store.WorkspaceCreated,
		store.WorkspaceActive,
		store.WorkspaceProcessingTasks,
		store.WorkspaceNeedsIntervention,
	)
	if err != nil {
		m.logger.Error("workspace scan failed", "error", err)
		m.telemetry.Alert("", telemetry.AlertHealthCheckError, telemetry.SeverityError, err.Error())
		return nil
	}

	reports := make([]Report, 0, len(workspaces))
	for i := range workspaces {
		if ctx.Err() != nil {
			break
		}
		ws := &workspaces[i]
		rep := m.scoreWorkspace(ws)
		m.recoverWorkspace(ws, rep)
		reports = append(reports, *rep)
	}
	return reports
}

// Run blocks until ctx is cancelled, scanning at the given interval. It is
// the fallback loop for deployments without goal-driven monitoring, which
// otherwise owns the scan cadence. The first scan runs immediately.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if !m.cfg.Enabled {
		m.logger.Info("health scanning disabled")
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	m.logger.Info("health manager started", "interval", interval)

	m.Scan(ctx)

	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health manager stopped")
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// WorkspaceHealth scores one workspace without recovery side effects.
// Unknown ids score zero.
func (m *Manager) WorkspaceHealth(id string) *Report {
	ws, err := m.store.GetWorkspace(id)
	if err != nil {
		rep := &Report{WorkspaceID: id, CheckedAt: m.clock.Now()}
		if errors.Is(err, store.ErrNotFound) {
			rep.Issues = append(rep.Issues, Issue{
				Type:        IssueWorkspaceMissing,
				Description: "workspace row does not exist",
				Critical:    true,
			})
		} else {
			m.logger.Error("health check failed", "workspace_id", id, "error", err)
			rep.Issues = append(rep.Issues, Issue{Type: IssueCheckFailed, Description: err.Error()})
		}
		return rep
	}
	return m.scoreWorkspace(ws)
}

// Quarantined reports whether a workspace is excluded from orchestration
// until its critical issues are resolved.
func (m *Manager) Quarantined(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.quarantined[workspaceID]
	return ok
}

// QuarantinedIDs lists the excluded workspaces, sorted.
func (m *Manager) QuarantinedIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.quarantined))
	for id := range m.quarantined {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// cleanOrphanedGoals deletes goals whose workspace row is gone. External
// systems own workspace rows and may drop them out from under us; the
// leftover goals would otherwise keep the monitor busy forever.
func (m *Manager) cleanOrphanedGoals() {
	goals, err := m.store.ListOrphanedGoals()
	if err != nil {
		m.logger.Error("orphaned goal lookup failed", "error", err)
		return
	}
	if len(goals) == 0 {
		return
	}

	ids := make([]string, len(goals))
	owners := make(map[string]struct{})
	for i, g := range goals {
		ids[i] = g.ID
		owners[g.WorkspaceID] = struct{}{}
	}

	deleted, err := m.store.DeleteGoals(ids)
	if err != nil {
		m.logger.Error("orphaned goal cleanup failed", "error", err)
		return
	}

	if err := m.store.LogEvent("system", "", "", telemetry.SeverityInfo, map[string]any{
		"action":        "orphaned_goals_cleanup",
		"goals_deleted": deleted,
	}); err != nil {
		m.logger.Warn("orphaned goal cleanup event not recorded", "error", err)
	}
	m.telemetry.Broadcast(telemetry.EventHealthRecovered, map[string]any{
		"action":        "orphaned_goals_cleanup",
		"goals_deleted": deleted,
	})

	for id := range owners {
		if m.setQuarantine(id, "goals referenced a workspace that no longer exists") {
			m.telemetry.Alert(id, telemetry.AlertOrphanedWorkspace, telemetry.SeverityWarning,
				"goals referenced a workspace that no longer exists")
		}
	}
	m.logger.Info("removed orphaned goals", "deleted", deleted, "workspaces", len(owners))
}

// releaseExpiredLocks returns workspaces stuck in processing_tasks to
// active once the task-creation lock has outlived its TTL. The holder
// crashed or hung; the status is the lock.
func (m *Manager) releaseExpiredLocks() {
	cutoff := m.clock.Now().Add(-m.cfg.WorkspaceLockTTL.Duration)
	stuck, err := m.store.ListStuckProcessing(cutoff)
	if err != nil {
		m.logger.Error("stuck lock lookup failed", "error", err)
		return
	}
	for _, ws := range stuck {
		if err := m.store.ReleaseProcessing(ws.ID); err != nil {
			m.logger.Warn("could not release task-creation lock", "workspace_id", ws.ID, "error", err)
			continue
		}
		m.telemetry.Broadcast(telemetry.EventHealthRecovered, map[string]any{
			"action":       "processing_lock_released",
			"workspace_id": ws.ID,
		})
		m.logger.Warn("released expired task-creation lock",
			"workspace_id", ws.ID, "held_since", ws.ProcessingSince.Time)
	}
}

// requeueStaleTasks sends tasks whose worker died mid-flight back to
// pending, or fails them once the recovery budget is spent.
func (m *Manager) requeueStaleTasks() {
	cutoff := m.clock.Now().Add(-m.cfg.StuckTaskTimeout.Duration)
	tasks, err := m.store.StaleInProgress(cutoff)
	if err != nil {
		m.logger.Error("stale task lookup failed", "error", err)
		return
	}
	for _, t := range tasks {
		if t.RecoveryCount >= m.maxRetries {
			diag := map[string]any{
				"error":          fmt.Sprintf("stuck in_progress for over %s with no recovery budget left", m.cfg.StuckTaskTimeout.Duration),
				"recovery_count": t.RecoveryCount,
			}
			if err := m.store.FailTask(t.ID, diag); err != nil {
				m.logger.Warn("could not fail exhausted stale task", "task_id", t.ID, "error", err)
				continue
			}
			m.telemetry.Broadcast(telemetry.EventTaskFailed, map[string]any{
				"task_id":      t.ID,
				"workspace_id": t.WorkspaceID,
				"reason":       "stale_in_progress",
			})
			m.logger.Error("failed stale task with exhausted retries", "task_id", t.ID, "recovery_count", t.RecoveryCount)
			continue
		}

		if err := m.store.RetryTask(t.ID); err != nil {
			m.logger.Warn("could not requeue stale task", "task_id", t.ID, "error", err)
			continue
		}
		m.telemetry.Broadcast(telemetry.EventHealthRecovered, map[string]any{
			"action":       "stale_task_requeued",
			"task_id":      t.ID,
			"workspace_id": t.WorkspaceID,
			"attempt":      t.RecoveryCount + 1,
		})
		m.logger.Warn("requeued stale in-progress task", "task_id", t.ID, "recovery_count", t.RecoveryCount+1)
	}
}

func (m *Manager) scoreWorkspace(ws *store.Workspace) *Report {
	now := m.clock.Now()
	rep := &Report{WorkspaceID: ws.ID, CheckedAt: now, Score: 20}

	total, available, err := m.store.CountAgents(ws.ID, now)
	if err != nil {
		m.logger.Warn("agent count failed", "workspace_id", ws.ID, "error", err)
		rep.Issues = append(rep.Issues, Issue{Type: IssueCheckFailed, Description: err.Error()})
		total, available = 0, 0
	}

	if ws.Status == store.WorkspaceCreated {
		rep.Issues = append(rep.Issues, Issue{
			Type:        IssueNotStarted,
			Description: "workspace was never activated",
		})
	} else {
		rep.Score += 20
	}
	if ws.Status == store.WorkspaceNeedsIntervention {
		rep.Issues = append(rep.Issues, Issue{
			Type:            IssueNeedsIntervention,
			Description:     "workspace is flagged for intervention",
			AutoRecoverable: available > 0,
		})
	}

	switch {
	case available > 0:
		rep.Score += 20
	case total == 0:
		// Provisioning agents is external policy; an agentless workspace
		// that is supposed to run can only be flagged.
		rep.Issues = append(rep.Issues, Issue{
			Type:        IssueNoAgents,
			Description: "workspace has no agents at all",
			Critical:    ws.Status != store.WorkspaceCreated,
		})
	default:
		rep.Issues = append(rep.Issues, Issue{
			Type:        IssueNoAvailableAgents,
			Description: fmt.Sprintf("all %d agents are busy, offline, or quarantined", total),
		})
	}

	m.scoreGoalLinkage(ws, rep)
	m.scoreActivity(ws, rep, now)

	if m.spend != nil && ws.BudgetMax > 0 {
		if spent := m.spend.WorkspaceSpend(ws.ID); spent >= ws.BudgetMax {
			rep.Issues = append(rep.Issues, Issue{
				Type:        IssueBudgetExceeded,
				Description: fmt.Sprintf("spent %.2f %s of the %.2f cap", spent, ws.BudgetCurrency, ws.BudgetMax),
				Critical:    true,
			})
		}
	}

	return rep
}

func (m *Manager) scoreGoalLinkage(ws *store.Workspace, rep *Report) {
	goals, err := m.store.ListGoals(ws.ID)
	if err != nil {
		m.logger.Warn("goal lookup failed", "workspace_id", ws.ID, "error", err)
		rep.Issues = append(rep.Issues, Issue{Type: IssueCheckFailed, Description: err.Error()})
		return
	}
	tasks, err := m.store.ListTasks(ws.ID)
	if err != nil {
		m.logger.Warn("task lookup failed", "workspace_id", ws.ID, "error", err)
		rep.Issues = append(rep.Issues, Issue{Type: IssueCheckFailed, Description: err.Error()})
		return
	}

	linked := make(map[string]bool)
	for _, t := range tasks {
		if t.GoalID != "" {
			linked[t.GoalID] = true
		}
	}

	unlinked := 0
	for _, g := range goals {
		if g.Status == store.GoalActive && !linked[g.ID] {
			unlinked++
		}
	}
	if unlinked == 0 {
		rep.Score += 20
		return
	}
	rep.Issues = append(rep.Issues, Issue{
		Type:            IssueGoalsWithoutTasks,
		Description:     fmt.Sprintf("%d active goals have no tasks", unlinked),
		AutoRecoverable: true, // the monitor bootstraps a plan on its next pass
	})
}

func (m *Manager) scoreActivity(ws *store.Workspace, rep *Report, now time.Time) {
	counts, err := m.store.CountTasksByStatus(ws.ID)
	if err != nil {
		m.logger.Warn("task count failed", "workspace_id", ws.ID, "error", err)
		rep.Issues = append(rep.Issues, Issue{Type: IssueCheckFailed, Description: err.Error()})
		return
	}
	backlog := counts[store.TaskPending] + counts[store.TaskQueued] + counts[store.TaskInProgress]
	if backlog == 0 {
		// Nothing runnable, silence is expected.
		rep.Score += 20
		return
	}

	last, err := m.store.LastEventTime(ws.ID,
		telemetry.EventTaskStarted, telemetry.EventTaskCompleted, telemetry.EventTaskFailed)
	if err != nil {
		m.logger.Warn("event lookup failed", "workspace_id", ws.ID, "error", err)
		rep.Issues = append(rep.Issues, Issue{Type: IssueCheckFailed, Description: err.Error()})
		return
	}
	ref := last
	if ref.IsZero() || ws.CreatedAt.After(ref) {
		ref = ws.CreatedAt
	}
	if now.Sub(ref) <= m.cfg.StuckTaskTimeout.Duration {
		rep.Score += 20
		return
	}
	rep.Issues = append(rep.Issues, Issue{
		Type:            IssueExecutorSilent,
		Description:     fmt.Sprintf("%d runnable tasks but no executor activity since %s", backlog, ref.UTC().Format(time.RFC3339)),
		AutoRecoverable: true,
	})
}

// recoverWorkspace acts on a fresh report: resets intervention flags whose
// cause is gone, then maintains the quarantine set and raises alerts for
// what cannot be fixed from here.
func (m *Manager) recoverWorkspace(ws *store.Workspace, rep *Report) {
	for _, issue := range rep.Issues {
		if issue.Type != IssueNeedsIntervention || !issue.AutoRecoverable {
			continue
		}
		if err := m.store.CASWorkspaceStatus(ws.ID, store.WorkspaceNeedsIntervention, store.WorkspaceActive); err != nil {
			m.logger.Warn("intervention reset failed", "workspace_id", ws.ID, "error", err)
			continue
		}
		m.telemetry.Broadcast(telemetry.EventHealthRecovered, map[string]any{
			"action":       "intervention_reset",
			"workspace_id": ws.ID,
		})
		m.logger.Info("reset workspace to active", "workspace_id", ws.ID)
	}

	var critical []string
	for _, issue := range rep.Issues {
		if issue.Critical && !issue.AutoRecoverable {
			critical = append(critical, issue.Description)
		}
	}
	if len(critical) == 0 {
		if m.clearQuarantine(ws.ID) {
			m.logger.Info("workspace released from quarantine", "workspace_id", ws.ID)
		}
		return
	}

	reason := strings.Join(critical, "; ")
	if !m.setQuarantine(ws.ID, reason) {
		return // already quarantined for this, do not re-alert
	}
	for _, issue := range rep.Issues {
		if issue.Type == IssueBudgetExceeded {
			m.telemetry.Alert(ws.ID, telemetry.AlertBudgetExceeded, telemetry.SeverityCritical, issue.Description)
		}
	}
	m.telemetry.Alert(ws.ID, telemetry.AlertCriticalUnrecoverable, telemetry.SeverityCritical, reason)
	m.logger.Error("workspace quarantined", "workspace_id", ws.ID, "reason", reason)
}

func (m *Manager) setQuarantine(id, reason string) (changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.quarantined[id]
	m.quarantined[id] = reason
	return !ok || prev != reason
}

func (m *Manager) clearQuarantine(id string) (changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quarantined[id]; !ok {
		return false
	}
	delete(m.quarantined, id)
	return true
}
