package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

type captureTelemetry struct {
	events  []string
	actions []string
	alerts  []string
}

func (c *captureTelemetry) Broadcast(eventType string, payload map[string]any) {
	c.events = append(c.events, eventType)
	if action, ok := payload["action"].(string); ok {
		c.actions = append(c.actions, action)
	}
}
func (c *captureTelemetry) EmitMetric(string, float64, map[string]string) {}
func (c *captureTelemetry) Alert(_, alertType, _, _ string) {
	c.alerts = append(c.alerts, alertType)
}

func (c *captureTelemetry) hasAction(action string) bool {
	for _, a := range c.actions {
		if a == action {
			return true
		}
	}
	return false
}

func (c *captureTelemetry) countAlert(alertType string) int {
	n := 0
	for _, a := range c.alerts {
		if a == alertType {
			n++
		}
	}
	return n
}

type stubSpend struct{ amount float64 }

func (s stubSpend) WorkspaceSpend(string) float64 { return s.amount }

func testConfig() *config.Config {
	return &config.Config{
		Health: config.Health{
			Enabled:          true,
			WorkspaceLockTTL: config.Duration{Duration: 15 * time.Minute},
			StuckTaskTimeout: config.Duration{Duration: 45 * time.Minute},
		},
		Recovery: config.Recovery{MaxAttemptsPerTask: 3},
	}
}

func testManager(t *testing.T) (*Manager, *store.Store, *clock.Mock, *captureTelemetry) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	mock := clock.NewMock()
	capture := &captureTelemetry{}
	m := New(s, capture, nil, testConfig(), mock, nil)
	return m, s, mock, capture
}

func seedWorkspace(t *testing.T, s *store.Store, status string) *store.Workspace {
	t.Helper()
	w := &store.Workspace{Name: "acme-launch", Goal: "Generate 5 qualified contacts", Status: status, TeamApproved: true}
	if err := s.CreateWorkspace(w); err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	return w
}

func seedAgent(t *testing.T, s *store.Store, workspaceID string) *store.Agent {
	t.Helper()
	a := &store.Agent{WorkspaceID: workspaceID, Name: "worker-1", Role: "researcher", Skills: []string{"research"}}
	if err := s.CreateAgent(a); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return a
}

func seedGoal(t *testing.T, s *store.Store, workspaceID string) *store.Goal {
	t.Helper()
	g := &store.Goal{
		WorkspaceID: workspaceID,
		Description: "Generate 5 qualified contacts",
		MetricType:  "contacts",
		TargetValue: 5,
		Unit:        "contacts",
	}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal failed: %v", err)
	}
	return g
}

func seedTask(t *testing.T, s *store.Store, workspaceID, goalID string) *store.Task {
	t.Helper()
	task := &store.Task{WorkspaceID: workspaceID, GoalID: goalID, Name: "Collect contacts", Description: "find leads"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestScanRemovesOrphanedGoals(t *testing.T) {
	m, s, _, capture := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceActive)
	g := seedGoal(t, s, w.ID)

	// Simulate an external system dropping the workspace row.
	if _, err := s.DB().Exec(`DELETE FROM workspaces WHERE id = ?`, w.ID); err != nil {
		t.Fatalf("delete workspace: %v", err)
	}

	m.Scan(context.Background())

	if _, err := s.GetGoal(g.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("goal survived cleanup, err = %v", err)
	}

	events, err := s.RecentEvents("", 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType != "system" {
			continue
		}
		if e.Details["action"] != "orphaned_goals_cleanup" {
			continue
		}
		found = true
		if got, ok := e.Details["goals_deleted"].(float64); !ok || got != 1 {
			t.Errorf("goals_deleted = %v, want 1", e.Details["goals_deleted"])
		}
	}
	if !found {
		t.Error("no system event recorded for the cleanup")
	}

	if !m.Quarantined(w.ID) {
		t.Error("workspace id should be excluded after its row vanished")
	}
	if capture.countAlert(telemetry.AlertOrphanedWorkspace) != 1 {
		t.Errorf("orphaned workspace alerts = %d, want 1", capture.countAlert(telemetry.AlertOrphanedWorkspace))
	}
}

func TestScanReleasesExpiredLock(t *testing.T) {
	m, s, mock, capture := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceActive)
	seedAgent(t, s, w.ID)

	if err := s.MarkProcessing(w.ID, mock.Now()); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	mock.Add(16 * time.Minute)

	m.Scan(context.Background())

	fresh, err := s.GetWorkspace(w.ID)
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if fresh.Status != store.WorkspaceActive {
		t.Errorf("status = %s, want active after lock release", fresh.Status)
	}
	if fresh.ProcessingSince.Valid {
		t.Error("processing stamp should be cleared")
	}
	if !capture.hasAction("processing_lock_released") {
		t.Error("no recovery event for the released lock")
	}
}

func TestScanKeepsFreshLock(t *testing.T) {
	m, s, mock, _ := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceActive)
	seedAgent(t, s, w.ID)

	if err := s.MarkProcessing(w.ID, mock.Now()); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	mock.Add(5 * time.Minute)

	m.Scan(context.Background())

	fresh, err := s.GetWorkspace(w.ID)
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if fresh.Status != store.WorkspaceProcessingTasks {
		t.Errorf("status = %s, a lock inside its TTL must be left alone", fresh.Status)
	}
}

func TestScanResetsIntervention(t *testing.T) {
	m, s, _, capture := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceNeedsIntervention)
	seedAgent(t, s, w.ID)

	m.Scan(context.Background())

	fresh, err := s.GetWorkspace(w.ID)
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if fresh.Status != store.WorkspaceActive {
		t.Fatalf("status = %s, want active after reset", fresh.Status)
	}
	if !capture.hasAction("intervention_reset") {
		t.Error("no recovery event for the reset")
	}
	if m.Quarantined(w.ID) {
		t.Error("recovered workspace must not be quarantined")
	}
}

func TestScanLeavesInterventionWithoutAgents(t *testing.T) {
	m, s, _, capture := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceNeedsIntervention)

	m.Scan(context.Background())

	fresh, err := s.GetWorkspace(w.ID)
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if fresh.Status != store.WorkspaceNeedsIntervention {
		t.Errorf("status = %s, reset needs a usable agent", fresh.Status)
	}
	if capture.countAlert(telemetry.AlertCriticalUnrecoverable) != 1 {
		t.Errorf("critical alerts = %d, want 1", capture.countAlert(telemetry.AlertCriticalUnrecoverable))
	}
	if !m.Quarantined(w.ID) {
		t.Error("agentless workspace should be quarantined")
	}
}

func TestScanRequeuesStaleTask(t *testing.T) {
	m, s, mock, capture := testManager(t)
	// Park the mock near wall time so DB-stamped rows compare sensibly.
	mock.Add(time.Since(time.Unix(0, 0)))

	w := seedWorkspace(t, s, store.WorkspaceActive)
	a := seedAgent(t, s, w.ID)
	g := seedGoal(t, s, w.ID)
	task := seedTask(t, s, w.ID, g.ID)

	if err := s.CASTaskStatus(task.ID, store.TaskPending, store.TaskQueued); err != nil {
		t.Fatalf("queue task: %v", err)
	}
	if err := s.ClaimTask(task.ID, a.ID); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE tasks SET updated_at = datetime('now', '-2 hours') WHERE id = ?`, task.ID); err != nil {
		t.Fatalf("backdate task: %v", err)
	}

	m.Scan(context.Background())

	fresh, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if fresh.Status != store.TaskPending {
		t.Errorf("status = %s, want pending after requeue", fresh.Status)
	}
	if fresh.RecoveryCount != 1 {
		t.Errorf("recovery_count = %d, want 1", fresh.RecoveryCount)
	}
	if fresh.AgentID != "" {
		t.Errorf("agent_id = %q, want cleared", fresh.AgentID)
	}
	if !capture.hasAction("stale_task_requeued") {
		t.Error("no recovery event for the requeue")
	}
}

func TestScanFailsExhaustedStaleTask(t *testing.T) {
	m, s, mock, capture := testManager(t)
	mock.Add(time.Since(time.Unix(0, 0)))

	w := seedWorkspace(t, s, store.WorkspaceActive)
	a := seedAgent(t, s, w.ID)
	g := seedGoal(t, s, w.ID)
	task := seedTask(t, s, w.ID, g.ID)

	if err := s.CASTaskStatus(task.ID, store.TaskPending, store.TaskQueued); err != nil {
		t.Fatalf("queue task: %v", err)
	}
	if err := s.ClaimTask(task.ID, a.ID); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE tasks SET updated_at = datetime('now', '-2 hours'), recovery_count = 3 WHERE id = ?`, task.ID); err != nil {
		t.Fatalf("backdate task: %v", err)
	}

	m.Scan(context.Background())

	fresh, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if fresh.Status != store.TaskFailed {
		t.Fatalf("status = %s, want failed once the recovery budget is gone", fresh.Status)
	}
	if got, ok := fresh.Result["recovery_count"].(float64); !ok || got != 3 {
		t.Errorf("diagnostic recovery_count = %v, want 3", fresh.Result["recovery_count"])
	}
	failed := false
	for _, e := range capture.events {
		if e == telemetry.EventTaskFailed {
			failed = true
		}
	}
	if !failed {
		t.Error("no task_failed broadcast")
	}
}

func TestWorkspaceHealthHealthy(t *testing.T) {
	m, s, _, _ := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceActive)
	seedAgent(t, s, w.ID)
	g := seedGoal(t, s, w.ID)
	seedTask(t, s, w.ID, g.ID)

	rep := m.WorkspaceHealth(w.ID)
	if rep.Score != 100 {
		t.Fatalf("score = %d, want 100", rep.Score)
	}
	if len(rep.Issues) != 0 {
		t.Errorf("issues = %+v, want none", rep.Issues)
	}
}

func TestWorkspaceHealthMissing(t *testing.T) {
	m, _, _, _ := testManager(t)

	rep := m.WorkspaceHealth("no-such-workspace")
	if rep.Score != 0 {
		t.Errorf("score = %d, want 0", rep.Score)
	}
	if !rep.Has(IssueWorkspaceMissing) {
		t.Error("missing workspace issue not reported")
	}
	if !rep.Critical() {
		t.Error("a missing workspace is critical")
	}
}

func TestWorkspaceHealthCreatedWorkspace(t *testing.T) {
	m, s, _, _ := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceCreated)

	rep := m.WorkspaceHealth(w.ID)
	if rep.Score != 60 {
		t.Fatalf("score = %d, want 60 (loses lifecycle and agent checks)", rep.Score)
	}
	if !rep.Has(IssueNotStarted) {
		t.Error("not-started issue missing")
	}
	if rep.Critical() {
		t.Error("a freshly created workspace without agents is not critical yet")
	}
}

func TestWorkspaceHealthGoalWithoutTasks(t *testing.T) {
	m, s, _, _ := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceActive)
	seedAgent(t, s, w.ID)
	seedGoal(t, s, w.ID)

	rep := m.WorkspaceHealth(w.ID)
	if rep.Score != 80 {
		t.Fatalf("score = %d, want 80", rep.Score)
	}
	if !rep.Has(IssueGoalsWithoutTasks) {
		t.Fatal("goal linkage issue missing")
	}
	for _, issue := range rep.Issues {
		if issue.Type == IssueGoalsWithoutTasks && !issue.AutoRecoverable {
			t.Error("goal linkage is planner-recoverable")
		}
	}
	if rep.Critical() {
		t.Error("unlinked goals are not critical")
	}
}

func TestWorkspaceHealthExecutorSilent(t *testing.T) {
	m, s, mock, _ := testManager(t)
	// An hour past wall time: the backlog exists but nothing has run since
	// the workspace was created.
	mock.Add(time.Since(time.Unix(0, 0)) + time.Hour)

	w := seedWorkspace(t, s, store.WorkspaceActive)
	seedAgent(t, s, w.ID)
	g := seedGoal(t, s, w.ID)
	seedTask(t, s, w.ID, g.ID)

	rep := m.WorkspaceHealth(w.ID)
	if rep.Score != 80 {
		t.Fatalf("score = %d, want 80", rep.Score)
	}
	if !rep.Has(IssueExecutorSilent) {
		t.Error("silent executor issue missing")
	}
}

func TestScanBudgetExceeded(t *testing.T) {
	_, s, mock, capture := testManager(t)
	m := New(s, capture, stubSpend{amount: 12.5}, testConfig(), mock, nil)

	w := &store.Workspace{Name: "capped", Goal: "ship it", Status: store.WorkspaceActive, BudgetMax: 10}
	if err := s.CreateWorkspace(w); err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	seedAgent(t, s, w.ID)

	m.Scan(context.Background())

	if capture.countAlert(telemetry.AlertBudgetExceeded) != 1 {
		t.Errorf("budget alerts = %d, want 1", capture.countAlert(telemetry.AlertBudgetExceeded))
	}
	if !m.Quarantined(w.ID) {
		t.Error("over-budget workspace should be quarantined")
	}
}

func TestScanDisabled(t *testing.T) {
	_, s, mock, capture := testManager(t)
	cfg := testConfig()
	cfg.Health.Enabled = false
	m := New(s, capture, nil, cfg, mock, nil)

	w := seedWorkspace(t, s, store.WorkspaceActive)
	g := seedGoal(t, s, w.ID)
	if _, err := s.DB().Exec(`DELETE FROM workspaces WHERE id = ?`, w.ID); err != nil {
		t.Fatalf("delete workspace: %v", err)
	}

	if reports := m.Scan(context.Background()); reports != nil {
		t.Errorf("reports = %v, want nil when disabled", reports)
	}
	if _, err := s.GetGoal(g.ID); err != nil {
		t.Errorf("disabled scan must not touch goals: %v", err)
	}
}

func TestQuarantineClearsWhenResolved(t *testing.T) {
	m, s, _, capture := testManager(t)
	w := seedWorkspace(t, s, store.WorkspaceActive) // active, but no agents

	m.Scan(context.Background())
	m.Scan(context.Background())

	if !m.Quarantined(w.ID) {
		t.Fatal("agentless active workspace should be quarantined")
	}
	if got := capture.countAlert(telemetry.AlertCriticalUnrecoverable); got != 1 {
		t.Errorf("critical alerts = %d, want 1 (no re-alert for a known fault)", got)
	}

	seedAgent(t, s, w.ID)
	m.Scan(context.Background())

	if m.Quarantined(w.ID) {
		t.Error("quarantine should clear once the fault is gone")
	}
	if ids := m.QuarantinedIDs(); len(ids) != 0 {
		t.Errorf("quarantined ids = %v, want empty", ids)
	}
}
