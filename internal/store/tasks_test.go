package store

import (
	"errors"
	"testing"
	"time"
)

func seedTask(t *testing.T, s *Store, workspaceID string, mut func(*Task)) *Task {
	t.Helper()
	task := &Task{
		WorkspaceID: workspaceID,
		Name:        "draft outreach email",
		Description: "write the first outreach email for the lead campaign",
		Priority:    PriorityMedium,
	}
	if mut != nil {
		mut(task)
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestTaskClaimAndComplete(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	task := seedTask(t, s, w.ID, nil)

	if err := s.CASTaskStatus(task.ID, TaskPending, TaskQueued); err != nil {
		t.Fatalf("enqueue CAS failed: %v", err)
	}
	if err := s.ClaimTask(task.ID, "agent-1"); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	// Second claim loses the race.
	if err := s.ClaimTask(task.ID, "agent-2"); !errors.Is(err, ErrConflict) {
		t.Errorf("second claim error = %v, want ErrConflict", err)
	}

	result := map[string]any{"success": true, "summary": "email drafted", "structured_payload": map[string]any{"emails": 1}}
	if err := s.CompleteTask(task.ID, result); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("agent = %q, want agent-1", got.AgentID)
	}
	if got.Result["summary"] != "email drafted" {
		t.Errorf("result round-trip = %v", got.Result)
	}
	if !got.CompletedAt.Valid {
		t.Error("completed_at not set")
	}
}

func TestTaskIdempotencyKey(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)

	seedTask(t, s, w.ID, func(task *Task) { task.IdempotencyKey = "abc123" })
	dup := &Task{WorkspaceID: w.ID, Name: "draft outreach email", IdempotencyKey: "abc123"}
	err := s.CreateTask(dup)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate key error = %v, want ErrConflict", err)
	}

	tasks, err := s.ListTasks(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("task count = %d, want 1 (duplicate must not insert)", len(tasks))
	}

	// Empty keys never collide.
	seedTask(t, s, w.ID, nil)
	seedTask(t, s, w.ID, nil)
}

func TestReadyTasksRespectDependencies(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)

	base := seedTask(t, s, w.ID, func(task *Task) { task.Name = "research audience" })
	blocked := seedTask(t, s, w.ID, func(task *Task) {
		task.Name = "write campaign"
		task.DependsOn = []string{base.ID}
		task.Priority = PriorityHigh
	})

	ready, err := s.ReadyTasks(w.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != base.ID {
		t.Fatalf("ready = %+v, want only the unblocked task", ready)
	}

	// Complete the dependency; the blocked task becomes ready.
	if err := s.CASTaskStatus(base.ID, TaskPending, TaskQueued); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimTask(base.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask(base.ID, map[string]any{"success": true}); err != nil {
		t.Fatal(err)
	}

	ready, err = s.ReadyTasks(w.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != blocked.ID {
		t.Fatalf("ready after completion = %+v, want the dependent task", ready)
	}
	if len(ready[0].ID) == 0 {
		t.Error("ready task missing id")
	}
}

func TestReadyTasksPriorityOrder(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)

	seedTask(t, s, w.ID, func(task *Task) { task.Name = "low"; task.Priority = PriorityLow })
	high := seedTask(t, s, w.ID, func(task *Task) { task.Name = "high"; task.Priority = PriorityHigh })

	ready, err := s.ReadyTasks(w.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 {
		t.Fatalf("ready count = %d, want 2", len(ready))
	}
	if ready[0].ID != high.ID {
		t.Errorf("high priority not first, got %s", ready[0].Name)
	}
}

func TestRetryTaskCountsRecovery(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	task := seedTask(t, s, w.ID, nil)

	if err := s.CASTaskStatus(task.ID, TaskPending, TaskQueued); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimTask(task.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RetryTask(task.ID); err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.RecoveryCount != 1 {
		t.Errorf("recovery_count = %d, want 1", got.RecoveryCount)
	}
	if got.AgentID != "" {
		t.Errorf("agent not cleared on retry: %q", got.AgentID)
	}
}

func TestFailTaskKeepsDiagnostics(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	task := seedTask(t, s, w.ID, nil)

	if err := s.CASTaskStatus(task.ID, TaskPending, TaskQueued); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimTask(task.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.FailTask(task.ID, map[string]any{"success": false, "error": "rate limited"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TaskFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Result["error"] != "rate limited" {
		t.Errorf("diagnostic payload = %v", got.Result)
	}
}

func TestHasActiveCorrectiveTask(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	g := &Goal{WorkspaceID: w.ID, MetricType: "lead_count", TargetValue: 50}
	if err := s.CreateGoal(g); err != nil {
		t.Fatal(err)
	}

	has, err := s.HasActiveCorrectiveTask(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("no corrective tasks yet, got true")
	}

	task := seedTask(t, s, w.ID, func(task *Task) {
		task.GoalID = g.ID
		task.IsCorrective = true
	})
	has, err = s.HasActiveCorrectiveTask(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("pending corrective task not detected")
	}

	// Finished correctives stop counting.
	if err := s.CASTaskStatus(task.ID, TaskPending, TaskQueued); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimTask(task.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask(task.ID, nil); err != nil {
		t.Fatal(err)
	}
	has, err = s.HasActiveCorrectiveTask(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("completed corrective still counted as active")
	}
}

func TestLatestTaskUpdateAdvances(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)

	zero, err := s.LatestTaskUpdate(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !zero.IsZero() {
		t.Errorf("latest update on empty workspace = %v, want zero", zero)
	}

	seedTask(t, s, w.ID, nil)
	first, err := s.LatestTaskUpdate(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.IsZero() {
		t.Fatal("latest update still zero after insert")
	}
}

func TestWorkspaceIDsWithPendingTasks(t *testing.T) {
	s := tempStore(t)
	w1 := seedWorkspace(t, s, WorkspaceActive)
	w2 := seedWorkspace(t, s, WorkspaceActive)
	paused := seedWorkspace(t, s, WorkspacePaused)

	seedTask(t, s, w1.ID, nil)
	seedTask(t, s, paused.ID, nil)
	_ = w2

	ids, err := s.WorkspaceIDsWithPendingTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != w1.ID {
		t.Errorf("ids = %v, want only the active workspace with pending work", ids)
	}
}

func TestStaleInProgress(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	task := seedTask(t, s, w.ID, nil)

	if err := s.CASTaskStatus(task.ID, TaskPending, TaskQueued); err != nil {
		t.Fatal(err)
	}
	if err := s.ClaimTask(task.ID, "agent-1"); err != nil {
		t.Fatal(err)
	}

	stale, err := s.StaleInProgress(time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Errorf("stale count = %d, want 1", len(stale))
	}

	stale, err = s.StaleInProgress(time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("stale count with past cutoff = %d, want 0", len(stale))
	}
}
