package store

import (
	"errors"
	"testing"
	"time"
)

func seedGoal(t *testing.T, s *Store, workspaceID string) *Goal {
	t.Helper()
	g := &Goal{
		WorkspaceID: workspaceID,
		Description: "Generate 50 qualified leads",
		MetricType:  "lead_count",
		TargetValue: 50,
		Unit:        "leads",
		Priority:    1,
	}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal failed: %v", err)
	}
	return g
}

func TestGoalMinimumFlagRoundTrips(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	g := &Goal{
		WorkspaceID: w.ID,
		Description: "Collect at least 40 contacts",
		MetricType:  "contacts",
		TargetValue: 40,
		Unit:        "contacts",
		Priority:    1,
		IsMinimum:   true,
	}
	if err := s.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal failed: %v", err)
	}

	got, err := s.GetGoal(g.ID)
	if err != nil {
		t.Fatalf("GetGoal failed: %v", err)
	}
	if !got.IsMinimum {
		t.Errorf("IsMinimum lost on round trip")
	}

	listed, err := s.ListActiveGoals(w.ID)
	if err != nil {
		t.Fatalf("ListActiveGoals failed: %v", err)
	}
	if len(listed) != 1 || !listed[0].IsMinimum {
		t.Errorf("ListActiveGoals = %+v, want one goal with IsMinimum set", listed)
	}
}

func TestGoalValueAdvancesMonotonically(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	g := seedGoal(t, s, w.ID)

	changed, err := s.AdvanceGoalValue(g.ID, 20)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("first advance reported no change")
	}

	// A stale lower observation must not regress progress.
	changed, err = s.AdvanceGoalValue(g.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("lower value overwrote progress")
	}

	got, err := s.GetGoal(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentValue != 20 {
		t.Errorf("current_value = %g, want 20", got.CurrentValue)
	}
}

func TestCASGoalValue(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	g := seedGoal(t, s, w.ID)

	if err := s.CASGoalValue(g.ID, 0, 15); err != nil {
		t.Fatalf("CAS 0->15 failed: %v", err)
	}
	if err := s.CASGoalValue(g.ID, 0, 30); !errors.Is(err, ErrConflict) {
		t.Errorf("stale CAS error = %v, want ErrConflict", err)
	}
}

func TestListGoalsDueValidation(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	paused := seedWorkspace(t, s, WorkspacePaused)
	g := seedGoal(t, s, w.ID)
	seedGoal(t, s, paused.ID) // paused workspace: never due

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Never-validated goals are always due.
	due, err := s.ListGoalsDueValidation(now.Add(-20 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != g.ID {
		t.Fatalf("due = %+v, want the active-workspace goal", due)
	}

	if err := s.SetGoalsValidatedAt([]string{g.ID}, now); err != nil {
		t.Fatal(err)
	}
	due, err = s.ListGoalsDueValidation(now.Add(-20 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("freshly validated goal still due: %+v", due)
	}

	due, err = s.ListGoalsDueValidation(now.Add(25 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Errorf("goal not due after interval elapsed, got %d", len(due))
	}
}

func TestOrphanedGoalCleanup(t *testing.T) {
	s := tempStore(t)
	active := seedWorkspace(t, s, WorkspaceActive)
	seedGoal(t, s, active.ID)
	orphan := seedGoal(t, s, "gone-workspace")
	if err := s.CreateRequirement(&AssetRequirement{GoalID: orphan.ID, WorkspaceID: "gone-workspace", Name: "stranded asset"}); err != nil {
		t.Fatal(err)
	}

	orphans, err := s.ListOrphanedGoals()
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].ID != orphan.ID {
		t.Fatalf("orphans = %+v, want the goal with no workspace row", orphans)
	}

	deleted, err := s.DeleteGoals([]string{orphan.ID})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := s.GetGoal(orphan.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan still present after delete: %v", err)
	}
	if reqs, _ := s.ListRequirements(orphan.ID); len(reqs) != 0 {
		t.Errorf("orphan requirements survived delete: %d", len(reqs))
	}

	orphans, err = s.ListOrphanedGoals()
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 0 {
		t.Errorf("orphans after cleanup = %d, want 0", len(orphans))
	}
}

func TestRequirementsUniquePerGoal(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	g := seedGoal(t, s, w.ID)

	r := &AssetRequirement{
		GoalID:        g.ID,
		WorkspaceID:   w.ID,
		Name:          "Lead contact list",
		AssetType:     "data",
		Priority:      "critical",
		BusinessValue: 0.9,
	}
	if err := s.CreateRequirement(r); err != nil {
		t.Fatalf("CreateRequirement failed: %v", err)
	}

	dup := &AssetRequirement{GoalID: g.ID, WorkspaceID: w.ID, Name: "Lead contact list"}
	if err := s.CreateRequirement(dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate requirement error = %v, want ErrConflict", err)
	}

	// Same name under a different goal is fine.
	g2 := seedGoal(t, s, w.ID)
	other := &AssetRequirement{GoalID: g2.ID, WorkspaceID: w.ID, Name: "Lead contact list"}
	if err := s.CreateRequirement(other); err != nil {
		t.Errorf("same name under other goal failed: %v", err)
	}
}

func TestRequirementFulfilmentCounts(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	g := seedGoal(t, s, w.ID)

	crit := &AssetRequirement{GoalID: g.ID, WorkspaceID: w.ID, Name: "critical asset", Priority: "critical"}
	med := &AssetRequirement{GoalID: g.ID, WorkspaceID: w.ID, Name: "supporting doc", Priority: "medium"}
	if err := s.CreateRequirement(crit); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRequirement(med); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountCriticalUnfulfilled(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("critical unfulfilled = %d, want 1", n)
	}

	if err := s.UpdateRequirementStatus(crit.ID, RequirementFulfilled); err != nil {
		t.Fatal(err)
	}
	total, fulfilled, err := s.CountRequirements(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || fulfilled != 1 {
		t.Errorf("counts = (%d, %d), want (2, 1)", total, fulfilled)
	}
	n, err = s.CountCriticalUnfulfilled(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("critical unfulfilled after approval = %d, want 0", n)
	}
}

func TestRequirementOrderingCriticalFirst(t *testing.T) {
	s := tempStore(t)
	w := seedWorkspace(t, s, WorkspaceActive)
	g := seedGoal(t, s, w.ID)

	for _, r := range []*AssetRequirement{
		{GoalID: g.ID, WorkspaceID: w.ID, Name: "low note", Priority: "low"},
		{GoalID: g.ID, WorkspaceID: w.ID, Name: "the plan", Priority: "critical"},
		{GoalID: g.ID, WorkspaceID: w.ID, Name: "summary", Priority: "high"},
	} {
		if err := s.CreateRequirement(r); err != nil {
			t.Fatal(err)
		}
	}

	reqs, err := s.ListUnfulfilledRequirements(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 3 {
		t.Fatalf("count = %d, want 3", len(reqs))
	}
	if reqs[0].Priority != "critical" || reqs[1].Priority != "high" {
		t.Errorf("ordering = [%s, %s, %s], want critical first", reqs[0].Priority, reqs[1].Priority, reqs[2].Priority)
	}
}
