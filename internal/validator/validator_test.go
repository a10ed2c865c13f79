package validator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

type fakePlanner struct {
	calls []GapContext
	task  *store.Task
	err   error
}

func (f *fakePlanner) PlanCorrective(_ context.Context, _ *store.Goal, gap GapContext) (*store.Task, error) {
	f.calls = append(f.calls, gap)
	return f.task, f.err
}

func testValidator(t *testing.T) (*Validator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, telemetry.Noop{}, clock.New(), nil), s
}

func seedWorkspace(t *testing.T, st *store.Store, goalText string) *store.Workspace {
	t.Helper()
	ws := &store.Workspace{Name: "acme-launch", Goal: goalText, Status: store.WorkspaceActive}
	if err := st.CreateWorkspace(ws); err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	return ws
}

func seedGoal(t *testing.T, st *store.Store, wsID, metricType string, target float64, unit string) *store.Goal {
	t.Helper()
	g := &store.Goal{
		WorkspaceID: wsID,
		Description: metricType + " target",
		MetricType:  metricType,
		TargetValue: target,
		Unit:        unit,
	}
	if err := st.CreateGoal(g); err != nil {
		t.Fatalf("CreateGoal failed: %v", err)
	}
	return g
}

func completedTask(t *testing.T, st *store.Store, wsID string, result map[string]any) {
	t.Helper()
	task := &store.Task{WorkspaceID: wsID, Name: "produce assets"}
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := st.CASTaskStatus(task.ID, store.TaskPending, store.TaskQueued); err != nil {
		t.Fatalf("CASTaskStatus failed: %v", err)
	}
	if err := st.ClaimTask(task.ID, "agent-1"); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if err := st.CompleteTask(task.ID, result); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
}

func contactList(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = map[string]any{"name": "contact", "email": "c@example.com"}
	}
	return out
}

func TestValidateGoalShortfall(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Collect 50 qualified B2B contacts.")
	goal := seedGoal(t, st, ws.ID, TypeContacts, 50, "contacts")
	planner := &fakePlanner{}
	v.SetCorrectivePlanner(planner)

	completedTask(t, st, ws.ID, map[string]any{
		"output":     "Collected contacts from three sources.",
		"structured": map[string]any{"contacts": contactList(20)},
	})

	res, err := v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}
	if res.Valid {
		t.Error("expected invalid result at 20/50")
	}
	if res.GapPercentage != 60 {
		t.Errorf("gap = %g, want 60", res.GapPercentage)
	}
	if res.Severity != SeverityHigh {
		t.Errorf("severity = %q, want high", res.Severity)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %g, want 1.0 (structured + key match)", res.Confidence)
	}

	if len(planner.calls) != 1 {
		t.Fatalf("corrective planner called %d times, want 1", len(planner.calls))
	}
	gap := planner.calls[0]
	if gap.GoalID != goal.ID || gap.Target != 50 || gap.Actual != 20 || gap.GapPercentage != 60 {
		t.Errorf("gap context = %+v", gap)
	}

	insights, err := st.InsightsByTag(ws.ID, "course_correction", 10)
	if err != nil {
		t.Fatalf("InsightsByTag failed: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("got %d insights, want 1", len(insights))
	}
	var recorded GapContext
	if err := json.Unmarshal([]byte(insights[0].Content), &recorded); err != nil {
		t.Fatalf("insight content not a gap context: %v", err)
	}
	if recorded.MetricType != TypeContacts || recorded.GapPercentage != 60 {
		t.Errorf("recorded gap = %+v", recorded)
	}
	wantTags := map[string]bool{
		"metric_contacts": true, "gap_60pct": true,
		"course_correction": true, "critical_gap": true,
	}
	for _, tag := range insights[0].Tags {
		if !wantTags[tag] {
			t.Errorf("unexpected insight tag %q", tag)
		}
		delete(wantTags, tag)
	}
	if len(wantTags) != 0 {
		t.Errorf("missing insight tags: %v", wantTags)
	}
}

func TestValidateGoalAchieved(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Collect 50 contacts.")
	goal := seedGoal(t, st, ws.ID, TypeContacts, 50, "contacts")
	planner := &fakePlanner{}
	v.SetCorrectivePlanner(planner)

	completedTask(t, st, ws.ID, map[string]any{
		"structured": map[string]any{"contacts": contactList(50)},
	})

	res, err := v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}
	if !res.Valid || res.GapPercentage != 0 {
		t.Errorf("result = valid=%v gap=%g, want valid with no gap", res.Valid, res.GapPercentage)
	}
	if len(planner.calls) != 0 {
		t.Errorf("corrective planner called %d times, want 0", len(planner.calls))
	}

	stored, err := st.GetGoal(goal.ID)
	if err != nil {
		t.Fatalf("GetGoal failed: %v", err)
	}
	if stored.Status != store.GoalCompleted {
		t.Errorf("goal status = %q, want completed", stored.Status)
	}
	if stored.CurrentValue != 50 {
		t.Errorf("goal current value = %g, want 50", stored.CurrentValue)
	}
}

func TestValidateGoalExactTolerance(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Collect 50 contacts.")
	goal := seedGoal(t, st, ws.ID, TypeContacts, 50, "contacts")

	completedTask(t, st, ws.ID, map[string]any{
		"structured": map[string]any{"contacts": contactList(46)},
	})

	res, err := v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}
	if !res.Valid {
		t.Errorf("46/50 should pass the 10%% tolerance, got invalid (gap %g)", res.GapPercentage)
	}
	if res.Severity != SeverityLow {
		t.Errorf("severity = %q, want low", res.Severity)
	}
}

func TestValidateGoalMinimumNeedsFullTarget(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Collect at least 40 qualified contacts.")

	created, err := v.DecomposeWorkspaceGoal(ws)
	if err != nil {
		t.Fatalf("DecomposeWorkspaceGoal failed: %v", err)
	}
	var goal *store.Goal
	for i := range created {
		if created[i].MetricType == TypeContacts {
			goal = &created[i]
		}
	}
	if goal == nil {
		t.Fatalf("no contacts goal decomposed from %v", created)
	}
	if !goal.IsMinimum {
		t.Fatalf("'at least' goal persisted with IsMinimum=false")
	}

	completedTask(t, st, ws.ID, map[string]any{
		"structured": map[string]any{"contacts": contactList(36)},
	})

	res, err := v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}
	if res.Valid {
		t.Errorf("36/40 passed a minimum target; the 10%% tolerance only applies to exact targets")
	}
	stored, err := st.GetGoal(goal.ID)
	if err != nil {
		t.Fatalf("GetGoal failed: %v", err)
	}
	if stored.Status != store.GoalActive {
		t.Errorf("goal status = %q, want active while below the minimum", stored.Status)
	}

	completedTask(t, st, ws.ID, map[string]any{
		"structured": map[string]any{"contacts": contactList(4)},
	})
	res, err = v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}
	if !res.Valid {
		t.Errorf("40/40 should satisfy the minimum, got invalid (gap %g)", res.GapPercentage)
	}
}

func TestValidateGapShrinksWithProgress(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Collect 50 contacts.")
	goal := seedGoal(t, st, ws.ID, TypeContacts, 50, "contacts")

	completedTask(t, st, ws.ID, map[string]any{
		"structured": map[string]any{"contacts": contactList(20)},
	})
	first, err := v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}

	completedTask(t, st, ws.ID, map[string]any{
		"structured": map[string]any{"contacts": contactList(15)},
	})
	second, err := v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}

	if second.GapPercentage > first.GapPercentage {
		t.Errorf("gap grew from %g to %g after more completed work", first.GapPercentage, second.GapPercentage)
	}
	if second.Actual != 35 {
		t.Errorf("actual = %g, want 35 (counts sum across tasks)", second.Actual)
	}
}

func TestValidateTemporalGoalWithinWindow(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Finish within 6 weeks.")
	goal := seedGoal(t, st, ws.ID, TypeTemporal, 6, "weeks")

	res, err := v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}
	if !res.Valid {
		t.Errorf("fresh temporal goal should be valid: %+v", res)
	}
	if res.Target != 42 {
		t.Errorf("temporal target = %g days, want 42", res.Target)
	}
	if res.GapPercentage != 0 {
		t.Errorf("gap = %g, want 0 before the deadline", res.GapPercentage)
	}
}

func TestDecomposeWorkspaceGoal(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Collect 50 qualified B2B contacts and 3 email sequences within 6 weeks.")

	created, err := v.DecomposeWorkspaceGoal(ws)
	if err != nil {
		t.Fatalf("DecomposeWorkspaceGoal failed: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d goals, want 3: %+v", len(created), created)
	}
	byType := map[string]store.Goal{}
	for _, g := range created {
		byType[g.MetricType] = g
	}
	if g := byType[TypeContacts]; g.TargetValue != 50 {
		t.Errorf("contacts goal target = %g, want 50", g.TargetValue)
	}
	if g := byType[TypeEmailSequences]; g.TargetValue != 3 {
		t.Errorf("email_sequences goal target = %g, want 3", g.TargetValue)
	}
	if g := byType[TypeTemporal]; g.TargetValue != 6 || g.Unit != "weeks" {
		t.Errorf("temporal goal = %g %s, want 6 weeks", g.TargetValue, g.Unit)
	}

	again, err := v.DecomposeWorkspaceGoal(ws)
	if err != nil {
		t.Fatalf("second DecomposeWorkspaceGoal failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second decomposition created %d goals, want 0", len(again))
	}
}

func TestValidateWorkspaceGoals(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Collect 50 contacts and 3 email sequences.")
	seedGoal(t, st, ws.ID, TypeContacts, 50, "contacts")
	seedGoal(t, st, ws.ID, TypeEmailSequences, 3, "sequences")

	completedTask(t, st, ws.ID, map[string]any{
		"structured": map[string]any{
			"contacts":        contactList(50),
			"email_sequences": []any{"welcome", "nurture", "winback"},
		},
	})

	results, err := v.ValidateWorkspaceGoals(context.Background(), ws.ID)
	if err != nil {
		t.Fatalf("ValidateWorkspaceGoals failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, res := range results {
		if !res.Valid {
			t.Errorf("%s: expected valid, got %+v", res.MetricType, res)
		}
	}
}

// A goal with no completed work behind it is a planning problem, not a
// remediation problem: the full 100% gap must not spawn a corrective task.
func TestValidateGoalUntouchedSkipsCorrective(t *testing.T) {
	v, st := testValidator(t)
	ws := seedWorkspace(t, st, "Collect 50 contacts.")
	goal := seedGoal(t, st, ws.ID, TypeContacts, 50, "contacts")
	planner := &fakePlanner{}
	v.SetCorrectivePlanner(planner)

	res, err := v.ValidateGoal(context.Background(), goal)
	if err != nil {
		t.Fatalf("ValidateGoal failed: %v", err)
	}
	if res.Valid {
		t.Error("expected invalid result at 0/50")
	}
	if res.Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", res.Severity)
	}
	if len(planner.calls) != 0 {
		t.Errorf("corrective planner called %d times, want 0 with no completed tasks", len(planner.calls))
	}
	insights, err := st.InsightsByTag(ws.ID, "course_correction", 10)
	if err != nil {
		t.Fatalf("InsightsByTag failed: %v", err)
	}
	if len(insights) != 0 {
		t.Errorf("got %d gap insights, want 0", len(insights))
	}
}
