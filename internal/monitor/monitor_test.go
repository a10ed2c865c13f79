package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/health"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
	"github.com/antigravity-dev/foreman/internal/validator"
)

type captureTelemetry struct {
	events []string
	alerts []string
	skips  []string
}

func (c *captureTelemetry) Broadcast(eventType string, _ map[string]any) {
	c.events = append(c.events, eventType)
}

func (c *captureTelemetry) EmitMetric(name string, _ float64, tags map[string]string) {
	if name == "goal_validation_skipped" {
		c.skips = append(c.skips, tags["reason"])
	}
}

func (c *captureTelemetry) Alert(_, alertType, _, _ string) {
	c.alerts = append(c.alerts, alertType)
}

func (c *captureTelemetry) countEvent(eventType string) int {
	n := 0
	for _, e := range c.events {
		if e == eventType {
			n++
		}
	}
	return n
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

func (c *captureTelemetry) hasSkip(reason string) bool {
	for _, r := range c.skips {
		if r == reason {
			return true
		}
	}
	return false
}

// fakePlanner persists real pending tasks so the queue-feeding path sees them.
type fakePlanner struct {
	store *store.Store
	per   int
	calls int
}

func (f *fakePlanner) PlanInitial(_ context.Context, goal *store.Goal) ([]store.Task, error) {
	f.calls++
	out := make([]store.Task, 0, f.per)
	for i := 0; i < f.per; i++ {
		task := store.Task{WorkspaceID: goal.WorkspaceID, GoalID: goal.ID, Name: fmt.Sprintf("planned-%d-%d", f.calls, i)}
		if err := f.store.CreateTask(&task); err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

type fakeRequirements struct{ calls int }

func (f *fakeRequirements) EnsureRequirements(context.Context, *store.Goal) ([]store.AssetRequirement, error) {
	f.calls++
	return nil, nil
}

// fakeEnqueuer pops one error per call from errs; nil entries succeed.
type fakeEnqueuer struct {
	ids  []string
	errs []error
}

func (f *fakeEnqueuer) Enqueue(task *store.Task) error {
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err != nil {
		return err
	}
	f.ids = append(f.ids, task.ID)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Monitor: config.Monitor{
			ValidationInterval:  config.Duration{Duration: 20 * time.Minute},
			CompletionThreshold: 80,
			MaxTasksPerCycle:    10,
			CacheMaxEntries:     100,
			CacheTTL:            config.Duration{Duration: 30 * time.Minute},
			RecheckMin:          config.Duration{Duration: 3 * time.Minute},
			RecheckMax:          config.Duration{Duration: 5 * time.Minute},
			GoalDriven:          true,
		},
		Health: config.Health{
			Enabled:          true,
			WorkspaceLockTTL: config.Duration{Duration: 15 * time.Minute},
			StuckTaskTimeout: config.Duration{Duration: 45 * time.Minute},
		},
		Recovery: config.Recovery{MaxAttemptsPerTask: 3},
	}
}

type fixture struct {
	monitor  *Monitor
	store    *store.Store
	clock    *clock.Mock
	capture  *captureTelemetry
	planner  *fakePlanner
	reqs     *fakeRequirements
	enqueuer *fakeEnqueuer
	health   *health.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mock := clock.NewMock()
	capture := &captureTelemetry{}
	cfg := testConfig()
	h := health.New(s, capture, nil, cfg, mock, nil)
	v := validator.New(s, capture, mock, nil)
	p := &fakePlanner{store: s, per: 1}
	reqs := &fakeRequirements{}
	enq := &fakeEnqueuer{}
	m := New(s, capture, h, v, p, reqs, enq, cfg, mock, nil)
	return &fixture{monitor: m, store: s, clock: mock, capture: capture, planner: p, reqs: reqs, enqueuer: enq, health: h}
}

func seedWorkspace(t *testing.T, s *store.Store) *store.Workspace {
	t.Helper()
	w := &store.Workspace{Name: "acme-launch", Goal: "Generate 5 qualified contacts", Status: store.WorkspaceActive, TeamApproved: true}
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

// completeTask runs a task through its whole lifecycle so the validator
// has evidence to measure.
func completeTask(t *testing.T, s *store.Store, workspaceID, goalID, agentID string, result map[string]any) *store.Task {
	t.Helper()
	task := &store.Task{WorkspaceID: workspaceID, GoalID: goalID, Name: "Collect contacts"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := s.CASTaskStatus(task.ID, store.TaskPending, store.TaskQueued); err != nil {
		t.Fatalf("queue transition failed: %v", err)
	}
	if err := s.ClaimTask(task.ID, agentID); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if err := s.CompleteTask(task.ID, result); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	return task
}

func TestRunCycleValidatesAndAdvancesGoal(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	a := seedAgent(t, f.store, w.ID)
	g := seedGoal(t, f.store, w.ID)
	completeTask(t, f.store, w.ID, g.ID, a.ID, map[string]any{
		"output":     "collected the full batch",
		"structured": map[string]any{"contacts": 5},
	})

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	fresh, err := f.store.GetGoal(g.ID)
	if err != nil {
		t.Fatalf("GetGoal failed: %v", err)
	}
	if fresh.CurrentValue != 5 {
		t.Errorf("CurrentValue = %v, want 5", fresh.CurrentValue)
	}
	if fresh.Status != store.GoalCompleted {
		t.Errorf("Status = %q, want %q", fresh.Status, store.GoalCompleted)
	}
	if !fresh.LastValidationAt.Valid {
		t.Error("LastValidationAt was not stamped")
	}
	if f.capture.countEvent(telemetry.EventGoalValidated) != 1 {
		t.Errorf("goal_validated broadcasts = %d, want 1", f.capture.countEvent(telemetry.EventGoalValidated))
	}
	if f.reqs.calls != 1 {
		t.Errorf("EnsureRequirements calls = %d, want 1", f.reqs.calls)
	}
	if f.planner.calls != 0 {
		t.Errorf("planner calls = %d, want 0 for a goal with progress", f.planner.calls)
	}
}

func TestRunCycleSkipsUnapprovedWorkspace(t *testing.T) {
	f := newFixture(t)
	w := &store.Workspace{Name: "acme-launch", Goal: "Generate 5 qualified contacts", Status: store.WorkspaceActive}
	if err := f.store.CreateWorkspace(w); err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	seedAgent(t, f.store, w.ID)
	g := seedGoal(t, f.store, w.ID)

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	fresh, err := f.store.GetGoal(g.ID)
	if err != nil {
		t.Fatalf("GetGoal failed: %v", err)
	}
	if fresh.LastValidationAt.Valid {
		t.Error("goal validated before team approval")
	}
	if f.reqs.calls != 0 {
		t.Errorf("EnsureRequirements calls = %d, want 0", f.reqs.calls)
	}
}

func TestRunCycleSkipsQuarantinedWorkspace(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	g := seedGoal(t, f.store, w.ID)

	// An active workspace with no agents at all is quarantined by the
	// health sweep, so the monitor never reaches its own agent gate.
	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if !f.health.Quarantined(w.ID) {
		t.Fatal("workspace not quarantined")
	}
	if got := f.capture.countAlert(telemetry.AlertCriticalUnrecoverable); got != 1 {
		t.Errorf("critical alerts = %d, want 1", got)
	}
	if got := f.capture.countAlert(telemetry.AlertNoAgentsAtAll); got != 0 {
		t.Errorf("no-agents alerts = %d, want 0 once quarantined", got)
	}
	fresh, err := f.store.GetGoal(g.ID)
	if err != nil {
		t.Fatalf("GetGoal failed: %v", err)
	}
	if fresh.LastValidationAt.Valid {
		t.Error("quarantined workspace still got validated")
	}
}

func TestValidateNowRejectsQuarantined(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	seedGoal(t, f.store, w.ID)

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if err := f.monitor.ValidateNow(context.Background(), w.ID); err == nil {
		t.Fatal("expected an error for a quarantined workspace")
	}
}

func TestValidateNowAlertsNoAgents(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	g := seedGoal(t, f.store, w.ID)

	if err := f.monitor.ValidateNow(context.Background(), w.ID); err != nil {
		t.Fatalf("ValidateNow failed: %v", err)
	}

	if got := f.capture.countAlert(telemetry.AlertNoAgentsAtAll); got != 1 {
		t.Errorf("no-agents alerts = %d, want 1", got)
	}
	fresh, err := f.store.GetGoal(g.ID)
	if err != nil {
		t.Fatalf("GetGoal failed: %v", err)
	}
	if fresh.LastValidationAt.Valid {
		t.Error("goal validated without agents")
	}
}

func TestValidateNowAlertsNoAvailableAgents(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	a := seedAgent(t, f.store, w.ID)
	seedGoal(t, f.store, w.ID)
	if err := f.store.QuarantineAgent(a.ID, f.clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("QuarantineAgent failed: %v", err)
	}

	if err := f.monitor.ValidateNow(context.Background(), w.ID); err != nil {
		t.Fatalf("ValidateNow failed: %v", err)
	}

	if got := f.capture.countAlert(telemetry.AlertNoAvailableAgents); got != 1 {
		t.Errorf("no-available-agents alerts = %d, want 1", got)
	}
}

func TestRunCyclePlansIdleGoalAndFeedsExecutor(t *testing.T) {
	f := newFixture(t)
	f.planner.per = 2
	w := seedWorkspace(t, f.store)
	seedAgent(t, f.store, w.ID)
	g := seedGoal(t, f.store, w.ID)

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if f.planner.calls != 1 {
		t.Fatalf("planner calls = %d, want 1", f.planner.calls)
	}
	if len(f.enqueuer.ids) != 2 {
		t.Errorf("enqueued tasks = %d, want 2", len(f.enqueuer.ids))
	}
	if got := f.monitor.PendingRechecks(); got != 1 {
		t.Errorf("pending rechecks = %d, want 1", got)
	}
	fresh, err := f.store.GetGoal(g.ID)
	if err != nil {
		t.Fatalf("GetGoal failed: %v", err)
	}
	if fresh.Status != store.GoalActive {
		t.Errorf("Status = %q, want %q", fresh.Status, store.GoalActive)
	}
}

func TestRunCycleAlertsGoalWithNoPlannableWork(t *testing.T) {
	f := newFixture(t)
	f.planner.per = 0
	w := seedWorkspace(t, f.store)
	seedAgent(t, f.store, w.ID)
	seedGoal(t, f.store, w.ID)

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if f.planner.calls != 1 {
		t.Fatalf("planner calls = %d, want 1", f.planner.calls)
	}
	if got := f.capture.countAlert(telemetry.AlertNoTasksForGoal); got != 1 {
		t.Errorf("no-tasks alerts = %d, want 1", got)
	}
	if got := f.monitor.PendingRechecks(); got != 0 {
		t.Errorf("pending rechecks = %d, want 0", got)
	}
}

func TestRunCycleSkipsUnchangedGoal(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	a := seedAgent(t, f.store, w.ID)
	g := seedGoal(t, f.store, w.ID)
	completeTask(t, f.store, w.ID, g.ID, a.ID, map[string]any{
		"structured": map[string]any{"contacts": 2},
	})

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle failed: %v", err)
	}
	f.clock.Add(21 * time.Minute)
	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle failed: %v", err)
	}

	if got := f.capture.countEvent(telemetry.EventGoalValidated); got != 1 {
		t.Errorf("goal_validated broadcasts = %d, want 1", got)
	}
	if !f.capture.hasSkip(skipNothingChanged) {
		t.Errorf("skip reasons = %v, want %q recorded", f.capture.skips, skipNothingChanged)
	}
}

func TestShouldValidateOptimizer(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	f.clock.Add(10 * time.Minute)
	now := f.clock.Now()

	g := &store.Goal{ID: "goal-opt", WorkspaceID: w.ID}
	if ok, _ := f.monitor.shouldValidate(g, time.Time{}); !ok {
		t.Error("never-validated goal was skipped")
	}

	g.LastValidationAt = sql.NullTime{Time: now.Add(-time.Minute), Valid: true}
	if ok, reason := f.monitor.shouldValidate(g, time.Time{}); ok || reason != skipValidatedRecently {
		t.Errorf("got ok=%v reason=%q, want skip %q", ok, reason, skipValidatedRecently)
	}

	g.LastValidationAt = sql.NullTime{Time: now.Add(-5 * time.Minute), Valid: true}
	stamp := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	f.monitor.cache.Add(g.ID, stamp)
	if ok, reason := f.monitor.shouldValidate(g, stamp); ok || reason != skipNothingChanged {
		t.Errorf("got ok=%v reason=%q, want skip %q", ok, reason, skipNothingChanged)
	}

	// Newer task activity but nothing completed: still not measurable.
	if ok, reason := f.monitor.shouldValidate(g, stamp.Add(time.Hour)); ok || reason != skipNoCompletedTasks {
		t.Errorf("got ok=%v reason=%q, want skip %q", ok, reason, skipNoCompletedTasks)
	}

	a := seedAgent(t, f.store, w.ID)
	completeTask(t, f.store, w.ID, "", a.ID, map[string]any{"output": "done"})
	if ok, reason := f.monitor.shouldValidate(g, stamp.Add(time.Hour)); !ok {
		t.Errorf("goal with a fresh completion was skipped: %q", reason)
	}
}

func TestFeedExecutorSkipsConflicts(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	seedAgent(t, f.store, w.ID)
	g := seedGoal(t, f.store, w.ID)
	for i := 0; i < 2; i++ {
		task := &store.Task{WorkspaceID: w.ID, GoalID: g.ID, Name: fmt.Sprintf("step-%d", i)}
		if err := f.store.CreateTask(task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
	f.enqueuer.errs = []error{store.ErrConflict, nil}

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(f.enqueuer.ids) != 1 {
		t.Errorf("enqueued tasks = %d, want 1 after one conflict", len(f.enqueuer.ids))
	}
	if got := f.monitor.PendingRechecks(); got != 1 {
		t.Errorf("pending rechecks = %d, want 1", got)
	}
}

func TestFeedExecutorStopsWhenQueueRejects(t *testing.T) {
	f := newFixture(t)
	w := seedWorkspace(t, f.store)
	seedAgent(t, f.store, w.ID)
	g := seedGoal(t, f.store, w.ID)
	for i := 0; i < 2; i++ {
		task := &store.Task{WorkspaceID: w.ID, GoalID: g.ID, Name: fmt.Sprintf("step-%d", i)}
		if err := f.store.CreateTask(task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
	f.enqueuer.errs = []error{errors.New("queue full")}

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(f.enqueuer.ids) != 0 {
		t.Errorf("enqueued tasks = %d, want 0 after a queue rejection", len(f.enqueuer.ids))
	}
	if got := f.monitor.PendingRechecks(); got != 0 {
		t.Errorf("pending rechecks = %d, want 0", got)
	}
}

func TestScheduleRecheckDeduplicates(t *testing.T) {
	f := newFixture(t)
	f.monitor.scheduleRecheck("workspace-1")
	f.monitor.scheduleRecheck("workspace-1")
	f.monitor.scheduleRecheck("workspace-2")

	if got := f.monitor.PendingRechecks(); got != 2 {
		t.Errorf("pending rechecks = %d, want 2", got)
	}
	f.monitor.stopRechecks()
	if got := f.monitor.PendingRechecks(); got != 0 {
		t.Errorf("pending rechecks after stop = %d, want 0", got)
	}
}

func TestRunRespectsGoalDrivenFlag(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.Monitor.GoalDriven = false
	m := New(f.store, f.capture, f.health, nil, nil, nil, nil, cfg, f.clock, nil)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with goal-driven monitoring disabled")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// A fresh approved workspace has raw goal text and nothing else; one cycle
// must decompose it into measurable goals, ensure requirements, bootstrap
// plans, and feed the executor.
func TestRunCycleDecomposesFreshWorkspace(t *testing.T) {
	f := newFixture(t)
	w := &store.Workspace{
		Name:         "acme-launch",
		Goal:         "Collect 50 qualified B2B contacts and 3 email sequences within 6 weeks.",
		Status:       store.WorkspaceActive,
		TeamApproved: true,
	}
	if err := f.store.CreateWorkspace(w); err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	seedAgent(t, f.store, w.ID)

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	goals, err := f.store.ListGoals(w.ID)
	if err != nil {
		t.Fatalf("ListGoals failed: %v", err)
	}
	if len(goals) != 3 {
		t.Fatalf("decomposed %d goals, want 3", len(goals))
	}
	if f.reqs.calls != 3 {
		t.Errorf("EnsureRequirements calls = %d, want 3", f.reqs.calls)
	}
	if f.planner.calls != 2 {
		t.Errorf("planner calls = %d, want one per countable goal and none for the deadline", f.planner.calls)
	}
	if len(f.enqueuer.ids) != 2 {
		t.Errorf("enqueued tasks = %d, want 2", len(f.enqueuer.ids))
	}

	if err := f.monitor.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle failed: %v", err)
	}
	goals, err = f.store.ListGoals(w.ID)
	if err != nil {
		t.Fatalf("ListGoals failed: %v", err)
	}
	if len(goals) != 3 {
		t.Errorf("goals after second cycle = %d, want 3 (no re-decomposition)", len(goals))
	}
}

// ValidateNow on a workspace the cycle has not reached yet must decompose
// on the spot instead of reporting nothing to do.
func TestValidateNowDecomposesFreshWorkspace(t *testing.T) {
	f := newFixture(t)
	w := &store.Workspace{
		Name:         "acme-launch",
		Goal:         "Generate 5 qualified contacts",
		Status:       store.WorkspaceActive,
		TeamApproved: true,
	}
	if err := f.store.CreateWorkspace(w); err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	seedAgent(t, f.store, w.ID)

	if err := f.monitor.ValidateNow(context.Background(), w.ID); err != nil {
		t.Fatalf("ValidateNow failed: %v", err)
	}

	goals, err := f.store.ListGoals(w.ID)
	if err != nil {
		t.Fatalf("ListGoals failed: %v", err)
	}
	if len(goals) == 0 {
		t.Fatal("no goals decomposed")
	}
	if f.planner.calls == 0 {
		t.Error("no plans bootstrapped for the fresh goals")
	}
}
