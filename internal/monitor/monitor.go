// Package monitor drives the goal reconciliation loop. Each cycle it scans
// workspace health, validates goals whose last check has aged out, bootstraps
// plans for goals with no work behind them, and pushes runnable tasks at the
// executor instead of waiting for its poll.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/health"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
	"github.com/antigravity-dev/foreman/internal/validator"
)

// cycleBackoff is how long the loop rests after a failed cycle. One bad
// cycle must not spin the loop hot or kill it.
const cycleBackoff = time.Minute

// Enqueuer hands persisted tasks to the executor without waiting for its
// next queue-fill pass. Enqueue returns store.ErrConflict when the task was
// already picked up through another path.
type Enqueuer interface {
	Enqueue(task *store.Task) error
}

// Planner creates the first task batch for a goal with nothing behind it.
type Planner interface {
	PlanInitial(ctx context.Context, goal *store.Goal) ([]store.Task, error)
}

// RequirementSource guarantees a goal's asset requirements exist before
// work is planned or validated against them.
type RequirementSource interface {
	EnsureRequirements(ctx context.Context, goal *store.Goal) ([]store.AssetRequirement, error)
}

// Monitor owns the periodic reconcile cycle and the priority rechecks it
// arms after creating work.
type Monitor struct {
	store        *store.Store
	telemetry    telemetry.Telemetry
	health       *health.Manager
	validator    *validator.Validator
	planner      Planner
	requirements RequirementSource
	enqueuer     Enqueuer
	cfg          config.Monitor
	clock        clock.Clock
	logger       *slog.Logger

	// cache remembers the newest task update seen at each goal's last
	// validation, so unchanged goals skip the LLM measurement pass.
	cache *expirable.LRU[string, time.Time]

	mu       sync.Mutex
	rechecks map[string]*clock.Timer
}

// New wires a monitor. Planner, requirements, enqueuer, telemetry, clock,
// and logger may all be nil; health and validator are required.
func New(s *store.Store, tel telemetry.Telemetry, h *health.Manager, v *validator.Validator, p Planner, reqs RequirementSource, enq Enqueuer, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Monitor {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	mc := cfg.Monitor
	return &Monitor{
		store:        s,
		telemetry:    tel,
		health:       h,
		validator:    v,
		planner:      p,
		requirements: reqs,
		enqueuer:     enq,
		cfg:          mc,
		clock:        clk,
		logger:       logger.With("component", "monitor"),
		cache:        expirable.NewLRU[string, time.Time](mc.CacheMaxEntries, nil, mc.CacheTTL.Duration),
		rechecks:     make(map[string]*clock.Timer),
	}
}

// Run blocks until ctx is cancelled, reconciling at the validation
// interval. The first cycle runs immediately so a fresh start does not sit
// idle for a full interval.
func (m *Monitor) Run(ctx context.Context) {
	if !m.cfg.GoalDriven {
		m.logger.Info("goal-driven monitoring disabled")
		return
	}
	interval := m.cfg.ValidationInterval.Duration
	if interval <= 0 {
		interval = 20 * time.Minute
	}
	m.logger.Info("goal monitor started", "interval", interval)
	defer m.stopRechecks()

	m.cycle(ctx)

	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("goal monitor stopped")
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// cycle absorbs a failed pass: log it, rest, let the ticker resume.
func (m *Monitor) cycle(ctx context.Context) {
	if err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("reconcile cycle failed", "error", err)
		select {
		case <-ctx.Done():
		case <-m.clock.After(cycleBackoff):
		}
	}
}

// RunCycle executes one reconcile pass: health sweep first, then
// per-workspace validation, planning, and queue feeding for every goal due
// a check.
func (m *Monitor) RunCycle(ctx context.Context) error {
	start := m.clock.Now()
	if m.health != nil {
		m.health.Scan(ctx)
	}

	m.decomposeNewWorkspaces()

	cutoff := start.Add(-m.cfg.ValidationInterval.Duration)
	due, err := m.store.ListGoalsDueValidation(cutoff)
	if err != nil {
		return fmt.Errorf("monitor: goals due validation: %w", err)
	}
	if len(due) == 0 {
		m.logger.Debug("no goals due validation")
		return nil
	}

	// Group by workspace so gating and queue feeding happen once each.
	grouped := make(map[string][]store.Goal)
	var order []string
	for _, g := range due {
		if _, ok := grouped[g.WorkspaceID]; !ok {
			order = append(order, g.WorkspaceID)
		}
		grouped[g.WorkspaceID] = append(grouped[g.WorkspaceID], g)
	}

	validated := 0
	for _, workspaceID := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.quarantined(workspaceID) {
			m.logger.Debug("workspace quarantined, skipping", "workspace_id", workspaceID)
			continue
		}
		validated += m.reconcileWorkspace(ctx, workspaceID, grouped[workspaceID])
	}

	m.telemetry.EmitMetric("monitor_cycle_seconds", m.clock.Now().Sub(start).Seconds(), nil)
	m.logger.Info("reconcile cycle done", "workspaces", len(order), "goals_due", len(due), "validated", validated)
	return nil
}

// ValidateNow reconciles one workspace immediately, outside the interval.
// The executor calls this after completions worth reacting to; priority
// rechecks land here too.
func (m *Monitor) ValidateNow(ctx context.Context, workspaceID string) error {
	if m.quarantined(workspaceID) {
		return fmt.Errorf("monitor: workspace %s is quarantined", workspaceID)
	}
	goals, err := m.store.ListActiveGoals(workspaceID)
	if err != nil {
		return fmt.Errorf("monitor: active goals: %w", err)
	}
	if len(goals) == 0 {
		if ws, err := m.store.GetWorkspace(workspaceID); err == nil && ws.TeamApproved {
			created, err := m.validator.DecomposeWorkspaceGoal(ws)
			if err != nil {
				m.logger.Warn("goal decomposition failed", "workspace_id", workspaceID, "error", err)
			}
			goals = append(goals, created...)
		}
	}
	m.reconcileWorkspace(ctx, workspaceID, goals)
	return nil
}

// decomposeNewWorkspaces turns raw workspace goal text into measurable goal
// rows for approved workspaces that have none yet. This is how a fresh
// workspace enters the reconcile loop; its goals are immediately due
// validation and get their first plan in the same cycle.
func (m *Monitor) decomposeNewWorkspaces() {
	workspaces, err := m.store.ListWorkspacesByStatus(
		store.WorkspaceCreated,
		store.WorkspaceActive,
		store.WorkspaceProcessingTasks,
	)
	if err != nil {
		m.logger.Warn("workspace sweep failed", "error", err)
		return
	}
	for i := range workspaces {
		ws := &workspaces[i]
		if !ws.TeamApproved {
			continue
		}
		created, err := m.validator.DecomposeWorkspaceGoal(ws)
		if err != nil {
			m.logger.Warn("goal decomposition failed", "workspace_id", ws.ID, "error", err)
			continue
		}
		if len(created) > 0 {
			m.logger.Info("workspace goals decomposed", "workspace_id", ws.ID, "goals", len(created))
		}
	}
}

// PendingRechecks reports how many priority rechecks are armed.
func (m *Monitor) PendingRechecks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rechecks)
}

// reconcileWorkspace gates on approval and agent supply, then walks the
// due goals. Returns how many were actually validated.
func (m *Monitor) reconcileWorkspace(ctx context.Context, workspaceID string, goals []store.Goal) int {
	log := m.logger.With("workspace_id", workspaceID)

	ws, err := m.store.GetWorkspace(workspaceID)
	if err != nil {
		log.Warn("workspace lookup failed", "error", err)
		return 0
	}
	if !ws.TeamApproved {
		log.Debug("team not approved, holding off")
		return 0
	}
	total, available, err := m.store.CountAgents(workspaceID, m.clock.Now())
	if err != nil {
		log.Warn("agent count failed", "error", err)
		return 0
	}
	if total == 0 {
		m.telemetry.Alert(workspaceID, telemetry.AlertNoAgentsAtAll, telemetry.SeverityCritical,
			fmt.Sprintf("%d goals due validation but the workspace has no agents", len(goals)))
		return 0
	}
	if available == 0 {
		m.telemetry.Alert(workspaceID, telemetry.AlertNoAvailableAgents, telemetry.SeverityWarning,
			fmt.Sprintf("all %d agents are busy, offline, or quarantined", total))
		return 0
	}

	latestUpdate, err := m.store.LatestTaskUpdate(workspaceID)
	if err != nil {
		log.Warn("latest task update lookup failed", "error", err)
	}
	tasked, err := m.goalsWithTasks(workspaceID)
	if err != nil {
		log.Warn("task linkage lookup failed", "error", err)
	}

	validated := make([]string, 0, len(goals))
	createdTasks := 0
	for i := range goals {
		g := &goals[i]
		progress := g.CurrentValue

		ok, reason := m.shouldValidate(g, latestUpdate)
		if !ok {
			m.telemetry.EmitMetric("goal_validation_skipped", 1, map[string]string{"reason": reason})
			log.Debug("validation skipped", "goal_id", g.ID, "reason", reason)
		} else {
			res, err := m.validator.ValidateGoal(ctx, g)
			if err != nil {
				log.Warn("goal validation failed", "goal_id", g.ID, "error", err)
			} else {
				progress = res.Actual
				validated = append(validated, g.ID)
				m.cache.Add(g.ID, latestUpdate)
			}
		}

		if m.requirements != nil {
			if _, err := m.requirements.EnsureRequirements(ctx, g); err != nil {
				log.Warn("requirement generation failed", "goal_id", g.ID, "error", err)
			}
		}

		// Temporal goals track the deadline the other goals work under;
		// they never get a plan of their own.
		if progress == 0 && g.Status == store.GoalActive &&
			g.MetricType != validator.TypeTemporal && !tasked[g.ID] {
			createdTasks += m.bootstrapPlan(ctx, g, log)
		}
	}

	if len(validated) > 0 {
		if err := m.store.SetGoalsValidatedAt(validated, m.clock.Now()); err != nil {
			log.Warn("stamping validation time failed", "error", err)
		}
	}

	enqueued := m.feedExecutor(workspaceID, log)
	if createdTasks+enqueued > 0 {
		m.scheduleRecheck(workspaceID)
	}
	return len(validated)
}

// bootstrapPlan asks the planner for an initial task batch. A goal at zero
// progress with no tasks and no plannable work is worth an operator alert.
func (m *Monitor) bootstrapPlan(ctx context.Context, g *store.Goal, log *slog.Logger) int {
	if m.planner == nil {
		return 0
	}
	tasks, err := m.planner.PlanInitial(ctx, g)
	if err != nil {
		log.Warn("initial planning failed", "goal_id", g.ID, "error", err)
		return 0
	}
	if len(tasks) == 0 {
		m.telemetry.Alert(g.WorkspaceID, telemetry.AlertNoTasksForGoal, telemetry.SeverityWarning,
			fmt.Sprintf("goal %s is at zero progress and planning produced no tasks", g.ID))
		return 0
	}
	log.Info("bootstrapped plan for idle goal", "goal_id", g.ID, "tasks", len(tasks))
	return len(tasks)
}

// feedExecutor pushes runnable tasks at the executor. Dependencies may have
// completed since its last poll, so this covers more than the tasks created
// this cycle.
func (m *Monitor) feedExecutor(workspaceID string, log *slog.Logger) int {
	if m.enqueuer == nil {
		return 0
	}
	ready, err := m.store.ReadyTasks(workspaceID, m.cfg.MaxTasksPerCycle)
	if err != nil {
		log.Warn("ready task fetch failed", "error", err)
		return 0
	}
	enqueued := 0
	for i := range ready {
		err := m.enqueuer.Enqueue(&ready[i])
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, store.ErrConflict):
			// Already claimed through another path.
		default:
			log.Debug("executor queue rejected task", "task_id", ready[i].ID, "error", err)
			if enqueued > 0 {
				log.Info("fed executor", "tasks", enqueued)
			}
			return enqueued
		}
	}
	if enqueued > 0 {
		log.Info("fed executor", "tasks", enqueued)
	}
	return enqueued
}

// scheduleRecheck arms a one-shot revisit of the workspace a few minutes
// out, so fresh tasks are measured close to their completion instead of a
// full interval later. At most one armed recheck per workspace.
func (m *Monitor) scheduleRecheck(workspaceID string) {
	delay := m.cfg.RecheckMin.Duration
	if span := m.cfg.RecheckMax.Duration - delay; span > 0 {
		delay += time.Duration(rand.Float64() * float64(span))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rechecks[workspaceID]; ok {
		return
	}
	m.rechecks[workspaceID] = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.rechecks, workspaceID)
		m.mu.Unlock()
		if err := m.ValidateNow(context.Background(), workspaceID); err != nil {
			m.logger.Warn("priority recheck failed", "workspace_id", workspaceID, "error", err)
		}
	})
	m.logger.Debug("priority recheck scheduled", "workspace_id", workspaceID, "delay", delay)
}

func (m *Monitor) stopRechecks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.rechecks {
		t.Stop()
		delete(m.rechecks, id)
	}
}

func (m *Monitor) quarantined(workspaceID string) bool {
	return m.health != nil && m.health.Quarantined(workspaceID)
}

// goalsWithTasks returns the set of goal ids that already have tasks.
func (m *Monitor) goalsWithTasks(workspaceID string) (map[string]bool, error) {
	tasks, err := m.store.ListTasks(workspaceID)
	if err != nil {
		return nil, err
	}
	linked := make(map[string]bool, len(tasks))
	for i := range tasks {
		if id := tasks[i].GoalID; id != "" {
			linked[id] = true
		}
	}
	return linked, nil
}
