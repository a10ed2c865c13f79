// Package planner turns goals and their asset requirements into
// prioritised, dependency-ordered task batches, and creates one-off
// corrective tasks when the validator detects a gap.
package planner

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
	"github.com/antigravity-dev/foreman/internal/validator"
)

// RequirementGenerator is the deliverable engine's requirement-generation
// port: it returns the goal's asset requirements, creating them first when
// none exist yet.
type RequirementGenerator interface {
	EnsureRequirements(ctx context.Context, goal *store.Goal) ([]store.AssetRequirement, error)
}

// Planner builds task batches for goals. Safe for concurrent use.
type Planner struct {
	store        *store.Store
	telemetry    telemetry.Telemetry
	completer    llm.Completer
	requirements RequirementGenerator
	cfg          config.Planner
	maxPerCycle  int
	model        string
	clock        clock.Clock
	logger       *slog.Logger

	mu             sync.Mutex
	lastCorrective map[string]time.Time // workspace_id|metric_type
}

func New(s *store.Store, tel telemetry.Telemetry, completer llm.Completer, reqs RequirementGenerator, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Planner {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		store:          s,
		telemetry:      tel,
		completer:      completer,
		requirements:   reqs,
		cfg:            cfg.Planner,
		maxPerCycle:    cfg.Monitor.MaxTasksPerCycle,
		model:          cfg.AI.EnhancementModel,
		clock:          clk,
		logger:         logger.With("component", "planner"),
		lastCorrective: map[string]time.Time{},
	}
}

// PlanInitial builds the first task batch for a goal: one draft set per
// unfulfilled requirement, scored, dependency-sequenced, capped at the
// per-cycle budget, and persisted.
func (p *Planner) PlanInitial(ctx context.Context, goal *store.Goal) ([]store.Task, error) {
	reqs, err := p.ensureRequirements(ctx, goal)
	if err != nil {
		return nil, err
	}

	var drafts []scoredDraft
	if len(reqs) == 0 {
		batch, fallback := p.generateTasks(ctx, goal, nil)
		drafts = append(drafts, p.scoreBatch(goal, nil, batch, fallback)...)
	}
	for i := range reqs {
		req := &reqs[i]
		if req.Status == store.RequirementFulfilled {
			continue
		}
		batch, fallback := p.generateTasks(ctx, goal, req)
		drafts = append(drafts, p.scoreBatch(goal, req, batch, fallback)...)
	}

	ordered := sequenceDrafts(drafts)
	if p.maxPerCycle > 0 && len(ordered) > p.maxPerCycle {
		ordered = ordered[:p.maxPerCycle]
	}
	tasks, err := p.persistDrafts(goal, ordered)
	if err != nil {
		return tasks, err
	}
	if len(tasks) > 0 {
		p.telemetry.EmitMetric("planner_tasks_created", float64(len(tasks)), map[string]string{
			"workspace_id": goal.WorkspaceID,
			"goal_id":      goal.ID,
		})
		p.logger.Info("planned initial tasks", "goal_id", goal.ID,
			"workspace_id", goal.WorkspaceID, "tasks", len(tasks))
	}
	return tasks, nil
}

// PlanFromRequirement builds and persists a batch for a single requirement.
func (p *Planner) PlanFromRequirement(ctx context.Context, goal *store.Goal, req *store.AssetRequirement) ([]store.Task, error) {
	batch, fallback := p.generateTasks(ctx, goal, req)
	ordered := sequenceDrafts(p.scoreBatch(goal, req, batch, fallback))
	if p.maxPerCycle > 0 && len(ordered) > p.maxPerCycle {
		ordered = ordered[:p.maxPerCycle]
	}
	return p.persistDrafts(goal, ordered)
}

// PlanCorrective creates a single remediation task for a validator gap. It
// implements validator.CorrectivePlanner. Returns (nil, nil) when skipped:
// cooldown still open, an active corrective already exists, or the exact
// task was already inserted.
func (p *Planner) PlanCorrective(ctx context.Context, goal *store.Goal, gap validator.GapContext) (*store.Task, error) {
	key := goal.WorkspaceID + "|" + gap.MetricType
	now := p.clock.Now()

	p.mu.Lock()
	last, seen := p.lastCorrective[key]
	p.mu.Unlock()
	if seen && now.Sub(last) < p.cfg.CorrectiveCooldown.Duration {
		p.logger.Debug("corrective cooldown open", "workspace_id", goal.WorkspaceID,
			"metric_type", gap.MetricType, "since", now.Sub(last))
		return nil, nil
	}

	active, err := p.store.HasActiveCorrectiveTask(goal.ID)
	if err != nil {
		return nil, fmt.Errorf("planner: check active corrective: %w", err)
	}
	if active {
		return nil, nil
	}

	missing := gap.Target - gap.Actual
	task := &store.Task{
		WorkspaceID:     goal.WorkspaceID,
		GoalID:          goal.ID,
		Name:            fmt.Sprintf("Corrective: close %s gap (%.0f%%)", gap.MetricType, gap.GapPercentage),
		Description:     correctiveDescription(gap),
		Priority:        store.PriorityHigh,
		IsCorrective:    true,
		NumericalTarget: sql.NullFloat64{Float64: missing, Valid: missing > 0},
		Deadline:        sql.NullTime{Time: now.Add(p.cfg.CorrectiveDeadline.Duration), Valid: true},
		ContextData: map[string]any{
			"memory_context":  gap,
			"is_corrective":   true,
			"metric_type":     gap.MetricType,
			"expected_output": map[string]any{"format": "json", "required": []any{"summary"}},
		},
		IdempotencyKey: idempotencyKey(goal.ID, "corrective_"+gap.MetricType,
			fmt.Sprintf("%s@%d", gap.MetricType, gap.DetectedAt.Unix())),
	}
	if err := p.store.CreateTask(task); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil
		}
		return nil, fmt.Errorf("planner: create corrective task: %w", err)
	}

	p.mu.Lock()
	p.lastCorrective[key] = now
	p.mu.Unlock()

	p.telemetry.Broadcast(telemetry.EventCorrectiveCreated, map[string]any{
		"task_id":        task.ID,
		"goal_id":        goal.ID,
		"workspace_id":   goal.WorkspaceID,
		"metric_type":    gap.MetricType,
		"gap_percentage": gap.GapPercentage,
		"deadline":       task.Deadline.Time.UTC().Format(time.RFC3339),
	})
	p.logger.Info("corrective task created", "task_id", task.ID,
		"goal_id", goal.ID, "metric_type", gap.MetricType,
		"gap_percentage", gap.GapPercentage)
	return task, nil
}

func correctiveDescription(gap validator.GapContext) string {
	desc := fmt.Sprintf(
		"Close the gap on %s: %.4g of %.4g %s achieved (%.1f%% short, severity %s).",
		gap.MetricType, gap.Actual, gap.Target, gap.Unit, gap.GapPercentage, gap.Severity)
	for _, rec := range gap.Recommendations {
		desc += "\n- " + rec
	}
	return desc
}

func (p *Planner) ensureRequirements(ctx context.Context, goal *store.Goal) ([]store.AssetRequirement, error) {
	if p.requirements != nil {
		reqs, err := p.requirements.EnsureRequirements(ctx, goal)
		if err != nil {
			p.logger.Warn("ensure requirements", "goal_id", goal.ID, "error", err)
		} else {
			return reqs, nil
		}
	}
	reqs, err := p.store.ListRequirements(goal.ID)
	if err != nil {
		return nil, fmt.Errorf("planner: list requirements: %w", err)
	}
	return reqs, nil
}

// persistDrafts inserts drafts in sequence order, translating draft-name
// dependencies into task IDs. Idempotency conflicts are skipped so repeat
// planning cycles stay single-shot.
func (p *Planner) persistDrafts(goal *store.Goal, ordered []scoredDraft) ([]store.Task, error) {
	nameToID := map[string]string{}
	var tasks []store.Task
	for _, d := range ordered {
		var deps []string
		for _, dep := range d.Dependencies {
			if id, ok := nameToID[dep]; ok {
				deps = append(deps, id)
			}
		}
		task := store.Task{
			WorkspaceID:          goal.WorkspaceID,
			GoalID:               goal.ID,
			AssetRequirementID:   d.requirementID,
			AgentID:              d.agentID,
			AgentRole:            d.agentRole,
			Name:                 d.Name,
			Description:          d.Description,
			Priority:             d.Priority,
			AIGenerated:          true,
			ContributionExpected: sql.NullFloat64{Float64: d.ContributionToAsset, Valid: d.ContributionToAsset > 0},
			DependsOn:            deps,
			ContextData:          d.contextData,
			IdempotencyKey:       idempotencyKey(goal.ID, d.requirementID, d.Name),
		}
		if err := p.store.CreateTask(&task); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return tasks, fmt.Errorf("planner: create task: %w", err)
		}
		nameToID[d.Name] = task.ID
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func idempotencyKey(goalID, requirementID, name string) string {
	sum := sha256.Sum256([]byte(goalID + "|" + requirementID + "|" + name))
	return hex.EncodeToString(sum[:])
}
