package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

// Severity levels for validation results.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Gap tolerance for exact (non-minimum) targets.
const exactTolerance = 0.9

// ValidationResult reports how a single goal measures up against the work
// completed so far.
type ValidationResult struct {
	GoalID           string             `json:"goal_id,omitempty"`
	WorkspaceID      string             `json:"workspace_id"`
	MetricType       string             `json:"metric_type"`
	Unit             string             `json:"unit"`
	Valid            bool               `json:"valid"`
	Severity         string             `json:"severity"`
	Confidence       float64            `json:"confidence"`
	Target           float64            `json:"target"`
	Actual           float64            `json:"actual"`
	GapPercentage    float64            `json:"gap_percentage"`
	Message          string             `json:"message"`
	Recommendations  []string           `json:"recommendations,omitempty"`
	ExtractedMetrics map[string]float64 `json:"extracted_metrics,omitempty"`
}

// GapContext carries a detected shortfall to the corrective planner and,
// through it, into the corrective task's memory context.
type GapContext struct {
	GoalID          string    `json:"goal_id"`
	WorkspaceID     string    `json:"workspace_id"`
	MetricType      string    `json:"metric_type"`
	Unit            string    `json:"unit"`
	Target          float64   `json:"target"`
	Actual          float64   `json:"actual"`
	GapPercentage   float64   `json:"gap_percentage"`
	Severity        string    `json:"severity"`
	Recommendations []string  `json:"recommendations,omitempty"`
	DetectedAt      time.Time `json:"detected_at"`
}

// CorrectivePlanner creates a remediation task for a detected gap. The
// planner owns cooldown and idempotency; a nil task with nil error means
// the request was deliberately skipped.
type CorrectivePlanner interface {
	PlanCorrective(ctx context.Context, goal *store.Goal, gap GapContext) (*store.Task, error)
}

// Validator measures goals against completed work and triggers corrective
// planning when the gap is severe.
type Validator struct {
	store      *store.Store
	telemetry  telemetry.Telemetry
	clock      clock.Clock
	logger     *slog.Logger
	corrective CorrectivePlanner
}

func New(s *store.Store, tel telemetry.Telemetry, clk clock.Clock, logger *slog.Logger) *Validator {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:     s,
		telemetry: tel,
		clock:     clk,
		logger:    logger.With("component", "validator"),
	}
}

// SetCorrectivePlanner wires the planner in after construction; the planner
// package depends on this one, so the link cannot be made at New time.
func (v *Validator) SetCorrectivePlanner(p CorrectivePlanner) { v.corrective = p }

// DecomposeWorkspaceGoal extracts requirements from the workspace's goal
// text and persists one goal row per requirement. Workspaces that already
// have goals are left alone.
func (v *Validator) DecomposeWorkspaceGoal(ws *store.Workspace) ([]store.Goal, error) {
	if strings.TrimSpace(ws.Goal) == "" {
		return nil, nil
	}
	existing, err := v.store.ListGoals(ws.ID)
	if err != nil {
		return nil, fmt.Errorf("validator: list goals: %w", err)
	}
	if len(existing) > 0 {
		return nil, nil
	}

	reqs := ExtractRequirements(ws.Goal)
	var created []store.Goal
	for _, r := range reqs {
		g := store.Goal{
			WorkspaceID: ws.ID,
			Description: fmt.Sprintf("%s: %s", r.Type, r.SourceSpan),
			MetricType:  r.Type,
			TargetValue: r.TargetValue,
			Unit:        r.Unit,
			Priority:    goalPriority(r),
			IsMinimum:   r.IsMinimum,
		}
		if err := v.store.CreateGoal(&g); err != nil {
			return created, fmt.Errorf("validator: create goal: %w", err)
		}
		created = append(created, g)
	}
	if len(created) > 0 {
		v.logger.Info("decomposed workspace goal",
			"workspace_id", ws.ID, "goals_created", len(created))
	}
	return created, nil
}

func goalPriority(r Requirement) int {
	switch r.Type {
	case TypeContacts, TypeEmailSequences, TypeContent, TypeDeliverables, TypeFinancial:
		return 1
	case TypePercentage:
		return 2
	default:
		return 3
	}
}

// ValidateGoal measures one goal against the workspace's completed tasks,
// advances its recorded progress, and fires the corrective path when the
// shortfall is critical or high.
func (v *Validator) ValidateGoal(ctx context.Context, g *store.Goal) (*ValidationResult, error) {
	tasks, err := v.store.CompletedTasksForWorkspace(g.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("validator: completed tasks: %w", err)
	}

	achievements := ExtractAchievements(tasks)
	res := v.assess(g, achievements)

	if _, err := v.store.AdvanceGoalValue(g.ID, res.Actual); err != nil {
		v.logger.Warn("advance goal value", "goal_id", g.ID, "error", err)
	}
	if res.Valid && g.Status == store.GoalActive && g.MetricType != TypeTemporal {
		if err := v.store.UpdateGoalStatus(g.ID, store.GoalCompleted); err != nil {
			v.logger.Warn("mark goal completed", "goal_id", g.ID, "error", err)
		} else {
			v.logger.Info("goal achieved", "goal_id", g.ID,
				"metric_type", g.MetricType, "target", g.TargetValue)
		}
	}

	v.telemetry.Broadcast(telemetry.EventGoalValidated, map[string]any{
		"goal_id":        g.ID,
		"workspace_id":   g.WorkspaceID,
		"metric_type":    g.MetricType,
		"valid":          res.Valid,
		"severity":       res.Severity,
		"gap_percentage": res.GapPercentage,
		"actual":         res.Actual,
		"target":         res.Target,
		"confidence":     res.Confidence,
	})

	// Corrective planning needs completed work to measure against; a goal
	// nothing has run for yet gets its first tasks from initial planning.
	if !res.Valid && len(tasks) > 0 && (res.Severity == SeverityCritical || res.Severity == SeverityHigh) {
		v.correctiveAction(ctx, g, res)
	}
	return res, nil
}

// ValidateWorkspaceGoals runs ValidateGoal over every active goal of a
// workspace. Per-goal failures are collected, not fatal.
func (v *Validator) ValidateWorkspaceGoals(ctx context.Context, workspaceID string) ([]ValidationResult, error) {
	goals, err := v.store.ListActiveGoals(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("validator: active goals: %w", err)
	}
	var out []ValidationResult
	for i := range goals {
		res, err := v.ValidateGoal(ctx, &goals[i])
		if err != nil {
			v.logger.Warn("validate goal", "goal_id", goals[i].ID, "error", err)
			continue
		}
		out = append(out, *res)
	}
	return out, nil
}

// assess computes gap, severity, validity, and confidence for one goal.
func (v *Validator) assess(g *store.Goal, achievements []Achievement) *ValidationResult {
	res := &ValidationResult{
		GoalID:      g.ID,
		WorkspaceID: g.WorkspaceID,
		MetricType:  g.MetricType,
		Unit:        g.Unit,
		Target:      g.TargetValue,
		Confidence:  0.7,
	}

	if g.MetricType == TypeTemporal {
		// Temporal goals track deadline overshoot: actual is days elapsed
		// since the goal was created, and the gap only opens once the
		// window has passed.
		elapsed := v.clock.Now().Sub(g.CreatedAt).Hours() / 24
		target := temporalDays(g.TargetValue, g.Unit)
		res.Actual = round2(elapsed)
		res.Target = target
		if target > 0 && elapsed > target {
			res.GapPercentage = round2((elapsed - target) / target * 100)
		}
		res.Valid = elapsed <= target
		res.Severity = severityFor(res.GapPercentage)
		res.Message = fmt.Sprintf("%s: %.1f of %.0f days elapsed", g.MetricType, elapsed, target)
		if !res.Valid {
			res.Message = fmt.Sprintf("%s: deadline exceeded by %.1f days", g.MetricType, elapsed-target)
			res.Recommendations = recommendationsFor(g, res)
		}
		return res
	}

	actual, structured, keyMatched := AggregateForType(achievements, g.MetricType)
	res.Actual = actual
	if structured {
		res.Confidence += 0.2
	}
	if keyMatched {
		res.Confidence += 0.1
	}
	res.Confidence = round2(res.Confidence)
	if res.Confidence > 1 {
		res.Confidence = 1
	}

	if g.TargetValue > 0 {
		gap := (g.TargetValue - actual) / g.TargetValue * 100
		if gap < 0 {
			gap = 0
		}
		res.GapPercentage = round2(gap)
	}
	res.Severity = severityFor(res.GapPercentage)

	// Explicit minimums need the full target; exact targets get 10%
	// tolerance.
	minimum := g.IsMinimum || isMinimumMetric(g.MetricType)
	if minimum {
		res.Valid = actual >= g.TargetValue
	} else {
		res.Valid = actual >= exactTolerance*g.TargetValue
	}

	res.Message = fmt.Sprintf("%s: %.4g of %.4g %s (gap %.1f%%)",
		g.MetricType, actual, g.TargetValue, g.Unit, res.GapPercentage)
	if !res.Valid {
		res.Recommendations = recommendationsFor(g, res)
	}
	res.ExtractedMetrics = map[string]float64{g.MetricType: actual}
	return res
}

// Percentage thresholds always behave as floors; other metric types are
// floors only when the goal text said so ("at least N"), carried on the
// goal row as IsMinimum.
func isMinimumMetric(metricType string) bool {
	return metricType == TypePercentage
}

func temporalDays(value float64, unit string) float64 {
	switch normalizeUnit(unit) {
	case "minute", "min":
		return value / (24 * 60)
	case "hour", "hr":
		return value / 24
	case "week":
		return value * 7
	case "month":
		return value * 30
	case "quarter":
		return value * 90
	case "year":
		return value * 365
	default:
		return value
	}
}

func severityFor(gap float64) string {
	switch {
	case gap >= 80:
		return SeverityCritical
	case gap >= 50:
		return SeverityHigh
	case gap >= 20:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func recommendationsFor(g *store.Goal, res *ValidationResult) []string {
	missing := g.TargetValue - res.Actual
	switch g.MetricType {
	case TypeContacts:
		return []string{
			fmt.Sprintf("Prioritise contact collection: %.0f of %.0f captured", res.Actual, g.TargetValue),
			fmt.Sprintf("Create a focused task to source the remaining %.0f contacts", missing),
		}
	case TypeEmailSequences:
		return []string{
			fmt.Sprintf("Draft the remaining %.0f email sequences", missing),
			"Review completed sequences for reusable structure",
		}
	case TypeContent:
		return []string{
			fmt.Sprintf("Schedule production of %.0f more content pieces", missing),
		}
	case TypeFinancial:
		return []string{
			fmt.Sprintf("Revenue gap of %.2f: review pipeline and pricing", missing),
		}
	case TypeTemporal:
		return []string{
			"Deadline exceeded: re-plan remaining work or extend the timeline",
		}
	case TypePercentage:
		return []string{
			fmt.Sprintf("Quality at %.1f%% against a %.1f%% floor: add a review pass", res.Actual, g.TargetValue),
		}
	default:
		return []string{
			fmt.Sprintf("Close the %.1f%% gap on %s", res.GapPercentage, g.MetricType),
		}
	}
}

// correctiveAction records a failure lesson and asks the planner for a
// remediation task. Neither step may fail the validation itself.
func (v *Validator) correctiveAction(ctx context.Context, g *store.Goal, res *ValidationResult) {
	gap := GapContext{
		GoalID:          g.ID,
		WorkspaceID:     g.WorkspaceID,
		MetricType:      g.MetricType,
		Unit:            g.Unit,
		Target:          res.Target,
		Actual:          res.Actual,
		GapPercentage:   res.GapPercentage,
		Severity:        res.Severity,
		Recommendations: res.Recommendations,
		DetectedAt:      v.clock.Now().UTC(),
	}

	content, err := json.Marshal(gap)
	if err == nil {
		insight := store.Insight{
			WorkspaceID: g.WorkspaceID,
			InsightType: store.InsightFailureLesson,
			Content:     string(content),
			Tags: []string{
				"metric_" + g.MetricType,
				fmt.Sprintf("gap_%dpct", gapBucket(res.GapPercentage)),
				"course_correction",
				"critical_gap",
			},
			Confidence: res.Confidence,
		}
		if err := v.store.CreateInsight(&insight); err != nil {
			v.logger.Warn("record gap insight", "goal_id", g.ID, "error", err)
		}
	}

	if v.corrective == nil {
		v.logger.Debug("no corrective planner wired", "goal_id", g.ID)
		return
	}
	task, err := v.corrective.PlanCorrective(ctx, g, gap)
	if err != nil {
		v.logger.Warn("plan corrective task", "goal_id", g.ID, "error", err)
		return
	}
	if task != nil {
		v.logger.Info("corrective task created", "goal_id", g.ID,
			"task_id", task.ID, "metric_type", g.MetricType,
			"gap_percentage", res.GapPercentage)
	}
}

// gapBucket floors a gap percentage to its decade for insight tagging.
func gapBucket(gap float64) int {
	if gap < 0 {
		return 0
	}
	if gap > 100 {
		return 100
	}
	return int(gap/10) * 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
