// Package deliverable owns the path from completed task output to
// user-facing results: it seeds goals with asset requirements, structures
// task results into scored artifacts, validates payloads against per-type
// schemas, and assembles approved artifacts into workspace deliverables.
package deliverable

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
	"github.com/antigravity-dev/foreman/internal/validator"
)

const requirementTimeout = 30 * time.Second

// Engine structures task output and assembles deliverables. Safe for
// concurrent use.
type Engine struct {
	store     *store.Store
	telemetry telemetry.Telemetry
	completer llm.Completer
	cfg       config.Deliverables
	model     string
	clock     clock.Clock
	logger    *slog.Logger
	schemas   map[string]*jsonschema.Schema
	cache     *expirable.LRU[string, map[string]any]
}

func New(s *store.Store, tel telemetry.Telemetry, completer llm.Completer, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Engine {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "deliverable")
	return &Engine{
		store:     s,
		telemetry: tel,
		completer: completer,
		cfg:       cfg.Deliverables,
		model:     cfg.AI.EnhancementModel,
		clock:     clk,
		logger:    logger,
		schemas:   compileSchemas(logger),
		cache: expirable.NewLRU[string, map[string]any](
			cfg.Deliverables.CacheMaxEntries, nil, cfg.Deliverables.CacheTTL.Duration),
	}
}

// requirementDraft is one candidate asset requirement from any of the
// extraction sources.
type requirementDraft struct {
	Name               string         `json:"name"`
	AssetType          string         `json:"asset_type"`
	Format             string         `json:"format"`
	AcceptanceCriteria map[string]any `json:"acceptance_criteria"`
	Priority           string         `json:"priority"`
	BusinessValue      float64        `json:"business_value"`

	fulfilled bool // the source proves the asset already exists
}

// EnsureRequirements returns the goal's asset requirements, deriving and
// persisting them first when the goal has none. Sources are tried in
// priority order: goal metadata, completed-task results, pending-task
// inference, then the LLM; a later source never replaces an earlier draft
// of the same name unless it proves the asset complete.
func (e *Engine) EnsureRequirements(ctx context.Context, goal *store.Goal) ([]store.AssetRequirement, error) {
	existing, err := e.store.ListRequirements(goal.ID)
	if err != nil {
		return nil, fmt.Errorf("deliverable: list requirements: %w", err)
	}
	if len(existing) > 0 || goal.RequirementsGenerated {
		return existing, nil
	}

	drafts := e.fromGoalMetadata(goal)
	drafts = mergeDrafts(drafts, e.fromCompletedTasks(goal))
	drafts = mergeDrafts(drafts, e.fromPendingTasks(goal))
	if len(drafts) < 3 && e.completer != nil {
		drafts = mergeDrafts(drafts, e.fromLLM(ctx, goal))
	}
	if len(drafts) == 0 {
		if goal.MetricType == validator.TypeTemporal {
			// A deadline goal bounds the other goals' work; it has no
			// asset of its own, generic or otherwise.
			if err := e.store.MarkRequirementsGenerated(goal.ID); err != nil {
				e.logger.Warn("mark requirements generated", "goal_id", goal.ID, "error", err)
			}
			return nil, nil
		}
		drafts = []requirementDraft{genericRequirement(goal)}
	}
	if len(drafts) > 5 {
		drafts = drafts[:5]
	}

	reqs := make([]store.AssetRequirement, 0, len(drafts))
	for _, d := range drafts {
		r := store.AssetRequirement{
			GoalID:             goal.ID,
			WorkspaceID:        goal.WorkspaceID,
			Name:               d.Name,
			AssetType:          d.AssetType,
			Format:             d.Format,
			AcceptanceCriteria: d.AcceptanceCriteria,
			Priority:           d.Priority,
			BusinessValue:      d.BusinessValue,
		}
		if d.fulfilled {
			r.Status = store.RequirementFulfilled
		}
		if err := e.store.CreateRequirement(&r); err != nil {
			return reqs, fmt.Errorf("deliverable: create requirement: %w", err)
		}
		reqs = append(reqs, r)
	}
	if err := e.store.MarkRequirementsGenerated(goal.ID); err != nil {
		e.logger.Warn("mark requirements generated", "goal_id", goal.ID, "error", err)
	}
	e.logger.Info("requirements generated", "goal_id", goal.ID,
		"workspace_id", goal.WorkspaceID, "count", len(reqs))
	return reqs, nil
}

// fromGoalMetadata derives requirements from the measurable parts of the
// goal description itself.
func (e *Engine) fromGoalMetadata(goal *store.Goal) []requirementDraft {
	var drafts []requirementDraft
	for _, r := range validator.ExtractRequirements(goal.Description) {
		d, ok := assetForMetric(r)
		if !ok {
			continue
		}
		if r.Type == goal.MetricType {
			d.Priority = "critical"
			d.BusinessValue = 3
		}
		drafts = append(drafts, d)
	}
	return drafts
}

// fromCompletedTasks recognises assets that finished work has already
// produced; their drafts arrive pre-fulfilled and may override earlier
// open drafts of the same name.
func (e *Engine) fromCompletedTasks(goal *store.Goal) []requirementDraft {
	tasks, err := e.store.CompletedTasksForGoal(goal.ID)
	if err != nil {
		e.logger.Debug("completed tasks", "goal_id", goal.ID, "error", err)
		return nil
	}
	var drafts []requirementDraft
	for _, t := range tasks {
		structured, _ := t.Result["structured"].(map[string]any)
		for key := range structured {
			d, ok := assetForPayloadKey(key)
			if !ok {
				continue
			}
			d.fulfilled = true
			drafts = append(drafts, d)
		}
	}
	return drafts
}

// fromPendingTasks infers intended assets from queued work that expects to
// contribute to one but has no requirement attached yet.
func (e *Engine) fromPendingTasks(goal *store.Goal) []requirementDraft {
	tasks, err := e.store.ListTasks(goal.WorkspaceID, store.TaskPending, store.TaskQueued, store.TaskInProgress)
	if err != nil {
		e.logger.Debug("pending tasks", "workspace_id", goal.WorkspaceID, "error", err)
		return nil
	}
	var drafts []requirementDraft
	for _, t := range tasks {
		if t.GoalID != goal.ID || t.AssetRequirementID != "" || !t.ContributionExpected.Valid {
			continue
		}
		name := assetNameFromTask(t.Name)
		if name == "" {
			continue
		}
		drafts = append(drafts, requirementDraft{
			Name:          name,
			AssetType:     "other",
			Priority:      store.PriorityMedium,
			BusinessValue: 1,
		})
	}
	return drafts
}

const requirementSystemPrompt = `You define the concrete assets a workspace must produce to reach a business goal. Respond with JSON only.`

func (e *Engine) fromLLM(ctx context.Context, goal *store.Goal) []requirementDraft {
	ctx, cancel := context.WithTimeout(ctx, requirementTimeout)
	defer cancel()

	prompt := fmt.Sprintf(`Goal: %s
Metric: %s, target %.4g %s

List 3 to 5 asset requirements this goal needs. Reply with a JSON object:
{"requirements": [{"name": "...", "asset_type": "document|design|code|data|other", "format": "...", "acceptance_criteria": {"...": "..."}, "priority": "critical|high|medium|low", "business_value": 2}]}`,
		goal.Description, goal.MetricType, goal.TargetValue, goal.Unit)

	resp, err := e.completer.Complete(ctx, llm.Request{
		Model:       e.model,
		System:      requirementSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   900,
		Temperature: 0.3,
		ForceJSON:   true,
	})
	if err != nil {
		e.logger.Warn("llm requirement generation failed", "goal_id", goal.ID, "error", err)
		return nil
	}
	var parsed struct {
		Requirements []requirementDraft `json:"requirements"`
	}
	if err := llm.ParseJSON(resp.Text, &parsed); err != nil {
		e.logger.Warn("parse requirement batch", "goal_id", goal.ID, "error", err)
		return nil
	}

	var drafts []requirementDraft
	for _, d := range parsed.Requirements {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			continue
		}
		switch d.AssetType {
		case "document", "design", "code", "data", "other":
		default:
			d.AssetType = "document"
		}
		switch d.Priority {
		case "critical", "high", "medium", "low":
		default:
			d.Priority = store.PriorityMedium
		}
		if d.BusinessValue <= 0 {
			d.BusinessValue = 1
		}
		drafts = append(drafts, d)
		if len(drafts) == 5 {
			break
		}
	}
	return drafts
}

// mergeDrafts folds later-source drafts into the accumulated set. A name
// collision keeps the earlier draft, except that a fulfilled later draft
// marks it done.
func mergeDrafts(have, more []requirementDraft) []requirementDraft {
	index := make(map[string]int, len(have))
	for i, d := range have {
		index[strings.ToLower(d.Name)] = i
	}
	for _, d := range more {
		key := strings.ToLower(d.Name)
		if i, ok := index[key]; ok {
			if d.fulfilled {
				have[i].fulfilled = true
			}
			continue
		}
		index[key] = len(have)
		have = append(have, d)
	}
	return have
}

// assetForMetric maps an extracted goal requirement onto the concrete asset
// that evidences it. Percentage and timeline metrics have no artifact of
// their own.
func assetForMetric(r validator.Requirement) (requirementDraft, bool) {
	criteria := map[string]any{
		"target_count": r.TargetValue,
		"unit":         r.Unit,
	}
	if r.IsMinimum {
		criteria["minimum"] = true
	}
	switch r.Type {
	case validator.TypeContacts:
		return requirementDraft{Name: "Contact database", AssetType: "data", Format: "contact_database",
			AcceptanceCriteria: criteria, Priority: "high", BusinessValue: 2}, true
	case validator.TypeEmailSequences:
		return requirementDraft{Name: "Email sequence pack", AssetType: "document", Format: "email_sequence",
			AcceptanceCriteria: criteria, Priority: "high", BusinessValue: 2}, true
	case validator.TypeContent:
		return requirementDraft{Name: "Content calendar", AssetType: "document", Format: "content_calendar",
			AcceptanceCriteria: criteria, Priority: "high", BusinessValue: 2}, true
	case validator.TypeDeliverables:
		return requirementDraft{Name: "Deliverable package", AssetType: "document", Format: "document",
			AcceptanceCriteria: criteria, Priority: "high", BusinessValue: 2}, true
	case validator.TypeFinancial:
		return requirementDraft{Name: "Revenue summary", AssetType: "document", Format: "document",
			AcceptanceCriteria: criteria, Priority: store.PriorityMedium, BusinessValue: 1}, true
	}
	return requirementDraft{}, false
}

// assetForPayloadKey maps a structured result key to the asset it proves.
func assetForPayloadKey(key string) (requirementDraft, bool) {
	switch key {
	case "contacts", "leads", "prospects":
		return requirementDraft{Name: "Contact database", AssetType: "data", Format: "contact_database",
			Priority: "high", BusinessValue: 2}, true
	case "email_sequences", "sequences":
		return requirementDraft{Name: "Email sequence pack", AssetType: "document", Format: "email_sequence",
			Priority: "high", BusinessValue: 2}, true
	case "content_calendar", "posts", "articles":
		return requirementDraft{Name: "Content calendar", AssetType: "document", Format: "content_calendar",
			Priority: "high", BusinessValue: 2}, true
	case "deliverables", "documents":
		return requirementDraft{Name: "Deliverable package", AssetType: "document", Format: "document",
			Priority: "high", BusinessValue: 2}, true
	}
	return requirementDraft{}, false
}

var assetNameVerbs = []string{"create ", "write ", "build ", "produce ", "draft ", "deliver "}

// assetNameFromTask strips a leading imperative verb from a task name to
// recover the asset it targets.
func assetNameFromTask(taskName string) string {
	lower := strings.ToLower(taskName)
	for _, verb := range assetNameVerbs {
		if strings.HasPrefix(lower, verb) {
			rest := strings.TrimSpace(taskName[len(verb):])
			if len(rest) >= 3 {
				return rest
			}
		}
	}
	return ""
}

func genericRequirement(goal *store.Goal) requirementDraft {
	return requirementDraft{
		Name:      "Goal deliverable",
		AssetType: "document",
		Format:    "document",
		AcceptanceCriteria: map[string]any{
			"goal":   goal.Description,
			"target": goal.TargetValue,
		},
		Priority:      "critical",
		BusinessValue: 2,
	}
}
