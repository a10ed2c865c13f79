package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
)

const generateTimeout = 30 * time.Second

// Task types, ordered nowhere: weights live in sequence.go.
const (
	TaskTypeResearch    = "research"
	TaskTypeCreation    = "creation"
	TaskTypeAnalysis    = "analysis"
	TaskTypeValidation  = "validation"
	TaskTypeIntegration = "integration"
)

var validTaskTypes = map[string]bool{
	TaskTypeResearch:    true,
	TaskTypeCreation:    true,
	TaskTypeAnalysis:    true,
	TaskTypeValidation:  true,
	TaskTypeIntegration: true,
}

// taskDraft is the shape the generation prompt asks for, one element of
// the returned batch.
type taskDraft struct {
	Name                   string   `json:"name"`
	Description            string   `json:"description"`
	ExpectedOutput         string   `json:"expected_output"`
	TaskType               string   `json:"task_type"`
	EstimatedDurationHours float64  `json:"estimated_duration_hours"`
	Priority               string   `json:"priority"`
	Dependencies           []string `json:"dependencies"`
	SuccessCriteria        []string `json:"success_criteria"`
	QualityCheckpoints     []string `json:"quality_checkpoints"`
	RequiredSkills         []string `json:"required_skills"`
	ToolsNeeded            []string `json:"tools_needed"`
	ContributionToAsset    float64  `json:"contribution_to_asset"`
}

const plannerSystemPrompt = `You plan concrete execution tasks for autonomous agents working toward a measurable business goal. Respond with JSON only.`

// generateTasks produces a 2-5 task batch for one requirement (or for the
// bare goal when req is nil). The second return reports whether the
// deterministic fallback was used.
func (p *Planner) generateTasks(ctx context.Context, goal *store.Goal, req *store.AssetRequirement) ([]taskDraft, bool) {
	if p.completer != nil {
		drafts, err := p.generateWithLLM(ctx, goal, req)
		if err != nil {
			p.logger.Warn("llm task generation failed, using templates",
				"goal_id", goal.ID, "error", err)
		} else if len(drafts) > 0 {
			return drafts, false
		}
	}
	return fallbackDrafts(goal, req), true
}

func (p *Planner) generateWithLLM(ctx context.Context, goal *store.Goal, req *store.AssetRequirement) ([]taskDraft, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	resp, err := p.completer.Complete(ctx, llm.Request{
		Model:       p.model,
		System:      plannerSystemPrompt,
		Prompt:      p.buildPrompt(goal, req),
		MaxTokens:   1400,
		Temperature: 0.3,
		ForceJSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: generate tasks: %w", err)
	}

	var parsed struct {
		Tasks []taskDraft `json:"tasks"`
	}
	if err := llm.ParseJSON(resp.Text, &parsed); err != nil {
		return nil, fmt.Errorf("planner: parse task batch: %w", err)
	}

	var drafts []taskDraft
	for _, d := range parsed.Tasks {
		if sanitizeDraft(&d) {
			drafts = append(drafts, d)
		}
		if len(drafts) == 5 {
			break
		}
	}
	return drafts, nil
}

func (p *Planner) buildPrompt(goal *store.Goal, req *store.AssetRequirement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nMetric: %s, target %.4g %s, current %.4g\n",
		goal.Description, goal.MetricType, goal.TargetValue, goal.Unit, goal.CurrentValue)
	if req != nil {
		fmt.Fprintf(&b, "Asset requirement: %s (type %s, priority %s)\n", req.Name, req.AssetType, req.Priority)
		for k, v := range req.AcceptanceCriteria {
			fmt.Fprintf(&b, "  criterion %s: %v\n", k, v)
		}
	}

	if p.cfg.ContentAwareLearning {
		insights, err := p.store.InsightsByTag(goal.WorkspaceID, "metric_"+goal.MetricType, 3)
		if err != nil {
			p.logger.Debug("load insights", "goal_id", goal.ID, "error", err)
		}
		if len(insights) > 0 {
			b.WriteString("Lessons from earlier attempts:\n")
			for _, in := range insights {
				b.WriteString("- " + truncate(in.Content, 200) + "\n")
			}
		}
	}

	b.WriteString(`
Plan 2 to 5 tasks that move this requirement to done. Reply with a JSON object:
{"tasks": [{"name": "...", "description": "...", "expected_output": "...", "task_type": "research|creation|analysis|validation|integration", "estimated_duration_hours": 2, "priority": "low|medium|high", "dependencies": ["name of earlier task"], "success_criteria": ["..."], "quality_checkpoints": ["..."], "required_skills": ["..."], "tools_needed": ["..."], "contribution_to_asset": 0.5}]}
Dependencies may only name tasks from this batch. Order tasks so prerequisites come first.`)
	return b.String()
}

// fallbackDrafts is the deterministic plan+create template used when the
// LLM is unavailable, specialised per asset type.
func fallbackDrafts(goal *store.Goal, req *store.AssetRequirement) []taskDraft {
	subject := goal.MetricType + " work"
	assetType := "other"
	if req != nil {
		subject = req.Name
		assetType = req.AssetType
	}

	var planDesc, createDesc string
	switch assetType {
	case "document":
		planDesc = "Outline the document: sections, key points, and sources."
		createDesc = "Draft the full document following the outline."
	case "design":
		planDesc = "Sketch the design concept and list the assets needed."
		createDesc = "Produce the final design assets."
	case "code":
		planDesc = "Specify the change: interfaces, data flow, and test plan."
		createDesc = "Implement the change and verify it against the test plan."
	default:
		planDesc = fmt.Sprintf("Break %s into concrete steps with owners and inputs.", subject)
		createDesc = fmt.Sprintf("Execute the plan and deliver %s.", subject)
	}

	planName := "Plan " + subject
	return []taskDraft{
		{
			Name:                   planName,
			Description:            planDesc,
			ExpectedOutput:         "A short written plan.",
			TaskType:               TaskTypeAnalysis,
			EstimatedDurationHours: 1,
			Priority:               store.PriorityHigh,
			SuccessCriteria:        []string{"Plan covers every acceptance criterion"},
			ContributionToAsset:    0.2,
		},
		{
			Name:                   "Create " + subject,
			Description:            createDesc,
			ExpectedOutput:         fmt.Sprintf("The completed %s with a summary of what was produced.", subject),
			TaskType:               TaskTypeCreation,
			EstimatedDurationHours: 3,
			Priority:               store.PriorityHigh,
			Dependencies:           []string{planName},
			SuccessCriteria:        []string{fmt.Sprintf("Moves %s toward its %.4g %s target", goal.MetricType, goal.TargetValue, goal.Unit)},
			ContributionToAsset:    0.8,
		},
	}
}

func sanitizeDraft(d *taskDraft) bool {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return false
	}
	if !validTaskTypes[d.TaskType] {
		d.TaskType = TaskTypeCreation
	}
	switch d.Priority {
	case store.PriorityLow, store.PriorityMedium, store.PriorityHigh:
	default:
		d.Priority = store.PriorityMedium
	}
	if d.EstimatedDurationHours <= 0 {
		d.EstimatedDurationHours = 2
	}
	if d.EstimatedDurationHours > 40 {
		d.EstimatedDurationHours = 40
	}
	if d.ContributionToAsset < 0 {
		d.ContributionToAsset = 0
	}
	if d.ContributionToAsset > 1 {
		d.ContributionToAsset = 1
	}
	return true
}

// scoreBatch stamps drafts with their requirement, scores them, attaches
// generation context, and pre-assigns an agent when required skills map to
// exactly one candidate.
func (p *Planner) scoreBatch(goal *store.Goal, req *store.AssetRequirement, batch []taskDraft, fallback bool) []scoredDraft {
	progress := 0.0
	if goal.TargetValue > 0 {
		progress = goal.CurrentValue / goal.TargetValue * 100
	}
	businessValue := 1.0
	reqID, reqName, assetType := "", "", ""
	if req != nil {
		businessValue = req.BusinessValue
		reqID, reqName, assetType = req.ID, req.Name, req.AssetType
	}

	out := make([]scoredDraft, 0, len(batch))
	for _, d := range batch {
		cd := map[string]any{
			"task_type":                d.TaskType,
			"estimated_duration_hours": d.EstimatedDurationHours,
			"expected_output": map[string]any{
				"format":      "json",
				"required":    []any{"summary"},
				"description": d.ExpectedOutput,
			},
			"generation_context": map[string]any{
				"goal_id":          goal.ID,
				"goal_description": goal.Description,
				"metric_type":      goal.MetricType,
				"target_value":     goal.TargetValue,
				"requirement_id":   reqID,
				"requirement_name": reqName,
				"asset_type":       assetType,
				"fallback_used":    fallback,
			},
		}
		if len(d.SuccessCriteria) > 0 {
			cd["success_criteria"] = d.SuccessCriteria
		}
		if len(d.QualityCheckpoints) > 0 {
			cd["quality_checkpoints"] = d.QualityCheckpoints
		}
		if len(d.ToolsNeeded) > 0 {
			cd["tools_needed"] = d.ToolsNeeded
		}
		if len(d.RequiredSkills) > 0 {
			cd["required_skills"] = d.RequiredSkills
		}
		if d.ContributionToAsset > 0 {
			cd["contribution_to_asset"] = d.ContributionToAsset
		}

		agentID, agentRole := p.assignBySkills(goal.WorkspaceID, d.RequiredSkills)
		out = append(out, scoredDraft{
			taskDraft:     d,
			score:         draftScore(d, progress, businessValue),
			requirementID: reqID,
			agentID:       agentID,
			agentRole:     agentRole,
			contextData:   cd,
		})
	}
	return out
}

// assignBySkills returns an agent only when the required skills narrow the
// available pool to exactly one candidate; everything else is left to the
// executor.
func (p *Planner) assignBySkills(workspaceID string, required []string) (id, role string) {
	if len(required) == 0 {
		return "", ""
	}
	agents, err := p.store.AvailableAgents(workspaceID, p.clock.Now())
	if err != nil {
		p.logger.Debug("available agents", "workspace_id", workspaceID, "error", err)
		return "", ""
	}
	var match *store.Agent
	for i := range agents {
		if !hasAllSkills(agents[i].Skills, required) {
			continue
		}
		if match != nil {
			return "", ""
		}
		match = &agents[i]
	}
	if match == nil {
		return "", ""
	}
	return match.ID, match.Role
}

func hasAllSkills(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[strings.ToLower(s)] = true
	}
	for _, s := range want {
		if !set[strings.ToLower(s)] {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
