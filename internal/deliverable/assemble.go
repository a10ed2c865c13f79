package deliverable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

const summaryTimeout = 20 * time.Second

// MaybeAssemble checks every goal in the workspace and assembles a
// deliverable for each one whose critical requirements are all fulfilled
// and whose content changed since the last assembly. Returns the last
// deliverable created, nil when nothing was ready.
func (e *Engine) MaybeAssemble(ctx context.Context, workspaceID string) (*store.Deliverable, error) {
	goals, err := e.store.ListGoals(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("deliverable: list goals: %w", err)
	}
	var last *store.Deliverable
	for i := range goals {
		d, err := e.assembleGoal(ctx, &goals[i])
		if err != nil {
			e.logger.Warn("assemble deliverable", "goal_id", goals[i].ID, "error", err)
			continue
		}
		if d != nil {
			last = d
		}
	}
	return last, nil
}

func (e *Engine) assembleGoal(ctx context.Context, goal *store.Goal) (*store.Deliverable, error) {
	reqs, err := e.store.ListRequirements(goal.ID)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	fulfilled := 0
	reqIDs := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		reqIDs[r.ID] = true
		if r.Status == store.RequirementFulfilled {
			fulfilled++
		} else if r.Priority == "critical" {
			return nil, nil // a critical requirement is still open
		}
	}
	if fulfilled == 0 {
		return nil, nil
	}

	completed, err := e.store.CompletedTasksForGoal(goal.ID)
	if err != nil {
		return nil, err
	}
	if len(completed) == 0 {
		return nil, nil
	}

	latest, err := e.store.LatestTaskUpdate(goal.WorkspaceID)
	if err != nil {
		return nil, err
	}
	hash := contentHash(completed)
	cacheKey := fmt.Sprintf("%s|%d|%s", goal.ID, latest.Unix(), hash)
	if _, ok := e.cache.Get(cacheKey); ok {
		return nil, nil
	}
	if prior := e.priorDeliverable(goal); prior != nil {
		if h, _ := prior.Content["content_hash"].(string); h == hash {
			return nil, nil
		}
	}

	sections := e.buildSections(goal, reqIDs, completed)
	quality := sectionQuality(sections)
	summary := e.executiveSummary(ctx, goal, len(sections), len(completed))

	content := map[string]any{
		"sections":           sections,
		"content_hash":       hash,
		"latest_task_update": latest.UTC().Format(time.RFC3339),
		"task_count":         len(completed),
	}
	d := &store.Deliverable{
		WorkspaceID:  goal.WorkspaceID,
		GoalID:       goal.ID,
		Title:        "Deliverable: " + clip(goal.Description, 80),
		Summary:      summary,
		Content:      content,
		QualityScore: quality,
	}
	if err := e.store.CreateDeliverable(d); err != nil {
		return nil, err
	}
	e.cache.Add(cacheKey, content)

	e.telemetry.Broadcast(telemetry.EventDeliverableReady, map[string]any{
		"deliverable_id": d.ID,
		"workspace_id":   d.WorkspaceID,
		"goal_id":        d.GoalID,
		"quality_score":  d.QualityScore,
		"sections":       len(sections),
	})
	e.logger.Info("deliverable assembled", "deliverable_id", d.ID,
		"goal_id", goal.ID, "sections", len(sections), "quality", quality)
	return d, nil
}

// buildSections bundles the goal's approved artifacts; a goal fulfilled
// without artifacts falls back to completed-task summaries.
func (e *Engine) buildSections(goal *store.Goal, reqIDs map[string]bool, completed []store.Task) []map[string]any {
	var sections []map[string]any
	artifacts, err := e.store.ListApprovedArtifacts(goal.WorkspaceID)
	if err != nil {
		e.logger.Debug("approved artifacts", "workspace_id", goal.WorkspaceID, "error", err)
	}
	for _, a := range artifacts {
		if !reqIDs[a.RequirementID] {
			continue
		}
		sections = append(sections, map[string]any{
			"title":         a.Title,
			"asset_type":    a.AssetType,
			"quality_score": a.QualityScore,
			"content":       a.Content,
		})
	}
	if len(sections) > 0 {
		return sections
	}
	for _, t := range completed {
		body := ""
		if out, ok := t.Result["output"].(string); ok {
			body = clip(out, 200)
		}
		sections = append(sections, map[string]any{
			"title":   t.Name,
			"content": map[string]any{"summary": body},
		})
	}
	return sections
}

func sectionQuality(sections []map[string]any) float64 {
	var sum float64
	n := 0
	for _, s := range sections {
		if q, ok := s["quality_score"].(float64); ok {
			sum += q
			n++
		}
	}
	if n == 0 {
		return 50
	}
	return sum / float64(n)
}

const summarySystemPrompt = `You write one-paragraph executive summaries of completed project deliverables. Plain prose, no lists.`

func (e *Engine) executiveSummary(ctx context.Context, goal *store.Goal, sections, tasks int) string {
	fallback := fmt.Sprintf(
		"Deliverable for %q: %d sections assembled from %d completed tasks. Progress: %.4g of %.4g %s.",
		clip(goal.Description, 120), sections, tasks, goal.CurrentValue, goal.TargetValue, goal.Unit)
	if e.completer == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()
	resp, err := e.completer.Complete(ctx, llm.Request{
		Model:  e.model,
		System: summarySystemPrompt,
		Prompt: fmt.Sprintf("Goal: %s\nSections: %d\nCompleted tasks: %d\nProgress: %.4g of %.4g %s\n\nWrite the executive summary.",
			goal.Description, sections, tasks, goal.CurrentValue, goal.TargetValue, goal.Unit),
		MaxTokens:   300,
		Temperature: 0.4,
	})
	if err != nil || resp.Text == "" {
		if err != nil {
			e.logger.Debug("executive summary", "goal_id", goal.ID, "error", err)
		}
		return fallback
	}
	return clip(resp.Text, 2000)
}

// priorDeliverable returns the newest deliverable already assembled for
// this goal, if any.
func (e *Engine) priorDeliverable(goal *store.Goal) *store.Deliverable {
	all, err := e.store.ListDeliverables(goal.WorkspaceID)
	if err != nil {
		e.logger.Debug("list deliverables", "workspace_id", goal.WorkspaceID, "error", err)
		return nil
	}
	for i := range all {
		if all[i].GoalID == goal.ID {
			return &all[i]
		}
	}
	return nil
}

// contentHash fingerprints the completed work: task ids, names, summaries,
// and the head of each structured payload.
func contentHash(tasks []store.Task) string {
	h := sha256.New()
	for _, t := range tasks {
		io.WriteString(h, t.ID)
		io.WriteString(h, t.Name)
		if s, ok := t.Result["summary"].(string); ok {
			io.WriteString(h, s)
		}
		if out, ok := t.Result["output"].(string); ok {
			io.WriteString(h, clip(out, 500))
		}
		if structured, ok := t.Result["structured"].(map[string]any); ok {
			if raw, err := json.Marshal(structured); err == nil {
				if len(raw) > 500 {
					raw = raw[:500]
				}
				h.Write(raw)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
