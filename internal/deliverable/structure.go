package deliverable

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
)

// Payload recovery methods, strongest first. The method caps the quality
// score an artifact can reach.
const (
	recoveryStructured  = "structured"
	recoveryParsedJSON  = "parsed_json"
	recoveryRegex       = "regex_fields"
	recoveryText        = "text_summary"
	recoverySynthesized = "synthesized"
)

var (
	contactsFieldPattern  = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s+(?:qualified\s+)?(?:contacts|leads|prospects)\b`)
	sequencesFieldPattern = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s+(?:email\s+)?sequences?\b`)
	contentFieldPattern   = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s+(?:posts|articles|pieces)\b`)
	qualityFieldPattern   = regexp.MustCompile(`(?i)\bquality[\s_]?score\b[:\s]*(\d+(?:\.\d+)?)`)
)

// HandleTaskCompletion is the executor's post-completion hook: structure
// the finished task's output into an artifact, then check whether the
// workspace deliverable can be assembled. Both halves swallow their own
// failures.
func (e *Engine) HandleTaskCompletion(ctx context.Context, task *store.Task) {
	if _, err := e.StructureTaskOutput(ctx, task); err != nil {
		e.logger.Warn("structure task output", "task_id", task.ID, "error", err)
	}
	if _, err := e.MaybeAssemble(ctx, task.WorkspaceID); err != nil {
		e.logger.Warn("assemble deliverable", "workspace_id", task.WorkspaceID, "error", err)
	}
}

// StructureTaskOutput turns a completed task's result into a reviewed
// artifact for its requirement. Tasks without a requirement produce no
// artifact. Malformed payloads are recovered progressively and never fail
// the call: schema-invalid content is rejected, thin content stays draft,
// and content clearing the approval threshold fulfils the requirement.
func (e *Engine) StructureTaskOutput(_ context.Context, task *store.Task) (*store.Artifact, error) {
	if task.AssetRequirementID == "" {
		return nil, nil
	}
	req, err := e.store.GetRequirement(task.AssetRequirementID)
	if err != nil {
		return nil, fmt.Errorf("deliverable: requirement for task %s: %w", task.ID, err)
	}

	workspaceGoal := ""
	if ws, err := e.store.GetWorkspace(task.WorkspaceID); err == nil {
		workspaceGoal = ws.Goal
	} else {
		e.logger.Debug("workspace for structuring", "workspace_id", task.WorkspaceID, "error", err)
	}

	payload, method := recoverPayload(task, workspaceGoal)
	if method != recoveryStructured {
		payload["recovery"] = method
	}

	valid := e.validatePayload(req.Format, payload)
	score := artifactScore(method, payload, req.AcceptanceCriteria)
	status := store.ArtifactDraft
	switch {
	case !valid:
		status = store.ArtifactRejected
	case score >= e.cfg.ApprovalThreshold:
		status = store.ArtifactApproved
	}

	artifact := &store.Artifact{
		WorkspaceID:   task.WorkspaceID,
		RequirementID: req.ID,
		TaskID:        task.ID,
		Title:         fmt.Sprintf("%s - %s", req.Name, task.Name),
		AssetType:     req.AssetType,
		Content:       payload,
		QualityScore:  score,
		Status:        status,
	}
	if err := e.store.CreateArtifact(artifact); err != nil {
		return nil, fmt.Errorf("deliverable: create artifact: %w", err)
	}

	if status == store.ArtifactApproved && req.Status != store.RequirementFulfilled {
		if err := e.store.UpdateRequirementStatus(req.ID, store.RequirementFulfilled); err != nil {
			e.logger.Warn("fulfil requirement", "requirement_id", req.ID, "error", err)
		}
	}
	e.telemetry.EmitMetric("artifact_quality", score, map[string]string{
		"workspace_id": task.WorkspaceID,
		"asset_type":   req.AssetType,
	})
	e.logger.Info("task output structured", "task_id", task.ID,
		"requirement_id", req.ID, "recovery", method, "score", score, "status", status)
	return artifact, nil
}

// recoverPayload extracts a structured payload from a task result, falling
// through parse → field extraction → raw text → synthesis so structuring
// always yields something.
func recoverPayload(task *store.Task, workspaceGoal string) (map[string]any, string) {
	if structured, ok := task.Result["structured"].(map[string]any); ok && len(structured) > 0 {
		payload := make(map[string]any, len(structured))
		for k, v := range structured {
			payload[k] = v
		}
		return payload, recoveryStructured
	}

	output, _ := task.Result["output"].(string)
	if output != "" {
		var parsed map[string]any
		if err := llm.ParseJSON(output, &parsed); err == nil && len(parsed) > 0 {
			return parsed, recoveryParsedJSON
		}
		if fields := regexFields(output); len(fields) > 0 {
			fields["summary"] = clip(output, 300)
			return fields, recoveryRegex
		}
		return map[string]any{"summary": clip(output, 500)}, recoveryText
	}

	summary := task.Name + " completed"
	if workspaceGoal != "" {
		summary = workspaceGoal + " - " + summary
	}
	return map[string]any{"summary": summary, "status": task.Status}, recoverySynthesized
}

// regexFields pulls known counters out of free text.
func regexFields(output string) map[string]any {
	fields := map[string]any{}
	if m := contactsFieldPattern.FindStringSubmatch(output); m != nil {
		fields["total_contacts"] = parseCount(m[1])
	}
	if m := sequencesFieldPattern.FindStringSubmatch(output); m != nil {
		fields["total_sequences"] = parseCount(m[1])
	}
	if m := contentFieldPattern.FindStringSubmatch(output); m != nil {
		fields["total_items"] = parseCount(m[1])
	}
	if m := qualityFieldPattern.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			fields["quality_score"] = v
		}
	}
	return fields
}

// artifactScore grades an artifact 0-100: the recovery method sets the
// base, acceptance-criteria evidence and a real summary add on top.
func artifactScore(method string, payload, criteria map[string]any) float64 {
	var score float64
	switch method {
	case recoveryStructured:
		score = 85
	case recoveryParsedJSON:
		score = 75
	case recoveryRegex:
		score = 60
	case recoveryText:
		score = 45
	default:
		score = 25
	}
	if meetsTargetCount(payload, criteria) {
		score += 10
	}
	if s, ok := payload["summary"].(string); ok && len(s) >= 40 {
		score += 5
	}
	if score > 100 {
		score = 100
	}
	return score
}

// meetsTargetCount reports whether the payload evidences the requirement's
// target_count, either as a counter field or as list length.
func meetsTargetCount(payload, criteria map[string]any) bool {
	target, ok := asFloat(criteria["target_count"])
	if !ok || target <= 0 {
		return false
	}
	for key, v := range payload {
		switch val := v.(type) {
		case []any:
			if float64(len(val)) >= target {
				return true
			}
		case []string:
			if float64(len(val)) >= target {
				return true
			}
		case []map[string]any:
			if float64(len(val)) >= target {
				return true
			}
		default:
			if !strings.HasPrefix(key, "total_") && key != "count" {
				continue
			}
			if n, ok := asFloat(v); ok && n >= target {
				return true
			}
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func parseCount(s string) float64 {
	v, _ := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return v
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
