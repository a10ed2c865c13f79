// Package thinking records agent reasoning traces: an append-only chain of
// typed steps per process, sealed with a conclusion and derived summary.
package thinking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

// Step types accepted on append.
const (
	StepAnalysis       = "analysis"
	StepReasoning      = "reasoning"
	StepEvaluation     = "evaluation"
	StepConclusion     = "conclusion"
	StepPerspective    = "perspective"
	StepCriticalReview = "critical_review"
	StepSynthesis      = "synthesis"
)

var validSteps = map[string]bool{
	StepAnalysis:       true,
	StepReasoning:      true,
	StepEvaluation:     true,
	StepConclusion:     true,
	StepPerspective:    true,
	StepCriticalReview: true,
	StepSynthesis:      true,
}

// legacySteps maps step names from earlier recorder versions onto the
// current vocabulary.
var legacySteps = map[string]string{
	"observation": StepAnalysis,
	"decision":    StepConclusion,
	"review":      StepCriticalReview,
}

// NormalizeStepType maps legacy step names to current ones and reports
// whether the result is a known step type.
func NormalizeStepType(stepType string) (string, bool) {
	if mapped, ok := legacySteps[stepType]; ok {
		return mapped, true
	}
	return stepType, validSteps[stepType]
}

// Recorder is the thinking process engine. The completer is optional; when
// absent, titles fall back to truncated context.
type Recorder struct {
	store     *store.Store
	telemetry telemetry.Telemetry
	completer llm.Completer
	model     string
	clock     clock.Clock
	logger    *slog.Logger
}

// New builds a Recorder. completer may be nil.
func New(s *store.Store, tel telemetry.Telemetry, completer llm.Completer, model string, clk clock.Clock, logger *slog.Logger) *Recorder {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:     s,
		telemetry: tel,
		completer: completer,
		model:     model,
		clock:     clk,
		logger:    logger.With("component", "thinking"),
	}
}

// Start opens a new active process and returns its id.
func (r *Recorder) Start(workspaceID, taskID, agentID, processContext string) (string, error) {
	p := &store.ThinkingProcess{
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		AgentID:     agentID,
		Context:     processContext,
	}
	if err := r.store.InsertThinkingProcess(p); err != nil {
		return "", fmt.Errorf("thinking: start process: %w", err)
	}
	r.telemetry.Broadcast(telemetry.EventThinkingStarted, map[string]any{
		"process_id":   p.ID,
		"workspace_id": workspaceID,
		"task_id":      taskID,
		"agent_id":     agentID,
	})
	return p.ID, nil
}

// Append adds one step to an active process. Unknown step types are
// rejected; legacy names are normalised. Telemetry failures never fail the
// append.
func (r *Recorder) Append(processID, stepType, content string, confidence float64, metadata map[string]any) error {
	normalized, ok := NormalizeStepType(stepType)
	if !ok {
		return fmt.Errorf("thinking: unknown step type %q: %w", stepType, store.ErrInvalid)
	}
	stepNumber, err := r.store.AppendThinkingStep(processID, normalized, content, confidence, metadata)
	if err != nil {
		return fmt.Errorf("thinking: append step: %w", err)
	}
	r.telemetry.Broadcast(telemetry.EventThinkingStep, map[string]any{
		"process_id":  processID,
		"step_number": stepNumber,
		"step_type":   normalized,
		"confidence":  confidence,
	})
	return nil
}

// Complete seals a process with its conclusion and derived fields. Sealing
// an already-completed process is a no-op.
func (r *Recorder) Complete(ctx context.Context, processID, conclusion string, confidence float64) error {
	p, err := r.store.GetThinkingProcess(processID)
	if err != nil {
		return fmt.Errorf("thinking: complete: %w", err)
	}
	if p.Status == store.ThinkingCompleted {
		return nil
	}

	summary := r.summarize(p)
	title := r.title(ctx, p, conclusion)
	if err := r.store.CompleteThinkingProcess(processID, conclusion, confidence, title, summary); err != nil {
		return fmt.Errorf("thinking: complete: %w", err)
	}
	r.telemetry.Broadcast(telemetry.EventThinkingCompleted, map[string]any{
		"process_id":   processID,
		"workspace_id": p.WorkspaceID,
		"title":        title,
		"confidence":   confidence,
		"step_count":   len(p.Steps),
	})
	return nil
}

// Get returns a process with its ordered steps.
func (r *Recorder) Get(processID string) (*store.ThinkingProcess, error) {
	return r.store.GetThinkingProcess(processID)
}

// List returns the most recent processes for a workspace.
func (r *Recorder) List(workspaceID string, limit int) ([]store.ThinkingProcess, error) {
	return r.store.ListThinkingProcesses(workspaceID, limit)
}

// summarize derives the sealed process summary: duration, primary agent,
// tools used, and an estimated token count over all recorded content.
func (r *Recorder) summarize(p *store.ThinkingProcess) map[string]any {
	var (
		tokens    int
		toolsUsed []string
		seenTools = map[string]bool{}
		byType    = map[string]int{}
	)
	tokens = llm.EstimateTokens(p.Context)
	for _, step := range p.Steps {
		tokens += llm.EstimateTokens(step.Content)
		byType[step.StepType]++
		if tool, ok := step.Metadata["tool"].(string); ok && tool != "" && !seenTools[tool] {
			seenTools[tool] = true
			toolsUsed = append(toolsUsed, tool)
		}
	}
	duration := r.clock.Now().UTC().Sub(p.StartedAt)
	if duration < 0 {
		duration = 0
	}
	summary := map[string]any{
		"duration_seconds": duration.Seconds(),
		"primary_agent":    p.AgentID,
		"step_count":       len(p.Steps),
		"steps_by_type":    byType,
		"estimated_tokens": tokens,
	}
	if len(toolsUsed) > 0 {
		summary["tools_used"] = toolsUsed
	}
	return summary
}

// title asks the configured model for a concise title, falling back to a
// truncation of the conclusion or context.
func (r *Recorder) title(ctx context.Context, p *store.ThinkingProcess, conclusion string) string {
	fallback := truncateTitle(conclusion)
	if fallback == "" {
		fallback = truncateTitle(p.Context)
	}
	if r.completer == nil {
		return fallback
	}

	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := r.completer.Complete(tctx, llm.Request{
		Model:     r.model,
		System:    "You title reasoning traces. Reply with a title of at most eight words, no quotes.",
		Prompt:    fmt.Sprintf("Context: %s\nConclusion: %s", p.Context, conclusion),
		MaxTokens: 30,
	})
	if err != nil {
		r.logger.Debug("title generation failed", "process_id", p.ID, "error", err)
		return fallback
	}
	title := strings.TrimSpace(strings.Trim(resp.Text, `"`))
	if title == "" {
		return fallback
	}
	return truncateTitle(title)
}

const maxTitleLen = 80

func truncateTitle(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) <= maxTitleLen {
		return s
	}
	return strings.TrimSpace(s[:maxTitleLen-3]) + "..."
}
