// Package recovery decides what to do about failed task executions: an
// ordered pattern table classifies the failure, an optional LLM refines the
// call, and confidence adjustments plus a strategy-to-decision mapping
// produce the final verdict.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

// Strategies a recovery decision can carry.
const (
	StrategyImmediateRetry      = "immediate_retry"
	StrategyExponentialBackoff  = "exponential_backoff"
	StrategyLinearBackoff       = "linear_backoff"
	StrategyCircuitBreaker      = "circuit_breaker"
	StrategyGracefulDegradation = "graceful_degradation"
	StrategyEscalateHuman       = "escalate_to_human"
	StrategyEscalateAgent       = "escalate_to_different_agent"
	StrategySkipTask            = "skip_task"
	StrategyMarkFailed          = "mark_failed"
	StrategyRetryEnhanced       = "retry_with_enhanced_context"
	StrategyRetryDifferent      = "retry_with_different_approach"
)

// Decisions the executor acts on.
const (
	DecisionRetry        = "retry"
	DecisionSkip         = "skip"
	DecisionEscalate     = "escalate"
	DecisionCircuitBreak = "circuit_break"
)

// Context describes one failed execution.
type Context struct {
	TaskID               string
	WorkspaceID          string
	AgentID              string
	ErrorMessage         string
	ErrorType            string
	FailureType          string
	Severity             string
	ExecutionStage       string
	PreviousAttempts     int
	WorkspaceHealthScore float64 // 0..100; zero means unknown and is treated as healthy
	SystemLoad           float64 // 0..1
	LastSuccessTime      time.Time
	Metadata             map[string]any
}

// Decision is the analyser's verdict for one failure.
type Decision struct {
	Decision                    string
	Strategy                    string
	Confidence                  float64
	DelaySeconds                float64
	MaxAttempts                 int
	Reasoning                   string
	RiskFactors                 []string
	SuccessIndicators           []string
	RequiresDifferentAgent      bool
	RequiresEnhancedContext     bool
	EstimatedSuccessProbability float64
	PatternMatched              string
	HistoricalSuccessRate       float64
	AIAnalysisUsed              bool
	FailureType                 string
	AttemptID                   int64 // recovery_attempts row, 0 if persistence failed
}

// Analyzer is the recovery engine. The completer is optional; without it
// every decision is deterministic.
type Analyzer struct {
	store     *store.Store
	telemetry telemetry.Telemetry
	completer llm.Completer
	cfg       config.Recovery
	model     string
	clock     clock.Clock
	logger    *slog.Logger
}

// New builds an Analyzer. completer may be nil.
func New(s *store.Store, tel telemetry.Telemetry, completer llm.Completer, cfg config.Recovery, model string, clk clock.Clock, logger *slog.Logger) *Analyzer {
	if tel == nil {
		tel = telemetry.Noop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		store:     s,
		telemetry: tel,
		completer: completer,
		cfg:       cfg,
		model:     model,
		clock:     clk,
		logger:    logger.With("component", "recovery"),
	}
}

// Analyze always returns a usable decision; persistence and telemetry
// problems are logged, never surfaced.
func (a *Analyzer) Analyze(ctx context.Context, rc Context) *Decision {
	p := matchPattern(rc)

	d := &Decision{
		Strategy:       p.strategy,
		Confidence:     p.confidence,
		MaxAttempts:    p.maxAttempts,
		PatternMatched: p.name,
		FailureType:    p.failureType,
		Reasoning:      fmt.Sprintf("matched pattern %s", p.name),
	}
	if rc.FailureType != "" {
		d.FailureType = rc.FailureType
	}
	if d.MaxAttempts == 0 && retries(p.strategy) {
		d.MaxAttempts = a.cfg.MaxAttemptsPerTask
	}

	if a.cfg.AIDecisions && a.completer != nil {
		a.refineWithLLM(ctx, rc, p, d)
	}

	a.adjustConfidence(rc, d)

	// The validation gate overrides whatever the model suggested: a missing
	// required field is always worth one cheap immediate retry.
	if p.name == patternMissingField {
		d.Strategy = StrategyImmediateRetry
		d.MaxAttempts = 2
		if d.Confidence < a.cfg.ImmediateRetryConfidence {
			d.Confidence = a.cfg.ImmediateRetryConfidence
		}
		d.RequiresEnhancedContext = true
	}

	d.Decision = decisionFor(d.Strategy)
	d.DelaySeconds = a.delayFor(d.Strategy, rc.PreviousAttempts)
	d.RequiresDifferentAgent = d.Strategy == StrategyEscalateAgent
	if d.Strategy == StrategyRetryEnhanced {
		d.RequiresEnhancedContext = true
	}
	if d.EstimatedSuccessProbability == 0 {
		d.EstimatedSuccessProbability = d.Confidence
	}

	if rate, resolved, err := a.store.SuccessRateForFailureType(d.FailureType, a.clock.Now().Add(-24*time.Hour)); err == nil && resolved > 0 {
		d.HistoricalSuccessRate = rate
	}

	a.persist(rc, d)

	a.telemetry.Broadcast(telemetry.EventRecoveryAnalysis, map[string]any{
		"task_id":       rc.TaskID,
		"workspace_id":  rc.WorkspaceID,
		"failure_type":  d.FailureType,
		"pattern":       d.PatternMatched,
		"strategy":      d.Strategy,
		"decision":      d.Decision,
		"confidence":    d.Confidence,
		"delay_seconds": d.DelaySeconds,
		"ai_used":       d.AIAnalysisUsed,
	})
	return d
}

// llmVerdict is the JSON schema the model fills in.
type llmVerdict struct {
	Strategy          string   `json:"strategy"`
	Confidence        float64  `json:"confidence"`
	MaxAttempts       int      `json:"max_attempts"`
	Reasoning         string   `json:"reasoning"`
	RiskFactors       []string `json:"risk_factors"`
	SuccessIndicators []string `json:"success_indicators"`
	SuccessProb       float64  `json:"estimated_success_probability"`
}

func (a *Analyzer) refineWithLLM(ctx context.Context, rc Context, p pattern, d *Decision) {
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(`A task execution failed. Choose a recovery strategy.

Error: %s
Error type: %s
Failure classification: %s
Execution stage: %s
Previous attempts: %d
Workspace health score: %.0f
System load: %.2f
Pattern matched: %s (suggested strategy %s, confidence %.2f)

Valid strategies: %s.
Respond with JSON: {"strategy", "confidence", "max_attempts", "reasoning", "risk_factors", "success_indicators", "estimated_success_probability"}.`,
		rc.ErrorMessage, rc.ErrorType, p.failureType, rc.ExecutionStage,
		rc.PreviousAttempts, rc.WorkspaceHealthScore, rc.SystemLoad,
		p.name, p.strategy, p.confidence,
		strings.Join(validStrategies(), ", "))

	resp, err := a.completer.Complete(lctx, llm.Request{
		Model:       a.model,
		System:      "You are a failure-recovery analyst for an autonomous task orchestrator. Be conservative.",
		Prompt:      prompt,
		MaxTokens:   400,
		Temperature: 0.2,
		ForceJSON:   true,
	})
	if err != nil {
		a.logger.Debug("llm recovery analysis unavailable", "task_id", rc.TaskID, "error", err)
		return
	}
	var v llmVerdict
	if err := llm.ParseJSON(resp.Text, &v); err != nil {
		a.logger.Debug("llm recovery verdict unparseable", "task_id", rc.TaskID, "error", err)
		return
	}
	if !isValidStrategy(v.Strategy) {
		a.logger.Debug("llm suggested unknown strategy", "task_id", rc.TaskID, "strategy", v.Strategy)
		return
	}
	d.Strategy = v.Strategy
	if v.Confidence > 0 && v.Confidence <= 1 {
		d.Confidence = v.Confidence
	}
	if v.MaxAttempts > 0 {
		d.MaxAttempts = v.MaxAttempts
	}
	if v.Reasoning != "" {
		d.Reasoning = v.Reasoning
	}
	d.RiskFactors = v.RiskFactors
	d.SuccessIndicators = v.SuccessIndicators
	if v.SuccessProb > 0 && v.SuccessProb <= 1 {
		d.EstimatedSuccessProbability = v.SuccessProb
	}
	d.AIAnalysisUsed = true
}

// adjustConfidence applies the standard dampeners and the recent-success
// boost.
func (a *Analyzer) adjustConfidence(rc Context, d *Decision) {
	conf := d.Confidence
	if rc.PreviousAttempts > 0 {
		conf *= math.Pow(0.9, float64(rc.PreviousAttempts))
	}
	if rc.WorkspaceHealthScore > 0 && rc.WorkspaceHealthScore < 70 {
		conf *= 0.85
		d.RiskFactors = append(d.RiskFactors, "workspace health degraded")
	}
	if rc.SystemLoad > 0.8 {
		conf *= 0.90
		d.RiskFactors = append(d.RiskFactors, "system under load")
	}
	if !rc.LastSuccessTime.IsZero() && a.clock.Now().Sub(rc.LastSuccessTime) < time.Hour {
		conf *= 1.1
		d.SuccessIndicators = append(d.SuccessIndicators, "recent success in workspace")
	}
	if conf > 1 {
		conf = 1
	}
	d.Confidence = conf
}

// delayFor computes the wait before the next attempt. The attempt ordinal
// counts the original execution as attempt one, so the first retry is
// attempt two.
func (a *Analyzer) delayFor(strategy string, previousAttempts int) float64 {
	base := a.cfg.BaseRetryDelay.Seconds()
	if base <= 0 {
		base = 30
	}
	next := float64(previousAttempts + 2)
	switch strategy {
	case StrategyImmediateRetry, StrategyRetryEnhanced, StrategyRetryDifferent:
		return 0
	case StrategyExponentialBackoff:
		return math.Min(base*math.Pow(2, next-1), 300)
	case StrategyLinearBackoff:
		return math.Min(base*next, 600)
	case StrategyCircuitBreaker, StrategyGracefulDegradation:
		d := a.cfg.CircuitBreakerDelay.Seconds()
		if d <= 0 {
			d = 1800
		}
		return d
	default:
		return 0
	}
}

func (a *Analyzer) persist(rc Context, d *Decision) {
	id, err := a.store.RecordRecoveryAttempt(&store.RecoveryAttempt{
		TaskID:         rc.TaskID,
		WorkspaceID:    rc.WorkspaceID,
		AttemptNumber:  rc.PreviousAttempts + 1,
		FailureType:    d.FailureType,
		Strategy:       d.Strategy,
		Confidence:     d.Confidence,
		DelaySeconds:   d.DelaySeconds,
		Reasoning:      d.Reasoning,
		AIAnalysisUsed: d.AIAnalysisUsed,
	})
	if err != nil {
		a.logger.Warn("persist recovery attempt failed", "task_id", rc.TaskID, "error", err)
		return
	}
	d.AttemptID = id
}

// MarkOutcome records whether the chosen recovery ultimately worked.
func (a *Analyzer) MarkOutcome(attemptID int64, success bool) {
	if attemptID == 0 {
		return
	}
	if err := a.store.MarkRecoveryOutcome(attemptID, success); err != nil {
		a.logger.Warn("mark recovery outcome failed", "attempt_id", attemptID, "error", err)
	}
}

func decisionFor(strategy string) string {
	switch strategy {
	case StrategyImmediateRetry, StrategyExponentialBackoff, StrategyLinearBackoff,
		StrategyRetryEnhanced, StrategyRetryDifferent:
		return DecisionRetry
	case StrategyEscalateHuman, StrategyEscalateAgent:
		return DecisionEscalate
	case StrategyCircuitBreaker, StrategyGracefulDegradation:
		return DecisionCircuitBreak
	case StrategySkipTask, StrategyMarkFailed:
		return DecisionSkip
	default:
		return DecisionSkip
	}
}

func retries(strategy string) bool {
	return decisionFor(strategy) == DecisionRetry
}

func validStrategies() []string {
	return []string{
		StrategyImmediateRetry, StrategyExponentialBackoff, StrategyLinearBackoff,
		StrategyCircuitBreaker, StrategyGracefulDegradation, StrategyEscalateHuman,
		StrategyEscalateAgent, StrategySkipTask, StrategyRetryEnhanced, StrategyRetryDifferent,
	}
}

func isValidStrategy(s string) bool {
	for _, v := range validStrategies() {
		if s == v {
			return true
		}
	}
	return s == StrategyMarkFailed
}
