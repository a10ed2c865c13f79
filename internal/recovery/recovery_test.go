package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

const pydanticMissingField = "ValidationError: 1 validation error for TaskOutput\nOrchestrationContext\n  field required (type=value_error.missing)"

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.reply}, nil
}

func testConfig() config.Recovery {
	return config.Recovery{
		MaxAttemptsPerTask:       3,
		ConfidenceThreshold:      0.7,
		ImmediateRetryConfidence: 0.9,
		BaseRetryDelay:           config.Duration{Duration: 30 * time.Second},
		CircuitBreakerDelay:      config.Duration{Duration: 30 * time.Minute},
	}
}

func testAnalyzer(t *testing.T, completer llm.Completer, cfg config.Recovery) (*Analyzer, *store.Store, *clock.Mock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	mock := clock.NewMock()
	a := New(s, telemetry.Noop{}, completer, cfg, "gpt-4o-mini", mock, nil)
	return a, s, mock
}

func failureContext(msg string, previousAttempts int) Context {
	return Context{
		TaskID:           "task-1",
		WorkspaceID:      "ws-1",
		ErrorMessage:     msg,
		PreviousAttempts: previousAttempts,
	}
}

func TestMissingFieldQualityGate(t *testing.T) {
	a, _, _ := testAnalyzer(t, nil, testConfig())

	d := a.Analyze(context.Background(), failureContext(pydanticMissingField, 0))

	if d.Strategy != StrategyImmediateRetry {
		t.Errorf("strategy = %q, want immediate_retry", d.Strategy)
	}
	if d.Decision != DecisionRetry {
		t.Errorf("decision = %q, want retry", d.Decision)
	}
	if d.Confidence < 0.9 {
		t.Errorf("confidence = %.2f, want >= 0.9", d.Confidence)
	}
	if d.MaxAttempts != 2 {
		t.Errorf("max attempts = %d, want 2", d.MaxAttempts)
	}
	if d.DelaySeconds != 0 {
		t.Errorf("delay = %.0f, want 0", d.DelaySeconds)
	}
	if !d.RequiresEnhancedContext {
		t.Error("enhanced context not requested")
	}
	if d.AIAnalysisUsed {
		t.Error("ai_analysis_used = true without a completer")
	}
}

func TestQualityGateHoldsUnderDegradedWorkspace(t *testing.T) {
	a, _, _ := testAnalyzer(t, nil, testConfig())

	rc := failureContext(pydanticMissingField, 1)
	rc.WorkspaceHealthScore = 40
	rc.SystemLoad = 0.95

	d := a.Analyze(context.Background(), rc)
	if d.Confidence < 0.9 {
		t.Errorf("confidence = %.2f, gate must hold >= 0.9", d.Confidence)
	}
	if d.Strategy != StrategyImmediateRetry || d.MaxAttempts != 2 {
		t.Errorf("strategy/max = %q/%d", d.Strategy, d.MaxAttempts)
	}
}

func TestRateLimitLinearDelays(t *testing.T) {
	a, _, _ := testAnalyzer(t, nil, testConfig())

	first := a.Analyze(context.Background(), failureContext("429 Too Many Requests", 0))
	second := a.Analyze(context.Background(), failureContext("429 Too Many Requests", 1))

	if first.Strategy != StrategyLinearBackoff {
		t.Fatalf("strategy = %q, want linear_backoff", first.Strategy)
	}
	if first.DelaySeconds != 60 {
		t.Errorf("first delay = %.0f, want 60", first.DelaySeconds)
	}
	if second.DelaySeconds != 90 {
		t.Errorf("second delay = %.0f, want 90", second.DelaySeconds)
	}
	if second.DelaySeconds <= first.DelaySeconds {
		t.Error("delays not monotonically increasing")
	}
	if first.Decision != DecisionRetry {
		t.Errorf("decision = %q", first.Decision)
	}
}

func TestExponentialDelayCapped(t *testing.T) {
	a, _, _ := testAnalyzer(t, nil, testConfig())

	d := a.Analyze(context.Background(), failureContext("request timed out", 6))
	if d.Strategy != StrategyExponentialBackoff {
		t.Fatalf("strategy = %q", d.Strategy)
	}
	if d.DelaySeconds != 300 {
		t.Errorf("delay = %.0f, want cap 300", d.DelaySeconds)
	}
}

func TestResourceExhaustionBreaksCircuit(t *testing.T) {
	a, _, _ := testAnalyzer(t, nil, testConfig())

	d := a.Analyze(context.Background(), failureContext("insufficient quota for this request", 0))
	if d.Decision != DecisionCircuitBreak {
		t.Errorf("decision = %q, want circuit_break", d.Decision)
	}
	if d.DelaySeconds != 1800 {
		t.Errorf("delay = %.0f, want 1800", d.DelaySeconds)
	}
}

func TestAuthFailureEscalates(t *testing.T) {
	a, _, _ := testAnalyzer(t, nil, testConfig())

	d := a.Analyze(context.Background(), failureContext("401 Unauthorized: invalid api key", 0))
	if d.Decision != DecisionEscalate {
		t.Errorf("decision = %q, want escalate", d.Decision)
	}
}

func TestUnclassifiedFallback(t *testing.T) {
	a, _, _ := testAnalyzer(t, nil, testConfig())

	d := a.Analyze(context.Background(), failureContext("segmentation fault in flux capacitor", 0))
	if d.PatternMatched != "unclassified" {
		t.Errorf("pattern = %q", d.PatternMatched)
	}
	if d.Strategy != StrategyExponentialBackoff || d.Confidence != 0.5 {
		t.Errorf("strategy/confidence = %q/%.2f", d.Strategy, d.Confidence)
	}
}

func TestConfidenceAdjustments(t *testing.T) {
	a, _, mock := testAnalyzer(t, nil, testConfig())

	// Baseline: rate limit pattern at 0.85.
	base := a.Analyze(context.Background(), failureContext("rate limit exceeded", 0))
	if base.Confidence != 0.85 {
		t.Fatalf("baseline confidence = %.3f", base.Confidence)
	}

	// Two previous attempts: 0.85 * 0.9^2.
	attempts := a.Analyze(context.Background(), failureContext("rate limit exceeded", 2))
	want := 0.85 * 0.9 * 0.9
	if diff := attempts.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("confidence after attempts = %.4f, want %.4f", attempts.Confidence, want)
	}

	// Degraded health dampens.
	rc := failureContext("rate limit exceeded", 0)
	rc.WorkspaceHealthScore = 50
	unhealthy := a.Analyze(context.Background(), rc)
	if diff := unhealthy.Confidence - 0.85*0.85; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("degraded confidence = %.4f", unhealthy.Confidence)
	}

	// Recent success boosts, capped at 1.0.
	rc = failureContext("rate limit exceeded", 0)
	rc.LastSuccessTime = mock.Now().Add(-10 * time.Minute)
	boosted := a.Analyze(context.Background(), rc)
	if diff := boosted.Confidence - 0.85*1.1; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("boosted confidence = %.4f", boosted.Confidence)
	}
}

func TestDecisionMapping(t *testing.T) {
	tests := []struct {
		strategy string
		want     string
	}{
		{StrategyImmediateRetry, DecisionRetry},
		{StrategyExponentialBackoff, DecisionRetry},
		{StrategyLinearBackoff, DecisionRetry},
		{StrategyRetryEnhanced, DecisionRetry},
		{StrategyRetryDifferent, DecisionRetry},
		{StrategyEscalateHuman, DecisionEscalate},
		{StrategyEscalateAgent, DecisionEscalate},
		{StrategyCircuitBreaker, DecisionCircuitBreak},
		{StrategyGracefulDegradation, DecisionCircuitBreak},
		{StrategySkipTask, DecisionSkip},
		{StrategyMarkFailed, DecisionSkip},
	}
	for _, tt := range tests {
		if got := decisionFor(tt.strategy); got != tt.want {
			t.Errorf("decisionFor(%s) = %q, want %q", tt.strategy, got, tt.want)
		}
	}
}

func TestAnalyzePersistsAttempt(t *testing.T) {
	a, s, _ := testAnalyzer(t, nil, testConfig())

	d := a.Analyze(context.Background(), failureContext("request timed out", 0))
	if d.AttemptID == 0 {
		t.Fatal("attempt not persisted")
	}

	attempts, err := s.ListRecoveryAttempts("task-1")
	if err != nil {
		t.Fatalf("ListRecoveryAttempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d", len(attempts))
	}
	got := attempts[0]
	if got.FailureType != FailureTimeout || got.Strategy != StrategyExponentialBackoff {
		t.Errorf("persisted %q/%q", got.FailureType, got.Strategy)
	}
	if got.AttemptNumber != 1 {
		t.Errorf("attempt number = %d", got.AttemptNumber)
	}
	if got.Success.Valid {
		t.Error("outcome already set")
	}

	a.MarkOutcome(d.AttemptID, true)
	attempts, _ = s.ListRecoveryAttempts("task-1")
	if !attempts[0].Success.Valid || !attempts[0].Success.Bool {
		t.Error("outcome not recorded")
	}
}

func TestHistoricalSuccessRate(t *testing.T) {
	a, s, _ := testAnalyzer(t, nil, testConfig())

	// Seed two resolved timeout recoveries, one success.
	for _, ok := range []bool{true, false} {
		id, err := s.RecordRecoveryAttempt(&store.RecoveryAttempt{
			TaskID: "seed", WorkspaceID: "ws-1", AttemptNumber: 1,
			FailureType: FailureTimeout, Strategy: StrategyExponentialBackoff,
		})
		if err != nil {
			t.Fatalf("RecordRecoveryAttempt: %v", err)
		}
		if err := s.MarkRecoveryOutcome(id, ok); err != nil {
			t.Fatalf("MarkRecoveryOutcome: %v", err)
		}
	}

	d := a.Analyze(context.Background(), failureContext("request timed out", 0))
	if d.HistoricalSuccessRate != 0.5 {
		t.Errorf("historical rate = %.2f, want 0.5", d.HistoricalSuccessRate)
	}
}

func TestLLMRefinementApplied(t *testing.T) {
	completer := &fakeCompleter{reply: `{"strategy": "escalate_to_different_agent", "confidence": 0.8, "max_attempts": 1, "reasoning": "agent keeps refusing", "risk_factors": ["repeat refusal"], "estimated_success_probability": 0.7}`}
	cfg := testConfig()
	cfg.AIDecisions = true
	a, _, _ := testAnalyzer(t, completer, cfg)

	d := a.Analyze(context.Background(), failureContext("model refused to produce the content", 0))
	if completer.calls != 1 {
		t.Fatalf("completer calls = %d", completer.calls)
	}
	if !d.AIAnalysisUsed {
		t.Error("ai_analysis_used = false")
	}
	if d.Strategy != StrategyEscalateAgent || d.Decision != DecisionEscalate {
		t.Errorf("strategy/decision = %q/%q", d.Strategy, d.Decision)
	}
	if !d.RequiresDifferentAgent {
		t.Error("requires_different_agent = false")
	}
	if d.Reasoning != "agent keeps refusing" {
		t.Errorf("reasoning = %q", d.Reasoning)
	}
}

func TestLLMFailureFallsBackDeterministic(t *testing.T) {
	completer := &fakeCompleter{err: context.DeadlineExceeded}
	cfg := testConfig()
	cfg.AIDecisions = true
	a, _, _ := testAnalyzer(t, completer, cfg)

	d := a.Analyze(context.Background(), failureContext("rate limit exceeded", 0))
	if d.AIAnalysisUsed {
		t.Error("ai_analysis_used = true after llm failure")
	}
	if d.Strategy != StrategyLinearBackoff {
		t.Errorf("strategy = %q, want deterministic linear_backoff", d.Strategy)
	}
}

func TestLLMUnknownStrategyIgnored(t *testing.T) {
	completer := &fakeCompleter{reply: `{"strategy": "pray", "confidence": 0.99}`}
	cfg := testConfig()
	cfg.AIDecisions = true
	a, _, _ := testAnalyzer(t, completer, cfg)

	d := a.Analyze(context.Background(), failureContext("rate limit exceeded", 0))
	if d.AIAnalysisUsed {
		t.Error("unknown strategy accepted")
	}
	if d.Strategy != StrategyLinearBackoff {
		t.Errorf("strategy = %q", d.Strategy)
	}
}
