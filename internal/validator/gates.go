package validator

import "fmt"

// Workspace phases, in lifecycle order.
const (
	PhaseAnalysis       = "analysis"
	PhaseImplementation = "implementation"
	PhaseFinalization   = "finalization"
	PhaseCompletion     = "completion"
)

// Gate statuses.
const (
	GatePassed  = "passed"
	GateWarning = "warning"
	GateFailed  = "failed"
	GateBlocked = "blocked"
)

// PhaseGate is the verdict on a requested phase transition.
type PhaseGate struct {
	CurrentPhase      string   `json:"current_phase"`
	NextPhase         string   `json:"next_phase"`
	Status            string   `json:"status"`
	CanProceed        bool     `json:"can_proceed"`
	AchievementRate   float64  `json:"achievement_rate"`
	CriticalThreshold float64  `json:"critical_threshold"`
	WarningThreshold  float64  `json:"warning_threshold"`
	Recommendations   []string `json:"recommendations,omitempty"`
}

type gateThresholds struct {
	critical    float64
	warning     float64
	remediation bool // a remediation plan can substitute for meeting the bar
}

// Later transitions demand more: completion is the only gate that can never
// be talked past with a remediation plan.
var transitionThresholds = map[string]gateThresholds{
	PhaseAnalysis + ">" + PhaseImplementation:     {critical: 0.8, warning: 0.6, remediation: true},
	PhaseImplementation + ">" + PhaseFinalization: {critical: 0.9, warning: 0.7, remediation: true},
	PhaseFinalization + ">" + PhaseCompletion:     {critical: 0.95, warning: 0.8, remediation: false},
}

var defaultThresholds = gateThresholds{critical: 0.8, warning: 0.6, remediation: true}

// EvaluatePhaseGate scores a phase transition from per-requirement
// validation results. The achievement rate is the mean of (1 - gap/100)
// across results; an empty result set passes vacuously.
func EvaluatePhaseGate(currentPhase, nextPhase string, results []ValidationResult) *PhaseGate {
	th, ok := transitionThresholds[currentPhase+">"+nextPhase]
	if !ok {
		th = defaultThresholds
	}

	gate := &PhaseGate{
		CurrentPhase:      currentPhase,
		NextPhase:         nextPhase,
		CriticalThreshold: th.critical,
		WarningThreshold:  th.warning,
	}

	rate := 1.0
	anyCritical := false
	if len(results) > 0 {
		sum := 0.0
		for _, r := range results {
			sum += 1 - r.GapPercentage/100
			if r.Severity == SeverityCritical {
				anyCritical = true
			}
		}
		rate = sum / float64(len(results))
	}
	if rate < 0 {
		rate = 0
	}
	gate.AchievementRate = round2(rate)

	// Transitions without a remediation escape hatch never proceed while
	// any requirement sits at critical severity.
	if !th.remediation && anyCritical {
		gate.Status = GateBlocked
		gate.CanProceed = false
		gate.Recommendations = criticalRecommendations(results)
		return gate
	}

	switch {
	case rate >= th.critical:
		gate.Status = GatePassed
		gate.CanProceed = true
	case rate >= th.warning:
		gate.Status = GateWarning
		gate.CanProceed = true
		gate.Recommendations = gapRecommendations(results)
	case th.remediation:
		gate.Status = GateFailed
		gate.CanProceed = true
		gate.Recommendations = append(
			[]string{fmt.Sprintf("Remediation required: achievement rate %.2f below %.2f", rate, th.warning)},
			gapRecommendations(results)...,
		)
	default:
		gate.Status = GateBlocked
		gate.CanProceed = false
		gate.Recommendations = gapRecommendations(results)
	}
	return gate
}

func gapRecommendations(results []ValidationResult) []string {
	var out []string
	for _, r := range results {
		if r.Valid {
			continue
		}
		out = append(out, r.Recommendations...)
	}
	return out
}

func criticalRecommendations(results []ValidationResult) []string {
	var out []string
	for _, r := range results {
		if r.Severity != SeverityCritical {
			continue
		}
		out = append(out, fmt.Sprintf("Resolve critical gap on %s: %.1f%% short of target", r.MetricType, r.GapPercentage))
	}
	return out
}
