package recovery

import "regexp"

// Failure types attached to recovery attempts.
const (
	FailureValidation = "llm_validation"
	FailureRateLimit  = "rate_limit"
	FailureTimeout    = "timeout"
	FailureConnection = "connection"
	FailureStoreBusy  = "store_contention"
	FailureAuth       = "authentication"
	FailureRefusal    = "content_refusal"
	FailureExhaustion = "resource_exhaustion"
	FailureLogic      = "logic_error"
	FailureUnknown    = "unknown"
)

// pattern is one entry in the ordered recovery table. The first regex match
// against the error message wins; failure-type fallbacks apply when no
// regex matches.
type pattern struct {
	name        string
	match       *regexp.Regexp
	failureType string
	strategy    string
	confidence  float64
	maxAttempts int
	transient   bool
}

// patternMissingField is the validation-gate pattern; matches get forced to
// an immediate retry regardless of later adjustments.
const patternMissingField = "missing_required_field"

var patterns = []pattern{
	{
		name:        patternMissingField,
		match:       regexp.MustCompile(`(?i)field required|value_error\.missing`),
		failureType: FailureValidation,
		strategy:    StrategyImmediateRetry,
		confidence:  0.95,
		maxAttempts: 2,
		transient:   true,
	},
	{
		name:        "malformed_json_response",
		match:       regexp.MustCompile(`(?i)(invalid|malformed) json|json.{0,20}(parse|decode|unmarshal)|not valid json`),
		failureType: FailureValidation,
		strategy:    StrategyRetryEnhanced,
		confidence:  0.8,
		maxAttempts: 2,
		transient:   true,
	},
	{
		name:        "rate_limited",
		match:       regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b`),
		failureType: FailureRateLimit,
		strategy:    StrategyLinearBackoff,
		confidence:  0.85,
		maxAttempts: 3,
		transient:   true,
	},
	{
		name:        "timeout",
		match:       regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`),
		failureType: FailureTimeout,
		strategy:    StrategyExponentialBackoff,
		confidence:  0.75,
		maxAttempts: 3,
		transient:   true,
	},
	{
		name:        "connection_failure",
		match:       regexp.MustCompile(`(?i)connection (refused|reset|closed)|network|unreachable|broken pipe|unexpected eof`),
		failureType: FailureConnection,
		strategy:    StrategyExponentialBackoff,
		confidence:  0.7,
		maxAttempts: 3,
		transient:   true,
	},
	{
		name:        "store_contention",
		match:       regexp.MustCompile(`(?i)database is locked|sqlite_busy|store.{0,30}unavailable`),
		failureType: FailureStoreBusy,
		strategy:    StrategyLinearBackoff,
		confidence:  0.75,
		maxAttempts: 3,
		transient:   true,
	},
	{
		name:        "auth_failure",
		match:       regexp.MustCompile(`(?i)unauthorized|forbidden|invalid api key|authentication|\b401\b|\b403\b`),
		failureType: FailureAuth,
		strategy:    StrategyEscalateHuman,
		confidence:  0.9,
		maxAttempts: 0,
		transient:   false,
	},
	{
		name:        "content_refusal",
		match:       regexp.MustCompile(`(?i)content policy|cannot (assist|help) with|i can'?t (assist|help)|refus(ed|al)`),
		failureType: FailureRefusal,
		strategy:    StrategyRetryDifferent,
		confidence:  0.6,
		maxAttempts: 2,
		transient:   false,
	},
	{
		name:        "resource_exhaustion",
		match:       regexp.MustCompile(`(?i)out of memory|insufficient (quota|credits?)|quota exceeded|resource exhausted`),
		failureType: FailureExhaustion,
		strategy:    StrategyCircuitBreaker,
		confidence:  0.8,
		maxAttempts: 0,
		transient:   false,
	},
}

// typeFallbacks applies when no regex matched but the caller classified the
// failure. Keys are both runtime error kinds and recovery failure types.
var typeFallbacks = map[string]pattern{
	"validation": {
		name: "validation_fallback", failureType: FailureValidation,
		strategy: StrategyRetryEnhanced, confidence: 0.7, maxAttempts: 2, transient: true,
	},
	FailureValidation: {
		name: "validation_fallback", failureType: FailureValidation,
		strategy: StrategyRetryEnhanced, confidence: 0.7, maxAttempts: 2, transient: true,
	},
	FailureRateLimit: {
		name: "rate_limit_fallback", failureType: FailureRateLimit,
		strategy: StrategyLinearBackoff, confidence: 0.8, maxAttempts: 3, transient: true,
	},
	FailureTimeout: {
		name: "timeout_fallback", failureType: FailureTimeout,
		strategy: StrategyExponentialBackoff, confidence: 0.7, maxAttempts: 3, transient: true,
	},
	FailureConnection: {
		name: "connection_fallback", failureType: FailureConnection,
		strategy: StrategyExponentialBackoff, confidence: 0.65, maxAttempts: 3, transient: true,
	},
	FailureLogic: {
		name: "logic_fallback", failureType: FailureLogic,
		strategy: StrategyRetryDifferent, confidence: 0.55, maxAttempts: 2, transient: false,
	},
}

// defaultPattern is the last resort for unclassifiable failures.
var defaultPattern = pattern{
	name:        "unclassified",
	failureType: FailureUnknown,
	strategy:    StrategyExponentialBackoff,
	confidence:  0.5,
	maxAttempts: 3,
	transient:   true,
}

// matchPattern resolves the recovery pattern for a failure: first regex
// match over message + error type wins, then failure-type fallbacks, then
// the unclassified default.
func matchPattern(rc Context) pattern {
	haystack := rc.ErrorMessage
	if rc.ErrorType != "" {
		haystack += "\n" + rc.ErrorType
	}
	for _, p := range patterns {
		if p.match.MatchString(haystack) {
			return p
		}
	}
	for _, key := range []string{rc.FailureType, rc.ErrorType} {
		if key == "" {
			continue
		}
		if p, ok := typeFallbacks[key]; ok {
			return p
		}
	}
	return defaultPattern
}
