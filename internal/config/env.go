package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnv overlays the documented environment tunables onto cfg. Environment
// wins over the file so operators can adjust a running deployment without
// editing policy tables.
func applyEnv(cfg *Config) {
	envInt("MAX_CONCURRENT_TASKS", &cfg.Executor.MaxConcurrentTasks)
	envSeconds("EXECUTOR_POLL_SECONDS", &cfg.Executor.PollInterval)
	envBool("DISABLE_TASK_EXECUTOR", &cfg.Executor.Disabled)

	envMinutes("GOAL_VALIDATION_INTERVAL_MINUTES", &cfg.Monitor.ValidationInterval)
	envFloat("GOAL_COMPLETION_THRESHOLD", &cfg.Monitor.CompletionThreshold)
	envInt("MAX_GOAL_DRIVEN_TASKS_PER_CYCLE", &cfg.Monitor.MaxTasksPerCycle)
	envInt("GOAL_MONITOR_CACHE_MAX_ENTRIES", &cfg.Monitor.CacheMaxEntries)
	envSeconds("GOAL_MONITOR_CACHE_TTL_SECONDS", &cfg.Monitor.CacheTTL)
	envBool("ENABLE_GOAL_DRIVEN_SYSTEM", &cfg.Monitor.GoalDriven)

	envInt("MAX_RECOVERY_ATTEMPTS_PER_TASK", &cfg.Recovery.MaxAttemptsPerTask)
	envFloat("RECOVERY_CONFIDENCE_THRESHOLD", &cfg.Recovery.ConfidenceThreshold)
	envFloat("IMMEDIATE_RETRY_CONFIDENCE_THRESHOLD", &cfg.Recovery.ImmediateRetryConfidence)
	envSeconds("CIRCUIT_BREAKER_DELAY_SECONDS", &cfg.Recovery.CircuitBreakerDelay)
	envBool("ENABLE_AI_RECOVERY_DECISIONS", &cfg.Recovery.AIDecisions)

	envSeconds("CORRECTIVE_TASK_COOLDOWN_SECONDS", &cfg.Planner.CorrectiveCooldown)
	envBool("ENABLE_CONTENT_AWARE_LEARNING", &cfg.Planner.ContentAwareLearning)

	envFloat("ARTIFACT_APPROVAL_THRESHOLD", &cfg.Deliverables.ApprovalThreshold)

	envBool("ENABLE_HEALTH_MONITOR", &cfg.Health.Enabled)
	envSeconds("WORKSPACE_LOCK_TTL_SECONDS", &cfg.Health.WorkspaceLockTTL)

	envString("AI_ENHANCEMENT_MODEL", &cfg.AI.EnhancementModel)
	envString("OPENAI_API_KEY", &cfg.AI.APIKey)
	envString("OPENAI_BASE_URL", &cfg.AI.BaseURL)

	envString("FOREMAN_STATE_DB", &cfg.General.StateDB)
	envString("FOREMAN_LOCK_FILE", &cfg.General.LockFile)
	envString("FOREMAN_LOG_LEVEL", &cfg.General.LogLevel)
	envString("FOREMAN_NATS_URL", &cfg.Telemetry.NATSURL)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envSeconds(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dst.Duration = time.Duration(n) * time.Second
		}
	}
}

func envMinutes(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			dst.Duration = time.Duration(n) * time.Minute
		}
	}
}
