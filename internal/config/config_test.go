package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "debug"

[executor]
max_concurrent_tasks = 5
poll_interval = "15s"

[monitor]
validation_interval = "10m"
completion_threshold = 90.0

[recovery]
max_attempts_per_task = 4

[pricing.gpt-4o-mini]
input_per_1k = 0.00015
output_per_1k = 0.0006

[roles.content_creator]
skills = ["copywriting", "editing"]
seniority = "expert"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Executor.MaxConcurrentTasks != 5 {
		t.Errorf("MaxConcurrentTasks = %d, want 5", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Executor.PollInterval.Duration != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s", cfg.Executor.PollInterval)
	}
	if cfg.Monitor.ValidationInterval.Duration != 10*time.Minute {
		t.Errorf("ValidationInterval = %v, want 10m", cfg.Monitor.ValidationInterval)
	}
	if cfg.Monitor.CompletionThreshold != 90 {
		t.Errorf("CompletionThreshold = %v, want 90", cfg.Monitor.CompletionThreshold)
	}
	if cfg.Recovery.MaxAttemptsPerTask != 4 {
		t.Errorf("MaxAttemptsPerTask = %d, want 4", cfg.Recovery.MaxAttemptsPerTask)
	}
	if got := cfg.Roles["content_creator"]; got.Seniority != "expert" || len(got.Skills) != 2 {
		t.Errorf("content_creator role = %+v", got)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Executor.MaxConcurrentTasks != 3 {
		t.Errorf("MaxConcurrentTasks default = %d, want 3", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Monitor.ValidationInterval.Duration != 20*time.Minute {
		t.Errorf("ValidationInterval default = %v, want 20m", cfg.Monitor.ValidationInterval)
	}
	if cfg.Monitor.CompletionThreshold != 80 {
		t.Errorf("CompletionThreshold default = %v, want 80", cfg.Monitor.CompletionThreshold)
	}
	if cfg.Recovery.MaxAttemptsPerTask != 3 {
		t.Errorf("MaxAttemptsPerTask default = %d, want 3", cfg.Recovery.MaxAttemptsPerTask)
	}
	if cfg.Recovery.ConfidenceThreshold != 0.7 {
		t.Errorf("ConfidenceThreshold default = %v, want 0.7", cfg.Recovery.ConfidenceThreshold)
	}
	if cfg.Planner.CorrectiveCooldown.Duration != 5*time.Minute {
		t.Errorf("CorrectiveCooldown default = %v, want 5m", cfg.Planner.CorrectiveCooldown)
	}
	if cfg.AI.EnhancementModel != "gpt-4o-mini" {
		t.Errorf("EnhancementModel default = %q", cfg.AI.EnhancementModel)
	}
	// Feature flags default on.
	if !cfg.Recovery.AIDecisions || !cfg.Monitor.GoalDriven || !cfg.Planner.ContentAwareLearning || !cfg.Health.Enabled {
		t.Error("feature flags should default to enabled")
	}
	if cfg.Executor.Disabled {
		t.Error("executor should default to enabled")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TASKS", "7")
	t.Setenv("GOAL_VALIDATION_INTERVAL_MINUTES", "5")
	t.Setenv("ENABLE_AI_RECOVERY_DECISIONS", "false")
	t.Setenv("CORRECTIVE_TASK_COOLDOWN_SECONDS", "120")

	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Executor.MaxConcurrentTasks != 7 {
		t.Errorf("MaxConcurrentTasks = %d, want env override 7", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Monitor.ValidationInterval.Duration != 5*time.Minute {
		t.Errorf("ValidationInterval = %v, want env override 5m", cfg.Monitor.ValidationInterval)
	}
	if cfg.Recovery.AIDecisions {
		t.Error("ENABLE_AI_RECOVERY_DECISIONS=false not applied")
	}
	if cfg.Planner.CorrectiveCooldown.Duration != 2*time.Minute {
		t.Errorf("CorrectiveCooldown = %v, want 2m", cfg.Planner.CorrectiveCooldown)
	}
}

func TestPricingFallback(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	p := cfg.PricingFor("some-unknown-model")
	if p.InputPer1K <= 0 {
		t.Errorf("unknown model pricing = %+v, want default entry", p)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		toml string
		want string
	}{
		{"concurrency too high", "[executor]\nmax_concurrent_tasks = 100\n", "max_concurrent_tasks"},
		{"threshold over 100", "[monitor]\ncompletion_threshold = 150.0\n", "completion_threshold"},
		{"confidence out of range", "[recovery]\nconfidence_threshold = 1.5\n", "confidence_threshold"},
		{"bad seniority", "[roles.helper]\nseniority = \"wizard\"\n", "seniority"},
		{"negative pricing", "[pricing.x]\ninput_per_1k = -1.0\n", "pricing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTestConfig(t, tc.toml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestInvalidDuration(t *testing.T) {
	path := writeTestConfig(t, "[executor]\npoll_interval = \"banana\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted invalid duration")
	}
}

func TestStateDBParentMustExist(t *testing.T) {
	path := writeTestConfig(t, "[general]\nstate_db = \"/definitely/not/a/dir/foreman.db\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted state_db with missing parent")
	}
}
