// Package config loads and validates the Foreman configuration: a TOML file
// for policy tables plus environment overrides for operational tunables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General      General                 `toml:"general"`
	Executor     Executor                `toml:"executor"`
	Monitor      Monitor                 `toml:"monitor"`
	Recovery     Recovery                `toml:"recovery"`
	Planner      Planner                 `toml:"planner"`
	Deliverables Deliverables            `toml:"deliverables"`
	Health       Health                  `toml:"health"`
	AI           AI                      `toml:"ai"`
	Telemetry    Telemetry               `toml:"telemetry"`
	Pricing      map[string]ModelPricing `toml:"pricing"`
	Roles        map[string]RoleProfile  `toml:"roles"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
	LockFile string `toml:"lock_file"`
}

type Executor struct {
	MaxConcurrentTasks int      `toml:"max_concurrent_tasks"`
	PollInterval       Duration `toml:"poll_interval"`
	MinTaskTimeout     Duration `toml:"min_task_timeout"`
	MaxTaskTimeout     Duration `toml:"max_task_timeout"`
	Disabled           bool     `toml:"disabled"`
}

type Monitor struct {
	ValidationInterval  Duration `toml:"validation_interval"`
	CompletionThreshold float64  `toml:"completion_threshold"` // percent of target
	MaxTasksPerCycle    int      `toml:"max_tasks_per_cycle"`
	CacheMaxEntries     int      `toml:"cache_max_entries"`
	CacheTTL            Duration `toml:"cache_ttl"`
	RecheckMin          Duration `toml:"recheck_min"`
	RecheckMax          Duration `toml:"recheck_max"`
	GoalDriven          bool     `toml:"goal_driven"`
}

type Recovery struct {
	MaxAttemptsPerTask       int      `toml:"max_attempts_per_task"`
	ConfidenceThreshold      float64  `toml:"confidence_threshold"`
	ImmediateRetryConfidence float64  `toml:"immediate_retry_confidence"`
	BaseRetryDelay           Duration `toml:"base_retry_delay"`
	CircuitBreakerDelay      Duration `toml:"circuit_breaker_delay"`
	AIDecisions              bool     `toml:"ai_decisions"`
}

type Planner struct {
	CorrectiveCooldown   Duration `toml:"corrective_cooldown"`
	CorrectiveDeadline   Duration `toml:"corrective_deadline"`
	ContentAwareLearning bool     `toml:"content_aware_learning"`
}

type Deliverables struct {
	ApprovalThreshold float64  `toml:"approval_threshold"` // minimum artifact quality score
	CacheTTL          Duration `toml:"cache_ttl"`
	CacheMaxEntries   int      `toml:"cache_max_entries"`
}

type Health struct {
	Enabled          bool     `toml:"enabled"`
	WorkspaceLockTTL Duration `toml:"workspace_lock_ttl"`
	StuckTaskTimeout Duration `toml:"stuck_task_timeout"`
}

type AI struct {
	EnhancementModel string `toml:"enhancement_model"`
	BaseURL          string `toml:"base_url"`
	APIKey           string `toml:"-"` // environment only, never the file
}

type Telemetry struct {
	NATSURL       string `toml:"nats_url"` // empty disables the broadcaster
	SubjectPrefix string `toml:"subject_prefix"`
}

// ModelPricing is the per-1k-token cost table for one model.
type ModelPricing struct {
	InputPer1K  float64 `toml:"input_per_1k"`
	OutputPer1K float64 `toml:"output_per_1k"`
}

// RoleProfile is the default shape of an agent role used when bootstrapping
// teams and assigning work by role.
type RoleProfile struct {
	Skills    []string `toml:"skills"`
	Seniority string   `toml:"seniority"`
	Model     string   `toml:"model"`
}

// Load reads the TOML file (optional), applies environment overrides, fills
// defaults, and validates. An empty path skips the file and configures from
// environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := seed()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// seed returns a config with the default-true feature flags set, so a file
// or environment that never mentions them leaves them enabled.
func seed() *Config {
	return &Config{
		Monitor:  Monitor{GoalDriven: true},
		Recovery: Recovery{AIDecisions: true},
		Planner:  Planner{ContentAwareLearning: true},
		Health:   Health{Enabled: true},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}

	if cfg.Executor.MaxConcurrentTasks == 0 {
		cfg.Executor.MaxConcurrentTasks = 3
	}
	if cfg.Executor.PollInterval.Duration == 0 {
		cfg.Executor.PollInterval.Duration = 10 * time.Second
	}
	if cfg.Executor.MinTaskTimeout.Duration == 0 {
		cfg.Executor.MinTaskTimeout.Duration = 2 * time.Minute
	}
	if cfg.Executor.MaxTaskTimeout.Duration == 0 {
		cfg.Executor.MaxTaskTimeout.Duration = 30 * time.Minute
	}

	if cfg.Monitor.ValidationInterval.Duration == 0 {
		cfg.Monitor.ValidationInterval.Duration = 20 * time.Minute
	}
	if cfg.Monitor.CompletionThreshold == 0 {
		cfg.Monitor.CompletionThreshold = 80
	}
	if cfg.Monitor.MaxTasksPerCycle == 0 {
		cfg.Monitor.MaxTasksPerCycle = 5
	}
	if cfg.Monitor.CacheMaxEntries == 0 {
		cfg.Monitor.CacheMaxEntries = 100
	}
	if cfg.Monitor.CacheTTL.Duration == 0 {
		cfg.Monitor.CacheTTL.Duration = 30 * time.Minute
	}
	if cfg.Monitor.RecheckMin.Duration == 0 {
		cfg.Monitor.RecheckMin.Duration = 3 * time.Minute
	}
	if cfg.Monitor.RecheckMax.Duration == 0 {
		cfg.Monitor.RecheckMax.Duration = 5 * time.Minute
	}

	if cfg.Recovery.MaxAttemptsPerTask == 0 {
		cfg.Recovery.MaxAttemptsPerTask = 3
	}
	if cfg.Recovery.ConfidenceThreshold == 0 {
		cfg.Recovery.ConfidenceThreshold = 0.7
	}
	if cfg.Recovery.ImmediateRetryConfidence == 0 {
		cfg.Recovery.ImmediateRetryConfidence = 0.9
	}
	if cfg.Recovery.BaseRetryDelay.Duration == 0 {
		cfg.Recovery.BaseRetryDelay.Duration = 30 * time.Second
	}
	if cfg.Recovery.CircuitBreakerDelay.Duration == 0 {
		cfg.Recovery.CircuitBreakerDelay.Duration = 30 * time.Minute
	}

	if cfg.Planner.CorrectiveCooldown.Duration == 0 {
		cfg.Planner.CorrectiveCooldown.Duration = 5 * time.Minute
	}
	if cfg.Planner.CorrectiveDeadline.Duration == 0 {
		cfg.Planner.CorrectiveDeadline.Duration = 24 * time.Hour
	}

	if cfg.Deliverables.ApprovalThreshold == 0 {
		cfg.Deliverables.ApprovalThreshold = 70
	}
	if cfg.Deliverables.CacheTTL.Duration == 0 {
		cfg.Deliverables.CacheTTL.Duration = 30 * time.Minute
	}
	if cfg.Deliverables.CacheMaxEntries == 0 {
		cfg.Deliverables.CacheMaxEntries = 100
	}

	if cfg.Health.WorkspaceLockTTL.Duration == 0 {
		cfg.Health.WorkspaceLockTTL.Duration = 15 * time.Minute
	}
	if cfg.Health.StuckTaskTimeout.Duration == 0 {
		cfg.Health.StuckTaskTimeout.Duration = 45 * time.Minute
	}

	if cfg.AI.EnhancementModel == "" {
		cfg.AI.EnhancementModel = "gpt-4o-mini"
	}

	if cfg.Telemetry.SubjectPrefix == "" {
		cfg.Telemetry.SubjectPrefix = "foreman.events"
	}

	if cfg.Pricing == nil {
		cfg.Pricing = map[string]ModelPricing{}
	}
	if _, ok := cfg.Pricing["default"]; !ok {
		cfg.Pricing["default"] = ModelPricing{InputPer1K: 0.0015, OutputPer1K: 0.002}
	}

	// Role defaults used for bootstrap tasks when no team profile is configured.
	if cfg.Roles == nil {
		cfg.Roles = map[string]RoleProfile{}
	}
	if _, ok := cfg.Roles["project_manager"]; !ok {
		cfg.Roles["project_manager"] = RoleProfile{
			Skills:    []string{"planning", "coordination"},
			Seniority: "senior",
		}
	}

	for name, role := range cfg.Roles {
		if role.Seniority == "" {
			role.Seniority = "senior"
		}
		cfg.Roles[name] = role
	}
}

func validate(cfg *Config) error {
	if cfg.Executor.MaxConcurrentTasks < 1 || cfg.Executor.MaxConcurrentTasks > 64 {
		return fmt.Errorf("executor max_concurrent_tasks %d out of range [1, 64]", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Monitor.CompletionThreshold <= 0 || cfg.Monitor.CompletionThreshold > 100 {
		return fmt.Errorf("monitor completion_threshold %v out of range (0, 100]", cfg.Monitor.CompletionThreshold)
	}
	if cfg.Monitor.MaxTasksPerCycle < 1 {
		return fmt.Errorf("monitor max_tasks_per_cycle must be at least 1")
	}
	if cfg.Recovery.ConfidenceThreshold < 0 || cfg.Recovery.ConfidenceThreshold > 1 {
		return fmt.Errorf("recovery confidence_threshold %v out of range [0, 1]", cfg.Recovery.ConfidenceThreshold)
	}
	if cfg.Recovery.ImmediateRetryConfidence < cfg.Recovery.ConfidenceThreshold {
		return fmt.Errorf("recovery immediate_retry_confidence %v below confidence_threshold %v",
			cfg.Recovery.ImmediateRetryConfidence, cfg.Recovery.ConfidenceThreshold)
	}
	if cfg.Recovery.MaxAttemptsPerTask < 1 {
		return fmt.Errorf("recovery max_attempts_per_task must be at least 1")
	}
	if cfg.Deliverables.ApprovalThreshold < 0 || cfg.Deliverables.ApprovalThreshold > 100 {
		return fmt.Errorf("deliverables approval_threshold %v out of range [0, 100]", cfg.Deliverables.ApprovalThreshold)
	}
	if cfg.Monitor.RecheckMax.Duration < cfg.Monitor.RecheckMin.Duration {
		return fmt.Errorf("monitor recheck_max %s below recheck_min %s", cfg.Monitor.RecheckMax, cfg.Monitor.RecheckMin)
	}
	if cfg.Executor.MaxTaskTimeout.Duration < cfg.Executor.MinTaskTimeout.Duration {
		return fmt.Errorf("executor max_task_timeout %s below min_task_timeout %s", cfg.Executor.MaxTaskTimeout, cfg.Executor.MinTaskTimeout)
	}

	for model, p := range cfg.Pricing {
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return fmt.Errorf("pricing for %q must be non-negative", model)
		}
	}
	for name, role := range cfg.Roles {
		switch role.Seniority {
		case "junior", "senior", "expert":
		default:
			return fmt.Errorf("role %q has unknown seniority %q", name, role.Seniority)
		}
	}

	if cfg.General.StateDB != "" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// PricingFor returns the pricing entry for a model, falling back to the
// default entry for models the table does not know.
func (c *Config) PricingFor(model string) ModelPricing {
	if p, ok := c.Pricing[model]; ok {
		return p
	}
	return c.Pricing["default"]
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
