// Package config loads the YAML-backed engine configuration: a home
// directory resolved from an environment variable, environment overrides
// layered on top of the file, and validation at load time rather than
// scattered through callers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/substrate/internal/substraterr"
)

// AdapterConfig is one configured coding-agent CLI.
type AdapterConfig struct {
	ID           string            `yaml:"id"`
	Binary       string            `yaml:"binary"`
	PromptFlag   string            `yaml:"prompt_flag"`
	PlanFlag     string            `yaml:"plan_flag"`
	BillingEnv   string            `yaml:"billing_env"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	UnsetEnvKeys []string          `yaml:"unset_env_keys"`
	ExtraEnv     map[string]string `yaml:"extra_env"`

	// CostPerKTokenUSD prices this adapter's dispatches when ADTBillingMode
	// is "api": estimated_cost = tokens/1000 * CostPerKTokenUSD. Left at 0
	// for subscription/free adapters, whose dispatches are sunk cost and
	// recorded with estimated_cost 0 for token-volume auditing only.
	CostPerKTokenUSD float64 `yaml:"cost_per_1k_tokens_usd"`
}

// ConflictGroup names a deterministic serialization bucket for a set of
// story ids. Stories named here execute serially with each
// other; stories in different groups may run concurrently.
type ConflictGroup struct {
	Name     string   `yaml:"name"`
	StoryIDs []string `yaml:"story_ids"`
}

// Config is the engine's resolved, validated configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	MaxConcurrency     int     `yaml:"max_concurrency"`
	MaxReviewCycles    int     `yaml:"max_review_cycles"`
	SignalPollSeconds  float64 `yaml:"signal_poll_seconds"`
	DispatchTimeoutSec int     `yaml:"dispatch_timeout_seconds"`
	DefaultRetryCeiling int    `yaml:"default_retry_ceiling"`

	ADTBillingMode string `yaml:"adt_billing_mode"`

	WorktreeBranchTag string `yaml:"worktree_branch_tag"`

	RetentionDays     int    `yaml:"retention_days"`
	RetentionSchedule string `yaml:"retention_schedule"` // 5-field cron expression

	LogLevel string `yaml:"log_level"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	Adapters       []AdapterConfig `yaml:"adapters"`
	ConflictGroups []ConflictGroup `yaml:"conflict_groups"`
}

// TelemetryConfig toggles and configures the OpenTelemetry pipeline
// (internal/telemetry).
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

func defaultConfig() Config {
	return Config{
		MaxConcurrency:      4,
		MaxReviewCycles:     3,
		SignalPollSeconds:   0.5,
		DispatchTimeoutSec:  600,
		DefaultRetryCeiling: 2,
		ADTBillingMode:      "subscription",
		WorktreeBranchTag:   "substrate",
		RetentionDays:       90,
		LogLevel:            "info",
	}
}

// HomeDir resolves the configuration home directory: SUBSTRATE_HOME if set,
// otherwise ~/.substrate.
func HomeDir() string {
	if override := os.Getenv("SUBSTRATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".substrate")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load resolves the home directory, reads config.yaml if present, layers
// environment overrides on top, normalizes defaults, and validates the
// result. A missing config.yaml is not an error — Load returns the defaults.
func Load() (Config, error) {
	const op = "config.Load"
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}

	path := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, substraterr.Wrap(substraterr.CodeParse, op, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize fills in defaults for fields left unset (zero value) by the
// config file. It deliberately does not clamp negative values — those are
// explicit user input and are left for Validate to reject.
func normalize(cfg *Config) {
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MaxReviewCycles == 0 {
		cfg.MaxReviewCycles = 3
	}
	if cfg.SignalPollSeconds == 0 {
		cfg.SignalPollSeconds = 0.5
	}
	if cfg.DispatchTimeoutSec == 0 {
		cfg.DispatchTimeoutSec = 600
	}
	if cfg.DefaultRetryCeiling < 0 {
		cfg.DefaultRetryCeiling = 2
	}
	if cfg.WorktreeBranchTag == "" {
		cfg.WorktreeBranchTag = "substrate"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate enforces load-time checks: maxConcurrency > 0,
// maxReviewCycles > 0, and every conflict-group story id reference is
// internally consistent (no duplicate story across groups).
func Validate(cfg *Config) error {
	const op = "config.Validate"
	if cfg.MaxConcurrency <= 0 {
		return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("max_concurrency must be > 0, got %d", cfg.MaxConcurrency))
	}
	if cfg.MaxReviewCycles <= 0 {
		return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("max_review_cycles must be > 0, got %d", cfg.MaxReviewCycles))
	}

	seen := make(map[string]string)
	for _, group := range cfg.ConflictGroups {
		if group.Name == "" {
			return substraterr.New(substraterr.CodeValidation, op, "conflict group has empty name")
		}
		for _, id := range group.StoryIDs {
			if owner, exists := seen[id]; exists {
				return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("story %s referenced by both conflict groups %s and %s", id, owner, group.Name))
			}
			seen[id] = group.Name
		}
	}

	ids := make(map[string]struct{}, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		if a.ID == "" {
			return substraterr.New(substraterr.CodeValidation, op, "adapter has empty id")
		}
		if _, exists := ids[a.ID]; exists {
			return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("duplicate adapter id: %s", a.ID))
		}
		ids[a.ID] = struct{}{}
		if a.Binary == "" {
			return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("adapter %s: binary is required", a.ID))
		}
	}
	return nil
}

// AdapterAPIKey returns the API key for adapter id, env override taking
// precedence over any (currently nonexistent) file-based secret.
func (c Config) AdapterAPIKey(adapterID string) string {
	for _, a := range c.Adapters {
		if a.ID != adapterID {
			continue
		}
		if a.APIKeyEnv != "" {
			if v := os.Getenv(a.APIKeyEnv); v != "" {
				return v
			}
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SUBSTRATE_MAX_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrency = v
		}
	}
	if raw := os.Getenv("SUBSTRATE_MAX_REVIEW_CYCLES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxReviewCycles = v
		}
	}
	if raw := os.Getenv("SUBSTRATE_DISPATCH_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DispatchTimeoutSec = v
		}
	}
	if raw := os.Getenv("SUBSTRATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ADT_BILLING_MODE"); raw != "" {
		mode := strings.ToLower(raw)
		switch mode {
		case "subscription", "api", "free":
			cfg.ADTBillingMode = mode
		}
	}
	if raw := os.Getenv("SUBSTRATE_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetentionDays = v
		}
	}
}
