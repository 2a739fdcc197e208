package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", dir)
	return dir
}

func TestLoad_ReturnsDefaultsWhenConfigFileAbsent(t *testing.T) {
	withHome(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrency != 4 {
		t.Fatalf("expected default max_concurrency 4, got %d", cfg.MaxConcurrency)
	}
	if cfg.MaxReviewCycles != 3 {
		t.Fatalf("expected default max_review_cycles 3, got %d", cfg.MaxReviewCycles)
	}
}

func TestLoad_ReadsConfigYAML(t *testing.T) {
	home := withHome(t)
	content := `
max_concurrency: 8
max_review_cycles: 5
adapters:
  - id: claude-cli
    binary: claude
    api_key_env: TEST_CLAUDE_KEY
`
	if err := os.WriteFile(ConfigPath(home), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrency != 8 {
		t.Fatalf("expected max_concurrency 8, got %d", cfg.MaxConcurrency)
	}
	if len(cfg.Adapters) != 1 || cfg.Adapters[0].ID != "claude-cli" {
		t.Fatalf("expected one claude-cli adapter, got %+v", cfg.Adapters)
	}
}

func TestLoad_RejectsInvalidMaxConcurrency(t *testing.T) {
	home := withHome(t)
	// normalize() fills in zero values, so use a negative one to reach Validate.
	if err := os.WriteFile(ConfigPath(home), []byte("max_concurrency: -1\nmax_review_cycles: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a negative max_concurrency")
	}
}

func TestLoad_RejectsStoryInTwoConflictGroups(t *testing.T) {
	home := withHome(t)
	content := `
conflict_groups:
  - name: billing
    story_ids: [s1, s2]
  - name: auth
    story_ids: [s2, s3]
`
	if err := os.WriteFile(ConfigPath(home), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a story referenced by two conflict groups")
	}
}

func TestApplyEnvOverrides_BillingModeAndConcurrency(t *testing.T) {
	withHome(t)
	t.Setenv("SUBSTRATE_MAX_CONCURRENCY", "16")
	t.Setenv("ADT_BILLING_MODE", "API")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrency != 16 {
		t.Fatalf("expected env override to set max_concurrency 16, got %d", cfg.MaxConcurrency)
	}
	if cfg.ADTBillingMode != "api" {
		t.Fatalf("expected billing mode api, got %q", cfg.ADTBillingMode)
	}
}

func TestApplyEnvOverrides_IgnoresUnknownBillingMode(t *testing.T) {
	withHome(t)
	t.Setenv("ADT_BILLING_MODE", "bogus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ADTBillingMode != "subscription" {
		t.Fatalf("expected default billing mode to survive an unknown override, got %q", cfg.ADTBillingMode)
	}
}

func TestAdapterAPIKey_PrefersEnvOverride(t *testing.T) {
	home := withHome(t)
	content := `
adapters:
  - id: claude-cli
    binary: claude
    api_key_env: TEST_CLAUDE_KEY_2
`
	if err := os.WriteFile(ConfigPath(home), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_CLAUDE_KEY_2", "secret-value")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.AdapterAPIKey("claude-cli"); got != "secret-value" {
		t.Fatalf("expected secret-value, got %q", got)
	}
}

func TestHomeDir_RespectsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", dir)
	if got := HomeDir(); got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
}

func TestConfigPath_JoinsHomeDir(t *testing.T) {
	got := ConfigPath("/tmp/home")
	want := filepath.Join("/tmp/home", "config.yaml")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
