package workeradapter

import (
	"context"
	"testing"
)

func TestHealthCheck_BinaryNotFound(t *testing.T) {
	a := NewCLIAdapter(CLIAdapterConfig{ID: "ghost", Binary: "substrate-nonexistent-binary-xyz"})
	res := a.HealthCheck(context.Background())
	if res.Healthy {
		t.Fatalf("expected unhealthy for missing binary")
	}
	if res.Error == "" {
		t.Fatalf("expected error captured, not thrown")
	}
}

func TestHealthCheck_RealBinary(t *testing.T) {
	a := NewCLIAdapter(CLIAdapterConfig{ID: "echo", Binary: "true", VersionArgs: nil})
	res := a.HealthCheck(context.Background())
	if !res.Healthy {
		t.Fatalf("expected healthy, got %+v", res)
	}
}

func TestBuildCommand_UsesCwdAndEnv(t *testing.T) {
	a := NewCLIAdapter(CLIAdapterConfig{
		ID: "claude", Binary: "claude-cli", PromptFlag: "-p",
		UnsetEnvKeys: []string{"CLAUDE_SESSION"},
	})
	spec, err := a.BuildCommand("do the thing", CommandOptions{Cwd: "/tmp/worktree-1", BillingMode: "api"})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	if spec.Cwd != "/tmp/worktree-1" {
		t.Fatalf("expected cwd propagated, got %q", spec.Cwd)
	}
	if spec.Env["ADT_BILLING_MODE"] != "api" {
		t.Fatalf("expected billing mode env set, got %+v", spec.Env)
	}
	if len(spec.UnsetEnvKeys) != 1 || spec.UnsetEnvKeys[0] != "CLAUDE_SESSION" {
		t.Fatalf("expected unset env keys propagated, got %v", spec.UnsetEnvKeys)
	}
	if len(spec.Args) != 2 || spec.Args[0] != "-p" || spec.Args[1] != "do the thing" {
		t.Fatalf("unexpected args: %v", spec.Args)
	}
}

func TestParseOutput_ExtractsFencedJSONBlock(t *testing.T) {
	a := NewCLIAdapter(CLIAdapterConfig{ID: "claude", Binary: "claude-cli"})
	stdout := "some preamble\n```json\n{\"tests\": \"pass\", \"ac_met\": [\"AC1\"]}\n```\ntrailer"
	res := a.ParseOutput(stdout, "", 0)
	if !res.Success {
		t.Fatalf("expected success")
	}
	if res.StructuredBlock == "" {
		t.Fatalf("expected a structured block to be extracted")
	}
}

func TestParseOutput_NoBlockStillSucceeds(t *testing.T) {
	a := NewCLIAdapter(CLIAdapterConfig{ID: "claude", Binary: "claude-cli"})
	res := a.ParseOutput("plain text output, no structure here", "", 0)
	if !res.Success {
		t.Fatalf("expected success despite missing structured block")
	}
	if res.StructuredBlock != "" {
		t.Fatalf("expected no structured block, got %q", res.StructuredBlock)
	}
}

func TestParseOutput_NonZeroExitIsNotSuccess(t *testing.T) {
	a := NewCLIAdapter(CLIAdapterConfig{ID: "claude", Binary: "claude-cli"})
	res := a.ParseOutput("", "boom", 1)
	if res.Success {
		t.Fatalf("expected failure for non-zero exit")
	}
	if res.Error != "boom" {
		t.Fatalf("expected stderr captured, got %q", res.Error)
	}
}

func TestParsePlanOutput_DecodesTasks(t *testing.T) {
	a := NewCLIAdapter(CLIAdapterConfig{ID: "claude", Binary: "claude-cli"})
	stdout := "```json\n{\"tasks\": [{\"key\": \"a\", \"name\": \"Task A\", \"prompt\": \"do a\", \"type\": \"coding\"}]}\n```"
	res := a.ParsePlanOutput(stdout, "", 0)
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if len(res.Tasks) != 1 || res.Tasks[0].Key != "a" {
		t.Fatalf("unexpected tasks: %+v", res.Tasks)
	}
}

func TestEstimateTokens_Heuristic(t *testing.T) {
	a := NewCLIAdapter(CLIAdapterConfig{ID: "claude", Binary: "claude-cli"})
	est := a.EstimateTokens("123456789")
	if est.Input != 3 {
		t.Fatalf("expected 3 input tokens (9 chars / 3), got %d", est.Input)
	}
}

func TestRegistry_DiscoverHealthy(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(NewCLIAdapter(CLIAdapterConfig{ID: "good", Binary: "true"}))
	r.Register(NewCLIAdapter(CLIAdapterConfig{ID: "bad", Binary: "substrate-nonexistent-binary-xyz"}))

	entries, err := r.DiscoverHealthy(context.Background())
	if err != nil {
		t.Fatalf("DiscoverHealthy: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !r.IsHealthy("good") {
		t.Fatalf("expected 'good' adapter marked healthy")
	}
	if r.IsHealthy("bad") {
		t.Fatalf("expected 'bad' adapter marked unhealthy")
	}
}

func TestRegistry_GetUnregistered(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Get("missing"); err == nil {
		t.Fatalf("expected not-found error")
	}
}
