package workeradapter

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"gopkg.in/yaml.v3"
)

// CLIAdapter is a generic Adapter implementation for an external CLI coding
// agent binary (exec.CommandContext, exit-code extraction via *exec.ExitError).
// Adapters for specific agents (Claude/Codex/Gemini wrappers) are configured
// instances of this shared mechanism.
type CLIAdapter struct {
	id           string
	binary       string
	versionArgs  []string
	promptFlag   string
	planFlag     string
	capabilities Capabilities
	billingEnv   string // e.g. "ADT_BILLING_MODE"
	unsetEnvKeys []string
}

// CLIAdapterConfig configures one CLIAdapter instance.
type CLIAdapterConfig struct {
	ID           string
	Binary       string
	VersionArgs  []string // defaults to ["--version"]
	PromptFlag   string   // flag name the prompt is passed under, e.g. "-p"
	PlanFlag     string   // flag name used to request plan-generation mode
	Capabilities Capabilities
	BillingEnv   string
	UnsetEnvKeys []string
}

// NewCLIAdapter builds a CLIAdapter from config.
func NewCLIAdapter(cfg CLIAdapterConfig) *CLIAdapter {
	versionArgs := cfg.VersionArgs
	if len(versionArgs) == 0 {
		versionArgs = []string{"--version"}
	}
	billingEnv := cfg.BillingEnv
	if billingEnv == "" {
		billingEnv = "ADT_BILLING_MODE"
	}
	return &CLIAdapter{
		id: cfg.ID, binary: cfg.Binary, versionArgs: versionArgs,
		promptFlag: cfg.PromptFlag, planFlag: cfg.PlanFlag,
		capabilities: cfg.Capabilities, billingEnv: billingEnv, unsetEnvKeys: cfg.UnsetEnvKeys,
	}
}

func (a *CLIAdapter) ID() string                  { return a.id }
func (a *CLIAdapter) Capabilities() Capabilities  { return a.capabilities }

// HealthCheck runs "<binary> --version" with a 10-second cap. Never panics or
// returns a Go error — every failure mode is captured in HealthResult.
func (a *CLIAdapter) HealthCheck(ctx context.Context) HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	path, err := exec.LookPath(a.binary)
	if err != nil {
		return HealthResult{Healthy: false, Error: "binary not found: " + err.Error()}
	}

	cmd := exec.CommandContext(checkCtx, path, a.versionArgs...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return HealthResult{Healthy: false, CLIPath: path, Error: err.Error()}
	}
	return HealthResult{
		Healthy:          true,
		Version:          strings.TrimSpace(out.String()),
		CLIPath:          path,
		SupportsHeadless: true,
	}
}

// BuildCommand constructs the spawn recipe for a regular task dispatch.
// Cwd is always the per-task worktree, passed in via opts.
func (a *CLIAdapter) BuildCommand(prompt string, opts CommandOptions) (CommandSpec, error) {
	args := []string{}
	if a.promptFlag != "" {
		args = append(args, a.promptFlag, prompt)
	} else {
		args = append(args, prompt)
	}
	env := map[string]string{}
	for k, v := range opts.ExtraEnv {
		env[k] = v
	}
	if opts.BillingMode != "" {
		env[a.billingEnv] = opts.BillingMode
	}
	return CommandSpec{
		Binary: a.binary, Args: args, Env: env,
		UnsetEnvKeys: a.unsetEnvKeys, Cwd: opts.Cwd,
	}, nil
}

// BuildPlanningCommand constructs the spawn recipe for a plan-generation dispatch.
func (a *CLIAdapter) BuildPlanningCommand(req PlanRequest, opts CommandOptions) (CommandSpec, error) {
	args := []string{}
	if a.planFlag != "" {
		args = append(args, a.planFlag)
	}
	if a.promptFlag != "" {
		args = append(args, a.promptFlag, req.Prompt)
	} else {
		args = append(args, req.Prompt)
	}
	env := map[string]string{}
	for k, v := range opts.ExtraEnv {
		env[k] = v
	}
	if opts.BillingMode != "" {
		env[a.billingEnv] = opts.BillingMode
	}
	return CommandSpec{
		Binary: a.binary, Args: args, Env: env,
		UnsetEnvKeys: a.unsetEnvKeys, Cwd: opts.Cwd,
	}, nil
}

// ParseOutput is robust to both structured and raw outputs; it never panics.
// It extracts the first balanced JSON or YAML-fenced block it can find and
// leaves schema validation to the dispatcher.
func (a *CLIAdapter) ParseOutput(stdout, stderr string, exitCode int) TaskResult {
	block := extractStructuredBlock(stdout)
	return TaskResult{
		Success:         exitCode == 0,
		Output:          stdout,
		Error:           stderr,
		ExitCode:        exitCode,
		StructuredBlock: block,
		Metadata:        map[string]any{"adapter": a.id},
	}
}

// ParsePlanOutput extracts a structured block and decodes it into PlanTask
// entries, falling back to a failure result rather than panicking.
func (a *CLIAdapter) ParsePlanOutput(stdout, stderr string, exitCode int) PlanParseResult {
	if exitCode != 0 {
		return PlanParseResult{Success: false, Error: stderr, RawOutput: stdout}
	}
	block := extractStructuredBlock(stdout)
	if block == "" {
		return PlanParseResult{Success: false, Error: "no structured plan block found", RawOutput: stdout}
	}

	var raw struct {
		Tasks []struct {
			Key       string   `json:"key" yaml:"key"`
			Name      string   `json:"name" yaml:"name"`
			Prompt    string   `json:"prompt" yaml:"prompt"`
			Type      string   `json:"type" yaml:"type"`
			DependsOn []string `json:"depends_on" yaml:"depends_on"`
			BudgetUSD *float64 `json:"budget_usd" yaml:"budget_usd"`
			Agent     string   `json:"agent" yaml:"agent"`
			Model     string   `json:"model" yaml:"model"`
		} `json:"tasks" yaml:"tasks"`
	}
	if err := decodeBlock(block, &raw); err != nil {
		return PlanParseResult{Success: false, Error: err.Error(), RawOutput: stdout}
	}

	tasks := make([]PlanTask, 0, len(raw.Tasks))
	for _, t := range raw.Tasks {
		tasks = append(tasks, PlanTask{
			Key: t.Key, Name: t.Name, Prompt: t.Prompt, Type: t.Type,
			DependsOn: t.DependsOn, BudgetUSD: t.BudgetUSD, Agent: t.Agent, Model: t.Model,
		})
	}
	return PlanParseResult{Success: true, Tasks: tasks, RawOutput: stdout}
}

// EstimateTokens uses the characters/3 heuristic.
func (a *CLIAdapter) EstimateTokens(prompt string) TokenEstimate {
	return EstimateTokensHeuristic(prompt, "")
}

// extractStructuredBlock recovers the first fenced ```json or ```yaml block,
// or (failing that) the first top-level balanced {...} JSON object, from an
// otherwise free-form stdout stream. Returns "" if none is found.
func extractStructuredBlock(stdout string) string {
	for _, fence := range []string{"```json", "```yaml", "```yml"} {
		if idx := strings.Index(stdout, fence); idx >= 0 {
			rest := stdout[idx+len(fence):]
			if end := strings.Index(rest, "```"); end >= 0 {
				return strings.TrimSpace(rest[:end])
			}
		}
	}
	// Fall back to the first balanced top-level JSON object.
	start := strings.Index(stdout, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(stdout); i++ {
		switch stdout[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(stdout[start : i+1])
			}
		}
	}
	return ""
}

// decodeBlock decodes a structured block as JSON if it looks like JSON,
// otherwise as YAML.
func decodeBlock(block string, v any) error {
	trimmed := strings.TrimSpace(block)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal([]byte(trimmed), v)
	}
	return yaml.Unmarshal([]byte(trimmed), v)
}
