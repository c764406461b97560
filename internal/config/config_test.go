package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, "config.yaml", "version: 1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gateway.Port != 8420 {
		t.Errorf("gateway port = %d, want 8420", cfg.Gateway.Port)
	}
	if cfg.Gateway.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat = %v, want 30s", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.DeltaThrottle != 150*time.Millisecond {
		t.Errorf("delta throttle = %v, want 150ms", cfg.Gateway.DeltaThrottle)
	}
	if cfg.LLM.Default != "anthropic" {
		t.Errorf("default provider = %q, want anthropic", cfg.LLM.Default)
	}
	if _, ok := cfg.Agents["default"]; !ok {
		t.Error("expected a default agent")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("database driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoadAppliesContextDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "version: 1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	b := cfg.Context.Budgets
	for name, got := range map[string]int{
		"persona":   b.Persona,
		"tools":     b.Tools,
		"skills":    b.Skills,
		"memory":    b.Memory,
		"knowledge": b.Knowledge,
		"playbook":  b.Playbook,
		"plan":      b.Plan,
		"errors":    b.Errors,
	} {
		if got <= 0 {
			t.Errorf("budget %s not defaulted", name)
		}
	}
	if b.Persona != 2000 || b.Tools != 3000 || b.Skills != 1000 {
		t.Errorf("phase 1 budgets = %d/%d/%d, want 2000/3000/1000", b.Persona, b.Tools, b.Skills)
	}
	if cfg.Context.Compression.ThresholdChars != 1500 {
		t.Errorf("compression threshold = %d, want 1500", cfg.Context.Compression.ThresholdChars)
	}
	if cfg.Context.Decay.SummaryBudget != 500 {
		t.Errorf("summary budget = %d, want 500", cfg.Context.Decay.SummaryBudget)
	}
}

func TestLoadAgentDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
agents:
  coder:
    persona: "You write Go."
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	agent := cfg.Agents["coder"]
	if agent.MaxTurns != 30 {
		t.Errorf("max_turns = %d, want 30", agent.MaxTurns)
	}
	if agent.MaxDuration != 30*time.Minute {
		t.Errorf("max_duration = %v, want 30m", agent.MaxDuration)
	}
	if agent.FailureThreshold != 3 {
		t.Errorf("failure_threshold = %d, want 3", agent.FailureThreshold)
	}
	if agent.BacktrackLimit != 5 {
		t.Errorf("backtrack_limit = %d, want 5", agent.BacktrackLimit)
	}
	if agent.HITLTimeout != 30*time.Minute {
		t.Errorf("hitl_timeout = %v, want 30m", agent.HITLTimeout)
	}
	if agent.LongTaskConfirmTurns != 20 {
		t.Errorf("long_task_confirm_turns = %d, want 20", agent.LongTaskConfirmTurns)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
gatway:
  port: 9000
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "gatway") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadVersion(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", "gateway:\n  port: 9000\n")
		_, err := Load(path)
		var verr *VersionError
		if !errors.As(err, &verr) {
			t.Fatalf("want VersionError, got %v", err)
		}
		if !strings.Contains(err.Error(), "version") {
			t.Errorf("error should mention version, got: %v", err)
		}
	})

	t.Run("future", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", "version: 99\n")
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "newer") {
			t.Errorf("want newer-version error, got: %v", err)
		}
	})
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PETREL_TEST_KEY", "sk-from-env")
	path := writeConfig(t, "config.yaml", `
version: 1
llm:
  providers:
    anthropic:
      api_key: ${PETREL_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-from-env" {
		t.Errorf("api_key = %q, want value from env", got)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	main := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(base, []byte(`
version: 1
gateway:
  port: 9001
  host: 0.0.0.0
logging:
  level: debug
`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(main, []byte(`
$include: base.yaml
gateway:
  port: 9002
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9002 {
		t.Errorf("including file should win, port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("non-conflicting include value lost, host = %q", cfg.Gateway.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("included logging level lost, got %q", cfg.Logging.Level)
	}
}

func TestLoadIncludeList(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		t.Helper()
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}
	write("a.yaml", "logging:\n  level: debug\n")
	write("b.yaml", "logging:\n  level: warn\n  format: text\n")
	main := write("config.yaml", "$include:\n  - a.yaml\n  - b.yaml\nversion: 1\n")

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("later include should win, level = %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("format = %q, want text", cfg.Logging.Format)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\nversion: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "include cycle") {
		t.Errorf("want include cycle error, got: %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "config.json5", `{
	// comments are fine in json5
	version: 1,
	gateway: {
		port: 9105,
	},
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9105 {
		t.Errorf("port = %d, want 9105", cfg.Gateway.Port)
	}
}

func TestLoadRejectsMultipleYAMLDocuments(t *testing.T) {
	path := writeConfig(t, "config.yaml", "version: 1\n---\nversion: 2\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "multiple YAML documents") {
		t.Errorf("want multi-document error, got: %v", err)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
gateway:
  heartbeat_interval: 45s
  delta_throttle: 80ms
session:
  grace_period: 1h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.HeartbeatInterval != 45*time.Second {
		t.Errorf("heartbeat = %v, want 45s", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.DeltaThrottle != 80*time.Millisecond {
		t.Errorf("throttle = %v, want 80ms", cfg.Gateway.DeltaThrottle)
	}
	if cfg.Session.GracePeriod != time.Hour {
		t.Errorf("grace = %v, want 1h", cfg.Session.GracePeriod)
	}
}

func TestValidateProviders(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "default names unconfigured provider",
			yaml: `
version: 1
llm:
  default: mystery
  providers:
    anthropic:
      api_key: k
`,
			wantErr: "llm.default",
		},
		{
			name: "fallback chain names unconfigured provider",
			yaml: `
version: 1
llm:
  fallback_chain: [anthropic, mystery]
  providers:
    anthropic:
      api_key: k
`,
			wantErr: "fallback_chain",
		},
		{
			name: "unknown provider type",
			yaml: `
version: 1
llm:
  providers:
    custom:
      api_key: k
`,
			wantErr: "llm.providers.custom.type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tc.yaml)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("want error containing %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateAuth(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
auth:
  enabled: true
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "auth.jwt_secret") {
		t.Errorf("want jwt_secret error, got: %v", err)
	}
}

func TestValidateDatabase(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
database:
  driver: postgres
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "database.url") {
		t.Errorf("want database.url error, got: %v", err)
	}
}

func TestValidateAgentRole(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
agents:
  main:
    models:
      turbo: anthropic
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "turbo") {
		t.Errorf("want unknown role error, got: %v", err)
	}
}

func TestResolve(t *testing.T) {
	p := &LLMConfig{
		Default: "anthropic",
		Providers: map[string]ProviderConfig{
			"anthropic": {Type: "anthropic", DefaultModel: "claude-sonnet-4-5"},
			"ollama":    {Type: "ollama", DefaultModel: "llama3.1"},
		},
	}

	cases := []struct {
		ref          string
		wantProvider string
		wantModel    string
	}{
		{"", "anthropic", "claude-sonnet-4-5"},
		{"ollama", "ollama", "llama3.1"},
		{"ollama/qwen2.5:14b", "ollama", "qwen2.5:14b"},
		{"anthropic/claude-haiku-4", "anthropic", "claude-haiku-4"},
		{"claude-opus-4", "anthropic", "claude-opus-4"},
		{"meta/llama-guard", "anthropic", "meta/llama-guard"},
	}
	for _, tc := range cases {
		provider, model := p.Resolve(tc.ref)
		if provider != tc.wantProvider || model != tc.wantModel {
			t.Errorf("Resolve(%q) = %s/%s, want %s/%s", tc.ref, provider, model, tc.wantProvider, tc.wantModel)
		}
	}
}

func TestModelFor(t *testing.T) {
	providers := &LLMConfig{
		Default: "anthropic",
		Providers: map[string]ProviderConfig{
			"anthropic": {Type: "anthropic", DefaultModel: "claude-sonnet-4-5"},
			"ollama":    {Type: "ollama", DefaultModel: "llama3.1"},
		},
	}
	agent := &AgentConfig{
		Models: map[string]string{
			"agent":  "anthropic/claude-sonnet-4-5",
			"intent": "ollama/qwen2.5:3b",
		},
	}

	if _, model := agent.ModelFor(RoleIntent, providers); model != "qwen2.5:3b" {
		t.Errorf("intent model = %q", model)
	}
	// heavy falls back to the agent binding
	if _, model := agent.ModelFor(RoleHeavy, providers); model != "claude-sonnet-4-5" {
		t.Errorf("heavy model = %q", model)
	}
	// no bindings at all falls back to the default provider
	empty := &AgentConfig{}
	provider, model := empty.ModelFor(RoleLight, providers)
	if provider != "anthropic" || model != "claude-sonnet-4-5" {
		t.Errorf("fallback = %s/%s", provider, model)
	}
}

func TestExternalValidator(t *testing.T) {
	t.Cleanup(ResetExternalValidatorsForTest)
	RegisterExternalValidator(func(c *Config) error {
		return fmt.Errorf("skill group %q is not defined", "missing-group")
	})

	path := writeConfig(t, "config.yaml", "version: 1\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "missing-group") {
		t.Errorf("want external validator error, got: %v", err)
	}
}

func TestApprovalDefaults(t *testing.T) {
	cfg := Default()

	approval := cfg.Tools.Approval
	if approval.Default != "allow" {
		t.Errorf("approval default = %q, want allow", approval.Default)
	}
	if approval.SkillAllowlist == nil || !*approval.SkillAllowlist {
		t.Error("skill_allowlist should default to true")
	}
	found := false
	for _, bin := range approval.SafeBins {
		if bin == "ls" {
			found = true
		}
	}
	if !found {
		t.Error("safe_bins should include ls")
	}
}

func TestValidationErrorAggregates(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
version: 1
auth:
  enabled: true
database:
  driver: postgres
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %T", err)
	}
	if len(verr.Problems) != 2 {
		t.Errorf("want 2 problems reported together, got %d: %v", len(verr.Problems), verr.Problems)
	}
}
