package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRouting(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write routing: %v", err)
	}
	return path
}

const sampleRouting = `
models:
  - id: gpt-code
    provider: openai
    backend: gpt-5.2-codex
    context_tokens: 272000
    capabilities:
      code: 5
      reasoning: 4
    cost_weight: 0.8
    enabled: true
  - id: gemini-fast
    provider: google
    backend: gemini-2.0-pro
    context_tokens: 1000000
    capabilities:
      research: 5
    cost_weight: 0.3
    enabled: true
policies:
  default:
    quality_threshold: 0.7
    max_attempts: 3
    poll_interval_ms: 1000
    max_wait_ms: 30000
  code:
    preferred: [gpt-code]
    quality_threshold: 0.8
    weights:
      latency: 0.1
budgets:
  openai:
    soft_limit_tokens: 500000
    hard_limit_tokens: 1000000
streaming:
  chunk_size: 64
  chunk_delay_ms: 10
`

func TestLoadRoutingConfig(t *testing.T) {
	cfg, err := LoadRoutingConfig(writeRouting(t, sampleRouting))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(cfg.Models))
	}
	m, ok := cfg.ModelByID("gpt-code")
	if !ok || m.Capability("code") != 5 {
		t.Fatalf("model lookup failed: %+v", m)
	}
	if cfg.Streaming.ChunkSizeOrDefault() != 64 {
		t.Fatalf("chunk size not loaded")
	}
	if cfg.Budgets["openai"].HardLimitTokens != 1000000 {
		t.Fatalf("budget limits not loaded")
	}
}

func TestPolicyForMergesOverDefault(t *testing.T) {
	cfg, err := LoadRoutingConfig(writeRouting(t, sampleRouting))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	policy := cfg.PolicyFor("code")
	if policy.QualityThreshold != 0.8 {
		t.Fatalf("task override lost: %.2f", policy.QualityThreshold)
	}
	if policy.MaxAttempts != 3 || policy.PollIntervalMs != 1000 || policy.MaxWaitMs != 30000 {
		t.Fatalf("default fields not inherited: %+v", policy)
	}
	if len(policy.Preferred) != 1 || policy.Preferred[0] != "gpt-code" {
		t.Fatalf("preferred list lost")
	}
}

func TestPolicyForUnknownTaskFallsBack(t *testing.T) {
	cfg, err := LoadRoutingConfig(writeRouting(t, sampleRouting))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	policy := cfg.PolicyFor("rewrite")
	if policy.QualityThreshold != 0.7 {
		t.Fatalf("expected default policy, got %+v", policy)
	}
}

func TestPolicyForBuiltinDefaults(t *testing.T) {
	cfg := &RoutingConfig{Policies: map[string]TaskPolicy{}}
	policy := cfg.PolicyFor("code")
	if policy.QualityThreshold != DefaultQualityThreshold ||
		policy.MaxAttempts != DefaultMaxAttempts ||
		policy.PollIntervalMs != DefaultPollIntervalMs ||
		policy.MaxWaitMs != DefaultMaxWaitMs ||
		policy.DegradeMs != DefaultDegradeMs {
		t.Fatalf("builtin defaults not applied: %+v", policy)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	cfg := &RoutingConfig{
		Models: []ModelSpec{
			{ID: "m1", Provider: "p", ContextTokens: 100},
			{ID: "m1", Provider: "p", ContextTokens: 100},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestValidateRejectsInvertedBudget(t *testing.T) {
	cfg := &RoutingConfig{
		Budgets: map[string]BudgetLimits{
			"openai": {SoftLimitTokens: 100, HardLimitTokens: 50},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected soft>hard error")
	}
}

func TestValidateRejectsUnknownJudge(t *testing.T) {
	cfg := &RoutingConfig{
		Models: []ModelSpec{{ID: "m1", Provider: "p", ContextTokens: 100}},
		Judge:  &JudgeConfig{Model: "absent"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown judge error")
	}
}
