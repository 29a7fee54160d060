package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoutingConfig holds the model registry and routing policies.
type RoutingConfig struct {
	Models    []ModelSpec             `yaml:"models"`
	Policies  map[string]TaskPolicy   `yaml:"policies"`
	Streaming StreamingConfig         `yaml:"streaming,omitempty"`
	CodeEval  *CodeEvalConfig         `yaml:"code_eval,omitempty"`
	Judge     *JudgeConfig            `yaml:"judge,omitempty"`
	Budgets   map[string]BudgetLimits `yaml:"budgets,omitempty"`
}

// ModelSpec is one registry entry. Immutable within a config generation.
type ModelSpec struct {
	ID            string         `yaml:"id"`
	Provider      string         `yaml:"provider"`
	Backend       string         `yaml:"backend"`
	ContextTokens int            `yaml:"context_tokens"`
	Capabilities  map[string]int `yaml:"capabilities"`
	CostWeight    float64        `yaml:"cost_weight"`
	Enabled       bool           `yaml:"enabled"`
}

// Capability returns the capability score for a task type, zero when unmapped.
func (m *ModelSpec) Capability(taskType string) int {
	return m.Capabilities[taskType]
}

// TaskPolicy defines routing behavior for one task type. Zero-valued fields
// fall back to the default policy, then to built-in defaults.
type TaskPolicy struct {
	Preferred        []string           `yaml:"preferred,omitempty"`
	MinCapability    int                `yaml:"min_capability,omitempty"`
	QualityThreshold float64            `yaml:"quality_threshold,omitempty"`
	MaxAttempts      int                `yaml:"max_attempts,omitempty"`
	PollIntervalMs   int                `yaml:"poll_interval_ms,omitempty"`
	MaxWaitMs        int                `yaml:"max_wait_ms,omitempty"`
	DegradeMs        int                `yaml:"degrade_ms,omitempty"`
	Weights          map[string]float64 `yaml:"weights,omitempty"`
}

// StreamingConfig controls buffered-then-streamed chunking.
type StreamingConfig struct {
	ChunkSize    int `yaml:"chunk_size,omitempty"`
	ChunkDelayMs int `yaml:"chunk_delay_ms,omitempty"`
}

// CodeEvalConfig configures the executable code evaluator.
type CodeEvalConfig struct {
	Command        []string `yaml:"command"`
	TimeoutMs      int      `yaml:"timeout_ms,omitempty"`
	Weight         float64  `yaml:"weight,omitempty"`
	FailurePenalty float64  `yaml:"failure_penalty,omitempty"`
}

// JudgeConfig configures the optional judge model.
type JudgeConfig struct {
	Model    string   `yaml:"model"`
	MinScore *float64 `yaml:"min_score,omitempty"`
}

// BudgetLimits holds per-provider token limits.
type BudgetLimits struct {
	SoftLimitTokens int64 `yaml:"soft_limit_tokens,omitempty"`
	HardLimitTokens int64 `yaml:"hard_limit_tokens,omitempty"`
}

// Built-in policy defaults.
const (
	DefaultQualityThreshold = 0.7
	DefaultMaxAttempts      = 3
	DefaultPollIntervalMs   = 1500
	DefaultMaxWaitMs        = 60000
	DefaultDegradeMs        = 30000
	DefaultChunkSize        = 80
	DefaultChunkDelayMs     = 25
)

// PolicyFor resolves the effective policy for a task type: the task's policy
// layered over the default policy, with built-in defaults underneath.
func (c *RoutingConfig) PolicyFor(taskType string) TaskPolicy {
	base := c.Policies["default"]
	policy, ok := c.Policies[taskType]
	if !ok {
		policy = base
	} else {
		if len(policy.Preferred) == 0 {
			policy.Preferred = base.Preferred
		}
		if policy.MinCapability == 0 {
			policy.MinCapability = base.MinCapability
		}
		if policy.QualityThreshold == 0 {
			policy.QualityThreshold = base.QualityThreshold
		}
		if policy.MaxAttempts == 0 {
			policy.MaxAttempts = base.MaxAttempts
		}
		if policy.PollIntervalMs == 0 {
			policy.PollIntervalMs = base.PollIntervalMs
		}
		if policy.MaxWaitMs == 0 {
			policy.MaxWaitMs = base.MaxWaitMs
		}
		if policy.DegradeMs == 0 {
			policy.DegradeMs = base.DegradeMs
		}
		if len(policy.Weights) == 0 {
			policy.Weights = base.Weights
		}
	}

	if policy.QualityThreshold == 0 {
		policy.QualityThreshold = DefaultQualityThreshold
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.PollIntervalMs == 0 {
		policy.PollIntervalMs = DefaultPollIntervalMs
	}
	if policy.MaxWaitMs == 0 {
		policy.MaxWaitMs = DefaultMaxWaitMs
	}
	if policy.DegradeMs == 0 {
		policy.DegradeMs = DefaultDegradeMs
	}
	return policy
}

// ChunkSizeOrDefault returns the configured chunk size or the default.
func (s StreamingConfig) ChunkSizeOrDefault() int {
	if s.ChunkSize > 0 {
		return s.ChunkSize
	}
	return DefaultChunkSize
}

// ChunkDelayOrDefault returns the configured inter-chunk delay or the default.
func (s StreamingConfig) ChunkDelayOrDefault() int {
	if s.ChunkDelayMs > 0 {
		return s.ChunkDelayMs
	}
	return DefaultChunkDelayMs
}

// ModelByID finds a registry entry by id.
func (c *RoutingConfig) ModelByID(id string) (*ModelSpec, bool) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// Validate checks registry and policy consistency.
func (c *RoutingConfig) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model entry missing id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if m.Provider == "" {
			return fmt.Errorf("model %q missing provider", m.ID)
		}
		if m.ContextTokens <= 0 {
			return fmt.Errorf("model %q missing context_tokens", m.ID)
		}
	}
	for name, limits := range c.Budgets {
		if limits.SoftLimitTokens > 0 && limits.HardLimitTokens > 0 && limits.SoftLimitTokens > limits.HardLimitTokens {
			return fmt.Errorf("budget for %q has soft limit above hard limit", name)
		}
	}
	if c.Judge != nil && c.Judge.Model != "" {
		if _, ok := c.ModelByID(c.Judge.Model); !ok {
			return fmt.Errorf("judge model %q not in registry", c.Judge.Model)
		}
	}
	return nil
}

// LoadRoutingConfig reads routing configuration from a YAML file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Policies == nil {
		cfg.Policies = make(map[string]TaskPolicy)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultRoutingConfig returns a registry wired to the mock provider so the
// gateway can run without upstream credentials.
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		Models: []ModelSpec{
			{
				ID:            "mock-1",
				Provider:      "mock",
				Backend:       "mock-1",
				ContextTokens: 32768,
				Capabilities:  map[string]int{"code": 3, "reasoning": 3, "research": 3, "rewrite": 3, "default": 3},
				CostWeight:    0,
				Enabled:       true,
			},
		},
		Policies: map[string]TaskPolicy{
			"default": {},
		},
	}
}
