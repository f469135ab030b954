package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultMaxSteps bounds the agent step loop when unset.
	DefaultMaxSteps = 20

	// DefaultToolTimeout bounds a single tool invocation when unset.
	DefaultToolTimeout = 300_000 * time.Millisecond
)

// ModelConfig locates a model on a provider.
type ModelConfig struct {
	// Provider references a registered model provider by id.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=Registered model provider id"`

	// Model is the provider-side model name.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Provider-side model name"`

	// Temperature overrides the provider default when set.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// MaxTokens caps the response length when set.
	MaxTokens *int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// RetryPolicy configures classified retries for tool invocations.
type RetryPolicy struct {
	MaxRetries   int `yaml:"max_retries" json:"max_retries" jsonschema:"default=3,minimum=0"`
	BackoffMs    int `yaml:"backoff_ms" json:"backoff_ms" jsonschema:"default=1000,minimum=0"`
	MaxBackoffMs int `yaml:"max_backoff_ms" json:"max_backoff_ms" jsonschema:"default=10000,minimum=0"`
	JitterMs     int `yaml:"jitter_ms" json:"jitter_ms" jsonschema:"default=200,minimum=0"`
}

// DefaultRetryPolicy returns the standard tool retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffMs: 1000, MaxBackoffMs: 10_000, JitterMs: 200}
}

func (p *RetryPolicy) SetDefaults() {
	if p.MaxRetries == 0 && p.BackoffMs == 0 && p.MaxBackoffMs == 0 && p.JitterMs == 0 {
		*p = DefaultRetryPolicy()
	}
	if p.MaxBackoffMs == 0 {
		p.MaxBackoffMs = 10_000
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 || p.BackoffMs < 0 || p.MaxBackoffMs < 0 || p.JitterMs < 0 {
		return fmt.Errorf("retry policy values must be non-negative")
	}
	if p.BackoffMs > p.MaxBackoffMs {
		return fmt.Errorf("backoff_ms (%d) exceeds max_backoff_ms (%d)", p.BackoffMs, p.MaxBackoffMs)
	}
	return nil
}

// ToolChoice directs whether the model may, must, or must not call tools.
// Values: "auto" (default), "required", "none", or a specific tool name.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// AgentConfig configures a single agent.
type AgentConfig struct {
	// ID is the unique agent identifier (non-empty, no whitespace).
	ID string `yaml:"id" json:"id" jsonschema:"title=Agent ID,pattern=^\\S+$,minLength=1"`

	// Instruction is the agent's system prompt, passed to the model verbatim.
	Instruction string `yaml:"instruction,omitempty" json:"instruction,omitempty"`

	// Model locates the agent's model.
	Model ModelConfig `yaml:"model,omitempty" json:"model,omitempty"`

	// Tools lists tool ids this agent may use.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Utterances are match patterns for routing (exact, regex, or semantic).
	Utterances []string `yaml:"utterances,omitempty" json:"utterances,omitempty"`

	// MaxSteps bounds the model/tool loop per turn. Default 20.
	MaxSteps int `yaml:"max_steps,omitempty" json:"max_steps,omitempty" jsonschema:"default=20,minimum=1"`

	// ToolChoice is passed through to the provider. Default auto.
	ToolChoice ToolChoice `yaml:"tool_choice,omitempty" json:"tool_choice,omitempty"`

	// ToolTimeoutMs bounds each tool invocation. Default 300000.
	ToolTimeoutMs int `yaml:"tool_timeout_ms,omitempty" json:"tool_timeout_ms,omitempty" jsonschema:"default=300000"`

	// Retry configures classified retry for this agent's tool calls.
	Retry RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// MCPServers lists MCP server ids whose tools this agent may use.
	MCPServers []string `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`

	// PersistHistory controls write-back of the turn's messages. Default true.
	PersistHistory *bool `yaml:"persist_history,omitempty" json:"persist_history,omitempty"`
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.ToolChoice == "" {
		c.ToolChoice = ToolChoiceAuto
	}
	if c.ToolTimeoutMs == 0 {
		c.ToolTimeoutMs = int(DefaultToolTimeout / time.Millisecond)
	}
	c.Retry.SetDefaults()
}

func (c AgentConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}
	if strings.ContainsAny(c.ID, " \t\n\r") {
		return fmt.Errorf("agent id %q contains whitespace", c.ID)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("agent %s: max_steps must be >= 1", c.ID)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("agent %s: %w", c.ID, err)
	}
	return nil
}

// ToolTimeout returns the per-call timeout as a duration.
func (c AgentConfig) ToolTimeout() time.Duration {
	if c.ToolTimeoutMs <= 0 {
		return DefaultToolTimeout
	}
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

// ShouldPersistHistory reports whether the turn's messages are written back.
func (c AgentConfig) ShouldPersistHistory() bool {
	return c.PersistHistory == nil || *c.PersistHistory
}
