package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
agents:
  - id: support
    instruction: "You are helpful."
    model:
      provider: openai
      model: gpt-4
    tools: [search, get_weather]
    utterances: ["help me", "support request"]
  - id: billing
    model:
      provider: openai
      model: gpt-4
mcp:
  - id: files
    transport: stdio
    command: mcp-files
policies:
  default:
    deny: [admin_tool]
router:
  default_agent: support
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Agents, 2)
	support := cfg.Agents[0]
	assert.Equal(t, "support", support.ID)
	assert.Equal(t, DefaultMaxSteps, support.MaxSteps)
	assert.Equal(t, ToolChoiceAuto, support.ToolChoice)
	assert.Equal(t, 300*time.Second, support.ToolTimeout())
	assert.True(t, support.ShouldPersistHistory())
	assert.Equal(t, 3, support.Retry.MaxRetries)

	assert.Equal(t, "support", cfg.Router.DefaultAgent)
	assert.Equal(t, 0.6, cfg.Router.SemanticThreshold)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestAgentIDValidation(t *testing.T) {
	a := AgentConfig{ID: "has space"}
	a.SetDefaults()
	assert.Error(t, a.Validate())

	a = AgentConfig{}
	a.SetDefaults()
	assert.Error(t, a.Validate())
}

func TestRetryPolicyValidation(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BackoffMs: 5000, MaxBackoffMs: 1000}
	assert.Error(t, p.Validate())

	p = RetryPolicy{MaxRetries: -1}
	p.MaxBackoffMs = 10
	assert.Error(t, p.Validate())
}

func TestPolicyRuleAllowDenyIntersection(t *testing.T) {
	r := PolicyRule{Allow: []string{"a", "b"}, Deny: []string{"b"}}
	assert.Error(t, r.Validate())
}

func TestPolicyBundleOverrideTargets(t *testing.T) {
	b := PolicyBundle{
		Overrides: []PolicyOverride{
			{ID: "o1", IntentID: "ghost", AgentID: "phantom"},
		},
	}
	err := b.Validate(map[string]bool{"real": true}, map[string]bool{"support": true})
	assert.Error(t, err)

	b.Overrides[0].AgentID = "support"
	assert.NoError(t, b.Validate(map[string]bool{"real": true}, map[string]bool{"support": true}))
}

func TestPolicyBundleDuplicateOverrideIDs(t *testing.T) {
	b := PolicyBundle{
		Overrides: []PolicyOverride{
			{ID: "o1", AgentID: "a"},
			{ID: "o1", AgentID: "b"},
		},
	}
	assert.Error(t, b.Validate(nil, nil))
}

func TestApprovalTTLDefault(t *testing.T) {
	var b PolicyBundle
	assert.Equal(t, 300*time.Second, b.ApprovalTTL())

	b.ApprovalTTLMs = 1500
	assert.Equal(t, 1500*time.Millisecond, b.ApprovalTTL())
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("MAESTRO_TEST_KEY", "sk-123")
	out := ExpandEnv([]byte("key: ${MAESTRO_TEST_KEY}, other: ${MAESTRO_UNSET_VAR}"))
	assert.Equal(t, "key: sk-123, other: ", string(out))
}

func TestMCPServerValidation(t *testing.T) {
	s := MCPServerConfig{ID: "files", Transport: MCPTransportStdio}
	assert.Error(t, s.Validate())

	s = MCPServerConfig{ID: "api", Transport: MCPTransportHTTP}
	assert.Error(t, s.Validate())

	s = MCPServerConfig{ID: "api", Transport: MCPTransportHTTP, URL: "http://localhost:3000"}
	assert.NoError(t, s.Validate())
}
