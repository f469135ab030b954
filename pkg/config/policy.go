package config

import (
	"fmt"
	"time"
)

// ConflictResolution decides the winner when a composed rule both allows
// and denies a tool.
type ConflictResolution string

const (
	DenyOverrides  ConflictResolution = "deny-overrides"
	AllowOverrides ConflictResolution = "allow-overrides"
)

// ConditionOperator compares a context attribute against rule values.
type ConditionOperator string

const (
	OpEquals    ConditionOperator = "equals"
	OpNotEquals ConditionOperator = "notEquals"
	OpIn        ConditionOperator = "in"
	OpNotIn     ConditionOperator = "notIn"
	OpExists    ConditionOperator = "exists"
)

// PolicyCondition gates rule applicability on role, user id, or metadata.
type PolicyCondition struct {
	// Attribute is "role", "userId", or "metadata.<key>".
	Attribute string            `yaml:"attribute" json:"attribute"`
	Operator  ConditionOperator `yaml:"operator" json:"operator"`
	Values    []string          `yaml:"values,omitempty" json:"values,omitempty"`
}

// PolicyRule contributes tool-id set memberships to a gate decision.
type PolicyRule struct {
	Allow              []string           `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny               []string           `yaml:"deny,omitempty" json:"deny,omitempty"`
	RequireApproval    []string           `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	RequiredCategories []string           `yaml:"required_categories,omitempty" json:"required_categories,omitempty"`
	ConflictResolution ConflictResolution `yaml:"conflict_resolution,omitempty" json:"conflict_resolution,omitempty"`
	Conditions         []PolicyCondition  `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

func (r PolicyRule) Validate() error {
	denied := make(map[string]bool, len(r.Deny))
	for _, id := range r.Deny {
		denied[id] = true
	}
	for _, id := range r.Allow {
		if denied[id] {
			return fmt.Errorf("tool %q appears in both allow and deny", id)
		}
	}
	switch r.ConflictResolution {
	case "", DenyOverrides, AllowOverrides:
	default:
		return fmt.Errorf("unknown conflict resolution %q", r.ConflictResolution)
	}
	return nil
}

// PolicyOverride targets an intent and/or agent with an extra rule layer.
type PolicyOverride struct {
	ID       string     `yaml:"id" json:"id"`
	IntentID string     `yaml:"intent_id,omitempty" json:"intent_id,omitempty"`
	AgentID  string     `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	Rule     PolicyRule `yaml:"rule" json:"rule"`
}

// PolicyBundle is the full layered tool policy. Immutable once installed;
// reloading swaps the whole bundle.
type PolicyBundle struct {
	Default   PolicyRule            `yaml:"default,omitempty" json:"default,omitempty"`
	Intents   map[string]PolicyRule `yaml:"intents,omitempty" json:"intents,omitempty"`
	Agents    map[string]PolicyRule `yaml:"agents,omitempty" json:"agents,omitempty"`
	Overrides []PolicyOverride      `yaml:"overrides,omitempty" json:"overrides,omitempty"`

	// ApprovalTTLMs bounds recorded approvals. Default 300000.
	ApprovalTTLMs int `yaml:"approval_ttl_ms,omitempty" json:"approval_ttl_ms,omitempty"`
}

// Validate checks rule consistency and override targeting. knownIntents and
// knownAgents may be nil to skip reference checks.
func (b PolicyBundle) Validate(knownIntents, knownAgents map[string]bool) error {
	if err := b.Default.Validate(); err != nil {
		return fmt.Errorf("default rule: %w", err)
	}
	for id, rule := range b.Intents {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("intent rule %s: %w", id, err)
		}
	}
	for id, rule := range b.Agents {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("agent rule %s: %w", id, err)
		}
	}

	seen := make(map[string]bool, len(b.Overrides))
	for _, o := range b.Overrides {
		if o.ID == "" {
			return fmt.Errorf("override without id")
		}
		if seen[o.ID] {
			return fmt.Errorf("duplicate override id %q", o.ID)
		}
		seen[o.ID] = true

		if o.IntentID == "" && o.AgentID == "" {
			return fmt.Errorf("override %s targets nothing", o.ID)
		}
		intentKnown := o.IntentID == "" || knownIntents == nil || knownIntents[o.IntentID]
		agentKnown := o.AgentID == "" || knownAgents == nil || knownAgents[o.AgentID]
		if !intentKnown && !agentKnown {
			return fmt.Errorf("override %s targets unknown intent %q and unknown agent %q", o.ID, o.IntentID, o.AgentID)
		}
		if err := o.Rule.Validate(); err != nil {
			return fmt.Errorf("override %s: %w", o.ID, err)
		}
	}
	return nil
}

// ApprovalTTL returns the approval lifetime.
func (b PolicyBundle) ApprovalTTL() time.Duration {
	if b.ApprovalTTLMs <= 0 {
		return 300_000 * time.Millisecond
	}
	return time.Duration(b.ApprovalTTLMs) * time.Millisecond
}
