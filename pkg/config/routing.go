package config

import "fmt"

// IntentTargetType discriminates what an intent executes when matched.
type IntentTargetType string

const (
	IntentTargetAgent    IntentTargetType = "agent"
	IntentTargetFunction IntentTargetType = "function"
	IntentTargetPipeline IntentTargetType = "pipeline"
)

// IntentConfig is a named utterance-matched action.
type IntentConfig struct {
	ID         string           `yaml:"id" json:"id"`
	Utterances []string         `yaml:"utterances,omitempty" json:"utterances,omitempty"`
	TargetType IntentTargetType `yaml:"target_type" json:"target_type"`
	// Target is the agent id, registered function name, or pipeline id.
	Target string `yaml:"target" json:"target"`
}

func (c IntentConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("intent id cannot be empty")
	}
	switch c.TargetType {
	case IntentTargetAgent, IntentTargetFunction, IntentTargetPipeline:
	default:
		return fmt.Errorf("intent %s: unknown target type %q", c.ID, c.TargetType)
	}
	if c.Target == "" {
		return fmt.Errorf("intent %s: target cannot be empty", c.ID)
	}
	return nil
}

// PipelineStepConfig is one step of a pipeline. Exactly one field is set.
type PipelineStepConfig struct {
	Agent    string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	Pipeline string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
}

func (s PipelineStepConfig) Validate() error {
	set := 0
	for _, v := range []string{s.Agent, s.Function, s.Pipeline} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("pipeline step must set exactly one of agent, function, pipeline")
	}
	return nil
}

// PipelineConfig is an ordered composition executed for one user message.
type PipelineConfig struct {
	ID         string               `yaml:"id" json:"id"`
	Utterances []string             `yaml:"utterances,omitempty" json:"utterances,omitempty"`
	Steps      []PipelineStepConfig `yaml:"steps" json:"steps"`
}

func (c PipelineConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("pipeline id cannot be empty")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("pipeline %s: at least one step required", c.ID)
	}
	for i, s := range c.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("pipeline %s step %d: %w", c.ID, i, err)
		}
	}
	return nil
}

// RouterRuleConfig is one rule of the optional rule-based message router.
type RouterRuleConfig struct {
	// Pattern is a regular expression matched against the user message.
	Pattern string `yaml:"pattern" json:"pattern"`
	// Agent receives the turn when the pattern matches.
	Agent string `yaml:"agent" json:"agent"`
}

// RouterConfig configures turn routing ahead of utterance matching.
type RouterConfig struct {
	Rules []RouterRuleConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
	// Fallback receives the turn when no rule matches (optional).
	Fallback string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	// DefaultAgent is the last-resort target after all matching fails.
	DefaultAgent string `yaml:"default_agent,omitempty" json:"default_agent,omitempty"`
	// SemanticThreshold is the minimum confidence for semantic matches.
	SemanticThreshold float64 `yaml:"semantic_threshold,omitempty" json:"semantic_threshold,omitempty"`
}
