// Package router selects the execution target for an incoming user
// message: an agent, a pipeline, an intent, or the configured default.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/maestro-run/maestro/pkg/config"
)

// MatchKind records which selection tier produced a decision.
type MatchKind string

const (
	MatchRule     MatchKind = "rule"
	MatchExact    MatchKind = "utterance-exact"
	MatchRegex    MatchKind = "utterance-regex"
	MatchSemantic MatchKind = "utterance-semantic"
	MatchIntent   MatchKind = "intent"
	MatchDefault  MatchKind = "default"
	MatchNone     MatchKind = "none"
)

// TargetType is what the decision points at.
type TargetType string

const (
	TargetAgent    TargetType = "agent"
	TargetPipeline TargetType = "pipeline"
	TargetFunction TargetType = "function"
)

// Decision is the routing outcome. Kind MatchNone means nothing applies.
type Decision struct {
	Kind       MatchKind
	TargetType TargetType
	TargetID   string
	// IntentID is set when an intent produced the decision.
	IntentID   string
	Confidence float64
	Utterance  string
}

// SemanticMatcher scores a message against a candidate's utterances.
// Optional; routing works without one.
type SemanticMatcher interface {
	Match(ctx context.Context, message string, utterances []string) (matched bool, confidence float64, utterance string, err error)
}

// Candidate is a routable entity with utterance patterns, in registration
// order.
type Candidate struct {
	ID         string
	Utterances []string
}

// Options tune one routing call.
type Options struct {
	UseSemanticMatching bool
	// SemanticThreshold overrides the configured threshold when > 0.
	SemanticThreshold float64
}

// Router runs the deterministic selection procedure. Tie-break within a
// tier is registration order; across tiers, agents outrank pipelines
// outrank intents outrank the default.
type Router struct {
	cfg       config.RouterConfig
	agents    []Candidate
	pipelines []Candidate
	intents   []config.IntentConfig
	semantic  SemanticMatcher

	rules []compiledRule
}

type compiledRule struct {
	pattern *regexp.Regexp
	agent   string
}

// New builds a router. semantic may be nil.
func New(cfg config.RouterConfig, agents, pipelines []Candidate, intents []config.IntentConfig, semantic SemanticMatcher) *Router {
	r := &Router{
		cfg:       cfg,
		agents:    agents,
		pipelines: pipelines,
		intents:   intents,
		semantic:  semantic,
	}
	for _, rule := range cfg.Rules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			// Invalid patterns are skipped, matching utterance behavior.
			slog.Debug("skipping invalid router rule", "pattern", rule.Pattern)
			continue
		}
		r.rules = append(r.rules, compiledRule{pattern: re, agent: rule.Agent})
	}
	return r
}

// Route selects a target for the message.
func (r *Router) Route(ctx context.Context, message string, opts Options) Decision {
	if d, ok := r.routeByRule(message); ok {
		return d
	}
	if d, ok := r.matchCandidates(ctx, message, r.agents, TargetAgent, opts); ok {
		return d
	}
	if d, ok := r.matchCandidates(ctx, message, r.pipelines, TargetPipeline, opts); ok {
		return d
	}
	if d, ok := r.matchIntents(ctx, message, opts); ok {
		return d
	}
	if r.cfg.DefaultAgent != "" {
		return Decision{Kind: MatchDefault, TargetType: TargetAgent, TargetID: r.cfg.DefaultAgent}
	}
	return Decision{Kind: MatchNone}
}

func (r *Router) routeByRule(message string) (Decision, bool) {
	for _, rule := range r.rules {
		if rule.pattern.MatchString(message) {
			return Decision{Kind: MatchRule, TargetType: TargetAgent, TargetID: rule.agent, Confidence: 1.0}, true
		}
	}
	if len(r.rules) > 0 && r.cfg.Fallback != "" {
		return Decision{Kind: MatchRule, TargetType: TargetAgent, TargetID: r.cfg.Fallback, Confidence: 1.0}, true
	}
	return Decision{}, false
}

// matchCandidates runs the three utterance tiers over one entity class.
// Each tier scans all candidates before the next tier is tried.
func (r *Router) matchCandidates(ctx context.Context, message string, candidates []Candidate, target TargetType, opts Options) (Decision, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(message))

	for _, c := range candidates {
		for _, u := range c.Utterances {
			if strings.ToLower(strings.TrimSpace(u)) == trimmed {
				return Decision{Kind: MatchExact, TargetType: target, TargetID: c.ID, Confidence: 1.0, Utterance: u}, true
			}
		}
	}

	for _, c := range candidates {
		for _, u := range c.Utterances {
			re, err := regexp.Compile("(?i)" + u)
			if err != nil {
				continue
			}
			if re.MatchString(message) {
				return Decision{Kind: MatchRegex, TargetType: target, TargetID: c.ID, Confidence: 0.8, Utterance: u}, true
			}
		}
	}

	if r.semantic != nil && opts.UseSemanticMatching {
		threshold := opts.SemanticThreshold
		if threshold <= 0 {
			threshold = r.cfg.SemanticThreshold
		}
		for _, c := range candidates {
			if len(c.Utterances) == 0 {
				continue
			}
			matched, confidence, utterance, err := r.semantic.Match(ctx, message, c.Utterances)
			if err != nil {
				slog.Warn("semantic match failed", "candidate", c.ID, "error", err)
				continue
			}
			if matched && confidence >= threshold {
				return Decision{Kind: MatchSemantic, TargetType: target, TargetID: c.ID, Confidence: confidence, Utterance: utterance}, true
			}
		}
	}

	return Decision{}, false
}

func (r *Router) matchIntents(ctx context.Context, message string, opts Options) (Decision, bool) {
	candidates := make([]Candidate, len(r.intents))
	for i, intent := range r.intents {
		candidates[i] = Candidate{ID: intent.ID, Utterances: intent.Utterances}
	}
	d, ok := r.matchCandidates(ctx, message, candidates, TargetAgent, opts)
	if !ok {
		return Decision{}, false
	}

	for _, intent := range r.intents {
		if intent.ID != d.TargetID {
			continue
		}
		out := Decision{
			Kind:       MatchIntent,
			IntentID:   intent.ID,
			TargetID:   intent.Target,
			Confidence: d.Confidence,
			Utterance:  d.Utterance,
		}
		switch intent.TargetType {
		case config.IntentTargetPipeline:
			out.TargetType = TargetPipeline
		case config.IntentTargetFunction:
			out.TargetType = TargetFunction
		default:
			out.TargetType = TargetAgent
		}
		return out, true
	}
	return Decision{}, false
}
