package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maestro-run/maestro/pkg/config"
)

type stubMatcher struct {
	confidence float64
	utterance  string
}

func (s *stubMatcher) Match(ctx context.Context, message string, utterances []string) (bool, float64, string, error) {
	return s.confidence > 0, s.confidence, s.utterance, nil
}

func TestRouteRuleWins(t *testing.T) {
	r := New(config.RouterConfig{
		Rules:        []config.RouterRuleConfig{{Pattern: `refund|billing`, Agent: "billing"}},
		DefaultAgent: "support",
	}, []Candidate{{ID: "support", Utterances: []string{"refund please"}}}, nil, nil, nil)

	d := r.Route(context.Background(), "I want a refund", Options{})
	assert.Equal(t, MatchRule, d.Kind)
	assert.Equal(t, "billing", d.TargetID)
}

func TestRouteRuleFallback(t *testing.T) {
	r := New(config.RouterConfig{
		Rules:    []config.RouterRuleConfig{{Pattern: `^billing$`, Agent: "billing"}},
		Fallback: "general",
	}, nil, nil, nil, nil)

	d := r.Route(context.Background(), "something else entirely", Options{})
	assert.Equal(t, MatchRule, d.Kind)
	assert.Equal(t, "general", d.TargetID)
}

func TestRouteInvalidRulePatternSkipped(t *testing.T) {
	r := New(config.RouterConfig{
		Rules: []config.RouterRuleConfig{
			{Pattern: `([`, Agent: "broken"},
			{Pattern: `hello`, Agent: "greeter"},
		},
	}, nil, nil, nil, nil)

	d := r.Route(context.Background(), "hello there", Options{})
	assert.Equal(t, "greeter", d.TargetID)
}

func TestRouteExactBeatsRegex(t *testing.T) {
	agents := []Candidate{
		{ID: "broad", Utterances: []string{"help.*"}},
		{ID: "precise", Utterances: []string{"help me"}},
	}
	r := New(config.RouterConfig{}, agents, nil, nil, nil)

	// Exact match on the later agent outranks the earlier regex match.
	d := r.Route(context.Background(), "  Help Me ", Options{})
	assert.Equal(t, MatchExact, d.Kind)
	assert.Equal(t, "precise", d.TargetID)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestRouteRegexConfidence(t *testing.T) {
	agents := []Candidate{{ID: "weather", Utterances: []string{`weather in \w+`}}}
	r := New(config.RouterConfig{}, agents, nil, nil, nil)

	d := r.Route(context.Background(), "what's the weather in Paris today", Options{})
	assert.Equal(t, MatchRegex, d.Kind)
	assert.Equal(t, "weather", d.TargetID)
	assert.Equal(t, 0.8, d.Confidence)
}

func TestRouteInvalidUtteranceRegexSkipped(t *testing.T) {
	agents := []Candidate{
		{ID: "broken", Utterances: []string{`([`}},
		{ID: "ok", Utterances: []string{`order status`}},
	}
	r := New(config.RouterConfig{}, agents, nil, nil, nil)

	d := r.Route(context.Background(), "check my order status please", Options{})
	assert.Equal(t, "ok", d.TargetID)
}

func TestRouteFirstRegisteredWinsWithinTier(t *testing.T) {
	agents := []Candidate{
		{ID: "first", Utterances: []string{"hi"}},
		{ID: "second", Utterances: []string{"hi"}},
	}
	r := New(config.RouterConfig{}, agents, nil, nil, nil)

	d := r.Route(context.Background(), "hi", Options{})
	assert.Equal(t, "first", d.TargetID)
}

func TestRouteSemanticRequiresOptIn(t *testing.T) {
	agents := []Candidate{{ID: "faq", Utterances: []string{"how do refunds work"}}}
	matcher := &stubMatcher{confidence: 0.9, utterance: "how do refunds work"}
	r := New(config.RouterConfig{SemanticThreshold: 0.6}, agents, nil, nil, matcher)

	d := r.Route(context.Background(), "tell me about getting money back", Options{})
	assert.Equal(t, MatchNone, d.Kind)

	d = r.Route(context.Background(), "tell me about getting money back", Options{UseSemanticMatching: true})
	assert.Equal(t, MatchSemantic, d.Kind)
	assert.Equal(t, "faq", d.TargetID)
	assert.Equal(t, 0.9, d.Confidence)
}

func TestRouteSemanticThreshold(t *testing.T) {
	agents := []Candidate{{ID: "faq", Utterances: []string{"refund policy"}}}
	matcher := &stubMatcher{confidence: 0.5, utterance: "refund policy"}
	r := New(config.RouterConfig{SemanticThreshold: 0.6}, agents, nil, nil, matcher)

	d := r.Route(context.Background(), "money back", Options{UseSemanticMatching: true})
	assert.Equal(t, MatchNone, d.Kind)

	// Per-call threshold override.
	d = r.Route(context.Background(), "money back", Options{UseSemanticMatching: true, SemanticThreshold: 0.4})
	assert.Equal(t, MatchSemantic, d.Kind)
}

func TestRouteAgentsOutrankPipelines(t *testing.T) {
	agents := []Candidate{{ID: "agent", Utterances: []string{"do it"}}}
	pipelines := []Candidate{{ID: "pipe", Utterances: []string{"do it"}}}
	r := New(config.RouterConfig{}, agents, pipelines, nil, nil)

	d := r.Route(context.Background(), "do it", Options{})
	assert.Equal(t, TargetAgent, d.TargetType)
	assert.Equal(t, "agent", d.TargetID)
}

func TestRoutePipelineMatch(t *testing.T) {
	pipelines := []Candidate{{ID: "onboarding", Utterances: []string{"onboard me"}}}
	r := New(config.RouterConfig{}, nil, pipelines, nil, nil)

	d := r.Route(context.Background(), "onboard me", Options{})
	assert.Equal(t, TargetPipeline, d.TargetType)
	assert.Equal(t, "onboarding", d.TargetID)
}

func TestRouteIntentTargets(t *testing.T) {
	intents := []config.IntentConfig{
		{ID: "hours", Utterances: []string{"opening hours"}, TargetType: config.IntentTargetFunction, Target: "lookup_hours"},
	}
	r := New(config.RouterConfig{}, nil, nil, intents, nil)

	d := r.Route(context.Background(), "opening hours", Options{})
	assert.Equal(t, MatchIntent, d.Kind)
	assert.Equal(t, TargetFunction, d.TargetType)
	assert.Equal(t, "lookup_hours", d.TargetID)
	assert.Equal(t, "hours", d.IntentID)
}

func TestRouteDefaultAndNone(t *testing.T) {
	r := New(config.RouterConfig{DefaultAgent: "support"}, nil, nil, nil, nil)
	d := r.Route(context.Background(), "anything", Options{})
	assert.Equal(t, MatchDefault, d.Kind)
	assert.Equal(t, "support", d.TargetID)

	r = New(config.RouterConfig{}, nil, nil, nil, nil)
	d = r.Route(context.Background(), "anything", Options{})
	assert.Equal(t, MatchNone, d.Kind)
}
