package policy

import (
	"log/slog"
	"sync/atomic"

	"github.com/maestro-run/maestro/pkg/config"
)

// Decision is the outcome of evaluating one tool against the active bundle.
type Decision struct {
	ToolID          string
	Allowed         bool
	RequireApproval bool
	// MatchedRules names the layers whose conditions held, in evaluation
	// order: "default", "intent:<id>", "agent:<id>", "override:<id>".
	MatchedRules []string
	// DeniedBy names the first layer that denied the tool, when denied.
	DeniedBy string
}

// CapabilityLookup resolves a tool id to its capability tags. Optional; a
// gate without one ignores required_categories clauses.
type CapabilityLookup func(toolID string) []string

// Gate evaluates layered tool policies. The bundle is swapped atomically so
// in-flight turns keep the bundle they started with.
type Gate struct {
	bundle       atomic.Pointer[config.PolicyBundle]
	approvals    *ApprovalStore
	capabilities CapabilityLookup
}

// NewGate builds a gate over a bundle. lookup may be nil.
func NewGate(bundle *config.PolicyBundle, lookup CapabilityLookup) *Gate {
	if bundle == nil {
		bundle = &config.PolicyBundle{}
	}
	g := &Gate{capabilities: lookup}
	g.bundle.Store(bundle)
	g.approvals = NewApprovalStore(bundle.ApprovalTTL())
	return g
}

// SetBundle installs a new policy bundle. Existing approvals survive the
// swap; only new evaluations see the new rules.
func (g *Gate) SetBundle(bundle *config.PolicyBundle) {
	if bundle == nil {
		bundle = &config.PolicyBundle{}
	}
	g.bundle.Store(bundle)
	g.approvals.SetTTL(bundle.ApprovalTTL())
}

// Approvals exposes the gate's approval store.
func (g *Gate) Approvals() *ApprovalStore { return g.approvals }

type layer struct {
	name string
	rule config.PolicyRule
}

func (g *Gate) applicableLayers(pctx Context) []layer {
	bundle := g.bundle.Load()
	layers := make([]layer, 0, 3+len(bundle.Overrides))
	layers = append(layers, layer{name: "default", rule: bundle.Default})
	if pctx.IntentID != "" {
		if rule, ok := bundle.Intents[pctx.IntentID]; ok {
			layers = append(layers, layer{name: "intent:" + pctx.IntentID, rule: rule})
		}
	}
	if pctx.AgentID != "" {
		if rule, ok := bundle.Agents[pctx.AgentID]; ok {
			layers = append(layers, layer{name: "agent:" + pctx.AgentID, rule: rule})
		}
	}
	for _, o := range bundle.Overrides {
		intentMatch := o.IntentID == "" || o.IntentID == pctx.IntentID
		agentMatch := o.AgentID == "" || o.AgentID == pctx.AgentID
		if intentMatch && agentMatch {
			layers = append(layers, layer{name: "override:" + o.ID, rule: o.Rule})
		}
	}

	filtered := layers[:0]
	for _, l := range layers {
		if conditionsHold(l.rule.Conditions, pctx) {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

func conditionsHold(conds []config.PolicyCondition, pctx Context) bool {
	for _, c := range conds {
		value, present := pctx.Attribute(c.Attribute)
		switch c.Operator {
		case config.OpExists:
			if !present {
				return false
			}
		case config.OpEquals:
			if !present || len(c.Values) == 0 || value != c.Values[0] {
				return false
			}
		case config.OpNotEquals:
			if present && len(c.Values) > 0 && value == c.Values[0] {
				return false
			}
		case config.OpIn:
			if !present || !contains(c.Values, value) {
				return false
			}
		case config.OpNotIn:
			if present && contains(c.Values, value) {
				return false
			}
		default:
			// Unknown operator fails closed.
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Evaluate composes all applicable layers into one decision for toolID.
// Composition is set-union over allow, deny, and require_approval; a tool
// caught in both unions is resolved by the innermost explicit
// conflict_resolution, defaulting to deny-overrides.
func (g *Gate) Evaluate(toolID string, pctx Context) Decision {
	d := Decision{ToolID: toolID}

	var (
		inAllow      bool
		inDeny       bool
		denyLayer    string
		hasAllowList bool
		needApproval bool
		resolution   = config.DenyOverrides
	)

	for _, l := range g.applicableLayers(pctx) {
		d.MatchedRules = append(d.MatchedRules, l.name)

		if len(l.rule.Allow) > 0 {
			hasAllowList = true
			if contains(l.rule.Allow, toolID) {
				inAllow = true
			}
		}
		if contains(l.rule.Deny, toolID) {
			if !inDeny {
				denyLayer = l.name
			}
			inDeny = true
		}
		if contains(l.rule.RequireApproval, toolID) {
			needApproval = true
		}
		if len(l.rule.RequiredCategories) > 0 && !g.hasCategories(toolID, l.rule.RequiredCategories) {
			if !inDeny {
				denyLayer = l.name
			}
			inDeny = true
		}
		if l.rule.ConflictResolution != "" {
			resolution = l.rule.ConflictResolution
		}
	}

	switch {
	case inAllow && inDeny:
		d.Allowed = resolution == config.AllowOverrides
	case inDeny:
		d.Allowed = false
	case hasAllowList:
		d.Allowed = inAllow
	default:
		d.Allowed = true
	}
	if !d.Allowed {
		d.DeniedBy = denyLayer
		if d.DeniedBy == "" {
			d.DeniedBy = "default"
		}
		return d
	}

	d.RequireApproval = needApproval
	return d
}

func (g *Gate) hasCategories(toolID string, required []string) bool {
	if g.capabilities == nil {
		return true
	}
	have := g.capabilities(toolID)
	for _, want := range required {
		if !contains(have, want) {
			return false
		}
	}
	return true
}

// Filter partitions tool ids into allowed and denied for one context,
// preserving input order. Approval requirements do not remove a tool here;
// they surface at invocation time.
func (g *Gate) Filter(toolIDs []string, pctx Context) (allowed []string, denied []Decision) {
	for _, id := range toolIDs {
		d := g.Evaluate(id, pctx)
		if d.Allowed {
			allowed = append(allowed, id)
		} else {
			denied = append(denied, d)
			slog.Debug("tool filtered by policy", "tool", id, "deniedBy", d.DeniedBy)
		}
	}
	return allowed, denied
}
