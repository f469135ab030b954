package tools

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Capability tags a tool for policy matching.
type Capability string

const (
	CapabilityRead        Capability = "read"
	CapabilityDestructive Capability = "destructive"
	CapabilityExternal    Capability = "external"
)

// InvokeFunc runs the tool against already-validated arguments.
type InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

// Definition is one registered tool: identity, schemas, capability tags,
// and the invoker.
type Definition struct {
	ID          string
	Name        string
	Description string

	InputSchema   *Schema
	SuccessSchema *Schema
	FailureSchema *Schema

	// RawParameters carries a provider-ready JSON schema for tools whose
	// schema arrives over the wire (MCP). Used when InputSchema is nil.
	RawParameters map[string]any

	// Strict tools must carry an input schema and get the strict rewrite
	// before being handed to a provider.
	Strict bool

	// Capabilities holds manual tags in declaration order, with inferred
	// tags appended alphabetically at registration.
	Capabilities []Capability

	Invoke InvokeFunc
}

var (
	readPattern        = regexp.MustCompile(`(?i)\b(get|list|read|search|fetch|lookup|show|describe)\b`)
	destructivePattern = regexp.MustCompile(`(?i)\b(delete|remove|drop|destroy|purge|wipe)\b`)
	externalPattern    = regexp.MustCompile(`(?i)(endpoint|remote api|callback url|http)`)
)

// Identifiers use snake or kebab case; fold separators to spaces so word
// boundaries line up.
func foldSeparators(s string) string {
	return strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
}

func schemaDescriptions(s *Schema, out *[]string) {
	if s == nil {
		return
	}
	if s.Description != "" {
		*out = append(*out, s.Description)
	}
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		schemaDescriptions(s.Fields[name], out)
	}
	schemaDescriptions(s.Elem, out)
	schemaDescriptions(s.Inner, out)
}

// InferCapabilities derives capability tags from a tool's id, name, and
// schema descriptions. Pure: the definition is never mutated, and equal
// inputs produce equal output. The result is sorted alphabetically.
func InferCapabilities(def *Definition) []Capability {
	inferred := make(map[Capability]bool)

	subject := foldSeparators(def.ID + " " + def.Name)
	if readPattern.MatchString(subject) {
		inferred[CapabilityRead] = true
	}
	if destructivePattern.MatchString(subject) {
		inferred[CapabilityDestructive] = true
	}

	// Only schema and property descriptions feed the external pattern; the
	// tool's own description text does not.
	var descriptions []string
	schemaDescriptions(def.InputSchema, &descriptions)
	for _, desc := range descriptions {
		if externalPattern.MatchString(desc) {
			inferred[CapabilityExternal] = true
			break
		}
	}

	out := make([]Capability, 0, len(inferred))
	for c := range inferred {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// mergeCapabilities appends inferred tags after the manual ones, skipping
// duplicates. Manual order is preserved.
func mergeCapabilities(manual, inferred []Capability) []Capability {
	out := append([]Capability(nil), manual...)
	seen := make(map[Capability]bool, len(manual))
	for _, c := range manual {
		seen[c] = true
	}
	for _, c := range inferred {
		if !seen[c] {
			out = append(out, c)
			seen[c] = true
		}
	}
	return out
}

// HasCapability reports whether the definition carries the tag.
func (d *Definition) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Parameters renders the provider-facing JSON schema, applying the strict
// rewrite when the tool demands it.
func (d *Definition) Parameters() map[string]any {
	if d.InputSchema != nil {
		if d.Strict {
			return d.InputSchema.Strict().JSONSchema()
		}
		return d.InputSchema.JSONSchema()
	}
	return d.RawParameters
}

// clone copies the definition so registration never aliases caller memory.
func (d *Definition) clone() *Definition {
	out := *d
	out.Capabilities = append([]Capability(nil), d.Capabilities...)
	return &out
}
