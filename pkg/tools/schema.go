// Package tools implements the tool registry, capability inference, the
// invoker with policy gating and classified retry, and the reserved
// handoff tool.
package tools

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// SchemaKind tags schema AST nodes.
type SchemaKind string

const (
	KindString  SchemaKind = "string"
	KindNumber  SchemaKind = "number"
	KindInteger SchemaKind = "integer"
	KindBoolean SchemaKind = "boolean"
	KindObject  SchemaKind = "object"
	KindArray   SchemaKind = "array"
	KindNullOr  SchemaKind = "null_or"
	KindLiteral SchemaKind = "literal"
	KindAny     SchemaKind = "any"
)

// Schema is a small tagged AST for tool input and output shapes. It is the
// source of truth for validation and for the JSON-schema form handed to
// model providers.
type Schema struct {
	Kind        SchemaKind
	Description string

	// Object
	Fields   map[string]*Schema
	Required []string

	// Array
	Elem *Schema

	// NullOr
	Inner *Schema

	// Literal
	Value any

	// String enum, optional.
	Enum []string
}

func String() *Schema            { return &Schema{Kind: KindString} }
func Number() *Schema            { return &Schema{Kind: KindNumber} }
func Integer() *Schema           { return &Schema{Kind: KindInteger} }
func Boolean() *Schema           { return &Schema{Kind: KindBoolean} }
func Array(elem *Schema) *Schema { return &Schema{Kind: KindArray, Elem: elem} }
func NullOr(inner *Schema) *Schema {
	if inner != nil && inner.Kind == KindNullOr {
		return inner
	}
	return &Schema{Kind: KindNullOr, Inner: inner}
}
func Literal(v any) *Schema { return &Schema{Kind: KindLiteral, Value: v} }
func Any() *Schema          { return &Schema{Kind: KindAny} }

// Object builds an object schema. Fields listed in required must exist.
func Object(fields map[string]*Schema, required ...string) *Schema {
	return &Schema{Kind: KindObject, Fields: fields, Required: required}
}

// Describe returns a copy of the schema with a description attached.
func (s *Schema) Describe(desc string) *Schema {
	clone := *s
	clone.Description = desc
	return &clone
}

// WithEnum constrains a string schema to the given values.
func (s *Schema) WithEnum(values ...string) *Schema {
	clone := *s
	clone.Enum = values
	return &clone
}

func (s *Schema) isRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// Validate checks value against the schema. Numbers arriving as float64
// (the JSON default) are accepted for integer schemas when whole.
func (s *Schema) Validate(value any) error {
	return s.validate(value, "$")
}

func (s *Schema) validate(value any, path string) error {
	if s == nil {
		return nil
	}
	switch s.Kind {
	case KindAny:
		return nil
	case KindNullOr:
		if value == nil {
			return nil
		}
		return s.Inner.validate(value, path)
	case KindLiteral:
		if value != s.Value {
			return fmt.Errorf("%s: expected literal %v, got %v", path, s.Value, value)
		}
		return nil
	case KindString:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", path, value)
		}
		if len(s.Enum) > 0 {
			for _, e := range s.Enum {
				if e == str {
					return nil
				}
			}
			return fmt.Errorf("%s: %q not in enum %v", path, str, s.Enum)
		}
		return nil
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, value)
		}
		return nil
	case KindNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return nil
		}
		return fmt.Errorf("%s: expected number, got %T", path, value)
	case KindInteger:
		switch v := value.(type) {
		case int, int32, int64:
			return nil
		case float64:
			if v == float64(int64(v)) {
				return nil
			}
			return fmt.Errorf("%s: expected integer, got %v", path, v)
		}
		return fmt.Errorf("%s: expected integer, got %T", path, value)
	case KindArray:
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %T", path, value)
		}
		for i, item := range items {
			if err := s.Elem.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, value)
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				return fmt.Errorf("%s: missing required field %q", path, name)
			}
		}
		for name, field := range s.Fields {
			v, present := obj[name]
			if !present {
				continue
			}
			if err := field.validate(v, path+"."+name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s: unknown schema kind %q", path, s.Kind)
	}
}

// Strict rewrites an object schema for providers that demand every field be
// required: optional fields become required but nullable. The receiver is
// not mutated.
func (s *Schema) Strict() *Schema {
	if s == nil {
		return nil
	}
	clone := *s
	switch s.Kind {
	case KindObject:
		clone.Fields = make(map[string]*Schema, len(s.Fields))
		clone.Required = make([]string, 0, len(s.Fields))
		for name, field := range s.Fields {
			if s.isRequired(name) {
				clone.Fields[name] = field.Strict()
			} else {
				clone.Fields[name] = NullOr(field.Strict())
			}
		}
		for name := range s.Fields {
			clone.Required = append(clone.Required, name)
		}
		sort.Strings(clone.Required)
	case KindArray:
		clone.Elem = s.Elem.Strict()
	case KindNullOr:
		clone.Inner = s.Inner.Strict()
	}
	return &clone
}

// JSONSchema renders the AST as a JSON-schema fragment.
func (s *Schema) JSONSchema() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if s.Description != "" {
		out["description"] = s.Description
	}
	switch s.Kind {
	case KindAny:
		// No type constraint.
	case KindString:
		out["type"] = "string"
		if len(s.Enum) > 0 {
			out["enum"] = s.Enum
		}
	case KindNumber:
		out["type"] = "number"
	case KindInteger:
		out["type"] = "integer"
	case KindBoolean:
		out["type"] = "boolean"
	case KindLiteral:
		out["const"] = s.Value
	case KindNullOr:
		inner := s.Inner.JSONSchema()
		if t, ok := inner["type"].(string); ok {
			inner["type"] = []string{t, "null"}
		} else {
			inner["type"] = "null"
		}
		for k, v := range inner {
			out[k] = v
		}
	case KindArray:
		out["type"] = "array"
		out["items"] = s.Elem.JSONSchema()
	case KindObject:
		out["type"] = "object"
		props := make(map[string]any, len(s.Fields))
		for name, field := range s.Fields {
			props[name] = field.JSONSchema()
		}
		out["properties"] = props
		if len(s.Required) > 0 {
			out["required"] = append([]string(nil), s.Required...)
		}
		out["additionalProperties"] = false
	}
	return out
}

// DecodeArgs decodes validated tool arguments into a typed struct using
// the same weakly-typed rules tool authors expect from JSON input.
func DecodeArgs(args map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}
