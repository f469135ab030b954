package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidateObject(t *testing.T) {
	s := Object(map[string]*Schema{
		"query": String(),
		"limit": Integer(),
	}, "query")

	assert.NoError(t, s.Validate(map[string]any{"query": "go", "limit": float64(5)}))
	assert.Error(t, s.Validate(map[string]any{"limit": 5}))
	assert.Error(t, s.Validate(map[string]any{"query": 42}))
	assert.Error(t, s.Validate(map[string]any{"query": "go", "limit": 1.5}))
	assert.Error(t, s.Validate("not an object"))
}

func TestSchemaValidateArrayAndEnum(t *testing.T) {
	s := Object(map[string]*Schema{
		"tags": Array(String().WithEnum("a", "b")),
	}, "tags")

	assert.NoError(t, s.Validate(map[string]any{"tags": []any{"a", "b"}}))
	assert.Error(t, s.Validate(map[string]any{"tags": []any{"c"}}))
}

func TestSchemaNullOr(t *testing.T) {
	s := NullOr(String())
	assert.NoError(t, s.Validate(nil))
	assert.NoError(t, s.Validate("x"))
	assert.Error(t, s.Validate(3))

	// Wrapping twice stays a single layer.
	assert.Equal(t, s, NullOr(s))
}

func TestSchemaStrictRewrite(t *testing.T) {
	s := Object(map[string]*Schema{
		"query": String(),
		"limit": Integer(),
	}, "query")

	strict := s.Strict()
	// Every field becomes required; optional ones turn nullable.
	assert.Equal(t, []string{"limit", "query"}, strict.Required)
	assert.Equal(t, KindNullOr, strict.Fields["limit"].Kind)
	assert.Equal(t, KindString, strict.Fields["query"].Kind)

	// Original is untouched.
	assert.Equal(t, []string{"query"}, s.Required)
	assert.Equal(t, KindInteger, s.Fields["limit"].Kind)

	// Null satisfies the rewritten optional field.
	assert.NoError(t, strict.Validate(map[string]any{"query": "go", "limit": nil}))
	assert.Error(t, strict.Validate(map[string]any{"query": "go"}))
}

func TestSchemaJSONSchema(t *testing.T) {
	s := Object(map[string]*Schema{
		"name": String().Describe("Display name."),
		"age":  NullOr(Integer()),
	}, "name")

	js := s.JSONSchema()
	assert.Equal(t, "object", js["type"])
	assert.Equal(t, false, js["additionalProperties"])
	assert.Equal(t, []any{"name"}, toAnySlice(js["required"]))

	props := js["properties"].(map[string]any)
	name := props["name"].(map[string]any)
	assert.Equal(t, "string", name["type"])
	assert.Equal(t, "Display name.", name["description"])

	age := props["age"].(map[string]any)
	assert.Equal(t, []string{"integer", "null"}, age["type"])
}

func toAnySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return nil
	}
}

func TestDecodeArgs(t *testing.T) {
	var out struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	err := DecodeArgs(map[string]any{"query": "go", "limit": float64(7)}, &out)
	require.NoError(t, err)
	assert.Equal(t, "go", out.Query)
	assert.Equal(t, 7, out.Limit)
}
