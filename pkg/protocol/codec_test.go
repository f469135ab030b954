package protocol

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	u, _ := url.Parse("https://example.com/search?q=agents")

	payload := map[string]any{
		"when":  ts,
		"where": u,
		"blob":  []byte{0x01, 0x02, 0xff},
		"nested": map[string]any{
			"list":  []any{"a", float64(2), ts},
			"plain": "value",
		},
	}

	encoded := EncodeValue(payload)
	decoded, err := DecodeValue(encoded)
	require.NoError(t, err)

	got := decoded.(map[string]any)
	assert.Equal(t, ts, got["when"])
	assert.Equal(t, u, got["where"])
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, got["blob"])

	nested := got["nested"].(map[string]any)
	assert.Equal(t, "value", nested["plain"])
	list := nested["list"].([]any)
	assert.Equal(t, ts, list[2])
}

func TestDecodeValueUnknownMarker(t *testing.T) {
	_, err := DecodeValue(map[string]any{typeMarkerKey: "Nope", "value": "x"})
	assert.Error(t, err)
}

func TestMarshalMessageRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := NewAssistantMessage(
		TextPart("checking the weather"),
		ToolCallPart(ToolCall{
			ID:   "call_1",
			Name: "get_weather",
			Args: map[string]any{"city": "Ankara", "at": ts},
		}),
	)

	data, err := MarshalMessage(msg)
	require.NoError(t, err)

	restored, err := UnmarshalMessage(data)
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, restored.Role)
	assert.Equal(t, "checking the weather", restored.Text())

	calls := restored.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, ts, calls[0].Args["at"])
}

func TestFilterByToolNames(t *testing.T) {
	history := []Message{
		NewUserMessage("hello"),
		NewAssistantMessage(
			TextPart("let me check"),
			ToolCallPart(ToolCall{ID: "c1", Name: "search"}),
			ToolCallPart(ToolCall{ID: "c2", Name: "admin_tool"}),
		),
		NewToolMessage(ToolResult{ID: "c1", Name: "search", Result: "found"}),
		NewToolMessage(ToolResult{ID: "c2", Name: "admin_tool", Result: "done"}),
	}

	filtered := FilterByToolNames(history, map[string]bool{"search": true})

	require.Len(t, filtered, 3)
	assert.Equal(t, RoleUser, filtered[0].Role)

	calls := filtered[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)

	// The admin_tool result message lost its only part and was dropped.
	results := filtered[2].ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "search", results[0].Name)

	// Original slice untouched.
	assert.Len(t, history[1].ToolCalls(), 2)
}

func TestConversationRejectsSystemMessages(t *testing.T) {
	conv := NewConversation("conv_1")
	err := conv.Append(Message{Role: RoleSystem, Parts: []Part{TextPart("nope")}})
	assert.Error(t, err)
	assert.Empty(t, conv.Messages)
}

func TestConversationMessageLimit(t *testing.T) {
	conv := NewConversation("conv_2")
	conv.Policy.MaxMessages = 1
	require.NoError(t, conv.Append(NewUserMessage("one")))
	assert.Error(t, conv.Append(NewUserMessage("two")))
}
