// Package protocol defines the canonical message and conversation types
// shared by the router, the agent step loop, and the conversation stores.
//
// Messages are tagged variants: a user message carries plain text, while
// assistant and tool messages carry an ordered list of parts (text, tool
// calls, tool results). Tool results reference the tool call that produced
// them by id; the id relation spans messages but never implies ownership.
package protocol

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// PartType discriminates message parts.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeToolCall   PartType = "tool_call"
	PartTypeToolResult PartType = "tool_result"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool invocation. IsFailure marks results
// that carry an error payload instead of a value.
type ToolResult struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Result    any    `json:"result,omitempty"`
	IsFailure bool   `json:"is_failure,omitempty"`
}

// Part is one element of an assistant or tool message.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is one entry in a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// NewUserMessage builds a user message with a single text part.
func NewUserMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		Parts:     []Part{{Type: PartTypeText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// NewAssistantMessage builds an assistant message from parts.
func NewAssistantMessage(parts ...Part) Message {
	return Message{Role: RoleAssistant, Parts: parts, CreatedAt: time.Now()}
}

// NewToolMessage builds a tool message carrying a single result.
func NewToolMessage(result ToolResult) Message {
	return Message{
		Role:      RoleTool,
		Parts:     []Part{{Type: PartTypeToolResult, ToolResult: &result}},
		CreatedAt: time.Now(),
	}
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ToolCallPart builds a tool-call part.
func ToolCallPart(call ToolCall) Part {
	return Part{Type: PartTypeToolCall, ToolCall: &call}
}

// ToolResultPart builds a tool-result part.
func ToolResultPart(result ToolResult) Part {
	return Part{Type: PartTypeToolResult, ToolResult: &result}
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns all tool-call parts in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartTypeToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns all tool-result parts in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartTypeToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// FilterByToolNames drops tool-call and tool-result parts whose name is not
// in the allowed set, and drops messages that end up with no parts. Text
// parts always survive. The input slice is not mutated.
func FilterByToolNames(messages []Message, allowed map[string]bool) []Message {
	filtered := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleUser || msg.Role == RoleSystem {
			filtered = append(filtered, msg)
			continue
		}

		parts := make([]Part, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			switch p.Type {
			case PartTypeToolCall:
				if p.ToolCall != nil && allowed[p.ToolCall.Name] {
					parts = append(parts, p)
				}
			case PartTypeToolResult:
				if p.ToolResult != nil && allowed[p.ToolResult.Name] {
					parts = append(parts, p)
				}
			default:
				parts = append(parts, p)
			}
		}

		if len(parts) == 0 {
			continue
		}

		out := msg
		out.Parts = parts
		filtered = append(filtered, out)
	}
	return filtered
}
