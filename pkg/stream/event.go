// Package stream defines the turn event union and the single-writer
// emitter that assigns sequence numbers.
package stream

import (
	"time"

	"github.com/maestro-run/maestro/pkg/llms"
)

// EventType discriminates stream events.
type EventType string

const (
	EventRunStart         EventType = "run-start"
	EventMessageStart     EventType = "message-start"
	EventStepStart        EventType = "step-start"
	EventToken            EventType = "token"
	EventToolCall         EventType = "tool-call"
	EventToolResult       EventType = "tool-result"
	EventToolError        EventType = "tool-error"
	EventStepComplete     EventType = "step-complete"
	EventUsage            EventType = "usage"
	EventHandoffStart     EventType = "handoff-start"
	EventApprovalRequired EventType = "approval-required"
	EventRunEnd           EventType = "run-end"
)

// ErrorInfo is the user-safe error surface carried on tool-error events.
// Internals and stack traces stay in logs and spans.
type ErrorInfo struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RunInput echoes what started the turn.
type RunInput struct {
	Message          string `json:"message"`
	PreviousMessages int    `json:"previousMessages"`
}

// RunResult is the terminal payload on run-end.
type RunResult struct {
	Content   string          `json:"content"`
	ToolCalls []ToolCallEntry `json:"toolCalls,omitempty"`
	Handoff   any             `json:"handoff,omitempty"`
	Usage     *llms.Usage     `json:"usage,omitempty"`
}

// ToolCallEntry is one executed tool call in a response.
type ToolCallEntry struct {
	ToolID string     `json:"toolId"`
	Args   any        `json:"args"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// Event is one element of a turn's ordered stream. Exactly one payload
// group is populated per type.
type Event struct {
	Type      EventType `json:"type"`
	Sequence  uint64    `json:"sequence"`
	EmittedAt int64     `json:"emittedAt"`
	RunID     string    `json:"runId"`
	ThreadID  string    `json:"threadId,omitempty"`

	// run-start
	Input     *RunInput `json:"runInput,omitempty"`
	StartedAt int64     `json:"startedAt,omitempty"`

	// message-start
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`

	// step-scoped events
	StepIndex int `json:"stepIndex,omitempty"`

	// token
	Delta       string `json:"delta,omitempty"`
	Accumulated string `json:"accumulated,omitempty"`

	// tool-call / tool-result / tool-error
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolInput  map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`

	// usage
	Usage *llms.Usage `json:"usage,omitempty"`

	// handoff-start
	FromAgentID  string `json:"fromAgentId,omitempty"`
	ToAgentID    string `json:"toAgentId,omitempty"`
	Message      string `json:"message,omitempty"`
	Context      string `json:"context,omitempty"`
	HandoffDepth int    `json:"handoffDepth,omitempty"`

	// approval-required
	Prompt string `json:"prompt,omitempty"`
	TTLMs  int64  `json:"ttlMs,omitempty"`

	// run-end
	FinishedAt int64      `json:"finishedAt,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`
	Result     *RunResult `json:"result,omitempty"`
}

func now() int64 { return time.Now().UnixMilli() }
