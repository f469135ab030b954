// Package llms declares the model-provider contract consumed by the agent
// step loop. The runtime is provider-agnostic; any client implementing
// Provider plugs in through the registry. An OpenAI-compatible HTTP
// client ships in this package.
package llms

import (
	"context"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/protocol"
)

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates usage across steps.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ToolDefinition is the provider-facing shape of a tool: a name, a
// description, and a JSON-schema parameter object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// GenerateRequest carries one model call.
type GenerateRequest struct {
	Model       string
	Messages    []protocol.Message
	Tools       []ToolDefinition
	ToolChoice  config.ToolChoice
	Temperature *float64
	MaxTokens   *int
}

// GenerateResult is a completed model call.
type GenerateResult struct {
	Text      string
	ToolCalls []protocol.ToolCall
	Usage     Usage
}

// ChunkType discriminates stream chunks.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
)

// StreamChunk is one element of a provider event stream. The channel is
// closed after the final chunk; a chunk with Err set terminates the stream.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *protocol.ToolCall
	Usage    *Usage
	Err      error
}

// Provider generates model responses. Implementations must honor context
// cancellation on both entry points and close the stream channel when the
// response is complete or the context is done.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
	GenerateStream(ctx context.Context, req *GenerateRequest) (<-chan StreamChunk, error)
}
