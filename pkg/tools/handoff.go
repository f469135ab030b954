package tools

import (
	"context"
)

// HandoffToolName is the reserved tool id an agent calls to transfer the
// turn to another agent.
const HandoffToolName = "handoff_to_agent"

// Handoff is the value a successful handoff call produces. The step loop
// treats it as a control signal rather than a tool result.
type Handoff struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Message string `json:"message,omitempty"`
	Context string `json:"context,omitempty"`
}

// AgentLister names the agents a handoff may target.
type AgentLister func() []string

// NewHandoffDefinition builds the reserved handoff tool. Unknown targets
// fail with a message listing available agents so the model can recover.
func NewHandoffDefinition(agents AgentLister) *Definition {
	schema := Object(map[string]*Schema{
		"agentId": String().Describe("Id of the agent to hand the conversation to."),
		"message": String().Describe("Message for the target agent; defaults to the original user message."),
		"context": String().Describe("JSON-encoded context passed along with the handoff."),
	}, "agentId")

	return &Definition{
		ID:          HandoffToolName,
		Name:        HandoffToolName,
		Description: "Transfer the current conversation to another agent.",
		InputSchema: schema,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			var input struct {
				AgentID string `json:"agentId"`
				Message string `json:"message"`
				Context string `json:"context"`
			}
			if err := DecodeArgs(args, &input); err != nil {
				return nil, &ValidationError{ToolID: HandoffToolName, Reason: err.Error()}
			}

			available := agents()
			for _, id := range available {
				if id == input.AgentID {
					return &Handoff{
						Type:    "handoff",
						AgentID: input.AgentID,
						Message: input.Message,
						Context: input.Context,
					}, nil
				}
			}
			return nil, &UnknownAgentError{AgentID: input.AgentID, Available: available}
		},
	}
}
