package observability

const (
	AttrServiceName     = "service.name"
	AttrAgentID         = "agent.id"
	AttrModelName       = "model.name"
	AttrModelPlatform   = "model.platform"
	AttrToolID          = "tool.id"
	AttrToolTimeout     = "tool.timeout"
	AttrToolDuration    = "tool.executionTime"
	AttrRetryAttempt    = "retry.attempt"
	AttrRetryErrorClass = "retry.errorClass"
	AttrHandoffDepth    = "handoff.depth"
	AttrRoutingKind     = "routing.kind"
	AttrRoutingTarget   = "routing.target"
	AttrConversationID  = "conversation.id"
	AttrRunID           = "run.id"
	AttrTokensInput     = "llm.tokens.input"
	AttrTokensOutput    = "llm.tokens.output"

	SpanTurn          = "runtime.turn"
	SpanRouting       = "runtime.routing"
	SpanAgentStep     = "agent.step"
	SpanModelCall     = "agent.model_call"
	SpanToolExecution = "agent.tool_execution"
	SpanHandoff       = "agent.handoff"
	SpanMCPConnect    = "mcp.connect"
	SpanMCPReconnect  = "mcp.reconnect"

	DefaultServiceName = "maestro"
)
