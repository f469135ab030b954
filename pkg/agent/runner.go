// Package agent drives the bounded multi-step model and tool-call loop
// for one agent, and chains agents on handoff signals.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/llms"
	"github.com/maestro-run/maestro/pkg/mcp"
	"github.com/maestro-run/maestro/pkg/observability"
	"github.com/maestro-run/maestro/pkg/policy"
	"github.com/maestro-run/maestro/pkg/protocol"
	"github.com/maestro-run/maestro/pkg/stream"
	"github.com/maestro-run/maestro/pkg/tools"
)

// MaxHandoffDepth bounds agent-to-agent chains within one turn.
const MaxHandoffDepth = 10

// Runner executes agent turns. One Runner serves all agents; per-turn
// state lives in Request.
type Runner struct {
	providers *llms.Registry
	tools     *tools.Registry
	mcps      *mcp.Registry
	invoker   *tools.Invoker
	gate      *policy.Gate
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// NewRunner wires a runner. mcps, gate, and metrics may be nil.
func NewRunner(providers *llms.Registry, registry *tools.Registry, mcps *mcp.Registry, invoker *tools.Invoker, gate *policy.Gate, metrics *observability.Metrics) *Runner {
	return &Runner{
		providers: providers,
		tools:     registry,
		mcps:      mcps,
		invoker:   invoker,
		gate:      gate,
		metrics:   metrics,
		tracer:    observability.GetTracer("maestro.agent"),
	}
}

// Hooks connect the runner back to the engine for handoff chains.
type Hooks struct {
	// ResolveAgent looks up the target agent's config.
	ResolveAgent func(id string) (config.AgentConfig, bool)
	// AgentIDs lists all configured agents for the handoff tool.
	AgentIDs func() []string
	// PersistHop durably appends a completed hop's messages so the next
	// agent sees them. Nil skips persistence.
	PersistHop func(ctx context.Context, agentID string, msgs []protocol.Message) error
	// ReloadHistory re-reads the conversation after a hop was persisted.
	ReloadHistory func(ctx context.Context) ([]protocol.Message, error)
}

// Request is one agent turn.
type Request struct {
	Agent        config.AgentConfig
	SystemPrompt string
	UserMessage  string
	History      []protocol.Message
	Policy       *policy.Context
	// MaxSteps caps the loop; the caller resolves streaming vs
	// non-streaming limits.
	MaxSteps int
	// Streaming selects the provider's streaming entry point.
	Streaming bool
}

// Result is the outcome of a turn (possibly spanning handoffs).
type Result struct {
	Content   string
	ToolCalls []stream.ToolCallEntry
	Usage     llms.Usage
	Handoff   *tools.Handoff
	Paused    *tools.Pause
	// Messages are the turn's new user/assistant/tool messages in
	// append order, for persistence by the coordinator.
	Messages []protocol.Message
	// AgentID is the agent that produced the final content.
	AgentID string
}

// toolBinding pairs a resolved definition with the per-turn context.
type toolBinding struct {
	defs    []*tools.Definition
	byName  map[string]*tools.Definition
	allowed map[string]bool
}

// RunTurn executes the step loop and follows handoff signals up to
// MaxHandoffDepth. Events go to em when non-nil.
func (r *Runner) RunTurn(ctx context.Context, req Request, hooks Hooks, em *stream.Emitter) (*Result, error) {
	current := req
	depth := 0
	var (
		usage      llms.Usage
		unpersists []protocol.Message
	)

	for {
		res, err := r.runAgent(ctx, current, hooks, em, depth)
		if err != nil {
			return nil, err
		}
		res.AgentID = current.Agent.ID
		usage.Add(res.Usage)
		unpersists = append(unpersists, res.Messages...)

		if res.Handoff == nil || res.Paused != nil {
			res.Usage = usage
			res.Messages = unpersists
			return res, nil
		}

		if depth+1 > MaxHandoffDepth {
			slog.Warn("handoff depth limit reached, terminating chain",
				"agent", current.Agent.ID, "target", res.Handoff.AgentID, "depth", depth)
			res.Handoff = nil
			res.Usage = usage
			res.Messages = unpersists
			return res, nil
		}

		target, ok := hooks.ResolveAgent(res.Handoff.AgentID)
		if !ok {
			slog.Warn("handoff target not found, ending chain",
				"agent", current.Agent.ID, "target", res.Handoff.AgentID)
			res.Handoff = nil
			res.Usage = usage
			res.Messages = unpersists
			return res, nil
		}

		depth++
		r.metrics.RecordHandoff()
		emit(em, stream.Event{
			Type:         stream.EventHandoffStart,
			FromAgentID:  current.Agent.ID,
			ToAgentID:    target.ID,
			Message:      res.Handoff.Message,
			Context:      res.Handoff.Context,
			HandoffDepth: depth,
		})

		// Persist what this hop produced so the target agent reads it
		// back from the store.
		if hooks.PersistHop != nil && current.Agent.ShouldPersistHistory() {
			if err := hooks.PersistHop(ctx, current.Agent.ID, unpersists); err != nil {
				slog.Warn("failed to persist handoff hop", "agent", current.Agent.ID, "error", err)
			} else {
				unpersists = nil
			}
		}
		history := current.History
		if hooks.ReloadHistory != nil {
			if reloaded, err := hooks.ReloadHistory(ctx); err == nil {
				history = reloaded
			} else {
				slog.Warn("failed to reload history for handoff target", "error", err)
			}
		}

		continuation := res.Handoff.Message
		if continuation == "" {
			continuation = req.UserMessage
		}
		if res.Handoff.Context != "" {
			continuation = continuation + "\n\nContext: " + res.Handoff.Context
		}

		current = Request{
			Agent:        target,
			SystemPrompt: target.Instruction,
			UserMessage:  continuation,
			History:      history,
			Policy:       retarget(req.Policy, target.ID),
			MaxSteps:     req.MaxSteps,
			Streaming:    req.Streaming,
		}
	}
}

func retarget(pctx *policy.Context, agentID string) *policy.Context {
	if pctx == nil {
		return nil
	}
	clone := *pctx
	clone.AgentID = agentID
	return &clone
}

// runAgent drives one agent's step loop.
func (r *Runner) runAgent(ctx context.Context, req Request, hooks Hooks, em *stream.Emitter, depth int) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, observability.SpanAgentStep, trace.WithAttributes(
		attribute.String(observability.AttrAgentID, req.Agent.ID),
		attribute.String(observability.AttrModelName, req.Agent.Model.Model),
		attribute.String(observability.AttrModelPlatform, req.Agent.Model.Provider),
		attribute.Int(observability.AttrHandoffDepth, depth),
	))
	defer span.End()

	provider, err := r.providers.Resolve(req.Agent.Model.Provider)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	binding := r.bindTools(ctx, req, hooks)
	history := protocol.FilterByToolNames(req.History, binding.allowed)

	userMsg := protocol.NewUserMessage(req.UserMessage)
	base := make([]protocol.Message, 0, len(history)+2)
	if req.SystemPrompt != "" {
		base = append(base, protocol.Message{
			Role:  protocol.RoleSystem,
			Parts: []protocol.Part{protocol.TextPart(req.SystemPrompt)},
		})
	}
	base = append(base, history...)
	base = append(base, userMsg)

	result := &Result{Messages: []protocol.Message{userMsg}}

	emit(em, stream.Event{
		Type:      stream.EventMessageStart,
		MessageID: uuid.NewString(),
		Role:      string(protocol.RoleAssistant),
	})

	maxSteps := req.MaxSteps
	if maxSteps < 1 {
		maxSteps = 1
	}

	var loop []protocol.Message
	for step := 0; step < maxSteps; step++ {
		emit(em, stream.Event{Type: stream.EventStepStart, StepIndex: step})

		genReq := &llms.GenerateRequest{
			Model:       req.Agent.Model.Model,
			Messages:    append(append([]protocol.Message(nil), base...), loop...),
			Tools:       providerTools(binding.defs),
			ToolChoice:  req.Agent.ToolChoice,
			Temperature: req.Agent.Model.Temperature,
			MaxTokens:   req.Agent.Model.MaxTokens,
		}

		text, calls, usage, err := r.modelCall(ctx, provider, genReq, req.Streaming, step, em)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("model call failed for agent %s: %w", req.Agent.ID, err)
		}
		if usage.TotalTokens == 0 {
			usage = llms.EstimateUsage(req.Agent.Model.Model, genReq.Messages, text)
		}
		result.Usage.Add(usage)
		result.Content = text

		if len(calls) == 0 {
			if text != "" {
				result.Messages = append(result.Messages, protocol.NewAssistantMessage(protocol.TextPart(text)))
			}
			emit(em, stream.Event{Type: stream.EventStepComplete, StepIndex: step})
			break
		}

		assistantParts := make([]protocol.Part, 0, len(calls)+1)
		if text != "" {
			assistantParts = append(assistantParts, protocol.TextPart(text))
		}
		for _, call := range calls {
			assistantParts = append(assistantParts, protocol.ToolCallPart(call))
		}
		assistantMsg := protocol.NewAssistantMessage(assistantParts...)
		loop = append(loop, assistantMsg)
		result.Messages = append(result.Messages, assistantMsg)

		outcomes := r.executeCalls(ctx, req, binding, calls)

		// Emission and recording follow model order, never completion
		// order: result for call i lands before call i+1 appears.
		var paused *tools.Pause
		for i, call := range calls {
			emit(em, stream.Event{
				Type:       stream.EventToolCall,
				StepIndex:  step,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ToolInput:  call.Args,
			})
			outcome := outcomes[i]

			if outcome.pause != nil {
				paused = outcome.pause
				emit(em, stream.Event{
					Type:      stream.EventApprovalRequired,
					StepIndex: step,
					ToolName:  call.Name,
					Prompt:    outcome.pause.Prompt,
					Metadata:  outcome.pause.Metadata,
					TTLMs:     outcome.pause.TTL.Milliseconds(),
				})
				break
			}

			entry := stream.ToolCallEntry{ToolID: call.Name, Args: call.Args}
			toolResult := protocol.ToolResult{ID: call.ID, Name: call.Name}
			if outcome.err != nil {
				entry.Error = &stream.ErrorInfo{
					Message: outcome.err.Error(),
					Code:    tools.ErrorCode(outcome.err),
				}
				toolResult.IsFailure = true
				toolResult.Result = outcome.err.Error()
				emit(em, stream.Event{
					Type:       stream.EventToolError,
					StepIndex:  step,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Error:      entry.Error,
				})
			} else {
				entry.Result = outcome.value
				toolResult.Result = outcome.value
				emit(em, stream.Event{
					Type:       stream.EventToolResult,
					StepIndex:  step,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Output:     outcome.value,
				})
				if handoff, ok := outcome.value.(*tools.Handoff); ok {
					result.Handoff = handoff
				}
			}
			result.ToolCalls = append(result.ToolCalls, entry)

			toolMsg := protocol.NewToolMessage(toolResult)
			loop = append(loop, toolMsg)
			result.Messages = append(result.Messages, toolMsg)
		}

		if paused != nil {
			// The step stops without a tool result; the turn can resume
			// after approval on a later turn.
			result.Paused = paused
			return result, nil
		}

		emit(em, stream.Event{Type: stream.EventStepComplete, StepIndex: step})

		if result.Handoff != nil {
			break
		}
	}

	span.SetAttributes(
		attribute.Int(observability.AttrTokensInput, result.Usage.InputTokens),
		attribute.Int(observability.AttrTokensOutput, result.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// bindTools resolves the agent's toolkit: registry tools, MCP-discovered
// tools, and the reserved handoff tool, filtered by the gate.
func (r *Runner) bindTools(ctx context.Context, req Request, hooks Hooks) toolBinding {
	var defs []*tools.Definition
	if len(req.Agent.Tools) > 0 {
		if missing := r.tools.ListMissing(req.Agent.Tools); len(missing) > 0 {
			slog.Warn("agent references unknown tools", "agent", req.Agent.ID, "missing", missing)
		}
		defs = r.tools.Normalize(req.Agent.Tools)
	}

	if r.mcps != nil {
		for _, serverID := range req.Agent.MCPServers {
			if err := r.mcps.EnsureConnected(ctx, serverID); err != nil {
				slog.Warn("MCP server unavailable for agent", "agent", req.Agent.ID, "server", serverID, "error", err)
				continue
			}
			discovered, err := r.mcps.DiscoverTools(serverID)
			if err != nil {
				slog.Warn("MCP discovery failed for agent", "agent", req.Agent.ID, "server", serverID, "error", err)
				continue
			}
			defs = append(defs, discovered...)
		}
	}

	if hooks.AgentIDs != nil && len(hooks.AgentIDs()) > 1 {
		defs = append(defs, tools.NewHandoffDefinition(tools.AgentLister(hooks.AgentIDs)))
	}

	binding := toolBinding{byName: make(map[string]*tools.Definition, len(defs)), allowed: make(map[string]bool, len(defs))}
	if r.gate != nil && req.Policy != nil {
		ids := make([]string, len(defs))
		for i, def := range defs {
			ids[i] = def.ID
		}
		allowedIDs, _ := r.gate.Filter(ids, *req.Policy)
		allowedSet := make(map[string]bool, len(allowedIDs))
		for _, id := range allowedIDs {
			allowedSet[id] = true
		}
		kept := defs[:0]
		for _, def := range defs {
			if allowedSet[def.ID] {
				kept = append(kept, def)
			}
		}
		defs = kept
	}
	for _, def := range defs {
		binding.byName[def.ID] = def
		binding.allowed[def.ID] = true
		if def.Name != "" {
			binding.byName[def.Name] = def
			binding.allowed[def.Name] = true
		}
	}
	binding.defs = defs
	return binding
}

func providerTools(defs []*tools.Definition) []llms.ToolDefinition {
	out := make([]llms.ToolDefinition, len(defs))
	for i, def := range defs {
		out[i] = llms.ToolDefinition{
			Name:        def.ID,
			Description: def.Description,
			Parameters:  def.Parameters(),
		}
	}
	return out
}

type callOutcome struct {
	value any
	pause *tools.Pause
	err   error
}

// executeCalls invokes every tool call of one step. Calls run
// concurrently; outcomes are indexed by the model's call order.
func (r *Runner) executeCalls(ctx context.Context, req Request, binding toolBinding, calls []protocol.ToolCall) []callOutcome {
	outcomes := make([]callOutcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)

	for i, call := range calls {
		g.Go(func() error {
			def, ok := binding.byName[call.Name]
			if !ok {
				outcomes[i] = callOutcome{err: &tools.PolicyDeniedError{ToolID: call.Name, DeniedBy: "turn allow-list"}}
				return nil
			}
			res, err := r.invoker.Invoke(gctx, tools.Request{
				Tool:          def,
				Input:         call.Args,
				Timeout:       req.Agent.ToolTimeout(),
				Retry:         req.Agent.Retry,
				Allowed:       binding.allowed,
				PolicyContext: req.Policy,
			})
			if err != nil {
				outcomes[i] = callOutcome{err: err}
				return nil
			}
			outcomes[i] = callOutcome{value: res.Value, pause: res.Pause}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// modelCall runs one provider invocation, forwarding token deltas to the
// stream in streaming mode.
func (r *Runner) modelCall(ctx context.Context, provider llms.Provider, genReq *llms.GenerateRequest, streaming bool, step int, em *stream.Emitter) (string, []protocol.ToolCall, llms.Usage, error) {
	ctx, span := r.tracer.Start(ctx, observability.SpanModelCall, trace.WithAttributes(
		attribute.String(observability.AttrModelName, genReq.Model),
	))
	defer span.End()

	if !streaming {
		res, err := provider.Generate(ctx, genReq)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", nil, llms.Usage{}, err
		}
		span.SetStatus(codes.Ok, "")
		return res.Text, res.ToolCalls, res.Usage, nil
	}

	chunks, err := provider.GenerateStream(ctx, genReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", nil, llms.Usage{}, err
	}

	var (
		accumulated string
		calls       []protocol.ToolCall
		usage       llms.Usage
	)
	for chunk := range chunks {
		switch chunk.Type {
		case llms.ChunkTypeText:
			accumulated += chunk.Text
			emit(em, stream.Event{
				Type:        stream.EventToken,
				StepIndex:   step,
				Delta:       chunk.Text,
				Accumulated: accumulated,
			})
		case llms.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case llms.ChunkTypeUsage:
			if chunk.Usage != nil {
				usage.Add(*chunk.Usage)
			}
		}
		if chunk.Err != nil {
			span.SetStatus(codes.Error, chunk.Err.Error())
			return accumulated, calls, usage, chunk.Err
		}
	}
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return accumulated, calls, usage, err
	}

	span.SetStatus(codes.Ok, "")
	return accumulated, calls, usage, nil
}

func emit(em *stream.Emitter, ev stream.Event) {
	if em != nil {
		em.Emit(ev)
	}
}
