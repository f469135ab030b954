// Package runtime assembles the orchestration engine: routing, the agent
// step loop, tool invocation, persistence, and the turn-level API.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/checkpoint"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/llms"
	"github.com/maestro-run/maestro/pkg/mcp"
	"github.com/maestro-run/maestro/pkg/memory"
	"github.com/maestro-run/maestro/pkg/observability"
	"github.com/maestro-run/maestro/pkg/pipeline"
	"github.com/maestro-run/maestro/pkg/policy"
	"github.com/maestro-run/maestro/pkg/protocol"
	"github.com/maestro-run/maestro/pkg/router"
	"github.com/maestro-run/maestro/pkg/stream"
	"github.com/maestro-run/maestro/pkg/tools"
)

const (
	// DefaultNonStreamingStepCap bounds the step loop on the blocking
	// entry point; streaming turns use the agent's full max_steps.
	DefaultNonStreamingStepCap = 3

	// DefaultMaxMessageLength bounds an incoming user message.
	DefaultMaxMessageLength = 100_000
)

// MessageValidationError reports an invalid incoming message.
type MessageValidationError struct {
	Reason string
}

func (e *MessageValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// Response is the outcome of a non-streaming turn.
type Response struct {
	Content   string                 `json:"content"`
	ToolCalls []stream.ToolCallEntry `json:"toolCalls,omitempty"`
	Usage     *llms.Usage            `json:"usage,omitempty"`
	Handoff   *tools.Handoff         `json:"handoff,omitempty"`
	// ConversationID echoes the resolved (possibly minted) id.
	ConversationID string `json:"conversationId,omitempty"`
	// ApprovalRequest is set when the turn paused for approval.
	ApprovalRequest *policy.ApprovalRequest `json:"approvalRequest,omitempty"`
}

// TurnOptions tune one turn.
type TurnOptions struct {
	ConversationID        string
	RequireConversationID bool
	UseSemanticMatching   bool
	// SemanticThreshold overrides the configured threshold when > 0.
	SemanticThreshold float64

	// Caller identity feeds policy conditions and approval session keys.
	Role     string
	UserID   string
	Metadata map[string]any
}

// Option configures an Engine.
type Option func(*Engine)

// WithConversationStore overrides the store built from config.
func WithConversationStore(store memory.ConversationStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithSemanticMatcher enables the semantic routing tier.
func WithSemanticMatcher(m router.SemanticMatcher) Option {
	return func(e *Engine) { e.semantic = m }
}

// WithMetrics installs Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCheckpointStore enables pipeline resume.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(e *Engine) { e.checkpoints = s }
}

// WithNonStreamingStepCap overrides the blocking-path step cap.
func WithNonStreamingStepCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.nonStreamingStepCap = n
		}
	}
}

// WithMaxMessageLength overrides the incoming message bound.
func WithMaxMessageLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxMessageLength = n
		}
	}
}

// WithMCPDialer overrides the transport dialer, for tests.
func WithMCPDialer(d mcp.Dialer) Option {
	return func(e *Engine) { e.mcpDialer = d }
}

// Engine is the process-wide runtime. Construct with New, register tools
// and functions, then serve turns with ProcessMessage / StreamMessage.
type Engine struct {
	cfg       *config.Config
	providers *llms.Registry
	tools     *tools.Registry
	functions *pipeline.FunctionRegistry

	mcps      *mcp.Registry
	mcpDialer mcp.Dialer
	gate      *policy.Gate
	invoker   *tools.Invoker
	runner    *agent.Runner
	router    *router.Router
	pipelines *pipeline.Executor
	semantic  router.SemanticMatcher

	store       memory.ConversationStore
	checkpoints checkpoint.Store
	metrics     *observability.Metrics
	tracer      trace.Tracer

	agents     map[string]config.AgentConfig
	agentOrder []string

	nonStreamingStepCap int
	maxMessageLength    int
}

// New assembles an engine from config. MCP servers are registered (lazy
// ones defer their first connect); tools and pipeline functions are
// registered by the caller afterwards.
func New(ctx context.Context, cfg *config.Config, providers *llms.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:                 cfg,
		providers:           providers,
		tools:               tools.NewRegistry(),
		functions:           pipeline.NewFunctionRegistry(),
		tracer:              observability.GetTracer("maestro.runtime"),
		agents:              make(map[string]config.AgentConfig, len(cfg.Agents)),
		nonStreamingStepCap: DefaultNonStreamingStepCap,
		maxMessageLength:    DefaultMaxMessageLength,
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, a := range cfg.Agents {
		e.agents[a.ID] = a
		e.agentOrder = append(e.agentOrder, a.ID)
	}

	if e.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	e.gate = policy.NewGate(&cfg.Policies, e.tools.Capabilities)
	e.invoker = tools.NewInvoker(e.gate, e.metrics)

	if e.mcpDialer == nil {
		e.mcpDialer = mcp.DefaultDialer
	}
	e.mcps = mcp.NewRegistry(e.mcpDialer, e.metrics)
	for _, server := range cfg.MCP {
		var err error
		if server.Lazy {
			err = e.mcps.RegisterLazy(server)
		} else {
			err = e.mcps.Register(ctx, server)
		}
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", server.ID, err)
		}
	}

	e.runner = agent.NewRunner(e.providers, e.tools, e.mcps, e.invoker, e.gate, e.metrics)
	e.pipelines = pipeline.NewExecutor(cfg.Pipelines, e.functions, e.invokePipelineAgent, e.checkpoints)

	e.router = router.New(cfg.Router,
		agentCandidates(cfg.Agents),
		pipelineCandidates(cfg.Pipelines),
		cfg.Intents, e.semantic)

	return e, nil
}

func openStore(cfg config.StorageConfig) (memory.ConversationStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.NewMemoryStore(), nil
	case "sqlite":
		return memory.NewSQLiteStore(cfg.Path)
	case "postgres":
		return memory.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func agentCandidates(agents []config.AgentConfig) []router.Candidate {
	var out []router.Candidate
	for _, a := range agents {
		if len(a.Utterances) > 0 {
			out = append(out, router.Candidate{ID: a.ID, Utterances: a.Utterances})
		}
	}
	return out
}

func pipelineCandidates(pipelines []config.PipelineConfig) []router.Candidate {
	var out []router.Candidate
	for _, p := range pipelines {
		if len(p.Utterances) > 0 {
			out = append(out, router.Candidate{ID: p.ID, Utterances: p.Utterances})
		}
	}
	return out
}

// Tools exposes the tool registry for registration.
func (e *Engine) Tools() *tools.Registry { return e.tools }

// Functions exposes the pipeline/intent function registry.
func (e *Engine) Functions() *pipeline.FunctionRegistry { return e.functions }

// Gate exposes the policy gate (approvals, bundle reload).
func (e *Engine) Gate() *policy.Gate { return e.gate }

// MCP exposes the MCP client registry.
func (e *Engine) MCP() *mcp.Registry { return e.mcps }

// Metrics exposes the engine's collectors; nil when metrics are off.
func (e *Engine) Metrics() *observability.Metrics { return e.metrics }

// Shutdown stops MCP health loops, closes MCP clients, and closes stores.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mcps.Shutdown()
	if err := e.store.Close(); err != nil {
		slog.Warn("failed to close conversation store", "error", err)
	}
	if e.checkpoints != nil {
		if err := e.checkpoints.Close(); err != nil {
			slog.Warn("failed to close checkpoint store", "error", err)
		}
	}
}

const convIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func mintConversationID() string {
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = convIDAlphabet[rand.IntN(len(convIDAlphabet))]
	}
	return fmt.Sprintf("conv_%d_%s", time.Now().UnixMilli(), suffix)
}

// policyMetadata flattens caller metadata into the string form that
// metadata.<key> policy conditions compare against.
func policyMetadata(meta map[string]any) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (e *Engine) validateMessage(message string) error {
	if message == "" {
		return &MessageValidationError{Reason: "message is empty"}
	}
	if len(message) > e.maxMessageLength {
		return &MessageValidationError{Reason: fmt.Sprintf("message exceeds %d characters", e.maxMessageLength)}
	}
	return nil
}

func (e *Engine) resolveConversationID(opts TurnOptions) (string, error) {
	if opts.ConversationID != "" {
		return opts.ConversationID, nil
	}
	if opts.RequireConversationID {
		return "", &MessageValidationError{Reason: "conversationId is required"}
	}
	return mintConversationID(), nil
}

// loadHistory reads the conversation filtered to user/assistant/tool roles.
func (e *Engine) loadHistory(ctx context.Context, convID string) ([]protocol.Message, error) {
	msgs, err := e.store.GetHistory(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	filtered := msgs[:0:0]
	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleUser, protocol.RoleAssistant, protocol.RoleTool:
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// ProcessMessage runs one blocking turn. The step loop is capped at
// min(agent max_steps, nonStreamingStepCap); it returns nil when routing
// matches nothing.
func (e *Engine) ProcessMessage(ctx context.Context, message string, opts TurnOptions) (*Response, error) {
	return e.runTurn(ctx, message, opts, nil, false)
}

// StreamMessage runs one streaming turn, returning the ordered event
// channel. Validation and routing errors surface synchronously; the
// channel closes after run-end (or on cancellation, without one).
func (e *Engine) StreamMessage(ctx context.Context, message string, opts TurnOptions) (<-chan stream.Event, error) {
	if err := e.validateMessage(message); err != nil {
		return nil, err
	}
	convID, err := e.resolveConversationID(opts)
	if err != nil {
		return nil, err
	}
	opts.ConversationID = convID

	runID := uuid.NewString()
	em := stream.NewEmitter(ctx, runID, convID, 64)

	go func() {
		defer em.Close()
		started := time.Now()

		history, err := e.loadHistory(ctx, convID)
		if err != nil {
			slog.Error("failed to load history for streaming turn", "conversation", convID, "error", err)
			return
		}
		em.Emit(stream.Event{
			Type:      stream.EventRunStart,
			Input:     &stream.RunInput{Message: message, PreviousMessages: len(history)},
			StartedAt: started.UnixMilli(),
		})

		resp, err := e.runTurn(ctx, message, opts, em, true)
		if err != nil {
			slog.Error("streaming turn failed", "conversation", convID, "error", err)
			return
		}
		if resp == nil {
			return
		}

		if resp.Usage != nil {
			em.Emit(stream.Event{Type: stream.EventUsage, Usage: resp.Usage})
		}
		finished := time.Now()
		em.Emit(stream.Event{
			Type:       stream.EventRunEnd,
			FinishedAt: finished.UnixMilli(),
			DurationMs: finished.Sub(started).Milliseconds(),
			Result: &stream.RunResult{
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
				Handoff:   resp.Handoff,
				Usage:     resp.Usage,
			},
		})
	}()

	return em.Events(), nil
}

func (e *Engine) runTurn(ctx context.Context, message string, opts TurnOptions, em *stream.Emitter, streaming bool) (resp *Response, err error) {
	if err := e.validateMessage(message); err != nil {
		return nil, err
	}
	convID, err := e.resolveConversationID(opts)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	ctx, span := e.tracer.Start(ctx, observability.SpanTurn, trace.WithAttributes(
		attribute.String(observability.AttrConversationID, convID),
	))
	defer span.End()

	history, err := e.loadHistory(ctx, convID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	decision := e.route(ctx, message, opts)
	span.SetAttributes(
		attribute.String(observability.AttrRoutingKind, string(decision.Kind)),
		attribute.String(observability.AttrRoutingTarget, decision.TargetID),
	)

	defer func() {
		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case resp == nil:
			status = "unrouted"
		}
		e.metrics.RecordTurn(string(decision.Kind), status, time.Since(started))
	}()

	switch {
	case decision.Kind == router.MatchNone:
		slog.Debug("no route for message", "conversation", convID)
		span.SetStatus(codes.Ok, "")
		return nil, nil

	case decision.TargetType == router.TargetPipeline:
		out, err := e.pipelines.Run(ctx, decision.TargetID, uuid.NewString(), message)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		e.persistPlainTurn(ctx, convID, message, out)
		span.SetStatus(codes.Ok, "")
		return &Response{Content: out, ConversationID: convID}, nil

	case decision.TargetType == router.TargetFunction:
		fn, ok := e.functions.Get(decision.TargetID)
		if !ok {
			err := fmt.Errorf("intent function %q not registered", decision.TargetID)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out, err := fn(ctx, message)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		e.persistPlainTurn(ctx, convID, message, out)
		span.SetStatus(codes.Ok, "")
		return &Response{Content: out, ConversationID: convID}, nil
	}

	agentCfg, ok := e.agents[decision.TargetID]
	if !ok {
		err := &tools.UnknownAgentError{AgentID: decision.TargetID, Available: e.agentOrder}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	maxSteps := agentCfg.MaxSteps
	if !streaming {
		if maxSteps == 0 {
			maxSteps = DefaultNonStreamingStepCap
		}
		if maxSteps > e.nonStreamingStepCap {
			maxSteps = e.nonStreamingStepCap
		}
	}

	pctx := &policy.Context{
		IntentID: decision.IntentID,
		AgentID:  agentCfg.ID,
		Role:     opts.Role,
		UserID:   opts.UserID,
		Metadata: policyMetadata(opts.Metadata),
	}

	hooks := agent.Hooks{
		ResolveAgent: func(id string) (config.AgentConfig, bool) {
			cfg, ok := e.agents[id]
			return cfg, ok
		},
		AgentIDs: func() []string { return e.agentOrder },
		PersistHop: func(ctx context.Context, agentID string, msgs []protocol.Message) error {
			return e.store.AddMessages(ctx, convID, withFreshToolCallIDs(msgs))
		},
		ReloadHistory: func(ctx context.Context) ([]protocol.Message, error) {
			return e.loadHistory(ctx, convID)
		},
	}

	result, err := e.runner.RunTurn(ctx, agent.Request{
		Agent:        agentCfg,
		SystemPrompt: agentCfg.Instruction,
		UserMessage:  message,
		History:      history,
		Policy:       pctx,
		MaxSteps:     maxSteps,
		Streaming:    streaming,
	}, hooks, em)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Cancellation means no partial persistence.
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, ctx.Err()
	}

	acting, ok := e.agents[result.AgentID]
	if !ok {
		acting = agentCfg
	}
	if acting.ShouldPersistHistory() && len(result.Messages) > 0 {
		if err := e.store.AddMessages(ctx, convID, withFreshToolCallIDs(result.Messages)); err != nil {
			slog.Error("failed to persist turn messages", "conversation", convID, "error", err)
		}
	}

	resp = &Response{
		Content:        result.Content,
		ToolCalls:      result.ToolCalls,
		Usage:          &result.Usage,
		Handoff:        result.Handoff,
		ConversationID: convID,
	}
	if result.Paused != nil {
		if toolID, ok := result.Paused.Metadata["toolId"].(string); ok {
			if req, ok := e.gate.Approvals().Pending(toolID, pctx.SessionKey()); ok {
				resp.ApprovalRequest = req
			}
		}
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (e *Engine) route(ctx context.Context, message string, opts TurnOptions) router.Decision {
	ctx, span := e.tracer.Start(ctx, observability.SpanRouting)
	defer span.End()

	d := e.router.Route(ctx, message, router.Options{
		UseSemanticMatching: opts.UseSemanticMatching,
		SemanticThreshold:   opts.SemanticThreshold,
	})
	span.SetAttributes(
		attribute.String(observability.AttrRoutingKind, string(d.Kind)),
		attribute.String(observability.AttrRoutingTarget, d.TargetID),
	)
	return d
}

// invokePipelineAgent runs one agent as a pipeline step, returning only
// its final text. Pipeline steps never stream or hand off.
func (e *Engine) invokePipelineAgent(ctx context.Context, agentID, message string) (string, error) {
	cfg, ok := e.agents[agentID]
	if !ok {
		return "", &tools.UnknownAgentError{AgentID: agentID, Available: e.agentOrder}
	}
	result, err := e.runner.RunTurn(ctx, agent.Request{
		Agent:        cfg,
		SystemPrompt: cfg.Instruction,
		UserMessage:  message,
		MaxSteps:     cfg.MaxSteps,
	}, agent.Hooks{}, nil)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// persistPlainTurn writes the user message and a plain assistant reply
// for pipeline and function responses.
func (e *Engine) persistPlainTurn(ctx context.Context, convID, userText, assistantText string) {
	msgs := []protocol.Message{
		protocol.NewUserMessage(userText),
		protocol.NewAssistantMessage(protocol.TextPart(assistantText)),
	}
	if err := e.store.AddMessages(ctx, convID, msgs); err != nil {
		slog.Error("failed to persist turn messages", "conversation", convID, "error", err)
	}
}

// withFreshToolCallIDs rewrites each tool call id to a turn-unique value,
// keeping the call and its result on the same id.
func withFreshToolCallIDs(msgs []protocol.Message) []protocol.Message {
	remap := make(map[string]string)
	out := make([]protocol.Message, len(msgs))
	for i, msg := range msgs {
		parts := make([]protocol.Part, len(msg.Parts))
		for j, p := range msg.Parts {
			switch {
			case p.Type == protocol.PartTypeToolCall && p.ToolCall != nil:
				fresh := uuid.NewString()
				remap[p.ToolCall.ID] = fresh
				call := *p.ToolCall
				call.ID = fresh
				p.ToolCall = &call
			case p.Type == protocol.PartTypeToolResult && p.ToolResult != nil:
				if fresh, ok := remap[p.ToolResult.ID]; ok {
					res := *p.ToolResult
					res.ID = fresh
					p.ToolResult = &res
				}
			}
			parts[j] = p
		}
		clone := msg
		clone.Parts = parts
		out[i] = clone
	}
	return out
}
