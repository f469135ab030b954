package tools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/observability"
	"github.com/maestro-run/maestro/pkg/policy"
)

// Pause suspends a turn pending human approval. No tool result is recorded
// until the approval is granted and the tool retried on a later turn.
type Pause struct {
	Prompt   string
	Metadata map[string]any
	TTL      time.Duration
}

// Result is a completed invocation: a value, or a pause signal.
type Result struct {
	Value any
	Pause *Pause
}

// Request carries everything one invocation needs.
type Request struct {
	Tool    *Definition
	Input   map[string]any
	Timeout time.Duration
	Retry   config.RetryPolicy

	// Allowed is the pre-computed allowed-id set for the current turn.
	// Nil means no allow-list was installed.
	Allowed map[string]bool

	// PolicyContext enables the gate check when a gate is attached.
	PolicyContext *policy.Context
}

// Invoker runs tools with gating, validation, timeout, and classified
// retry. One span per invocation.
type Invoker struct {
	gate    *policy.Gate
	metrics *observability.Metrics
	tracer  trace.Tracer

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInvoker builds an invoker. gate and metrics may be nil.
func NewInvoker(gate *policy.Gate, metrics *observability.Metrics) *Invoker {
	return &Invoker{
		gate:    gate,
		metrics: metrics,
		tracer:  observability.GetTracer("maestro.tools"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoke runs one tool end to end. Gate denials, allow-list misses, and
// validation failures return typed non-retryable errors; attempt errors go
// through the classifier and only RETRYABLE ones are retried.
func (iv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = config.DefaultToolTimeout
	}

	ctx, span := iv.tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolID, req.Tool.ID),
			attribute.Int64(observability.AttrToolTimeout, timeout.Milliseconds()),
		))
	defer span.End()
	started := time.Now()

	if pause, err := iv.gateCheck(req, span); err != nil || pause != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			iv.metrics.RecordToolExecution(req.Tool.ID, "denied", time.Since(started))
			return nil, err
		}
		span.AddEvent("approval_required")
		iv.metrics.RecordToolExecution(req.Tool.ID, "paused", time.Since(started))
		return &Result{Pause: pause}, nil
	}

	if req.Allowed != nil && !req.Allowed[req.Tool.ID] {
		err := &PolicyDeniedError{ToolID: req.Tool.ID, DeniedBy: "turn allow-list"}
		span.SetStatus(codes.Error, err.Error())
		iv.metrics.RecordToolExecution(req.Tool.ID, "denied", time.Since(started))
		return nil, err
	}

	input, err := iv.validate(req)
	if err != nil {
		span.AddEvent("validation_failed")
		span.SetStatus(codes.Error, err.Error())
		iv.metrics.RecordToolExecution(req.Tool.ID, "invalid", time.Since(started))
		return nil, err
	}
	span.AddEvent("validated")

	value, err := iv.attemptWithRetry(ctx, req, input, timeout, span)
	elapsed := time.Since(started)
	span.SetAttributes(attribute.Int64(observability.AttrToolDuration, elapsed.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		iv.metrics.RecordToolExecution(req.Tool.ID, "error", elapsed)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	iv.metrics.RecordToolExecution(req.Tool.ID, "ok", elapsed)
	return &Result{Value: value}, nil
}

func (iv *Invoker) gateCheck(req Request, span trace.Span) (*Pause, error) {
	if iv.gate == nil || req.PolicyContext == nil {
		return nil, nil
	}
	pctx := *req.PolicyContext

	decision := iv.gate.Evaluate(req.Tool.ID, pctx)
	span.AddEvent("gate_checked")
	if !decision.Allowed {
		return nil, &PolicyDeniedError{ToolID: req.Tool.ID, DeniedBy: decision.DeniedBy}
	}
	if !decision.RequireApproval {
		return nil, nil
	}
	if iv.gate.Approvals().Has(req.Tool.ID, pctx.SessionKey()) {
		return nil, nil
	}

	iv.gate.Approvals().CreateRequest(req.Tool.ID, pctx)
	return &Pause{
		Prompt: fmt.Sprintf("Tool %q requires approval before it can run.", req.Tool.ID),
		Metadata: map[string]any{
			"toolId":          req.Tool.ID,
			"intentId":        pctx.IntentID,
			"agentId":         pctx.AgentID,
			"approvalRequest": true,
		},
		TTL: iv.gate.Approvals().TTL(),
	}, nil
}

// validate checks the input against the tool schema. Null values decoded
// from strict-mode schemas mean "absent" and are stripped.
func (iv *Invoker) validate(req Request) (map[string]any, error) {
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	if req.Tool.InputSchema == nil {
		return input, nil
	}

	schema := req.Tool.InputSchema
	if req.Tool.Strict {
		schema = schema.Strict()
	}
	if err := schema.Validate(input); err != nil {
		return nil, &ValidationError{ToolID: req.Tool.ID, Reason: err.Error()}
	}

	cleaned := make(map[string]any, len(input))
	for k, v := range input {
		if v == nil {
			continue
		}
		cleaned[k] = v
	}
	return cleaned, nil
}

func (iv *Invoker) attemptWithRetry(ctx context.Context, req Request, input map[string]any, timeout time.Duration, span trace.Span) (any, error) {
	for attempt := 0; ; attempt++ {
		value, err := iv.attempt(ctx, req.Tool, input, timeout)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		class := Classify(err)
		span.SetAttributes(
			attribute.Int(observability.AttrRetryAttempt, attempt),
			attribute.String(observability.AttrRetryErrorClass, string(class)),
		)
		if class != ClassRetryable || attempt >= req.Retry.MaxRetries {
			return nil, err
		}

		span.AddEvent("retrying")
		iv.metrics.RecordRetry(string(class))
		if sleepErr := iv.sleep(ctx, backoffDelay(attempt, req.Retry)); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

// attempt races one invocation against the tool timeout. The goroutine
// keeps its buffered channel, so a timed-out tool cannot block forever.
func (iv *Invoker) attempt(ctx context.Context, tool *Definition, input map[string]any, timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %q panicked: %v", tool.ID, r)}
			}
		}()
		value, err := tool.Invoke(attemptCtx, input)
		done <- outcome{value: value, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{ToolID: tool.ID, Timeout: timeout}
	}
}

// backoffDelay computes min(backoffMs * 2^attempt, maxBackoffMs) plus
// uniform jitter in [0, jitterMs).
func backoffDelay(attempt int, retry config.RetryPolicy) time.Duration {
	base := time.Duration(retry.BackoffMs) * time.Millisecond
	ceiling := time.Duration(retry.MaxBackoffMs) * time.Millisecond

	delay := base
	for i := 0; i < attempt && delay < ceiling; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	if retry.JitterMs > 0 {
		delay += time.Duration(rand.Int64N(int64(retry.JitterMs))) * time.Millisecond
	}
	return delay
}
