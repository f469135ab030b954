// Package pipeline executes ordered compositions of agents, registered
// functions, and sub-pipelines, checkpointing each step so interrupted
// runs can resume.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maestro-run/maestro/pkg/checkpoint"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/registry"
)

// Function is a registered callable usable as a pipeline step or intent
// target. It receives the current message and returns the next one.
type Function func(ctx context.Context, input string) (string, error)

// FunctionRegistry maps function names to implementations.
type FunctionRegistry struct {
	*registry.BaseRegistry[Function]
}

func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{BaseRegistry: registry.NewBaseRegistry[Function]()}
}

// AgentInvoker runs one agent turn on behalf of a pipeline step. The
// engine supplies this so pipelines stay decoupled from the step loop.
type AgentInvoker func(ctx context.Context, agentID, message string) (string, error)

// Executor runs pipelines. Checkpoints are optional; without a store
// every run starts from step zero.
type Executor struct {
	pipelines   map[string]config.PipelineConfig
	functions   *FunctionRegistry
	invokeAgent AgentInvoker
	checkpoints checkpoint.Store
}

func NewExecutor(pipelines []config.PipelineConfig, functions *FunctionRegistry, invokeAgent AgentInvoker, checkpoints checkpoint.Store) *Executor {
	byID := make(map[string]config.PipelineConfig, len(pipelines))
	for _, p := range pipelines {
		byID[p.ID] = p
	}
	if functions == nil {
		functions = NewFunctionRegistry()
	}
	return &Executor{
		pipelines:   byID,
		functions:   functions,
		invokeAgent: invokeAgent,
		checkpoints: checkpoints,
	}
}

// Functions exposes the registry for intent targets.
func (e *Executor) Functions() *FunctionRegistry { return e.functions }

// Run executes the pipeline, threading each step's output into the next
// step's input. runID scopes checkpoints; when a run was interrupted,
// completed steps are skipped and their recorded output reused.
func (e *Executor) Run(ctx context.Context, pipelineID, runID, message string) (string, error) {
	cfg, ok := e.pipelines[pipelineID]
	if !ok {
		return "", fmt.Errorf("pipeline %q not found", pipelineID)
	}

	current := message
	start := 0
	if e.checkpoints != nil {
		if saved, err := e.checkpoints.List(ctx, runID); err != nil {
			slog.Warn("failed to read pipeline checkpoints, starting fresh", "pipeline", pipelineID, "run", runID, "error", err)
		} else {
			// Resume after the last contiguous completed step, reusing its
			// recorded output as the next step's input.
			for _, cp := range saved {
				if cp.Step != start || cp.Status != checkpoint.StatusCompleted {
					break
				}
				start = cp.Step + 1
				if out, ok := cp.Context["output"].(string); ok {
					current = out
				}
			}
		}
	}

	for i := start; i < len(cfg.Steps); i++ {
		step := cfg.Steps[i]

		if err := e.mark(ctx, pipelineID, runID, i, checkpoint.StatusInProgress, nil); err != nil {
			return "", err
		}

		out, err := e.runStep(ctx, step, runID, i, current)
		if err != nil {
			e.markBestEffort(ctx, pipelineID, runID, i, checkpoint.StatusFailed, map[string]any{"error": err.Error()})
			return "", fmt.Errorf("pipeline %s step %d: %w", pipelineID, i, err)
		}

		e.markBestEffort(ctx, pipelineID, runID, i, checkpoint.StatusCompleted, map[string]any{"output": out})
		current = out
	}
	return current, nil
}

func (e *Executor) runStep(ctx context.Context, step config.PipelineStepConfig, runID string, index int, input string) (string, error) {
	switch {
	case step.Agent != "":
		if e.invokeAgent == nil {
			return "", fmt.Errorf("agent step %q has no agent invoker", step.Agent)
		}
		return e.invokeAgent(ctx, step.Agent, input)
	case step.Function != "":
		fn, ok := e.functions.Get(step.Function)
		if !ok {
			return "", fmt.Errorf("function %q not registered", step.Function)
		}
		return fn(ctx, input)
	case step.Pipeline != "":
		// Sub-pipelines checkpoint under a derived run id so their steps
		// do not collide with the parent's.
		return e.Run(ctx, step.Pipeline, fmt.Sprintf("%s/%d", runID, index), input)
	default:
		return "", fmt.Errorf("pipeline step has no target")
	}
}

func (e *Executor) mark(ctx context.Context, pipelineID, runID string, step int, status checkpoint.Status, stepCtx map[string]any) error {
	if e.checkpoints == nil {
		return nil
	}
	return e.checkpoints.Save(ctx, checkpoint.Checkpoint{
		RunID:      runID,
		PipelineID: pipelineID,
		Step:       step,
		Status:     status,
		Context:    stepCtx,
	})
}

func (e *Executor) markBestEffort(ctx context.Context, pipelineID, runID string, step int, status checkpoint.Status, stepCtx map[string]any) {
	if err := e.mark(ctx, pipelineID, runID, step, status, stepCtx); err != nil {
		slog.Warn("failed to save pipeline checkpoint", "pipeline", pipelineID, "run", runID, "step", step, "error", err)
	}
}
