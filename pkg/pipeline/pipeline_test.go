package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/checkpoint"
	"github.com/maestro-run/maestro/pkg/config"
)

func upperFn(ctx context.Context, input string) (string, error) {
	return strings.ToUpper(input), nil
}

func TestRunThreadsStepOutputs(t *testing.T) {
	functions := NewFunctionRegistry()
	require.NoError(t, functions.Register("upper", Function(upperFn)))

	var agentSaw string
	invoke := func(ctx context.Context, agentID, message string) (string, error) {
		agentSaw = message
		return message + " [reviewed by " + agentID + "]", nil
	}

	e := NewExecutor([]config.PipelineConfig{{
		ID: "review",
		Steps: []config.PipelineStepConfig{
			{Function: "upper"},
			{Agent: "editor"},
		},
	}}, functions, invoke, nil)

	out, err := e.Run(context.Background(), "review", "run-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", agentSaw)
	assert.Equal(t, "HELLO [reviewed by editor]", out)
}

func TestRunUnknownPipeline(t *testing.T) {
	e := NewExecutor(nil, nil, nil, nil)
	_, err := e.Run(context.Background(), "ghost", "run-1", "hi")
	assert.ErrorContains(t, err, "not found")
}

func TestRunUnknownFunction(t *testing.T) {
	e := NewExecutor([]config.PipelineConfig{{
		ID:    "p",
		Steps: []config.PipelineStepConfig{{Function: "missing"}},
	}}, nil, nil, nil)
	_, err := e.Run(context.Background(), "p", "run-1", "hi")
	assert.ErrorContains(t, err, "not registered")
}

func TestRunSubPipeline(t *testing.T) {
	functions := NewFunctionRegistry()
	require.NoError(t, functions.Register("upper", Function(upperFn)))
	require.NoError(t, functions.Register("exclaim", Function(func(ctx context.Context, input string) (string, error) {
		return input + "!", nil
	})))

	e := NewExecutor([]config.PipelineConfig{
		{ID: "inner", Steps: []config.PipelineStepConfig{{Function: "upper"}}},
		{ID: "outer", Steps: []config.PipelineStepConfig{
			{Pipeline: "inner"},
			{Function: "exclaim"},
		}},
	}, functions, nil, nil)

	out, err := e.Run(context.Background(), "outer", "run-1", "hey")
	require.NoError(t, err)
	assert.Equal(t, "HEY!", out)
}

func TestRunCheckpointsEachStep(t *testing.T) {
	functions := NewFunctionRegistry()
	require.NoError(t, functions.Register("upper", Function(upperFn)))

	store := checkpoint.NewMemoryStore()
	e := NewExecutor([]config.PipelineConfig{{
		ID:    "p",
		Steps: []config.PipelineStepConfig{{Function: "upper"}, {Function: "upper"}},
	}}, functions, nil, store)

	_, err := e.Run(context.Background(), "p", "run-1", "hi")
	require.NoError(t, err)

	all, err := store.List(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, cp := range all {
		assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
		assert.Equal(t, "HI", cp.Context["output"])
	}
}

func TestRunResumesAfterFailure(t *testing.T) {
	functions := NewFunctionRegistry()
	calls := map[string]int{}
	require.NoError(t, functions.Register("first", Function(func(ctx context.Context, input string) (string, error) {
		calls["first"]++
		return input + "+first", nil
	})))
	failOnce := true
	require.NoError(t, functions.Register("flaky", Function(func(ctx context.Context, input string) (string, error) {
		calls["flaky"]++
		if failOnce {
			failOnce = false
			return "", errors.New("transient failure")
		}
		return input + "+flaky", nil
	})))

	store := checkpoint.NewMemoryStore()
	e := NewExecutor([]config.PipelineConfig{{
		ID:    "p",
		Steps: []config.PipelineStepConfig{{Function: "first"}, {Function: "flaky"}},
	}}, functions, nil, store)

	_, err := e.Run(context.Background(), "p", "run-1", "in")
	require.Error(t, err)

	// Retry resumes at the failed step with the recorded output of step 0.
	out, err := e.Run(context.Background(), "p", "run-1", "in")
	require.NoError(t, err)
	assert.Equal(t, "in+first+flaky", out)
	assert.Equal(t, 1, calls["first"])
	assert.Equal(t, 2, calls["flaky"])
}
