package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/protocol"
)

func TestOpenAIGenerate(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		fmt.Fprint(w, `{
			"choices": [{"message": {
				"role": "assistant",
				"content": "checking the weather",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]
			}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	res, err := p.Generate(context.Background(), &GenerateRequest{
		Model: "gpt-4",
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Parts: []protocol.Part{protocol.TextPart("be brief")}},
			protocol.NewUserMessage("weather in paris?"),
		},
		Tools: []ToolDefinition{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "checking the weather", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "get_weather", res.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"city": "Paris"}, res.ToolCalls[0].Args)
	assert.Equal(t, 17, res.Usage.TotalTokens)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "get_weather", captured.Tools[0].Function.Name)
}

func TestOpenAIToolChoiceMapping(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	base := GenerateRequest{
		Model:    "gpt-4",
		Messages: []protocol.Message{protocol.NewUserMessage("hi")},
	}

	for _, choice := range []config.ToolChoice{"", config.ToolChoiceAuto} {
		req := base
		req.ToolChoice = choice
		out, err := p.buildRequest(&req, false)
		require.NoError(t, err)
		assert.Nil(t, out.ToolChoice)
	}

	req := base
	req.ToolChoice = config.ToolChoiceRequired
	out, err := p.buildRequest(&req, false)
	require.NoError(t, err)
	assert.Equal(t, "required", out.ToolChoice)

	req.ToolChoice = config.ToolChoiceNone
	out, err = p.buildRequest(&req, false)
	require.NoError(t, err)
	assert.Equal(t, "none", out.ToolChoice)

	// A specific tool name becomes the object directive form.
	req.ToolChoice = "get_weather"
	out, err = p.buildRequest(&req, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"type":     "function",
		"function": map[string]string{"name": "get_weather"},
	}, out.ToolChoice)
}

func TestOpenAIGenerateToolHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// assistant tool call followed by a tool-role result message.
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "assistant", req.Messages[1].Role)
		require.Len(t, req.Messages[1].ToolCalls, 1)
		assert.Equal(t, "tool", req.Messages[2].Role)
		assert.Equal(t, "call_1", req.Messages[2].ToolCallID)

		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "21C"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL})
	res, err := p.Generate(context.Background(), &GenerateRequest{
		Model: "gpt-4",
		Messages: []protocol.Message{
			protocol.NewUserMessage("weather?"),
			protocol.NewAssistantMessage(protocol.ToolCallPart(protocol.ToolCall{
				ID: "call_1", Name: "get_weather", Args: map[string]any{"city": "Paris"},
			})),
			protocol.NewToolMessage(protocol.ToolResult{ID: "call_1", Name: "get_weather", Result: "21C"}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "21C", res.Text)
}

func TestOpenAIGenerateErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "invalid api key", "type": "auth"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "bad"})
	_, err := p.Generate(context.Background(), &GenerateRequest{
		Model:    "gpt-4",
		Messages: []protocol.Message{protocol.NewUserMessage("hi")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Contains(t, err.Error(), "401")
}

func TestOpenAIGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"choices":[{"delta":{"content":"hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			// Tool call arguments arrive fragmented across deltas.
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":3,"total_tokens":7}}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL})
	chunks, err := p.GenerateStream(context.Background(), &GenerateRequest{
		Model:    "gpt-4",
		Messages: []protocol.Message{protocol.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var text string
	var calls []protocol.ToolCall
	var usage *Usage
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		switch chunk.Type {
		case ChunkTypeText:
			text += chunk.Text
		case ChunkTypeToolCall:
			calls = append(calls, *chunk.ToolCall)
		case ChunkTypeUsage:
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "hello", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.Equal(t, map[string]any{"q": "go"}, calls[0].Args)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

func TestOpenAIGenerateStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"rate limit\"}}\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL})
	chunks, err := p.GenerateStream(context.Background(), &GenerateRequest{
		Model:    "gpt-4",
		Messages: []protocol.Message{protocol.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var sawErr error
	for chunk := range chunks {
		if chunk.Err != nil {
			sawErr = chunk.Err
		}
	}
	require.Error(t, sawErr)
	assert.Contains(t, sawErr.Error(), "rate limit")
}
