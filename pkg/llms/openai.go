package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/protocol"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures the OpenAI-compatible chat-completions client.
// Any endpoint speaking the same wire format works (vLLM, Ollama's
// /v1 surface, most gateways).
type OpenAIConfig struct {
	// Name is the provider id agents reference. Default "openai".
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// OpenAIProvider talks to an OpenAI-compatible chat-completions endpoint.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OpenAIProvider) Name() string { return p.cfg.Name }

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Tools         []openAITool    `json:"tools,omitempty"`
	ToolChoice    any             `json:"tool_choice,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta openAIMessage `json:"delta"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (p *OpenAIProvider) buildRequest(req *GenerateRequest, stream bool) (openAIRequest, error) {
	out := openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}

	for _, msg := range req.Messages {
		converted, err := toOpenAIMessages(msg)
		if err != nil {
			return openAIRequest{}, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		var t openAITool
		t.Type = "function"
		t.Function.Name = tool.Name
		t.Function.Description = tool.Description
		t.Function.Parameters = tool.Parameters
		out.Tools = append(out.Tools, t)
	}

	switch req.ToolChoice {
	case "", config.ToolChoiceAuto:
	case config.ToolChoiceRequired:
		out.ToolChoice = "required"
	case config.ToolChoiceNone:
		out.ToolChoice = "none"
	default:
		// Any other value names a specific tool the model must call.
		out.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": string(req.ToolChoice)},
		}
	}
	return out, nil
}

// toOpenAIMessages flattens one protocol message. A tool message with
// several results becomes one wire message per result.
func toOpenAIMessages(msg protocol.Message) ([]openAIMessage, error) {
	switch msg.Role {
	case protocol.RoleSystem:
		return []openAIMessage{{Role: "system", Content: msg.Text()}}, nil
	case protocol.RoleUser:
		return []openAIMessage{{Role: "user", Content: msg.Text()}}, nil
	case protocol.RoleAssistant:
		out := openAIMessage{Role: "assistant", Content: msg.Text()}
		for _, call := range msg.ToolCalls() {
			args, err := json.Marshal(call.Args)
			if err != nil {
				return nil, fmt.Errorf("encode tool call args: %w", err)
			}
			wire := openAIToolCall{ID: call.ID, Type: "function"}
			wire.Function.Name = call.Name
			wire.Function.Arguments = string(args)
			out.ToolCalls = append(out.ToolCalls, wire)
		}
		return []openAIMessage{out}, nil
	case protocol.RoleTool:
		var out []openAIMessage
		for _, res := range msg.ToolResults() {
			content, err := json.Marshal(res.Result)
			if err != nil {
				return nil, fmt.Errorf("encode tool result: %w", err)
			}
			out = append(out, openAIMessage{Role: "tool", Content: string(content), ToolCallID: res.ID})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported message role %q", msg.Role)
	}
}

func parseWireToolCalls(calls []openAIToolCall) ([]protocol.ToolCall, error) {
	var out []protocol.ToolCall
	for _, call := range calls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("decode tool call %q args: %w", call.Function.Name, err)
			}
		}
		out = append(out, protocol.ToolCall{ID: call.ID, Name: call.Function.Name, Args: args})
	}
	return out, nil
}

func (p *OpenAIProvider) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		var parsed openAIResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			return nil, fmt.Errorf("api request failed with status %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("api request failed with status %d: %s", resp.StatusCode, string(raw))
	}
	return resp, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	wire, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.post(ctx, wire)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("api response contains no choices")
	}

	choice := parsed.Choices[0].Message
	calls, err := parseWireToolCalls(choice.ToolCalls)
	if err != nil {
		return nil, err
	}

	result := &GenerateResult{Text: choice.Content, ToolCalls: calls}
	if parsed.Usage != nil {
		result.Usage = Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (p *OpenAIProvider) GenerateStream(ctx context.Context, req *GenerateRequest) (<-chan StreamChunk, error) {
	wire, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.post(ctx, wire)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := p.consumeStream(ctx, resp.Body, out); err != nil {
			select {
			case out <- StreamChunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// consumeStream reads server-sent events, emitting text deltas as they
// arrive and assembled tool calls at the end. Tool call arguments stream
// in fragments keyed by index.
func (p *OpenAIProvider) consumeStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) error {
	reader := bufio.NewReader(body)
	var pending []openAIToolCall
	var usage *Usage

	emit := func(chunk StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("api error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if !emit(StreamChunk{Type: ChunkTypeText, Text: delta.Content}) {
				return ctx.Err()
			}
		}
		for _, call := range delta.ToolCalls {
			switch {
			case call.Index != nil:
				for *call.Index >= len(pending) {
					pending = append(pending, openAIToolCall{})
				}
				slot := &pending[*call.Index]
				if call.ID != "" {
					slot.ID = call.ID
				}
				if call.Function.Name != "" {
					slot.Function.Name = call.Function.Name
				}
				slot.Function.Arguments += call.Function.Arguments
			case call.ID != "":
				pending = append(pending, call)
			case len(pending) > 0:
				pending[len(pending)-1].Function.Arguments += call.Function.Arguments
			}
		}
	}

	calls, err := parseWireToolCalls(pending)
	if err != nil {
		return err
	}
	for i := range calls {
		if !emit(StreamChunk{Type: ChunkTypeToolCall, ToolCall: &calls[i]}) {
			return ctx.Err()
		}
	}
	if usage != nil {
		if !emit(StreamChunk{Type: ChunkTypeUsage, Usage: usage}) {
			return ctx.Err()
		}
	}
	return nil
}
