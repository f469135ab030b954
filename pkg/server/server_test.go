package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/llms"
	"github.com/maestro-run/maestro/pkg/observability"
	"github.com/maestro-run/maestro/pkg/runtime"
)

type cannedProvider struct {
	mu   sync.Mutex
	text string
}

func (p *cannedProvider) Name() string { return "scripted" }

func (p *cannedProvider) Generate(ctx context.Context, req *llms.GenerateRequest) (*llms.GenerateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &llms.GenerateResult{Text: p.text}, nil
}

func (p *cannedProvider) GenerateStream(ctx context.Context, req *llms.GenerateRequest) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	text := p.text
	p.mu.Unlock()
	out := make(chan llms.StreamChunk, 1)
	out <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: text}
	close(out)
	return out, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Agents: []config.AgentConfig{{
			ID:          "helper",
			Instruction: "You are helpful.",
			Model:       config.ModelConfig{Provider: "scripted", Model: "gpt-4"},
		}},
		Router: config.RouterConfig{DefaultAgent: "helper"},
	}
	cfg.SetDefaults()

	providers := llms.NewRegistry()
	require.NoError(t, providers.RegisterProvider(&cannedProvider{text: "hello back"}))

	engine, err := runtime.New(context.Background(), cfg, providers,
		runtime.WithMetrics(observability.NewMetrics()))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	return New(cfg.Server, engine)
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestTurnEndpoint(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	rec := postJSON(t, handler, "/v1/turns", TurnRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runtime.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello back", resp.Content)
	assert.True(t, strings.HasPrefix(resp.ConversationID, "conv_"))
}

func TestTurnEndpointValidation(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	rec := postJSON(t, handler, "/v1/turns", TurnRequest{Message: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, handler, "/v1/turns", TurnRequest{Message: "hi", RequireConversationID: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEndpointEmitsSSE(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	rec := postJSON(t, handler, "/v1/turns/stream", TurnRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var eventNames []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			eventNames = append(eventNames, name)
		}
	}
	assert.Equal(t, "run-start", eventNames[0])
	assert.Equal(t, "run-end", eventNames[len(eventNames)-1])
	assert.Contains(t, eventNames, "token")
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// A completed turn populates the turn counters.
	postJSON(t, handler, "/v1/turns", TurnRequest{Message: "hi"})

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "maestro_turns_total")
}