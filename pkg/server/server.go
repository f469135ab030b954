// Package server exposes the engine over HTTP: a blocking turn endpoint,
// an SSE streaming endpoint, health, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/runtime"
)

// TurnRequest is the JSON body of both turn endpoints.
type TurnRequest struct {
	Message               string         `json:"message"`
	ConversationID        string         `json:"conversationId,omitempty"`
	RequireConversationID bool           `json:"requireConversationId,omitempty"`
	UseSemanticMatching   bool           `json:"useSemanticMatching,omitempty"`
	SemanticThreshold     float64        `json:"semanticThreshold,omitempty"`
	Role                  string         `json:"role,omitempty"`
	UserID                string         `json:"userId,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

func (r TurnRequest) turnOptions() runtime.TurnOptions {
	return runtime.TurnOptions{
		ConversationID:        r.ConversationID,
		RequireConversationID: r.RequireConversationID,
		UseSemanticMatching:   r.UseSemanticMatching,
		SemanticThreshold:     r.SemanticThreshold,
		Role:                  r.Role,
		UserID:                r.UserID,
		Metadata:              r.Metadata,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// Server serves the engine's turn API.
type Server struct {
	engine *runtime.Engine
	http   *http.Server
}

// New builds a server bound per config.
func New(cfg config.ServerConfig, engine *runtime.Engine) *Server {
	s := &Server{engine: engine}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if reg := s.engine.Metrics().Registry(); reg != nil {
		r.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.Post("/v1/turns", s.handleTurn)
	r.Post("/v1/turns/stream", s.handleTurnStream)
	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	resp, err := s.engine.ProcessMessage(r.Context(), req.Message, req.turnOptions())
	if err != nil {
		var verr *runtime.MessageValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error()})
			return
		}
		slog.Error("turn failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "turn failed"})
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no route for message"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	events, err := s.engine.StreamMessage(r.Context(), req.Message, req.turnOptions())
	if err != nil {
		var verr *runtime.MessageValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error()})
			return
		}
		slog.Error("streaming turn failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "turn failed"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range events {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: ", ev.Type); err != nil {
			return
		}
		if err := enc.Encode(ev); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
