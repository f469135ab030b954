package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/observability"
	"github.com/maestro-run/maestro/pkg/tools"
)

// Status is a server's lifecycle state.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// reconnectBaseDelay anchors the 1s, 2s, 4s reconnect backoff.
const reconnectBaseDelay = time.Second

type serverEntry struct {
	cfg config.MCPServerConfig

	mu     sync.Mutex
	conn   Connector
	status Status
	tools  []ToolInfo

	stopHealth   chan struct{}
	healthDone   chan struct{}
	reconnecting bool
}

// Registry owns MCP server lifecycles. Each server's state is independent:
// one bad server never prevents others from connecting.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry
	order   []string

	dial    Dialer
	connect singleflight.Group
	metrics *observability.Metrics
	tracer  trace.Tracer

	// sleep is swapped in tests to avoid real reconnect backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistry builds a registry. dial defaults to DefaultDialer; metrics
// may be nil.
func NewRegistry(dial Dialer, metrics *observability.Metrics) *Registry {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Registry{
		servers: make(map[string]*serverEntry),
		dial:    dial,
		metrics: metrics,
		tracer:  observability.GetTracer("maestro.mcp"),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Register connects to the server immediately. A failed connection is
// logged and leaves the server unregistered; it never returns an error for
// connection failures, only for duplicate ids.
func (r *Registry) Register(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Lazy {
		return r.RegisterLazy(cfg)
	}

	entry, err := r.addEntry(cfg)
	if err != nil {
		return err
	}

	if err := r.initialize(ctx, entry); err != nil {
		slog.Warn("failed to connect to MCP server, leaving unregistered",
			"server", cfg.ID, "error", err)
		r.removeEntry(cfg.ID)
		return nil
	}
	r.startHealthLoop(entry)
	return nil
}

// RegisterLazy stores the config without connecting. The first
// EnsureConnected call performs the handshake.
func (r *Registry) RegisterLazy(cfg config.MCPServerConfig) error {
	_, err := r.addEntry(cfg)
	return err
}

func (r *Registry) addEntry(cfg config.MCPServerConfig) (*serverEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[cfg.ID]; exists {
		return nil, fmt.Errorf("MCP server %q already registered", cfg.ID)
	}
	entry := &serverEntry{cfg: cfg, status: StatusUnregistered}
	r.servers[cfg.ID] = entry
	r.order = append(r.order, cfg.ID)
	return entry, nil
}

func (r *Registry) removeEntry(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) entry(id string) (*serverEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.servers[id]
	return entry, ok
}

// initialize dials and handshakes one server, updating status and tools.
func (r *Registry) initialize(ctx context.Context, entry *serverEntry) error {
	ctx, span := r.tracer.Start(ctx, observability.SpanMCPConnect,
		trace.WithAttributes(attribute.String("mcp.server", entry.cfg.ID)))
	defer span.End()

	entry.mu.Lock()
	entry.status = StatusConnecting
	entry.mu.Unlock()

	conn, err := r.dial(entry.cfg)
	if err == nil {
		var infos []ToolInfo
		infos, err = conn.Initialize(ctx)
		if err != nil {
			_ = conn.Close()
		} else {
			entry.mu.Lock()
			entry.conn = conn
			entry.status = StatusConnected
			entry.tools = infos
			entry.mu.Unlock()
			span.SetStatus(codes.Ok, "")
			slog.Info("connected to MCP server",
				"server", entry.cfg.ID, "transport", entry.cfg.Transport, "tools", len(infos))
			return nil
		}
	}

	entry.mu.Lock()
	entry.status = StatusDisconnected
	entry.mu.Unlock()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// EnsureConnected connects a lazily registered server on first use.
// Idempotent; concurrent callers for one id share a single initialize.
func (r *Registry) EnsureConnected(ctx context.Context, id string) error {
	entry, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("MCP server %q not registered", id)
	}

	entry.mu.Lock()
	status := entry.status
	entry.mu.Unlock()
	if status == StatusConnected {
		return nil
	}

	_, err, _ := r.connect.Do(id, func() (any, error) {
		// Re-check under the flight: a concurrent winner may have
		// connected already.
		entry.mu.Lock()
		connected := entry.status == StatusConnected
		entry.mu.Unlock()
		if connected {
			return nil, nil
		}
		if err := r.initialize(ctx, entry); err != nil {
			return nil, err
		}
		r.startHealthLoop(entry)
		return nil, nil
	})
	return err
}

// Status reports a server's lifecycle state.
func (r *Registry) Status(id string) Status {
	entry, ok := r.entry(id)
	if !ok {
		return StatusUnregistered
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.status
}

// ServerIDs lists registered servers in registration order.
func (r *Registry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// DiscoverTools returns the server's tools as definitions namespaced
// "<serverId>/<toolName>". Disconnected servers yield a recoverable error.
func (r *Registry) DiscoverTools(id string) ([]*tools.Definition, error) {
	entry, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("MCP server %q not registered", id)
	}

	entry.mu.Lock()
	status := entry.status
	infos := append([]ToolInfo(nil), entry.tools...)
	entry.mu.Unlock()

	if status != StatusConnected {
		return nil, fmt.Errorf("MCP server %q is %s, tools unavailable", id, status)
	}

	defs := make([]*tools.Definition, 0, len(infos))
	for _, info := range infos {
		defs = append(defs, r.bridgeTool(entry, info))
	}
	return defs, nil
}

// bridgeTool wraps a native server tool as a local definition whose
// invoker forwards to the server.
func (r *Registry) bridgeTool(entry *serverEntry, info ToolInfo) *tools.Definition {
	namespaced := entry.cfg.ID + "/" + info.Name
	nativeName := info.Name
	return &tools.Definition{
		ID:            namespaced,
		Name:          namespaced,
		Description:   info.Description,
		RawParameters: info.InputSchema,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			entry.mu.Lock()
			conn := entry.conn
			status := entry.status
			entry.mu.Unlock()
			if status != StatusConnected || conn == nil {
				// Non-retryable by message: the health loop owns recovery.
				return nil, fmt.Errorf("MCP server %q is %s; tool %q cannot run", entry.cfg.ID, status, nativeName)
			}
			return conn.CallTool(ctx, nativeName, args)
		},
	}
}

// DiscoverAll collects tools across all servers, skipping disconnected
// ones with a warning. The scan never aborts.
func (r *Registry) DiscoverAll() []*tools.Definition {
	var all []*tools.Definition
	for _, id := range r.ServerIDs() {
		defs, err := r.DiscoverTools(id)
		if err != nil {
			slog.Warn("skipping MCP server during discovery", "server", id, "error", err)
			continue
		}
		all = append(all, defs...)
	}
	return all
}

// startHealthLoop spawns the per-server health ticker when an interval is
// configured. No-op otherwise, and never started twice.
func (r *Registry) startHealthLoop(entry *serverEntry) {
	interval := entry.cfg.HealthInterval()
	if interval <= 0 {
		return
	}

	entry.mu.Lock()
	if entry.stopHealth != nil {
		entry.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	entry.stopHealth = stop
	entry.healthDone = done
	entry.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !r.healthCheck(entry) {
					return
				}
			}
		}
	}()
}

// healthCheck pings the server and reconnects on failure. Returns false
// when the loop should stop (reconnect exhausted).
func (r *Registry) healthCheck(entry *serverEntry) bool {
	entry.mu.Lock()
	conn := entry.conn
	status := entry.status
	if entry.reconnecting {
		entry.mu.Unlock()
		return true
	}
	entry.mu.Unlock()

	if status == StatusConnected && conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := conn.Ping(ctx)
		cancel()
		if err == nil {
			return true
		}
		slog.Warn("MCP health check failed", "server", entry.cfg.ID, "error", err)
		entry.mu.Lock()
		entry.status = StatusDisconnected
		entry.mu.Unlock()
	}

	return r.reconnect(entry)
}

// reconnect retries initialize with 1s, 2s, 4s backoff up to the
// configured attempts. On exhaustion the server enters error state and its
// health loop stops.
func (r *Registry) reconnect(entry *serverEntry) bool {
	entry.mu.Lock()
	if entry.reconnecting {
		entry.mu.Unlock()
		return true
	}
	entry.reconnecting = true
	if entry.conn != nil {
		_ = entry.conn.Close()
		entry.conn = nil
	}
	entry.mu.Unlock()
	defer func() {
		entry.mu.Lock()
		entry.reconnecting = false
		entry.mu.Unlock()
	}()

	ctx, span := r.tracer.Start(context.Background(), observability.SpanMCPReconnect,
		trace.WithAttributes(attribute.String("mcp.server", entry.cfg.ID)))
	defer span.End()

	maxAttempts := entry.cfg.Reconnect.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		span.AddEvent("reconnect_attempt", trace.WithAttributes(
			attribute.Int(observability.AttrRetryAttempt, attempt)))
		if err := r.initialize(ctx, entry); err != nil {
			r.metrics.RecordMCPReconnect(entry.cfg.ID, "failed")
			slog.Warn("MCP reconnect attempt failed",
				"server", entry.cfg.ID, "attempt", attempt+1, "error", err)
			if attempt < maxAttempts-1 {
				if sleepErr := r.sleep(ctx, reconnectBaseDelay<<attempt); sleepErr != nil {
					return false
				}
			}
			continue
		}

		r.metrics.RecordMCPReconnect(entry.cfg.ID, "ok")
		span.SetStatus(codes.Ok, "")
		return true
	}

	entry.mu.Lock()
	entry.status = StatusError
	entry.mu.Unlock()
	r.metrics.RecordMCPReconnect(entry.cfg.ID, "exhausted")
	span.SetStatus(codes.Error, "reconnect attempts exhausted")
	slog.Error("MCP reconnect exhausted, stopping health loop", "server", entry.cfg.ID)
	return false
}

// Shutdown stops all health loops first, then closes clients in
// registration order. Close errors are logged, never propagated.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, id := range ids {
		entry, ok := r.entry(id)
		if !ok {
			continue
		}
		entry.mu.Lock()
		stop, done := entry.stopHealth, entry.healthDone
		entry.stopHealth, entry.healthDone = nil, nil
		entry.mu.Unlock()
		if stop != nil {
			close(stop)
			<-done
		}
	}

	for _, id := range ids {
		entry, ok := r.entry(id)
		if !ok {
			continue
		}
		entry.mu.Lock()
		conn := entry.conn
		entry.conn = nil
		entry.status = StatusDisconnected
		entry.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			slog.Warn("error closing MCP client", "server", id, "error", err)
		}
	}
}
