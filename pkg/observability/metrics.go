package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the runtime's Prometheus collectors. A nil *Metrics is
// safe to call; every method no-ops, so tests can skip metric wiring.
type Metrics struct {
	TurnsTotal          *prometheus.CounterVec
	TurnDuration        prometheus.Histogram
	ToolExecutionsTotal *prometheus.CounterVec
	ToolDuration        *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec
	HandoffsTotal       prometheus.Counter
	MCPReconnectsTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_turns_total",
			Help: "Completed turns by routing kind and outcome.",
		}, []string{"kind", "status"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_turn_duration_seconds",
			Help:    "Wall-clock duration of a turn.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_tool_executions_total",
			Help: "Tool invocations by tool id and outcome.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_tool_duration_seconds",
			Help:    "Tool invocation duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_tool_retries_total",
			Help: "Tool retries by error class.",
		}, []string{"class"}),
		HandoffsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_handoffs_total",
			Help: "Agent-to-agent handoffs started.",
		}),
		MCPReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_mcp_reconnects_total",
			Help: "MCP reconnect attempts by server and outcome.",
		}, []string{"server", "status"}),
	}

	reg.MustRegister(
		m.TurnsTotal, m.TurnDuration, m.ToolExecutionsTotal, m.ToolDuration,
		m.RetriesTotal, m.HandoffsTotal, m.MCPReconnectsTotal,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordTurn(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(kind, status).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordToolExecution(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) RecordRetry(class string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(class).Inc()
}

func (m *Metrics) RecordHandoff() {
	if m == nil {
		return
	}
	m.HandoffsTotal.Inc()
}

func (m *Metrics) RecordMCPReconnect(server, status string) {
	if m == nil {
		return
	}
	m.MCPReconnectsTotal.WithLabelValues(server, status).Inc()
}
