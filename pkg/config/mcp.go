package config

import (
	"fmt"
	"time"
)

// MCPTransport selects how an MCP server is reached.
type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportHTTP  MCPTransport = "http"
	MCPTransportSSE   MCPTransport = "sse"
)

// MCPServerConfig configures one external MCP tool server.
type MCPServerConfig struct {
	// ID identifies the server; discovered tools are namespaced "<id>/<tool>".
	ID string `yaml:"id" json:"id" jsonschema:"minLength=1"`

	// Transport selects stdio, http (streamable), or sse.
	Transport MCPTransport `yaml:"transport" json:"transport" jsonschema:"enum=stdio,enum=http,enum=sse"`

	// URL is the server endpoint for http/sse transports.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Command and Args launch the subprocess for stdio transport.
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env is extra environment for the stdio subprocess.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// HealthIntervalMs enables the health loop when > 0.
	HealthIntervalMs int `yaml:"health_interval_ms,omitempty" json:"health_interval_ms,omitempty"`

	// Reconnect bounds reconnect attempts after a failed health check.
	Reconnect RetryPolicy `yaml:"reconnect,omitempty" json:"reconnect,omitempty"`

	// Lazy defers connecting until the server's tools are first needed.
	Lazy bool `yaml:"lazy,omitempty" json:"lazy,omitempty"`
}

func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = MCPTransportStdio
		} else {
			c.Transport = MCPTransportHTTP
		}
	}
	if c.Reconnect.MaxRetries == 0 {
		c.Reconnect.MaxRetries = 3
	}
}

func (c MCPServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("mcp server id cannot be empty")
	}
	switch c.Transport {
	case MCPTransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcp server %s: stdio transport requires command", c.ID)
		}
	case MCPTransportHTTP, MCPTransportSSE:
		if c.URL == "" {
			return fmt.Errorf("mcp server %s: %s transport requires url", c.ID, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %s: unknown transport %q", c.ID, c.Transport)
	}
	return nil
}

// HealthInterval returns the health-check period (0 disables the loop).
func (c MCPServerConfig) HealthInterval() time.Duration {
	if c.HealthIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.HealthIntervalMs) * time.Millisecond
}
