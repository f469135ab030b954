// Package mcp manages the lifecycle, health, and tool discovery of
// external MCP tool servers.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/maestro-run/maestro/pkg/config"
)

const (
	clientName    = "maestro"
	clientVersion = "0.1.0"
)

// ToolInfo describes one native tool on a server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Connector is the minimal client surface the registry needs. The real
// implementation wraps mcp-go; tests substitute fakes.
type Connector interface {
	// Initialize performs the protocol handshake and returns the server's
	// tools. Called at most once per connection attempt.
	Initialize(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer builds an unconnected Connector from a server config.
type Dialer func(cfg config.MCPServerConfig) (Connector, error)

// DefaultDialer builds mcp-go clients for stdio, sse, and streamable-http
// transports.
func DefaultDialer(cfg config.MCPServerConfig) (Connector, error) {
	var (
		c   *mcpclient.Client
		err error
	)
	switch cfg.Transport {
	case config.MCPTransportStdio:
		c, err = mcpclient.NewStdioMCPClient(cfg.Command, flattenEnv(cfg.Env), cfg.Args...)
	case config.MCPTransportSSE:
		c, err = mcpclient.NewSSEMCPClient(cfg.URL)
	case config.MCPTransportHTTP:
		c, err = mcpclient.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported MCP transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", cfg.ID, err)
	}
	return &mcpGoConnector{client: c, transport: cfg.Transport}, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

type mcpGoConnector struct {
	client    *mcpclient.Client
	transport config.MCPTransport
}

func (c *mcpGoConnector) Initialize(ctx context.Context) ([]ToolInfo, error) {
	if err := c.client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpproto.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	if _, err := c.client.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := c.client.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: rawSchemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

func rawSchemaToMap(schema mcpproto.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (c *mcpGoConnector) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	req := mcpproto.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP tool call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcpproto.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	result := strings.Join(texts, "\n")

	if resp.IsError {
		return nil, fmt.Errorf("MCP tool %q returned an error: %s", name, result)
	}
	return result, nil
}

func (c *mcpGoConnector) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *mcpGoConnector) Close() error {
	return c.client.Close()
}
