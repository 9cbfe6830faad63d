package cot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/mcp"
)

// ToolProvider is the tool-execution capability the controller consumes.
// A call may legitimately yield zero outcomes.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]mcp.ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) ([]mcp.Outcome, error)
}

// Toolset routes tool calls across one or more MCP servers by tool name.
type Toolset struct {
	clients []*mcp.Client
	logger  *zap.Logger
}

// NewToolset creates a toolset over already-connected MCP clients.
func NewToolset(clients []*mcp.Client, logger *zap.Logger) *Toolset {
	return &Toolset{clients: clients, logger: logger}
}

// ListTools aggregates the tool catalogues of every backing server.
func (t *Toolset) ListTools(ctx context.Context) ([]mcp.ToolInfo, error) {
	var all []mcp.ToolInfo
	for _, c := range t.clients {
		all = append(all, c.Tools()...)
	}
	return all, nil
}

// CallTool dispatches to the server exposing the named tool.
func (t *Toolset) CallTool(ctx context.Context, name string, args map[string]any) ([]mcp.Outcome, error) {
	for _, c := range t.clients {
		for _, info := range c.Tools() {
			if info.Name == name {
				return c.CallTool(ctx, name, args)
			}
		}
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}
