// Package mcpserver exposes the Daraja tool registry to AI assistants over
// the Model Context Protocol on stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/daraja/internal/tools"
)

// Config configures the MCP server.
type Config struct {
	// User is the permission identity every tool call from this MCP session
	// runs as. Stdio sessions are single-user by construction.
	User string `json:"user" yaml:"user"`
}

// Server serves the tool registry over MCP stdio.
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New builds an MCP server from the registry. Tool schemas are passed
// through raw: what the descriptor declares is exactly what the assistant
// sees.
func New(reg *tools.Registry, cfg Config, version string, logger *slog.Logger) (*Server, error) {
	s := server.NewMCPServer("daraja", version,
		server.WithToolCapabilities(false),
	)

	for _, d := range reg.All() {
		schema, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %q: %w", d.Name, err)
		}
		tool := mcp.NewToolWithRawSchema(d.Name, d.Description, schema)
		s.AddTool(tool, adaptHandler(d, cfg.User, logger))
	}

	return &Server{mcp: s, logger: logger}, nil
}

// ServeStdio blocks serving the MCP session on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

// adaptHandler turns a tools.HandlerFunc into an MCP tool handler. Handler
// result maps become JSON text content; Go errors become MCP tool errors
// rather than protocol failures.
func adaptHandler(d tools.Descriptor, user string, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = tools.ContextWithUser(ctx, user)

		result, err := d.Handler(ctx, req.GetArguments())
		if err != nil {
			logger.WarnContext(ctx, "tool call failed",
				slog.String("tool", d.Name),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
