// Package mcp exposes a pilot as Model Context Protocol browser tools over
// stdio or streamable HTTP.
package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/webpilot/internal/mcp/mcpctx"
	"github.com/neboloop/webpilot/internal/mcp/tools"
	"github.com/neboloop/webpilot/internal/pilot"
)

// Version is reported in the MCP implementation info.
var Version = "dev"

// NewServer creates an MCP server with every browser tool registered.
// This is a convenience wrapper around NewServerWithContext that discards the toolCtx.
func NewServer(p *pilot.Pilot, logger *slog.Logger) *mcp.Server {
	server, _ := NewServerWithContext(p, logger)
	return server
}

// NewServerWithContext creates an MCP server and returns the ToolContext
// its tools share.
func NewServerWithContext(p *pilot.Pilot, logger *slog.Logger) (*mcp.Server, *mcpctx.ToolContext) {
	if logger == nil {
		logger = slog.Default()
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "webpilot",
		Version: Version,
	}, &mcp.ServerOptions{
		Instructions: "Drive a Chrome tab: navigate, take a snapshot to get element refs, then click or fill by ref.",
	})

	toolCtx := mcpctx.NewToolContext(p, logger)
	tools.RegisterNavigateTool(server, toolCtx)
	tools.RegisterSnapshotTool(server, toolCtx)
	tools.RegisterClickTool(server, toolCtx)
	tools.RegisterFillTool(server, toolCtx)
	tools.RegisterStepsTool(server, toolCtx)
	tools.RegisterFrameTool(server, toolCtx)
	tools.RegisterTargetsTool(server, toolCtx)

	return server, toolCtx
}

// ServeStdio serves the tools on stdin/stdout until ctx is done or the
// client disconnects.
func ServeStdio(ctx context.Context, p *pilot.Pilot, logger *slog.Logger) error {
	return NewServer(p, logger).Run(ctx, &mcp.StdioTransport{})
}
