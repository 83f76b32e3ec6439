package mcp

import (
	"context"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// newTestMCPServer builds a real MCP server with two tools and one
// resource, served in-process over HTTP or from a helper subprocess
// over stdio.
func newTestMCPServer() *server.MCPServer {
	s := server.NewMCPServer("test-server", "1.2.3",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
	)

	s.AddTool(mcpgo.NewTool("echo",
		mcpgo.WithDescription("Echo the message back"),
		mcpgo.WithString("message",
			mcpgo.Description("Text to echo"),
			mcpgo.Required(),
		),
	), func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		msg, err := req.RequireString("message")
		if err != nil {
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		return mcpgo.NewToolResultText("echo: " + msg), nil
	})

	s.AddTool(mcpgo.NewTool("fail",
		mcpgo.WithDescription("Always reports a tool error"),
	), func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		return mcpgo.NewToolResultError("it broke"), nil
	})

	s.AddResource(mcpgo.NewResource("file:///reports/q1.txt", "q1",
		mcpgo.WithResourceDescription("First quarter report"),
		mcpgo.WithMIMEType("text/plain"),
	), func(ctx context.Context, req mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
		return []mcpgo.ResourceContents{
			mcpgo.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     "revenue up",
			},
		}, nil
	})

	return s
}
