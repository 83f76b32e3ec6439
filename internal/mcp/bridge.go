package mcp

import (
	"context"
	"regexp"
	"strings"
)

// qualifier separates the server and tool parts of a qualified name.
const qualifier = "__"

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// RemoteTool adapts one discovered MCP tool to [tools.Tool]. It does
// not hold its connection: every Execute looks the server up in the
// manager, so a reconnect is picked up and a removed server fails
// cleanly instead of keeping a dead connection alive.
type RemoteTool struct {
	manager *Manager
	server  string
	name    string
	def     ToolDefinition
}

// Name is the published name, qualified when the bare name collides.
func (t *RemoteTool) Name() string { return t.name }

// Description is the server's description.
func (t *RemoteTool) Description() string { return t.def.Description }

// InputSchema is the server's JSON Schema, or an empty object schema.
func (t *RemoteTool) InputSchema() map[string]any {
	if t.def.InputSchema == nil {
		return map[string]any{"type": "object"}
	}
	return t.def.InputSchema
}

// Server returns the owning server's name.
func (t *RemoteTool) Server() string { return t.server }

// RemoteName returns the tool's name on its server.
func (t *RemoteTool) RemoteName() string { return t.def.Name }

// Execute calls the tool on its server.
func (t *RemoteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	c := t.manager.conn(t.server)
	if c == nil {
		return "", newError(ErrServerNotFound, t.server, "tools/call "+t.def.Name, nil)
	}
	return c.CallTool(ctx, t.def.Name, args)
}

// ToolName builds the qualified name used when two servers expose the
// same tool: the sanitized server name, "__", and the tool name.
func ToolName(serverName, toolName string) string {
	return sanitize(serverName) + qualifier + toolName
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Runs of underscores
// are collapsed so the result never contains the qualifier, and
// leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}
