package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2025-03-26"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceDefinition is an MCP resource as returned by resources/list.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is one item of a resources/read result. Exactly one of
// Text or Blob (base64) is set.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ServerInfo describes the peer, captured during initialization.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`

	// Tools and Resources report the advertised capabilities. A server
	// that sends no capabilities object is assumed to offer both.
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type resourcesListResult struct {
	Resources  []ResourceDefinition `json:"resources"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

type readResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// hasCapability reports whether the initialize result advertises name.
func (r *initializeResult) hasCapability(name string) bool {
	if r.Capabilities == nil {
		return true
	}
	_, ok := r.Capabilities[name]
	return ok
}

// Notification methods that invalidate a server's catalog.
const (
	methodToolsListChanged     = "notifications/tools/list_changed"
	methodResourcesListChanged = "notifications/resources/list_changed"
)

// maxPages bounds cursor pagination against a misbehaving server.
const maxPages = 100

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image", "audio":
			marker := b.Type
			if b.MimeType != "" {
				marker += " " + b.MimeType
			}
			parts = append(parts, "["+marker+"]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// resourceText joins the text parts of a resource read.
func resourceText(contents []ResourceContent) string {
	var parts []string
	for _, c := range contents {
		if c.Text != "" {
			parts = append(parts, c.Text)
		} else if c.Blob != "" {
			parts = append(parts, fmt.Sprintf("[binary %s, %d base64 bytes]", c.MimeType, len(c.Blob)))
		}
	}
	return strings.Join(parts, "\n")
}
