// Package mcp is the MCP (Model Context Protocol) client subsystem. It
// connects an agent to any number of external MCP servers, discovers
// their tools and resources, and bridges the tools into a
// [tools.Registry] so the agent loop calls remote and local tools the
// same way.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (a subprocess
// speaking newline- or Content-Length-framed JSON) and streamable HTTP
// (POST per message, responses as JSON or server-sent events).
//
// The pieces, leaf first:
//
//   - [Transport] moves JSON-RPC messages and correlates responses.
//   - [Conn] is one protocol session with one server. It owns the
//     lifecycle state machine and applies the retry policy.
//   - [Manager] owns one Conn per server in an agent's scope, runs
//     discovery, and publishes [RemoteTool] adapters.
//
// This package covers the client side only.
package mcp
