// Package tools defines the tool capability handed to the agent and the
// registry that holds it. Tools come from two places: remote MCP servers
// (bridged by package mcp) and local Go functions (see [Func] and
// [NewTyped]). The agent sees no difference between them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Tool is a callable capability exposed to the LLM.
type Tool interface {
	// Name is the identifier the LLM uses to call the tool. It is unique
	// within a registry.
	Name() string

	// Description tells the LLM what the tool does.
	Description() string

	// InputSchema is the JSON Schema object for the tool's arguments.
	InputSchema() map[string]any

	// Execute runs the tool and returns its textual result.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Func is a Tool backed by a plain handler function.
type Func struct {
	ToolName        string
	ToolDescription string
	Parameters      map[string]any
	Handler         func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string                { return f.ToolName }
func (f *Func) Description() string         { return f.ToolDescription }
func (f *Func) InputSchema() map[string]any { return f.Parameters }

// Execute calls the handler.
func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	if f.Handler == nil {
		return "", fmt.Errorf("tool %s has no handler", f.ToolName)
	}
	return f.Handler(ctx, args)
}

// Registry holds available tools. It is safe for concurrent use; the
// MCP manager publishes into it while the agent loop reads from it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes the named tool. It reports whether a tool was
// removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Tools returns every registered tool sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AllToolNames returns the names of all registered tools, sorted.
func (r *Registry) AllToolNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// List returns all tools in the function-calling shape LLM providers
// expect.
func (r *Registry) List() []map[string]any {
	tools := r.Tools()
	result := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  t.InputSchema(),
			},
		})
	}
	return result
}

// Execute runs a tool by name with JSON-encoded arguments. An unknown
// name yields [*ErrToolUnavailable].
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	return tool.Execute(ctx, args)
}

// Select returns a new registry holding the tools whose names satisfy
// match. The tools are shared, not copied; the source registry is not
// modified.
func (r *Registry) Select(match func(name string) bool) *Registry {
	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, t := range r.tools {
		if match(name) {
			out.tools[name] = t
		}
	}
	return out
}
