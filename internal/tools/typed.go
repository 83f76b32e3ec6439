package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// NewTyped builds a Tool whose arguments decode into In. The input
// schema is reflected from In's json and jsonschema struct tags, so the
// schema the LLM sees always matches the struct the handler receives.
func NewTyped[In any](name, description string, fn func(ctx context.Context, in In) (string, error)) Tool {
	return &typedTool[In]{
		name:        name,
		description: description,
		schema:      SchemaFor[In](),
		fn:          fn,
	}
}

// SchemaFor reflects a JSON Schema object for T as a plain map.
func SchemaFor[T any]() map[string]any {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	var zero T
	s := r.Reflect(&zero)

	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

type typedTool[In any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, in In) (string, error)
}

func (t *typedTool[In]) Name() string                { return t.name }
func (t *typedTool[In]) Description() string         { return t.description }
func (t *typedTool[In]) InputSchema() map[string]any { return t.schema }

// Execute round-trips args through JSON into In.
func (t *typedTool[In]) Execute(ctx context.Context, args map[string]any) (string, error) {
	var in In
	if len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode arguments: %w", err)
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", t.name, err)
		}
	}
	return t.fn(ctx, in)
}
