package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is not
// published: filtered out by the agent scope, withdrawn by a reconnect,
// or never discovered. Retrying will not help until discovery runs again.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available to this agent", e.ToolName)
}
