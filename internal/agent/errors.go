package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for agent operations
var (
	// ErrNoProvider indicates no model provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrConfirmationPending indicates the session already has a live
	// confirmation request (single-flight violation)
	ErrConfirmationPending = errors.New("session already has a pending confirmation request")

	// ErrRequestNotFound indicates an unknown confirmation request id
	ErrRequestNotFound = errors.New("confirmation request not found")

	// ErrTurnInProgress indicates a concurrent turn was attempted on a session
	ErrTurnInProgress = errors.New("session already has a turn in progress")
)

// ToolError is a structured per-call failure carrying the tool name and the
// failure classification. It is reported as a tool_error event, never raised
// past the orchestrator.
type ToolError struct {
	CallID   string
	ToolName string
	Kind     string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("tool %s: %s: %s", e.ToolName, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a structured tool error.
func NewToolError(kind, callID, toolName, message string) *ToolError {
	return &ToolError{
		CallID:   callID,
		ToolName: toolName,
		Kind:     kind,
		Message:  message,
	}
}
