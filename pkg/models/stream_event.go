package models

import (
	"encoding/json"
	"time"
)

// StreamEventType identifies the kind of a StreamEvent.
type StreamEventType string

const (
	EventContentDelta             StreamEventType = "content_delta"
	EventToolCallDetected         StreamEventType = "tool_call_detected"
	EventToolCallReady            StreamEventType = "tool_call_ready"
	EventToolConfirmationRequired StreamEventType = "tool_confirmation_required"
	EventToolConfirmationResolved StreamEventType = "tool_confirmation_resolved"
	EventToolExecutionStarted     StreamEventType = "tool_execution_started"
	EventToolResult               StreamEventType = "tool_result"
	EventToolError                StreamEventType = "tool_error"
	EventTurnComplete             StreamEventType = "turn_complete"
	EventStreamError              StreamEventType = "stream_error"
)

// ErrorKind classifies per-call and per-turn failures carried by events.
type ErrorKind string

const (
	ErrorKindArgumentParse       ErrorKind = "argument_parse"
	ErrorKindConfirmationTimeout ErrorKind = "confirmation_timeout"
	ErrorKindToolNotFound        ErrorKind = "tool_not_found"
	ErrorKindToolInvocation      ErrorKind = "tool_invocation"
	ErrorKindStreamTransport     ErrorKind = "stream_transport"
)

// ConfirmationOutcome is the terminal state of a confirmation request as
// reported on a tool_confirmation_resolved event.
type ConfirmationOutcome string

const (
	OutcomeConfirmed ConfirmationOutcome = "confirmed"
	OutcomeRejected  ConfirmationOutcome = "rejected"
	OutcomeTimedOut  ConfirmationOutcome = "timed_out"
)

// StreamEvent is the tagged event type flowing from the orchestrator to the
// transport. Exactly one payload pointer is set, matching Type.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Sequence  uint64          `json:"sequence"`
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id"`
	Time      time.Time       `json:"time"`

	Content      *ContentPayload      `json:"content,omitempty"`
	Tool         *ToolPayload         `json:"tool,omitempty"`
	Confirmation *ConfirmationPayload `json:"confirmation,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

// ContentPayload carries streamed assistant text.
type ContentPayload struct {
	Text string `json:"text"`
}

// ToolPayload carries tool call lifecycle data.
type ToolPayload struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result string          `json:"result,omitempty"`
}

// ConfirmationPayload describes a confirmation request and, once resolved,
// its outcome.
type ConfirmationPayload struct {
	RequestID   string              `json:"request_id"`
	CallID      string              `json:"call_id"`
	ToolName    string              `json:"tool_name"`
	Args        json.RawMessage     `json:"args,omitempty"`
	Description string              `json:"description,omitempty"`
	Schema      json.RawMessage     `json:"schema,omitempty"`
	TimeoutSecs int                 `json:"timeout_seconds,omitempty"`
	Outcome     ConfirmationOutcome `json:"outcome,omitempty"`
}

// ErrorPayload carries a typed failure.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	CallID  string    `json:"call_id,omitempty"`
	Tool    string    `json:"tool,omitempty"`
	Message string    `json:"message"`
	RawArgs string    `json:"raw_args,omitempty"`
}

// Terminal reports whether the event ends a turn's stream.
func (e *StreamEvent) Terminal() bool {
	return e.Type == EventTurnComplete || e.Type == EventStreamError
}
