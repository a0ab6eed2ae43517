package agent

import (
	"sync/atomic"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// EventSink receives the orchestrator's ordered event sequence for one turn.
type EventSink func(*models.StreamEvent)

// eventEmitter builds StreamEvents with monotonic sequencing for one turn and
// hands them to the sink in emission order.
type eventEmitter struct {
	sessionID string
	turnID    string
	sequence  uint64
	sink      EventSink
}

func newEventEmitter(sessionID, turnID string, sink EventSink) *eventEmitter {
	return &eventEmitter{sessionID: sessionID, turnID: turnID, sink: sink}
}

func (e *eventEmitter) base(eventType models.StreamEventType) *models.StreamEvent {
	return &models.StreamEvent{
		Type:      eventType,
		Sequence:  atomic.AddUint64(&e.sequence, 1),
		SessionID: e.sessionID,
		TurnID:    e.turnID,
		Time:      time.Now(),
	}
}

func (e *eventEmitter) emit(event *models.StreamEvent) {
	if e.sink != nil {
		e.sink(event)
	}
}

// ContentDelta emits streamed assistant text, preserving arrival order.
func (e *eventEmitter) ContentDelta(text string) {
	event := e.base(models.EventContentDelta)
	event.Content = &models.ContentPayload{Text: text}
	e.emit(event)
}

// ToolCallDetected emits the one-time detection event for a call id.
func (e *eventEmitter) ToolCallDetected(callID, name string) {
	event := e.base(models.EventToolCallDetected)
	event.Tool = &models.ToolPayload{CallID: callID, Name: name}
	e.emit(event)
}

// ToolCallReady emits the finalized call with parsed arguments.
func (e *eventEmitter) ToolCallReady(call models.ToolCall) {
	event := e.base(models.EventToolCallReady)
	event.Tool = &models.ToolPayload{CallID: call.ID, Name: call.Name, Args: call.Input}
	e.emit(event)
}

// ConfirmationRequired emits a pending confirmation request.
func (e *eventEmitter) ConfirmationRequired(req *ConfirmationRequest) {
	event := e.base(models.EventToolConfirmationRequired)
	event.Confirmation = &models.ConfirmationPayload{
		RequestID:   req.ID,
		CallID:      req.CallID,
		ToolName:    req.ToolName,
		Args:        req.Args,
		Description: req.Description,
		Schema:      req.Schema,
		TimeoutSecs: int(req.Timeout.Seconds()),
	}
	e.emit(event)
}

// ConfirmationResolved emits the terminal outcome of a confirmation request.
func (e *eventEmitter) ConfirmationResolved(req *ConfirmationRequest, outcome models.ConfirmationOutcome) {
	event := e.base(models.EventToolConfirmationResolved)
	event.Confirmation = &models.ConfirmationPayload{
		RequestID: req.ID,
		CallID:    req.CallID,
		ToolName:  req.ToolName,
		Outcome:   outcome,
	}
	e.emit(event)
}

// ExecutionStarted emits the pre-invocation event for a confirmed call.
func (e *eventEmitter) ExecutionStarted(call models.ToolCall) {
	event := e.base(models.EventToolExecutionStarted)
	event.Tool = &models.ToolPayload{CallID: call.ID, Name: call.Name, Args: call.Input}
	e.emit(event)
}

// ToolResult emits the successful terminal event for a call.
func (e *eventEmitter) ToolResult(call models.ToolCall, result string) {
	event := e.base(models.EventToolResult)
	event.Tool = &models.ToolPayload{CallID: call.ID, Name: call.Name, Result: result}
	e.emit(event)
}

// ToolError emits a typed per-call failure.
func (e *eventEmitter) ToolError(kind models.ErrorKind, callID, tool, message, rawArgs string) {
	event := e.base(models.EventToolError)
	event.Error = &models.ErrorPayload{
		Kind:    kind,
		CallID:  callID,
		Tool:    tool,
		Message: message,
		RawArgs: rawArgs,
	}
	e.emit(event)
}

// TurnComplete emits the single end-of-turn event.
func (e *eventEmitter) TurnComplete() {
	e.emit(e.base(models.EventTurnComplete))
}

// StreamError emits the single turn-fatal transport failure event.
func (e *eventEmitter) StreamError(message string) {
	event := e.base(models.EventStreamError)
	event.Error = &models.ErrorPayload{Kind: models.ErrorKindStreamTransport, Message: message}
	e.emit(event)
}
