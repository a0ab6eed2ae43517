package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// ToolExecutor dispatches confirmed tool calls through the registry and
// normalizes results and failures into events.
//
// The executor imposes no timeout of its own; a tool that needs one owns it.
// It always emits tool_execution_started before invocation and exactly one
// terminal event (tool_result or tool_error) afterward, and nothing a tool
// does escapes unhandled to the stream consumer.
type ToolExecutor struct {
	registry *ToolRegistry
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewToolExecutor creates an executor over the given registry.
func NewToolExecutor(registry *ToolRegistry, logger *slog.Logger) *ToolExecutor {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{registry: registry, logger: logger}
}

// WithObservability attaches metrics and tracing to the executor and
// returns it for chaining. Both may be nil.
func (e *ToolExecutor) WithObservability(metrics *observability.Metrics, tracer *observability.Tracer) *ToolExecutor {
	e.metrics = metrics
	e.tracer = tracer
	return e
}

// Registry returns the executor's tool registry.
func (e *ToolExecutor) Registry() *ToolRegistry {
	return e.registry
}

// Invoke looks up the tool by name and runs it, emitting the execution
// lifecycle through the emitter. An unknown name produces a tool_not_found
// error event, never a panic or unhandled failure.
func (e *ToolExecutor) Invoke(ctx context.Context, call models.ToolCall, emitter *eventEmitter) models.ToolResult {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.logger.Warn("tool not found", "tool", call.Name, "tool_call_id", call.ID)
		emitter.ToolError(models.ErrorKindToolNotFound, call.ID, call.Name, "tool not found: "+call.Name, "")
		return models.ToolResult{ToolCallID: call.ID, Content: "tool not found: " + call.Name, IsError: true}
	}

	emitter.ExecutionStarted(call)
	start := time.Now()
	execCtx := ctx
	var span trace.Span
	if e.tracer != nil {
		execCtx, span = e.tracer.TraceToolExecution(ctx, call.Name)
	}

	if err := e.registry.ValidateArgs(call.Name, call.Input); err != nil {
		e.logger.Warn("tool argument validation failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
		)
		e.finishExecution(span, call.Name, start, err)
		emitter.ToolError(models.ErrorKindToolInvocation, call.ID, call.Name, err.Error(), string(call.Input))
		return models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}

	result, err := e.invoke(execCtx, tool, call)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"elapsed", elapsed,
			"error", err,
		)
		e.finishExecution(span, call.Name, start, err)
		emitter.ToolError(models.ErrorKindToolInvocation, call.ID, call.Name, err.Error(), "")
		return models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	if result.IsError {
		e.finishExecution(span, call.Name, start, errors.New(result.Content))
		emitter.ToolError(models.ErrorKindToolInvocation, call.ID, call.Name, result.Content, "")
		return models.ToolResult{ToolCallID: call.ID, Content: result.Content, IsError: true}
	}

	e.logger.Debug("tool executed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"elapsed", elapsed,
	)
	e.finishExecution(span, call.Name, start, nil)
	emitter.ToolResult(call, result.Content)
	return models.ToolResult{ToolCallID: call.ID, Content: result.Content}
}

// finishExecution closes the execution span and records the duration metric
// with a success or error status.
func (e *ToolExecutor) finishExecution(span trace.Span, toolName string, start time.Time, execErr error) {
	if e.metrics != nil {
		status := "success"
		if execErr != nil {
			status = "error"
		}
		e.metrics.RecordToolExecution(toolName, status, time.Since(start).Seconds())
	}
	if span != nil {
		if execErr != nil && e.tracer != nil {
			e.tracer.RecordError(span, execErr)
		}
		span.End()
	}
}

// invoke runs the tool with panic recovery so a misbehaving implementation
// becomes a typed invocation error instead of tearing down the turn.
func (e *ToolExecutor) invoke(ctx context.Context, tool Tool, call models.ToolCall) (result *ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()

	result, err = tool.Execute(ctx, call.Input)
	if err != nil {
		return nil, &ToolError{
			CallID:   call.ID,
			ToolName: call.Name,
			Kind:     string(models.ErrorKindToolInvocation),
			Message:  err.Error(),
			Cause:    err,
		}
	}
	if result == nil {
		result = &ToolResult{}
	}
	return result, nil
}
