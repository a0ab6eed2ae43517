package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// stubTool is a configurable test tool.
type stubTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub tool" }
func (t *stubTool) Schema() json.RawMessage {
	if t.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(t.schema)
}
func (t *stubTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	return t.execute(ctx, args)
}

func newTestExecutor(t *testing.T, tools ...Tool) *ToolExecutor {
	t.Helper()
	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("failed to register %s: %v", tool.Name(), err)
		}
	}
	return NewToolExecutor(registry, nil)
}

func TestExecutorSuccess(t *testing.T) {
	exec := newTestExecutor(t, &stubTool{
		name: "echo",
		execute: func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: string(args)}, nil
		},
	})

	rec := &eventRecorder{}
	emitter := newEventEmitter("s1", "t1", rec.sink())
	call := models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}

	result := exec.Invoke(context.Background(), call, emitter)
	if result.IsError {
		t.Fatalf("expected success, got error %q", result.Content)
	}
	if result.Content != `{"x":1}` {
		t.Errorf("expected echoed args, got %q", result.Content)
	}

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("expected started + result events, got %d", len(events))
	}
	if events[0].Type != models.EventToolExecutionStarted {
		t.Errorf("expected tool_execution_started first, got %s", events[0].Type)
	}
	if events[1].Type != models.EventToolResult {
		t.Errorf("expected tool_result second, got %s", events[1].Type)
	}
}

func TestExecutorUnknownTool(t *testing.T) {
	exec := newTestExecutor(t)

	rec := &eventRecorder{}
	emitter := newEventEmitter("s1", "t1", rec.sink())
	call := models.ToolCall{ID: "call_1", Name: "missing", Input: json.RawMessage(`{}`)}

	result := exec.Invoke(context.Background(), call, emitter)
	if !result.IsError {
		t.Fatal("expected error result for unknown tool")
	}

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected a single tool_error event, got %d", len(events))
	}
	if events[0].Type != models.EventToolError {
		t.Fatalf("expected tool_error, got %s", events[0].Type)
	}
	if events[0].Error.Kind != models.ErrorKindToolNotFound {
		t.Errorf("expected tool_not_found kind, got %s", events[0].Error.Kind)
	}
	// No execution started for a call that never resolves to a tool.
	if started := rec.ofType(models.EventToolExecutionStarted); len(started) != 0 {
		t.Error("expected no tool_execution_started for unknown tool")
	}
}

func TestExecutorToolFailure(t *testing.T) {
	exec := newTestExecutor(t, &stubTool{
		name: "failing",
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("backend unavailable")
		},
	})

	rec := &eventRecorder{}
	emitter := newEventEmitter("s1", "t1", rec.sink())
	call := models.ToolCall{ID: "call_1", Name: "failing", Input: json.RawMessage(`{}`)}

	result := exec.Invoke(context.Background(), call, emitter)
	if !result.IsError {
		t.Fatal("expected error result")
	}

	errs := rec.ofType(models.EventToolError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 tool_error, got %d", len(errs))
	}
	if errs[0].Error.Kind != models.ErrorKindToolInvocation {
		t.Errorf("expected tool_invocation kind, got %s", errs[0].Error.Kind)
	}
}

func TestExecutorToolPanic(t *testing.T) {
	exec := newTestExecutor(t, &stubTool{
		name: "panicky",
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			panic("boom")
		},
	})

	rec := &eventRecorder{}
	emitter := newEventEmitter("s1", "t1", rec.sink())
	call := models.ToolCall{ID: "call_1", Name: "panicky", Input: json.RawMessage(`{}`)}

	result := exec.Invoke(context.Background(), call, emitter)
	if !result.IsError {
		t.Fatal("expected panic to become an error result")
	}

	errs := rec.ofType(models.EventToolError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 tool_error, got %d", len(errs))
	}
}

func TestExecutorSchemaValidation(t *testing.T) {
	exec := newTestExecutor(t, &stubTool{
		name:   "strict",
		schema: `{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`,
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	rec := &eventRecorder{}
	emitter := newEventEmitter("s1", "t1", rec.sink())
	call := models.ToolCall{ID: "call_1", Name: "strict", Input: json.RawMessage(`{"b": true}`)}

	result := exec.Invoke(context.Background(), call, emitter)
	if !result.IsError {
		t.Fatal("expected validation failure for missing required property")
	}

	errs := rec.ofType(models.EventToolError)
	if len(errs) != 1 || errs[0].Error.Kind != models.ErrorKindToolInvocation {
		t.Errorf("expected tool_invocation error, got %+v", errs)
	}
	// Validation failures still follow tool_execution_started.
	if started := rec.ofType(models.EventToolExecutionStarted); len(started) != 1 {
		t.Errorf("expected 1 started event, got %d", len(started))
	}
}

func TestExecutorRecordsMetrics(t *testing.T) {
	exec := newTestExecutor(t,
		&stubTool{
			name: "echo",
			execute: func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
				return &ToolResult{Content: string(args)}, nil
			},
		},
		&stubTool{
			name: "broken",
			execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
				return nil, errors.New("boom")
			},
		},
	)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	exec.WithObservability(metrics, nil)

	rec := &eventRecorder{}
	emitter := newEventEmitter("s1", "t1", rec.sink())
	exec.Invoke(context.Background(), models.ToolCall{ID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)}, emitter)
	exec.Invoke(context.Background(), models.ToolCall{ID: "call_2", Name: "broken", Input: json.RawMessage(`{}`)}, emitter)

	expected := `
		# HELP parley_tool_executions_total Total number of tool executions by tool name and status
	# TYPE parley_tool_executions_total counter
		parley_tool_executions_total{status="success",tool_name="echo"} 1
		parley_tool_executions_total{status="error",tool_name="broken"} 1
	`
	if err := testutil.CollectAndCompare(metrics.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}
