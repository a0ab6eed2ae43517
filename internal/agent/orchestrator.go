// Package agent implements the streaming turn pipeline: delta multiplexing,
// tool call assembly, confirmation brokering, and tool execution.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// Orchestrator drives one turn at a time per session: it streams model
// deltas through the multiplexer, gates detected tool calls behind the
// confirmation broker, executes confirmed calls, and feeds results back to
// the model until the turn produces no further calls.
//
// Ordering guarantees per turn: every content_delta for a model round is
// emitted before any tool_confirmation_required of that round, and exactly
// one terminal event (turn_complete or stream_error) closes the turn.
type Orchestrator struct {
	provider  ModelProvider
	executor  *ToolExecutor
	broker    *ConfirmationBroker
	policy    *ApprovalPolicy
	store     history.Store
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger

	system    string
	model     string
	maxTokens int
	maxRounds int

	// activeTurns enforces one in-flight turn per session.
	turnsMu     sync.Mutex
	activeTurns map[string]bool
}

// OrchestratorConfig assembles an Orchestrator. Provider, Executor, Broker,
// Policy, and Store are required; the rest default sensibly.
type OrchestratorConfig struct {
	Provider  ModelProvider
	Executor  *ToolExecutor
	Broker    *ConfirmationBroker
	Policy    *ApprovalPolicy
	Store     history.Store
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger

	// System is the system prompt prepended to every completion request.
	System string

	// Model overrides the provider's default model.
	Model string

	// MaxTokens caps each model response. Zero means provider default.
	MaxTokens int

	// MaxRounds bounds tool-call feedback rounds per turn. Default: 8.
	MaxRounds int
}

// NewOrchestrator creates an orchestrator from the given configuration.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 8
	}
	return &Orchestrator{
		provider:    cfg.Provider,
		executor:    cfg.Executor,
		broker:      cfg.Broker,
		policy:      cfg.Policy,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
		system:      cfg.System,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		maxRounds:   cfg.MaxRounds,
		activeTurns: make(map[string]bool),
	}
}

// Broker returns the confirmation broker.
func (o *Orchestrator) Broker() *ConfirmationBroker { return o.broker }

// Policy returns the approval policy.
func (o *Orchestrator) Policy() *ApprovalPolicy { return o.policy }

// Registry returns the tool registry.
func (o *Orchestrator) Registry() *ToolRegistry { return o.executor.Registry() }

// ResolveConfirmation confirms or rejects the session's pending tool call.
// It reports whether a pending request transitioned.
func (o *Orchestrator) ResolveConfirmation(sessionID string, confirmed bool, updatedArgs json.RawMessage) bool {
	return o.broker.Resolve(sessionID, confirmed, updatedArgs)
}

// SubmitMessage runs one full turn for a session: persists the user message,
// streams the model response, drives any tool calls through confirmation and
// execution, and emits the ordered event sequence to sink.
//
// It returns ErrTurnInProgress if the session already has a live turn and
// ErrNoProvider if no model provider is configured. Failures after the
// stream opens surface as events, not as a returned error.
func (o *Orchestrator) SubmitMessage(ctx context.Context, sessionID, text string, sink EventSink) error {
	if o.provider == nil {
		return ErrNoProvider
	}
	if err := o.beginTurn(sessionID); err != nil {
		return err
	}
	defer o.endTurn(sessionID)

	turnID := uuid.NewString()
	ctx = observability.AddSessionID(ctx, sessionID)
	ctx = observability.AddTurnID(ctx, turnID)
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceTurn(ctx, sessionID, turnID)
		defer span.End()
	}

	start := time.Now()
	var roundContent *contentCapture
	emitter := newEventEmitter(sessionID, turnID, func(event *models.StreamEvent) {
		if o.metrics != nil {
			o.metrics.RecordStreamEvent(string(event.Type))
		}
		if roundContent != nil && event.Type == models.EventContentDelta && event.Content != nil {
			roundContent.append(event.Content.Text)
		}
		if sink != nil {
			sink(event)
		}
	})

	if err := o.appendMessage(ctx, sessionID, &models.Message{
		Role:     models.RoleUser,
		Content:  text,
		Metadata: map[string]any{"turn_id": turnID},
	}); err != nil {
		return err
	}

	o.logger.Info("turn started", "session_id", sessionID, "turn_id", turnID)

	for round := 0; round < o.maxRounds; round++ {
		req, err := o.buildRequest(ctx, sessionID)
		if err != nil {
			o.failTurn(emitter, sessionID, start, err.Error())
			return nil
		}

		roundStart := time.Now()
		llmCtx := ctx
		var llmSpan trace.Span
		if o.tracer != nil {
			llmCtx, llmSpan = o.tracer.TraceLLMRequest(ctx, o.provider.Name(), req.Model)
		}

		deltas, err := o.provider.Stream(llmCtx, req)
		if err != nil {
			o.finishModelRound(llmSpan, roundStart, req.Model, err)
			o.failTurn(emitter, sessionID, start, err.Error())
			return nil
		}

		roundContent = &contentCapture{}
		mux := newStreamMux(sessionID, emitter)
		result := mux.run(deltas)
		o.finishModelRound(llmSpan, roundStart, req.Model, result.Err)
		content := roundContent.String()
		roundContent = nil

		assistant := &models.Message{
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: result.Ready,
			Metadata:  map[string]any{"turn_id": turnID},
		}

		if result.Err != nil {
			assistant.Metadata["interrupted"] = true
			if content != "" || len(result.Ready) > 0 {
				o.appendMessageBestEffort(ctx, sessionID, assistant)
			}
			o.failTurn(emitter, sessionID, start, result.Err.Error())
			return nil
		}

		if content != "" || len(result.Ready) > 0 {
			if err := o.appendMessage(ctx, sessionID, assistant); err != nil {
				o.failTurn(emitter, sessionID, start, err.Error())
				return nil
			}
		}

		if len(result.Ready) == 0 && len(result.Failed) == 0 {
			break
		}

		results := make([]models.ToolResult, 0, len(result.Ready)+len(result.Failed))
		for _, fc := range result.Failed {
			results = append(results, models.ToolResult{
				ToolCallID: fc.ID,
				Content:    "invalid tool arguments: " + fc.ParseErr.Error(),
				IsError:    true,
			})
		}

		for _, call := range result.Ready {
			res, aborted := o.runCall(ctx, sessionID, call, emitter)
			if aborted {
				o.failTurn(emitter, sessionID, start, "turn aborted")
				return nil
			}
			results = append(results, res)
		}

		if len(results) > 0 {
			toolMsg := &models.Message{
				Role:        models.RoleTool,
				ToolResults: results,
				Metadata:    map[string]any{"turn_id": turnID},
			}
			if err := o.appendMessage(ctx, sessionID, toolMsg); err != nil {
				o.failTurn(emitter, sessionID, start, err.Error())
				return nil
			}
		}
	}

	emitter.TurnComplete()
	if o.metrics != nil {
		o.metrics.RecordTurn("complete", time.Since(start).Seconds())
	}
	o.logger.Info("turn complete",
		"session_id", sessionID,
		"turn_id", turnID,
		"elapsed", time.Since(start),
	)
	return nil
}

// runCall drives one ready tool call through policy, confirmation, and
// execution. The aborted flag is set only when the turn's context was
// cancelled mid-confirmation, which terminates the whole turn.
func (o *Orchestrator) runCall(ctx context.Context, sessionID string, call models.ToolCall, emitter *eventEmitter) (models.ToolResult, bool) {
	decision, reason := o.checkPolicy(sessionID, call.Name)
	switch decision {
	case ApprovalDenied:
		o.logger.Warn("tool call denied by policy", "session_id", sessionID, "tool", call.Name)
		emitter.ToolError(models.ErrorKindToolInvocation, call.ID, call.Name, "denied by policy: "+reason, "")
		return models.ToolResult{ToolCallID: call.ID, Content: "tool call denied by policy", IsError: true}, false

	case ApprovalAllowed:
		return o.executor.Invoke(ctx, call, emitter), false
	}

	description := ""
	var schema json.RawMessage
	if tool, ok := o.executor.Registry().Get(call.Name); ok {
		description = tool.Description()
		schema = tool.Schema()
	}

	req, err := o.broker.Open(sessionID, call, description, schema, 0)
	if err != nil {
		// Single-flight violation; calls in a turn are sequential, so a
		// live request here belongs to a leaked one from a prior turn.
		o.logger.Error("failed to open confirmation request", "session_id", sessionID, "error", err)
		emitter.ToolError(models.ErrorKindToolInvocation, call.ID, call.Name, err.Error(), "")
		return models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}, false
	}
	if o.metrics != nil {
		o.metrics.PendingConfirmations.Inc()
	}
	emitter.ConfirmationRequired(req)

	waitStart := time.Now()
	waitCtx := ctx
	var waitSpan trace.Span
	if o.tracer != nil {
		waitCtx, waitSpan = o.tracer.TraceConfirmationWait(ctx, req.ID, call.Name)
	}
	res, err := o.broker.Await(waitCtx, req.ID)
	if waitSpan != nil {
		waitSpan.End()
	}
	if o.metrics != nil {
		o.metrics.PendingConfirmations.Dec()
	}
	if err != nil {
		emitter.ToolError(models.ErrorKindToolInvocation, call.ID, call.Name, err.Error(), "")
		return models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}, false
	}
	if o.metrics != nil {
		o.metrics.RecordConfirmation(string(res.Status), time.Since(waitStart).Seconds())
	}
	emitter.ConfirmationResolved(req, res.Outcome())

	if res.Cancelled {
		return models.ToolResult{}, true
	}

	switch res.Status {
	case StatusConfirmed:
		if res.Args != nil {
			call.Input = res.Args
		}
		return o.executor.Invoke(ctx, call, emitter), false

	case StatusTimedOut:
		emitter.ToolError(models.ErrorKindConfirmationTimeout, call.ID, call.Name, "confirmation timed out", "")
		return models.ToolResult{ToolCallID: call.ID, Content: "tool call not executed: confirmation timed out", IsError: true}, false

	default:
		return models.ToolResult{ToolCallID: call.ID, Content: "tool call rejected by user", IsError: true}, false
	}
}

// finishModelRound closes the model-request span and records the request
// metric once the round's stream has drained.
func (o *Orchestrator) finishModelRound(span trace.Span, start time.Time, model string, err error) {
	if o.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordLLMRequest(o.provider.Name(), model, status, time.Since(start).Seconds())
	}
	if span != nil {
		if err != nil && o.tracer != nil {
			o.tracer.RecordError(span, err)
		}
		span.End()
	}
}

func (o *Orchestrator) checkPolicy(sessionID, toolName string) (ApprovalDecision, string) {
	if o.policy == nil {
		return ApprovalPending, "no policy configured"
	}
	return o.policy.Check(sessionID, toolName)
}

// failTurn force-cancels any pending confirmation and closes the turn with
// its single stream_error event.
func (o *Orchestrator) failTurn(emitter *eventEmitter, sessionID string, start time.Time, message string) {
	o.broker.CancelSession(sessionID, message)
	emitter.StreamError(message)
	if o.metrics != nil {
		o.metrics.RecordTurn("error", time.Since(start).Seconds())
		o.metrics.RecordError("orchestrator", "stream_transport")
	}
	o.logger.Error("turn failed", "session_id", sessionID, "error", message)
}

func (o *Orchestrator) buildRequest(ctx context.Context, sessionID string) (*CompletionRequest, error) {
	msgs, err := o.store.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	completion := make([]CompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		completion = append(completion, CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
		})
	}

	return &CompletionRequest{
		Model:     o.model,
		System:    o.system,
		Messages:  completion,
		Tools:     o.executor.Registry().AsModelTools(),
		MaxTokens: o.maxTokens,
	}, nil
}

func (o *Orchestrator) appendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if o.store == nil {
		return nil
	}
	return o.store.AppendMessage(ctx, sessionID, msg)
}

func (o *Orchestrator) appendMessageBestEffort(ctx context.Context, sessionID string, msg *models.Message) {
	if err := o.appendMessage(ctx, sessionID, msg); err != nil {
		o.logger.Warn("failed to persist message", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) beginTurn(sessionID string) error {
	o.turnsMu.Lock()
	defer o.turnsMu.Unlock()
	if o.activeTurns[sessionID] {
		return ErrTurnInProgress
	}
	o.activeTurns[sessionID] = true
	return nil
}

func (o *Orchestrator) endTurn(sessionID string) {
	o.turnsMu.Lock()
	delete(o.activeTurns, sessionID)
	o.turnsMu.Unlock()
}

// contentCapture accumulates a round's streamed assistant text for
// persistence.
type contentCapture struct {
	mu sync.Mutex
	b  []byte
}

func (c *contentCapture) append(s string) {
	c.mu.Lock()
	c.b = append(c.b, s...)
	c.mu.Unlock()
}

func (c *contentCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.b)
}
