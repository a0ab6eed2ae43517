package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// scriptedProvider replays a fixed delta script per model round.
type scriptedProvider struct {
	mu     sync.Mutex
	rounds [][]StreamDelta
	calls  int
	gate   chan struct{}
}

func (p *scriptedProvider) Stream(ctx context.Context, _ *CompletionRequest) (<-chan StreamDelta, error) {
	p.mu.Lock()
	var script []StreamDelta
	if p.calls < len(p.rounds) {
		script = p.rounds[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	ch := make(chan StreamDelta)
	go func() {
		defer close(ch)
		if p.gate != nil {
			<-p.gate
		}
		for _, d := range script {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func addStubTool() Tool {
	return &stubTool{
		name: "add",
		execute: func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
			var in struct{ A, B float64 }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return &ToolResult{Content: strconv.FormatFloat(in.A+in.B, 'f', -1, 64)}, nil
		},
	}
}

func newTestOrchestrator(t *testing.T, provider ModelProvider, timeout time.Duration, policy *ApprovalPolicy) (*Orchestrator, history.Store) {
	t.Helper()
	store := history.NewMemoryStore()
	if policy == nil {
		policy = NewApprovalPolicy(PolicyConfig{})
	}
	return NewOrchestrator(OrchestratorConfig{
		Provider: provider,
		Executor: newTestExecutor(t, addStubTool()),
		Broker:   testBroker(timeout),
		Policy:   policy,
		Store:    store,
	}), store
}

// calculationRounds scripts the canonical two-round turn: the model streams
// text, requests an add call with fragmented arguments, then (after seeing
// the result) streams a closing answer.
func calculationRounds() [][]StreamDelta {
	return [][]StreamDelta{
		{
			{Text: "I'll add those "},
			{Text: "numbers. "},
			{ToolCallBegin: &ToolCallBegin{Index: 0, ID: "call_1", Name: "add"}},
			{ArgsFragment: &ArgsFragment{Index: 0, Text: `{"a": 2`}},
			{ArgsFragment: &ArgsFragment{Index: 0, Text: `5, "b"`}},
			{ArgsFragment: &ArgsFragment{Index: 0, Text: `: 17}`}},
			{Done: true},
		},
		{
			{Text: "The result is 42."},
			{Done: true},
		},
	}
}

func TestOrchestratorConfirmedToolCall(t *testing.T) {
	provider := &scriptedProvider{rounds: calculationRounds()}
	o, store := newTestOrchestrator(t, provider, 5*time.Second, nil)

	rec := &eventRecorder{}
	sink := func(event *models.StreamEvent) {
		rec.sink()(event)
		if event.Type == models.EventToolConfirmationRequired {
			go o.ResolveConfirmation("s1", true, nil)
		}
	}

	if err := o.SubmitMessage(context.Background(), "s1", "Calculate 25 + 17", sink); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	events := rec.all()

	// All first-round content precedes the confirmation request.
	confirmIdx := -1
	for i, ev := range events {
		if ev.Type == models.EventToolConfirmationRequired {
			confirmIdx = i
			break
		}
	}
	if confirmIdx == -1 {
		t.Fatal("expected a confirmation request")
	}
	contentBefore := 0
	for _, ev := range events[:confirmIdx] {
		if ev.Type == models.EventContentDelta {
			contentBefore++
		}
	}
	if contentBefore != 2 {
		t.Errorf("expected 2 content deltas before confirmation, got %d", contentBefore)
	}

	resolved := rec.ofType(models.EventToolConfirmationResolved)
	if len(resolved) != 1 || resolved[0].Confirmation.Outcome != models.OutcomeConfirmed {
		t.Fatalf("expected one confirmed resolution, got %+v", resolved)
	}

	results := rec.ofType(models.EventToolResult)
	if len(results) != 1 {
		t.Fatalf("expected 1 tool_result, got %d", len(results))
	}
	if results[0].Tool.Result != "42" {
		t.Errorf("expected result 42, got %q", results[0].Tool.Result)
	}

	complete := rec.ofType(models.EventTurnComplete)
	if len(complete) != 1 {
		t.Fatalf("expected exactly one turn_complete, got %d", len(complete))
	}
	if events[len(events)-1].Type != models.EventTurnComplete {
		t.Errorf("expected turn_complete last, got %s", events[len(events)-1].Type)
	}
	if errs := rec.ofType(models.EventStreamError); len(errs) != 0 {
		t.Errorf("expected no stream_error, got %d", len(errs))
	}

	// History holds the full turn: user, assistant+call, tool results, and
	// the closing assistant message.
	msgs, err := store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleUser {
		t.Errorf("expected user message first, got %s", msgs[0].Role)
	}
	if len(msgs[1].ToolCalls) != 1 {
		t.Errorf("expected assistant message with tool call, got %+v", msgs[1])
	}
	if len(msgs[2].ToolResults) != 1 || msgs[2].ToolResults[0].Content != "42" {
		t.Errorf("expected tool result 42, got %+v", msgs[2])
	}
	if msgs[3].Content != "The result is 42." {
		t.Errorf("expected closing assistant text, got %q", msgs[3].Content)
	}
}

func TestOrchestratorRejectedToolCall(t *testing.T) {
	provider := &scriptedProvider{rounds: calculationRounds()}
	o, store := newTestOrchestrator(t, provider, 5*time.Second, nil)

	rec := &eventRecorder{}
	sink := func(event *models.StreamEvent) {
		rec.sink()(event)
		if event.Type == models.EventToolConfirmationRequired {
			go o.ResolveConfirmation("s1", false, nil)
		}
	}

	if err := o.SubmitMessage(context.Background(), "s1", "Calculate 25 + 17", sink); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	resolved := rec.ofType(models.EventToolConfirmationResolved)
	if len(resolved) != 1 || resolved[0].Confirmation.Outcome != models.OutcomeRejected {
		t.Fatalf("expected rejected resolution, got %+v", resolved)
	}

	// The tool never ran; the turn still completes.
	if started := rec.ofType(models.EventToolExecutionStarted); len(started) != 0 {
		t.Errorf("expected no execution for rejected call, got %d", len(started))
	}
	if complete := rec.ofType(models.EventTurnComplete); len(complete) != 1 {
		t.Fatalf("expected one turn_complete, got %d", len(complete))
	}

	// The model saw an error result for the rejected call.
	msgs, _ := store.History(context.Background(), "s1", 0)
	var sawRejection bool
	for _, msg := range msgs {
		for _, res := range msg.ToolResults {
			if res.IsError {
				sawRejection = true
			}
		}
	}
	if !sawRejection {
		t.Error("expected an error tool result recorded for the rejected call")
	}
}

func TestOrchestratorConfirmationTimeout(t *testing.T) {
	provider := &scriptedProvider{rounds: calculationRounds()}
	o, _ := newTestOrchestrator(t, provider, 20*time.Millisecond, nil)

	rec := &eventRecorder{}
	if err := o.SubmitMessage(context.Background(), "s1", "Calculate 25 + 17", rec.sink()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	resolved := rec.ofType(models.EventToolConfirmationResolved)
	if len(resolved) != 1 || resolved[0].Confirmation.Outcome != models.OutcomeTimedOut {
		t.Fatalf("expected timed_out resolution, got %+v", resolved)
	}

	errs := rec.ofType(models.EventToolError)
	if len(errs) != 1 || errs[0].Error.Kind != models.ErrorKindConfirmationTimeout {
		t.Fatalf("expected confirmation_timeout error, got %+v", errs)
	}

	if started := rec.ofType(models.EventToolExecutionStarted); len(started) != 0 {
		t.Error("expected no execution after timeout")
	}
	if complete := rec.ofType(models.EventTurnComplete); len(complete) != 1 {
		t.Errorf("expected one turn_complete, got %d", len(complete))
	}
}

func TestOrchestratorAllowlistSkipsConfirmation(t *testing.T) {
	provider := &scriptedProvider{rounds: calculationRounds()}
	policy := NewApprovalPolicy(PolicyConfig{Allowlist: []string{"add"}})
	o, _ := newTestOrchestrator(t, provider, 5*time.Second, policy)

	rec := &eventRecorder{}
	if err := o.SubmitMessage(context.Background(), "s1", "Calculate 25 + 17", rec.sink()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if required := rec.ofType(models.EventToolConfirmationRequired); len(required) != 0 {
		t.Errorf("expected no confirmation for allowlisted tool, got %d", len(required))
	}
	results := rec.ofType(models.EventToolResult)
	if len(results) != 1 || results[0].Tool.Result != "42" {
		t.Fatalf("expected executed result 42, got %+v", results)
	}
}

func TestOrchestratorStreamErrorAbortsTurn(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]StreamDelta{
		{
			{Text: "partial answer"},
			{Err: errors.New("connection reset")},
		},
		{
			{Text: "recovered answer"},
			{Done: true},
		},
	}}
	o, store := newTestOrchestrator(t, provider, 5*time.Second, nil)

	rec := &eventRecorder{}
	if err := o.SubmitMessage(context.Background(), "s1", "hello", rec.sink()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	errs := rec.ofType(models.EventStreamError)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one stream_error, got %d", len(errs))
	}
	if complete := rec.ofType(models.EventTurnComplete); len(complete) != 0 {
		t.Errorf("expected no turn_complete after stream error, got %d", len(complete))
	}

	// Partial content is preserved.
	msgs, _ := store.History(context.Background(), "s1", 0)
	var sawPartial bool
	for _, msg := range msgs {
		if msg.Role == models.RoleAssistant && msg.Content == "partial answer" {
			sawPartial = true
		}
	}
	if !sawPartial {
		t.Error("expected partial assistant content persisted")
	}

	// The session stays usable: a fresh submit runs a new turn.
	rec2 := &eventRecorder{}
	if err := o.SubmitMessage(context.Background(), "s1", "try again", rec2.sink()); err != nil {
		t.Fatalf("resubmit after stream error failed: %v", err)
	}
	if complete := rec2.ofType(models.EventTurnComplete); len(complete) != 1 {
		t.Errorf("expected one turn_complete on the retried turn, got %d", len(complete))
	}
	if errs := rec2.ofType(models.EventStreamError); len(errs) != 0 {
		t.Errorf("expected no stream_error on the retried turn, got %d", len(errs))
	}
}

func TestOrchestratorAbortCancelsPendingConfirmation(t *testing.T) {
	provider := &scriptedProvider{rounds: calculationRounds()}
	o, _ := newTestOrchestrator(t, provider, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &eventRecorder{}
	sink := func(event *models.StreamEvent) {
		rec.sink()(event)
		if event.Type == models.EventToolConfirmationRequired {
			cancel()
		}
	}

	if err := o.SubmitMessage(ctx, "s1", "Calculate 25 + 17", sink); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if errs := rec.ofType(models.EventStreamError); len(errs) != 1 {
		t.Fatalf("expected one stream_error for aborted turn, got %d", len(errs))
	}
	if complete := rec.ofType(models.EventTurnComplete); len(complete) != 0 {
		t.Errorf("expected no turn_complete for aborted turn, got %d", len(complete))
	}
	if o.Broker().PendingCount() != 0 {
		t.Errorf("expected no pending confirmations after abort, got %d", o.Broker().PendingCount())
	}
}

func TestOrchestratorTurnInProgress(t *testing.T) {
	gate := make(chan struct{})
	provider := &scriptedProvider{
		rounds: [][]StreamDelta{{{Done: true}}},
		gate:   gate,
	}
	o, _ := newTestOrchestrator(t, provider, time.Second, nil)

	done := make(chan error, 1)
	go func() {
		done <- o.SubmitMessage(context.Background(), "s1", "first", nil)
	}()

	// Wait until the first turn is live, then attempt a second.
	deadline := time.After(time.Second)
	for {
		o.turnsMu.Lock()
		active := o.activeTurns["s1"]
		o.turnsMu.Unlock()
		if active {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first turn never became active")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := o.SubmitMessage(context.Background(), "s1", "second", nil); err != ErrTurnInProgress {
		t.Errorf("expected ErrTurnInProgress, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}

	// The session is free again.
	if err := o.SubmitMessage(context.Background(), "s1", "third", nil); err != nil {
		t.Errorf("expected turn after completion to succeed, got %v", err)
	}
}

func TestOrchestratorArgumentParseFailure(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]StreamDelta{
		{
			{ToolCallBegin: &ToolCallBegin{Index: 0, ID: "call_1", Name: "add"}},
			{ArgsFragment: &ArgsFragment{Index: 0, Text: `{"a": `}},
			{Done: true},
		},
		{
			{Text: "I could not read the arguments."},
			{Done: true},
		},
	}}
	o, _ := newTestOrchestrator(t, provider, time.Second, nil)

	rec := &eventRecorder{}
	if err := o.SubmitMessage(context.Background(), "s1", "Calculate", rec.sink()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	errs := rec.ofType(models.EventToolError)
	if len(errs) != 1 || errs[0].Error.Kind != models.ErrorKindArgumentParse {
		t.Fatalf("expected argument_parse error, got %+v", errs)
	}
	// Malformed calls are never promoted to confirmation or execution.
	if required := rec.ofType(models.EventToolConfirmationRequired); len(required) != 0 {
		t.Error("expected no confirmation for unparseable call")
	}
	if complete := rec.ofType(models.EventTurnComplete); len(complete) != 1 {
		t.Errorf("expected one turn_complete, got %d", len(complete))
	}
}

func TestOrchestratorNoProvider(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{
		Executor: NewToolExecutor(nil, nil),
		Broker:   testBroker(time.Second),
		Store:    history.NewMemoryStore(),
	})
	if err := o.SubmitMessage(context.Background(), "s1", "hi", nil); err != ErrNoProvider {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestOrchestratorRecordsModelRequests(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]StreamDelta{
		{
			{Text: "hi"},
			{Done: true},
		},
	}}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	o := NewOrchestrator(OrchestratorConfig{
		Provider: provider,
		Executor: newTestExecutor(t),
		Broker:   testBroker(time.Second),
		Policy:   NewApprovalPolicy(PolicyConfig{}),
		Store:    history.NewMemoryStore(),
		Metrics:  metrics,
	})

	if err := o.SubmitMessage(context.Background(), "s1", "hello", nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	expected := `
		# HELP parley_llm_requests_total Total number of model requests by provider, model, and status
		# TYPE parley_llm_requests_total counter
		parley_llm_requests_total{model="",provider="scripted",status="success"} 1
	`
	if err := testutil.CollectAndCompare(metrics.LLMRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}
