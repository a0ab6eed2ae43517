package agent

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// PendingToolCall tracks a tool call whose arguments are still streaming.
// Created on the first call-begin delta, consumed at finalize or stream abort.
type PendingToolCall struct {
	Index      int
	ID         string
	Name       string
	SessionID  string
	DetectedAt time.Time

	args strings.Builder
}

// Assembler accumulates fragmented argument text per call index and finalizes
// the accumulated text into structured arguments. No parsing is attempted
// until Finalize.
type Assembler struct {
	calls map[int]*PendingToolCall
}

// NewAssembler creates an empty assembler for one turn's stream.
func NewAssembler() *Assembler {
	return &Assembler{calls: make(map[int]*PendingToolCall)}
}

// Open registers a new pending call for an index. Returns false if the index
// is already open, making call detection a one-time event per call id.
func (a *Assembler) Open(index int, id, name, sessionID string) (*PendingToolCall, bool) {
	if _, exists := a.calls[index]; exists {
		return nil, false
	}
	call := &PendingToolCall{
		Index:      index,
		ID:         id,
		Name:       name,
		SessionID:  sessionID,
		DetectedAt: time.Now(),
	}
	a.calls[index] = call
	return call, true
}

// Append adds an argument fragment to an open call. Fragments for unknown
// indexes are dropped; the stream never references an index before its
// call-begin delta.
func (a *Assembler) Append(index int, fragment string) {
	if call, ok := a.calls[index]; ok {
		call.args.WriteString(fragment)
	}
}

// FinalizedCall is the terminal outcome of one pending call: either Args is
// valid parsed arguments, or ParseErr is set and RawArgs preserves the
// malformed text. Exactly one of the two holds per call.
type FinalizedCall struct {
	ID       string
	Name     string
	Args     json.RawMessage
	RawArgs  string
	ParseErr error
}

// Finalize parses one open call's accumulated text and removes it from the
// assembler. An empty buffer finalizes to an empty argument object.
func (a *Assembler) Finalize(index int) (FinalizedCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return FinalizedCall{}, false
	}
	delete(a.calls, index)

	raw := call.args.String()
	out := FinalizedCall{ID: call.ID, Name: call.Name, RawArgs: raw}
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), new(map[string]any)); err != nil {
		out.ParseErr = err
		return out, true
	}
	out.Args = json.RawMessage(raw)
	return out, true
}

// FinalizeAll finalizes every still-open call in index order. Used on the
// end-of-turn marker so each call id produces exactly one terminal outcome.
func (a *Assembler) FinalizeAll() []FinalizedCall {
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]FinalizedCall, 0, len(indexes))
	for _, idx := range indexes {
		if fc, ok := a.Finalize(idx); ok {
			out = append(out, fc)
		}
	}
	return out
}

// HasOpen reports whether any calls are still accumulating.
func (a *Assembler) HasOpen() bool {
	return len(a.calls) > 0
}
