package agent

import (
	"github.com/parleyhq/parley/pkg/models"
)

// streamMux classifies raw model deltas in a single deterministic pass.
//
// Content deltas are forwarded to the emitter immediately, preserving arrival
// order; call-begin deltas open a pending call in the assembler and emit a
// one-time detection event; argument fragments are routed to the assembler
// without producing an event. On the end-of-turn marker every still-open call
// is finalized, so each call id yields exactly one terminal outcome.
type streamMux struct {
	sessionID string
	assembler *Assembler
	emitter   *eventEmitter
}

func newStreamMux(sessionID string, emitter *eventEmitter) *streamMux {
	return &streamMux{
		sessionID: sessionID,
		assembler: NewAssembler(),
		emitter:   emitter,
	}
}

// muxResult is the outcome of draining one turn's delta stream.
type muxResult struct {
	// Ready holds calls whose arguments parsed, in index order.
	Ready []models.ToolCall

	// Failed holds calls whose arguments did not parse; these were already
	// reported as tool_error events and are never promoted to execution.
	Failed []FinalizedCall

	// Err is a transport failure that aborted the stream, nil otherwise.
	Err error
}

// run drains the delta channel until the end-of-turn marker, a transport
// error, or context-free channel close. It never blocks on confirmation
// state or on other sessions.
func (m *streamMux) run(deltas <-chan StreamDelta) muxResult {
	var result muxResult

	for delta := range deltas {
		switch {
		case delta.Err != nil:
			result.Err = delta.Err
			return result

		case delta.Text != "":
			m.emitter.ContentDelta(delta.Text)

		case delta.ToolCallBegin != nil:
			begin := delta.ToolCallBegin
			if _, opened := m.assembler.Open(begin.Index, begin.ID, begin.Name, m.sessionID); opened {
				m.emitter.ToolCallDetected(begin.ID, begin.Name)
			}

		case delta.ArgsFragment != nil:
			m.assembler.Append(delta.ArgsFragment.Index, delta.ArgsFragment.Text)

		case delta.Done:
			m.finalize(&result)
			return result
		}
	}

	// Channel closed without an explicit end-of-turn marker; treat it the
	// same so open calls still reach a terminal outcome.
	m.finalize(&result)
	return result
}

func (m *streamMux) finalize(result *muxResult) {
	for _, fc := range m.assembler.FinalizeAll() {
		if fc.ParseErr != nil {
			result.Failed = append(result.Failed, fc)
			m.emitter.ToolError(models.ErrorKindArgumentParse, fc.ID, fc.Name, fc.ParseErr.Error(), fc.RawArgs)
			continue
		}
		call := models.ToolCall{ID: fc.ID, Name: fc.Name, Input: fc.Args}
		result.Ready = append(result.Ready, call)
		m.emitter.ToolCallReady(call)
	}
}
