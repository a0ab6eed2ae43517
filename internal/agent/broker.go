package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/models"
)

// ConfirmationStatus is the state of a confirmation request.
// Pending transitions to exactly one of the terminal states; terminal states
// are absorbing.
type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusRejected  ConfirmationStatus = "rejected"
	StatusTimedOut  ConfirmationStatus = "timed_out"
)

// ConfirmationRequest is a pending ask for user authorization of one tool
// call. Args are mutable only through an explicit override on Resolve.
type ConfirmationRequest struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	CallID      string          `json:"call_id"`
	ToolName    string          `json:"tool_name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Timeout     time.Duration   `json:"timeout"`
}

// Resolution is the terminal outcome delivered to an Await caller.
type Resolution struct {
	Status    ConfirmationStatus
	Args      json.RawMessage
	Cancelled bool
	Reason    string
}

// Confirmed reports whether execution was authorized.
func (r Resolution) Confirmed() bool {
	return r.Status == StatusConfirmed
}

// Outcome converts the resolution into its event representation.
func (r Resolution) Outcome() models.ConfirmationOutcome {
	switch r.Status {
	case StatusConfirmed:
		return models.OutcomeConfirmed
	case StatusTimedOut:
		return models.OutcomeTimedOut
	default:
		return models.OutcomeRejected
	}
}

type pendingRequest struct {
	req      *ConfirmationRequest
	status   ConfirmationStatus
	deadline time.Time

	// done carries the terminal resolution to the awaiting turn. Buffered so
	// the resolving side never blocks on a waiter.
	done chan Resolution
}

// ConfirmationBroker owns the Pending/Confirmed/Rejected/TimedOut state
// machine with single-flight pending-request tracking per session.
//
// The pending index is the only state shared between the awaiting turn and
// the external confirming caller; every status transition happens inside the
// broker's critical section, so when an explicit resolve and the deadline
// timer fire concurrently, whichever transition completes first wins and the
// other silently no-ops.
type ConfirmationBroker struct {
	mu        sync.Mutex
	requests  map[string]*pendingRequest // request id -> state
	bySession map[string]string          // session id -> sole pending request id

	defaultTimeout time.Duration
	sweepInterval  time.Duration
	logger         *slog.Logger
}

// BrokerConfig configures confirmation timeout and sweep behavior.
type BrokerConfig struct {
	// DefaultTimeout is applied when Open is called with a zero timeout.
	// Default: 15 seconds.
	DefaultTimeout time.Duration

	// SweepInterval is how often the defensive sweep runs. Default: 30s.
	SweepInterval time.Duration

	// Logger receives broker lifecycle logs. Default: slog.Default().
	Logger *slog.Logger
}

// NewConfirmationBroker creates a broker with the given configuration.
func NewConfirmationBroker(cfg BrokerConfig) *ConfirmationBroker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ConfirmationBroker{
		requests:       make(map[string]*pendingRequest),
		bySession:      make(map[string]string),
		defaultTimeout: cfg.DefaultTimeout,
		sweepInterval:  cfg.SweepInterval,
		logger:         cfg.Logger,
	}
}

// DefaultTimeout returns the broker's default confirmation timeout.
func (b *ConfirmationBroker) DefaultTimeout() time.Duration {
	return b.defaultTimeout
}

// Open creates a Pending request for a session's tool call. It fails with
// ErrConfirmationPending if the session already has a live request; the
// single-flight invariant is enforced here, not by caller discipline.
func (b *ConfirmationBroker) Open(sessionID string, call models.ToolCall, description string, schema json.RawMessage, timeout time.Duration) (*ConfirmationRequest, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.bySession[sessionID]; exists {
		return nil, ErrConfirmationPending
	}

	req := &ConfirmationRequest{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		CallID:      call.ID,
		ToolName:    call.Name,
		Args:        call.Input,
		Description: description,
		Schema:      schema,
		CreatedAt:   time.Now(),
		Timeout:     timeout,
	}
	b.requests[req.ID] = &pendingRequest{
		req:      req,
		status:   StatusPending,
		deadline: req.CreatedAt.Add(timeout),
		done:     make(chan Resolution, 1),
	}
	b.bySession[sessionID] = req.ID

	b.logger.Info("confirmation request opened",
		"request_id", req.ID,
		"session_id", sessionID,
		"tool", call.Name,
		"timeout", timeout,
	)

	// Resolve may rewrite the stored request's args while the caller is
	// still reading, so the caller gets its own copy.
	snapshot := *req
	return &snapshot, nil
}

// Await suspends the calling turn until the request reaches a terminal state.
// Deadline expiry transitions Pending to TimedOut exactly once; a resolve
// racing the timer loses silently if the timer's transition lands first.
// Context cancellation releases the waiter immediately with a cancellation
// outcome instead of waiting out the original timeout.
func (b *ConfirmationBroker) Await(ctx context.Context, requestID string) (Resolution, error) {
	b.mu.Lock()
	p, ok := b.requests[requestID]
	b.mu.Unlock()
	if !ok {
		return Resolution{}, ErrRequestNotFound
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case res := <-p.done:
		b.remove(requestID)
		return res, nil

	case <-timer.C:
		res := Resolution{Status: StatusTimedOut, Reason: "confirmation timed out"}
		if b.transition(p, res) {
			b.logger.Warn("confirmation request timed out",
				"request_id", requestID,
				"session_id", p.req.SessionID,
				"tool", p.req.ToolName,
			)
			b.remove(requestID)
			return res, nil
		}
		// A resolve won the race; its resolution is already buffered.
		res = <-p.done
		b.remove(requestID)
		return res, nil

	case <-ctx.Done():
		res := Resolution{Status: StatusRejected, Cancelled: true, Reason: "turn aborted"}
		if !b.transition(p, res) {
			res = <-p.done
		}
		b.remove(requestID)
		return res, nil
	}
}

// Resolve confirms or rejects the session's sole Pending request. It returns
// false if no Pending request exists or the request already reached a
// terminal state. When confirmed and updatedArgs is non-nil, the supplied
// arguments replace the originals before execution.
func (b *ConfirmationBroker) Resolve(sessionID string, confirmed bool, updatedArgs json.RawMessage) bool {
	b.mu.Lock()
	requestID, ok := b.bySession[sessionID]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("no pending confirmation request for session", "session_id", sessionID)
		return false
	}
	p := b.requests[requestID]
	if p == nil || p.status != StatusPending {
		b.mu.Unlock()
		return false
	}
	if !p.deadline.After(time.Now()) {
		// Expired but never swept; the timer transition owns this request.
		res := Resolution{Status: StatusTimedOut, Reason: "confirmation timed out"}
		b.transitionLocked(p, res)
		b.mu.Unlock()
		return false
	}

	res := Resolution{Status: StatusRejected, Reason: "rejected by user"}
	if confirmed {
		args := p.req.Args
		if updatedArgs != nil {
			args = updatedArgs
			p.req.Args = updatedArgs
		}
		res = Resolution{Status: StatusConfirmed, Args: args}
	}
	b.transitionLocked(p, res)
	b.mu.Unlock()

	b.logger.Info("confirmation request resolved",
		"request_id", requestID,
		"session_id", sessionID,
		"status", res.Status,
	)
	return true
}

// CancelSession force-cancels the session's Pending request, if any, with a
// rejected outcome carrying the given reason. Used when a turn's model
// stream aborts.
func (b *ConfirmationBroker) CancelSession(sessionID, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	requestID, ok := b.bySession[sessionID]
	if !ok {
		return false
	}
	p := b.requests[requestID]
	if p == nil || p.status != StatusPending {
		return false
	}
	b.transitionLocked(p, Resolution{Status: StatusRejected, Cancelled: true, Reason: reason})
	return true
}

// Pending returns a snapshot of the session's Pending request, if any.
func (b *ConfirmationBroker) Pending(sessionID string) (*ConfirmationRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	requestID, ok := b.bySession[sessionID]
	if !ok {
		return nil, false
	}
	p := b.requests[requestID]
	if p == nil || p.status != StatusPending {
		return nil, false
	}
	snapshot := *p.req
	return &snapshot, true
}

// Sweep removes any Pending request whose deadline has passed but which was
// never actively awaited, preventing index leaks. Returns the number of
// requests expired.
func (b *ConfirmationBroker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	expired := 0
	for id, p := range b.requests {
		if p.status == StatusPending && !p.deadline.After(now) {
			b.transitionLocked(p, Resolution{Status: StatusTimedOut, Reason: "confirmation timed out"})
			expired++
			continue
		}
		// Terminal entries linger only until their waiter consumes them; a
		// request that was never awaited is collected once its deadline is
		// well past.
		if p.status != StatusPending && now.Sub(p.deadline) > b.sweepInterval {
			delete(b.requests, id)
		}
	}
	if expired > 0 {
		b.logger.Info("swept expired confirmation requests", "count", expired)
	}
	return expired
}

// Run executes the defensive sweep loop until ctx is cancelled.
func (b *ConfirmationBroker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// PendingCount returns the number of live Pending requests across sessions.
func (b *ConfirmationBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bySession)
}

// transition performs the atomic Pending -> terminal compare-and-swap under
// the broker lock. Returns false if the request already left Pending.
func (b *ConfirmationBroker) transition(p *pendingRequest, res Resolution) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.status != StatusPending {
		return false
	}
	b.transitionLocked(p, res)
	return true
}

// transitionLocked finalizes a request: records the terminal status, removes
// it from the pending index, and wakes any waiter. The request stays in the
// id map until its waiter consumes the resolution (or the sweep collects it)
// so a resolve landing between Open and Await is never lost. Callers hold
// b.mu and have verified the request is still Pending.
func (b *ConfirmationBroker) transitionLocked(p *pendingRequest, res Resolution) {
	p.status = res.Status
	delete(b.bySession, p.req.SessionID)
	select {
	case p.done <- res:
	default:
	}
}

// remove drops a consumed request from the id map.
func (b *ConfirmationBroker) remove(requestID string) {
	b.mu.Lock()
	delete(b.requests, requestID)
	b.mu.Unlock()
}
