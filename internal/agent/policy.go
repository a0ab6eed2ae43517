package agent

import (
	"strings"
	"sync"
)

// ApprovalDecision is the result of a policy check for a tool call.
type ApprovalDecision string

const (
	// ApprovalAllowed means the tool call executes without confirmation.
	ApprovalAllowed ApprovalDecision = "allowed"

	// ApprovalDenied means the tool call is refused outright.
	ApprovalDenied ApprovalDecision = "denied"

	// ApprovalPending means the tool call requires user confirmation.
	ApprovalPending ApprovalDecision = "pending"
)

// ApprovalPolicy decides whether a tool call runs immediately, needs user
// confirmation, or is refused. Pattern lists support a trailing "*" wildcard
// ("read_*") and the bare wildcard "*".
//
// A per-session auto-execute flag overrides the pending default but never
// the denylist.
type ApprovalPolicy struct {
	mu sync.RWMutex

	// allowlist: tools that execute without confirmation.
	allowlist []string

	// denylist: tools that are always refused. Checked first.
	denylist []string

	// autoSessions: sessions with auto-execute enabled.
	autoSessions map[string]bool
}

// PolicyConfig configures the approval policy pattern lists.
type PolicyConfig struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// NewApprovalPolicy creates a policy from the given pattern lists.
func NewApprovalPolicy(cfg PolicyConfig) *ApprovalPolicy {
	return &ApprovalPolicy{
		allowlist:    cfg.Allowlist,
		denylist:     cfg.Denylist,
		autoSessions: make(map[string]bool),
	}
}

// Check evaluates a tool call for a session. Denylist wins over everything;
// allowlist and the session's auto-execute flag both grant immediate
// execution; otherwise confirmation is required.
func (p *ApprovalPolicy) Check(sessionID, toolName string) (ApprovalDecision, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if matchesPattern(p.denylist, toolName) {
		return ApprovalDenied, "tool in denylist"
	}
	if matchesPattern(p.allowlist, toolName) {
		return ApprovalAllowed, "tool in allowlist"
	}
	if p.autoSessions[sessionID] {
		return ApprovalAllowed, "session auto-execute enabled"
	}
	return ApprovalPending, "tool requires confirmation"
}

// SetSessionAutoExecute toggles auto-execution for a session.
func (p *ApprovalPolicy) SetSessionAutoExecute(sessionID string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enabled {
		p.autoSessions[sessionID] = true
	} else {
		delete(p.autoSessions, sessionID)
	}
}

// SessionAutoExecute reports whether a session has auto-execute enabled.
func (p *ApprovalPolicy) SessionAutoExecute(sessionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoSessions[sessionID]
}

// ClearSession drops per-session policy state.
func (p *ApprovalPolicy) ClearSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.autoSessions, sessionID)
}

func matchesPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == toolName {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(toolName, pattern[:len(pattern)-1]) {
			return true
		}
	}
	return false
}
