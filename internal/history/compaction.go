package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

const (
	// DefaultMaxCharacters triggers compaction once a session's stored
	// content grows past this budget.
	DefaultMaxCharacters = 3200

	// DefaultKeepRecent is how many trailing messages survive compaction
	// verbatim.
	DefaultKeepRecent = 3
)

// SummarizeFunc condenses a conversation transcript into a short summary.
type SummarizeFunc func(ctx context.Context, transcript string) (string, error)

// Compactor keeps session history under a character budget by replacing
// older messages with a generated summary while preserving the most recent
// messages verbatim.
type Compactor struct {
	store         Store
	summarize     SummarizeFunc
	maxCharacters int
	keepRecent    int
	logger        *slog.Logger
}

// CompactorConfig configures a Compactor. Zero values take defaults.
type CompactorConfig struct {
	MaxCharacters int
	KeepRecent    int
	Summarize     SummarizeFunc
	Logger        *slog.Logger
}

func NewCompactor(store Store, cfg CompactorConfig) *Compactor {
	if cfg.MaxCharacters <= 0 {
		cfg.MaxCharacters = DefaultMaxCharacters
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Compactor{
		store:         store,
		summarize:     cfg.Summarize,
		maxCharacters: cfg.MaxCharacters,
		keepRecent:    cfg.KeepRecent,
		logger:        cfg.Logger,
	}
}

// MaxCharacters returns the configured compaction budget.
func (c *Compactor) MaxCharacters() int { return c.maxCharacters }

// MaybeCompact compacts the session if it is over budget. It reports
// whether compaction ran.
func (c *Compactor) MaybeCompact(ctx context.Context, sessionID string) (bool, error) {
	total, err := c.store.TotalCharacters(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if total <= c.maxCharacters {
		return false, nil
	}

	msgs, err := c.store.History(ctx, sessionID, 0)
	if err != nil {
		return false, err
	}
	if len(msgs) <= c.keepRecent {
		return false, nil
	}

	older := msgs[:len(msgs)-c.keepRecent]
	recent := msgs[len(msgs)-c.keepRecent:]

	summary := c.summarizeMessages(ctx, older)

	// The summary must read back before the kept messages, so it gets a
	// timestamp strictly ahead of the first one.
	at := recent[0].CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	summaryAt := at.Add(-time.Millisecond)
	summaryMsg := &models.Message{
		Role:      models.RoleSystem,
		Content:   "Summary of earlier conversation: " + summary,
		Metadata:  map[string]any{"compacted": true, "summarized_messages": len(older)},
		CreatedAt: summaryAt,
	}

	replacement := append([]*models.Message{summaryMsg}, recent...)
	if err := c.store.ReplaceSession(ctx, sessionID, replacement); err != nil {
		return false, fmt.Errorf("failed to compact session: %w", err)
	}

	c.logger.Info("compacted session history",
		"session_id", sessionID,
		"summarized", len(older),
		"kept", len(recent),
		"chars_before", total)
	return true, nil
}

func (c *Compactor) summarizeMessages(ctx context.Context, msgs []*models.Message) string {
	transcript := buildTranscript(msgs)
	if c.summarize != nil {
		summary, err := c.summarize(ctx, transcript)
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
		if err != nil {
			c.logger.Warn("summarization failed, falling back to truncation", "error", err)
		}
	}
	return truncateTranscript(transcript, 400)
}

func buildTranscript(msgs []*models.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func truncateTranscript(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
