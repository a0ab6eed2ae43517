// Package history provides the append-only per-session message log used by
// the turn orchestrator and the compaction policy that summarizes it.
package history

import (
	"context"

	"github.com/parleyhq/parley/pkg/models"
)

// Store is the interface for chat history persistence.
type Store interface {
	// AppendMessage appends a message to the session's ordered log.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// History returns the session's messages in append order. A limit of
	// zero returns the full log.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// TotalCharacters returns the total content length stored for the
	// session, used by the compaction policy.
	TotalCharacters(ctx context.Context, sessionID string) (int, error)

	// Clear removes all messages for the session.
	Clear(ctx context.Context, sessionID string) error

	// ReplaceSession atomically swaps the session's log for msgs. Either
	// the whole replacement lands or the prior log survives intact.
	ReplaceSession(ctx context.Context, sessionID string, msgs []*models.Message) error

	// Close releases underlying resources.
	Close() error
}

// Stats summarizes a session's stored history.
type Stats struct {
	MessageCount    int  `json:"message_count"`
	TotalCharacters int  `json:"total_characters"`
	NeedsCompaction bool `json:"needs_compaction"`
	MaxCharacters   int  `json:"max_characters"`
}

// CollectStats reads a session's stats from a store. maxCharacters is the
// compaction budget used to derive NeedsCompaction; zero disables it.
func CollectStats(ctx context.Context, store Store, sessionID string, maxCharacters int) (Stats, error) {
	msgs, err := store.History(ctx, sessionID, 0)
	if err != nil {
		return Stats{}, err
	}
	total, err := store.TotalCharacters(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		MessageCount:    len(msgs),
		TotalCharacters: total,
		NeedsCompaction: maxCharacters > 0 && total > maxCharacters,
		MaxCharacters:   maxCharacters,
	}, nil
}
