package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/models"
)

// MemoryStore is an in-memory Store. Suitable for tests and ephemeral
// deployments where history does not need to survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]*models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]*models.Message),
	}
}

func (m *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID

	copied := *msg
	m.sessions[sessionID] = append(m.sessions[sessionID], &copied)
	return nil
}

func (m *MemoryStore) History(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.sessions[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		copied := *msg
		out[i] = &copied
	}
	return out, nil
}

func (m *MemoryStore) TotalCharacters(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, msg := range m.sessions[sessionID] {
		total += len(msg.Content)
	}
	return total, nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) ReplaceSession(_ context.Context, sessionID string, msgs []*models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		msg.SessionID = sessionID
		copied := *msg
		replaced[i] = &copied
	}
	m.sessions[sessionID] = replaced
	return nil
}

func (m *MemoryStore) Close() error { return nil }
