package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func TestCompactorUnderBudgetNoop(t *testing.T) {
	store := NewMemoryStore()
	appendText(t, store, "s1", "user", "short")

	c := NewCompactor(store, CompactorConfig{MaxCharacters: 100})
	ran, err := c.MaybeCompact(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("expected no compaction under budget")
	}
}

func TestCompactorSummarizesAndKeepsRecent(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 6; i++ {
		appendText(t, store, "s1", "user", strings.Repeat("a", 50))
	}

	var sawTranscript string
	c := NewCompactor(store, CompactorConfig{
		MaxCharacters: 100,
		KeepRecent:    3,
		Summarize: func(_ context.Context, transcript string) (string, error) {
			sawTranscript = transcript
			return "talked about letters", nil
		},
	})

	ran, err := c.MaybeCompact(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected compaction to run")
	}
	if !strings.Contains(sawTranscript, "user: ") {
		t.Errorf("expected transcript to include roles, got %q", sawTranscript)
	}

	msgs, err := store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected summary plus 3 recent messages, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "talked about letters") {
		t.Errorf("expected summary message first, got %q", msgs[0].Content)
	}
	if msgs[0].Metadata["compacted"] != true {
		t.Error("expected summary message flagged as compacted")
	}
}

func TestCompactorFallsBackOnSummaryError(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		appendText(t, store, "s1", "user", strings.Repeat("b", 40))
	}

	c := NewCompactor(store, CompactorConfig{
		MaxCharacters: 50,
		Summarize: func(context.Context, string) (string, error) {
			return "", errors.New("provider unavailable")
		},
	})

	ran, err := c.MaybeCompact(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected compaction to run despite summary failure")
	}

	msgs, err := store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(msgs) == 0 || !strings.Contains(msgs[0].Content, "bbbb") {
		t.Error("expected truncated transcript fallback in summary message")
	}
}

func TestCompactorSummaryReadsBackFirstOnSQLite(t *testing.T) {
	store, err := NewSQLiteStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		err := store.AppendMessage(ctx, "s1", &models.Message{
			Role:      models.RoleUser,
			Content:   strings.Repeat("d", 50),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("failed to append message: %v", err)
		}
	}

	c := NewCompactor(store, CompactorConfig{
		MaxCharacters: 100,
		KeepRecent:    3,
		Summarize: func(context.Context, string) (string, error) {
			return "earlier chatter", nil
		},
	})
	ran, err := c.MaybeCompact(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("expected compaction to run")
	}

	msgs, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected summary plus 3 recent messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem || !strings.Contains(msgs[0].Content, "earlier chatter") {
		t.Errorf("expected summary message first, got %s %q", msgs[0].Role, msgs[0].Content)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("expected messages ordered by time, got %v before %v", msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

// replaceFailStore rejects replacements to exercise the compaction error
// path.
type replaceFailStore struct {
	*MemoryStore
}

func (r *replaceFailStore) ReplaceSession(context.Context, string, []*models.Message) error {
	return errors.New("disk full")
}

func TestCompactorReplaceFailureKeepsHistory(t *testing.T) {
	store := &replaceFailStore{MemoryStore: NewMemoryStore()}
	for i := 0; i < 5; i++ {
		appendText(t, store, "s1", "user", strings.Repeat("e", 40))
	}

	c := NewCompactor(store, CompactorConfig{MaxCharacters: 50, KeepRecent: 2})
	ran, err := c.MaybeCompact(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected compaction error")
	}
	if ran {
		t.Error("expected compaction not to report success")
	}

	msgs, err := store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(msgs) != 5 {
		t.Errorf("expected history untouched after failed replacement, got %d messages", len(msgs))
	}
}

func TestCompactorTooFewMessages(t *testing.T) {
	store := NewMemoryStore()
	appendText(t, store, "s1", "user", strings.Repeat("c", 200))

	c := NewCompactor(store, CompactorConfig{MaxCharacters: 50, KeepRecent: 3})
	ran, err := c.MaybeCompact(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Error("expected no compaction when history fits in the recent window")
	}
}
