package memory

import (
	"context"
	"testing"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/page"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSummarizer struct {
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, lane page.Lane, messages []entity.Message) (string, error) {
	f.calls++
	return "summary of compacted lane", nil
}

func newTestMemory(t *testing.T, mode Mode, summarizer Summarizer) *Memory {
	t.Helper()
	store, err := page.NewStore(t.TempDir())
	require.NoError(t, err)

	params := DefaultParams()
	params.WorkingBudget = 100
	params.HighRatio = 0.9
	params.LowRatio = 0.5
	params.MinRecentPerLane = 1
	params.CharsPerToken = 1 // one token per char, keeps math predictable

	return New(store, params, mode, summarizer, nil, zap.NewNop())
}

func importance(v float64) *float64 { return &v }

func TestAddTriggersCompactionAboveHighWatermark(t *testing.T) {
	summarizer := &fakeSummarizer{}
	m := newTestMemory(t, ModeSync, summarizer)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		err := m.Add(ctx, entity.Message{Role: entity.RoleUser, Content: "xxxxx"})
		require.NoError(t, err)
	}

	require.Less(t, m.Usage(), 100, "compaction should have brought usage back under budget")
	require.Greater(t, summarizer.calls, 0, "sync mode must call the summarizer")
}

func TestCompactionPreservesMinRecentPerLane(t *testing.T) {
	m := newTestMemory(t, ModeSync, &fakeSummarizer{})
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, m.Add(ctx, entity.Message{Role: entity.RoleUser, Content: "xxxxxxxxxx"}))
	}

	buf := m.Snapshot()
	require.NotEmpty(t, buf)
	last := buf[len(buf)-1]
	require.Equal(t, entity.RoleUser, last.Role, "most recent message must survive compaction")
}

func TestPinnedMessagesSurviveCompaction(t *testing.T) {
	m := newTestMemory(t, ModeSync, &fakeSummarizer{})
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, entity.Message{
		Role:       entity.RoleUser,
		Content:    "remember this forever",
		Importance: importance(0.9),
	}))

	for i := 0; i < 30; i++ {
		require.NoError(t, m.Add(ctx, entity.Message{Role: entity.RoleUser, Content: "filler filler filler"}))
	}

	var found bool
	for _, msg := range m.Snapshot() {
		if msg.Content == "remember this forever" {
			found = true
		}
	}
	require.True(t, found, "pinned message must never be evicted")
}

func TestAsyncBatchModeEnqueuesPlaceholder(t *testing.T) {
	var enqueued []string
	enqueuer := enqueueFunc(func(pageID string, lane page.Lane, label string) error {
		enqueued = append(enqueued, pageID)
		return nil
	})

	store, err := page.NewStore(t.TempDir())
	require.NoError(t, err)
	params := DefaultParams()
	params.WorkingBudget = 50
	params.HighRatio = 0.9
	params.LowRatio = 0.5
	params.MinRecentPerLane = 1
	params.CharsPerToken = 1

	m := New(store, params, ModeAsyncBatch, nil, enqueuer, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Add(ctx, entity.Message{Role: entity.RoleUser, Content: "xxxxx"}))
	}

	require.NotEmpty(t, enqueued, "async mode must enqueue at least one page for later summarization")
}

func TestSearchExactFindsSubstring(t *testing.T) {
	store, err := page.NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Create("user@1", "the quick brown fox", page.LaneUser, 1, 4, 0)
	require.NoError(t, err)

	m := New(store, DefaultParams(), ModeSync, &fakeSummarizer{}, nil, zap.NewNop())

	hits, err := m.SearchExact("brown")
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSearchSemanticRefsTopMatch(t *testing.T) {
	store, err := page.NewStore(t.TempDir())
	require.NoError(t, err)
	id, err := store.Create("assistant@1", "body", page.LaneAssistant, 1, 4, 0)
	require.NoError(t, err)
	require.NoError(t, store.UpdateSummary(id, "discussion about deploying the payments service"))

	m := New(store, DefaultParams(), ModeSync, &fakeSummarizer{}, nil, zap.NewNop())

	hits, err := m.SearchSemantic("payments deploy", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, id, hits[0].PageID)

	selected, err := m.SelectPages("")
	require.NoError(t, err)
	require.Len(t, selected, 1, "a semantic hit must be auto-refed for the next turn's page slots")
}

type enqueueFunc func(pageID string, lane page.Lane, label string) error

func (f enqueueFunc) Enqueue(pageID string, lane page.Lane, label string) error {
	return f(pageID, lane, label)
}
