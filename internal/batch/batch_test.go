package batch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ngoclaw/gro/internal/page"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu       sync.Mutex
	submits  int
	results  map[string]map[string]string // batchID -> pageID -> summary
	readyAt  map[string]time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		results: make(map[string]map[string]string),
		readyAt: make(map[string]time.Time),
	}
}

func (f *fakeBackend) Submit(ctx context.Context, pages []page.Page) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	batchID := "batch_1"
	results := make(map[string]string, len(pages))
	for _, p := range pages {
		results[p.ID] = "summary for " + p.ID
	}
	f.results[batchID] = results
	f.readyAt[batchID] = time.Now()
	return batchID, nil
}

func (f *fakeBackend) Poll(ctx context.Context, batchID string) (bool, error) {
	return true, nil
}

func (f *fakeBackend) Download(ctx context.Context, batchID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[batchID], nil
}

func TestEnqueuePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	store, err := page.NewStore(filepath.Join(dir, "pages"))
	require.NoError(t, err)

	cfg := DefaultConfig(filepath.Join(dir, "queue.jsonl"))
	w, err := NewWorker(cfg, store, newFakeBackend(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, w.Enqueue("pg_abc", page.LaneAssistant, "assistant@1"))

	w2, err := NewWorker(cfg, store, newFakeBackend(), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, w2.pending, 1, "queue must survive a worker restart")
}

func TestSubmitAndIngestWritesSummary(t *testing.T) {
	dir := t.TempDir()
	store, err := page.NewStore(filepath.Join(dir, "pages"))
	require.NoError(t, err)

	id, err := store.Create("assistant@1", "evicted content", page.LaneAssistant, 3, 10, 0)
	require.NoError(t, err)

	cfg := DefaultConfig(filepath.Join(dir, "queue.jsonl"))
	backend := newFakeBackend()
	w, err := NewWorker(cfg, store, backend, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Enqueue(id, page.LaneAssistant, "assistant@1"))

	ctx := context.Background()
	w.submitReady(ctx)
	w.pollOutstanding(ctx)

	p, err := store.Read(id)
	require.NoError(t, err)
	require.Equal(t, "summary for "+id, p.Summary)
}

type stallingBackend struct {
	fakeBackend
}

func (s *stallingBackend) Download(ctx context.Context, batchID string) (map[string]string, error) {
	return map[string]string{}, nil // every item missing from results
}

func TestIngestGivesUpAfterMaxRetries(t *testing.T) {
	dir := t.TempDir()
	store, err := page.NewStore(filepath.Join(dir, "pages"))
	require.NoError(t, err)

	id, err := store.Create("assistant@1", "evicted content", page.LaneAssistant, 1, 4, 0)
	require.NoError(t, err)

	cfg := DefaultConfig(filepath.Join(dir, "queue.jsonl"))
	cfg.MaxRetries = 1
	backend := &stallingBackend{fakeBackend: *newFakeBackend()}
	w, err := NewWorker(cfg, store, backend, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Enqueue(id, page.LaneAssistant, "assistant@1"))

	ctx := context.Background()
	w.submitReady(ctx)
	w.pollOutstanding(ctx)

	p, err := store.Read(id)
	require.NoError(t, err)
	require.Equal(t, "summary unavailable", p.Summary)
}
