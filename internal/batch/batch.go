// Package batch implements the asynchronous batch summarizer: a disk-
// persisted queue of pages awaiting a provider-side batch summarization
// job, polled on a fixed cadence until results land.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ngoclaw/gro/internal/apperr"
	"github.com/ngoclaw/gro/internal/page"
	"github.com/ngoclaw/gro/pkg/safego"
	"go.uber.org/zap"
)

const (
	defaultBatchSize  = 50
	maxBatchSize      = 10000
	defaultPollPeriod = 60 * time.Second
	defaultMaxRetries = 3
)

// Entry is one page awaiting summarization, persisted as one JSONL line.
type Entry struct {
	PageID     string    `json:"pageId"`
	Lane       page.Lane `json:"lane"`
	Label      string    `json:"label"`
	BatchID    string    `json:"batchId,omitempty"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt int64     `json:"enqueuedAt"`
}

// Backend submits a batch job to the provider and polls/downloads its
// results. A driver-specific implementation adapts this to the real
// provider batch API; tests use a fake.
type Backend interface {
	// Submit starts a batch job covering the given pages' bodies and
	// returns the provider's batch id.
	Submit(ctx context.Context, pages []page.Page) (batchID string, err error)
	// Poll reports whether a batch job has finished.
	Poll(ctx context.Context, batchID string) (done bool, err error)
	// Download retrieves the finished results as custom_id (= page id) to
	// summary text.
	Download(ctx context.Context, batchID string) (map[string]string, error)
}

// Config controls queue batching and poll cadence.
type Config struct {
	QueuePath  string
	BatchSize  int
	PollPeriod time.Duration
	MaxRetries int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig(queuePath string) Config {
	return Config{
		QueuePath:  queuePath,
		BatchSize:  defaultBatchSize,
		PollPeriod: defaultPollPeriod,
		MaxRetries: defaultMaxRetries,
	}
}

// Worker runs the background poll loop tying together the disk queue, the
// batch backend, and the page store's summary field.
type Worker struct {
	cfg     Config
	pages   *page.Store
	backend Backend
	logger  *zap.Logger

	mu      sync.Mutex
	pending []Entry
	inFlight map[string][]Entry // batchID -> entries submitted under it

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds a batch worker and loads any queue left over from a
// previous run.
func NewWorker(cfg Config, pages *page.Store, backend Backend, logger *zap.Logger) (*Worker, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = defaultPollPeriod
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	w := &Worker{
		cfg:      cfg,
		pages:    pages,
		backend:  backend,
		logger:   logger.With(zap.String("component", "batch-summarizer")),
		inFlight: make(map[string][]Entry),
		done:     make(chan struct{}),
	}

	if err := w.loadQueue(); err != nil {
		return nil, err
	}
	return w, nil
}

// Enqueue adds a page to the pending queue and persists it to disk. It
// satisfies memory.BatchEnqueuer.
func (w *Worker) Enqueue(pageID string, lane page.Lane, label string) error {
	w.mu.Lock()
	w.pending = append(w.pending, Entry{
		PageID:     pageID,
		Lane:       lane,
		Label:      label,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	w.mu.Unlock()
	return w.persistQueue()
}

// Start launches the poll loop in a goroutine; it runs until ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	safego.Go(w.logger, "batch-worker", func() { w.loop(ctx) })
}

// Stop signals the poll loop to exit, blocks until the loop has returned,
// then persists the current queue state.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-w.done
	_ = w.persistQueue()
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.submitReady(ctx)
			w.pollOutstanding(ctx)
		}
	}
}

// submitReady dequeues up to BatchSize pending entries and submits them
// as one batch job.
func (w *Worker) submitReady(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	n := w.cfg.BatchSize
	if n > len(w.pending) {
		n = len(w.pending)
	}
	batch := append([]Entry(nil), w.pending[:n]...)
	w.pending = w.pending[n:]
	w.mu.Unlock()

	pages := make([]page.Page, 0, len(batch))
	for _, e := range batch {
		p, err := w.pages.Read(e.PageID)
		if err != nil {
			w.logger.Warn("dropping batch entry, page missing", zap.String("pageId", e.PageID), zap.Error(err))
			continue
		}
		pages = append(pages, *p)
	}
	if len(pages) == 0 {
		return
	}

	batchID, err := w.backend.Submit(ctx, pages)
	if err != nil {
		w.logger.Error("batch submit failed, re-enqueuing", zap.Error(err))
		w.mu.Lock()
		w.pending = append(batch, w.pending...)
		w.mu.Unlock()
		_ = w.persistQueue()
		return
	}

	w.mu.Lock()
	for i := range batch {
		batch[i].BatchID = batchID
	}
	w.inFlight[batchID] = batch
	w.mu.Unlock()
	_ = w.persistQueue()
}

// pollOutstanding checks each in-flight batch and, once complete,
// downloads results and rewrites each page's summary.
func (w *Worker) pollOutstanding(ctx context.Context) {
	w.mu.Lock()
	batchIDs := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		batchIDs = append(batchIDs, id)
	}
	w.mu.Unlock()

	for _, batchID := range batchIDs {
		done, err := w.backend.Poll(ctx, batchID)
		if err != nil {
			w.logger.Warn("batch poll failed", zap.String("batchId", batchID), zap.Error(err))
			continue
		}
		if !done {
			continue
		}
		w.ingest(ctx, batchID)
	}
}

// maxParallelIngest bounds concurrent page-summary writes per downloaded
// batch with a channel semaphore over the ingest fan-out. (The scheduler
// has no counterpart: it dispatches tool calls one at a time.)
const maxParallelIngest = 4

func (w *Worker) ingest(ctx context.Context, batchID string) {
	results, err := w.backend.Download(ctx, batchID)
	if err != nil {
		w.logger.Warn("batch download failed", zap.String("batchId", batchID), zap.Error(err))
		return
	}

	w.mu.Lock()
	entries := w.inFlight[batchID]
	delete(w.inFlight, batchID)
	w.mu.Unlock()

	retryCh := make(chan Entry, len(entries))
	sem := make(chan struct{}, maxParallelIngest)
	var wg sync.WaitGroup

	for _, e := range entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			summary, ok := results[e.PageID]
			if !ok {
				e.Attempts++
				if e.Attempts >= w.cfg.MaxRetries {
					if err := w.pages.UpdateSummary(e.PageID, "summary unavailable"); err != nil {
						w.logger.Error("giving up on page summary", zap.String("pageId", e.PageID), zap.Error(err))
					}
					return
				}
				retryCh <- Entry{PageID: e.PageID, Lane: e.Lane, Label: e.Label, Attempts: e.Attempts}
				return
			}
			if err := w.pages.UpdateSummary(e.PageID, summary); err != nil {
				w.logger.Error("failed writing batch summary", zap.String("pageId", e.PageID), zap.Error(err))
			}
		}(e)
	}

	wg.Wait()
	close(retryCh)

	var retry []Entry
	for e := range retryCh {
		retry = append(retry, e)
	}

	if len(retry) > 0 {
		w.mu.Lock()
		w.pending = append(w.pending, retry...)
		w.mu.Unlock()
	}
	_ = w.persistQueue()
}

func (w *Worker) persistQueue() error {
	if w.cfg.QueuePath == "" {
		return nil
	}

	w.mu.Lock()
	all := make([]Entry, 0, len(w.pending))
	all = append(all, w.pending...)
	for _, entries := range w.inFlight {
		all = append(all, entries...)
	}
	w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.cfg.QueuePath), 0o755); err != nil {
		return apperr.Wrap(apperr.KindBatch, "create queue directory", err)
	}

	tmp := w.cfg.QueuePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return apperr.Wrap(apperr.KindBatch, "create queue temp file", err)
	}
	enc := json.NewEncoder(f)
	for _, e := range all {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return apperr.Wrap(apperr.KindBatch, "encode queue entry", err)
		}
	}
	if err := f.Close(); err != nil {
		return apperr.Wrap(apperr.KindBatch, "close queue temp file", err)
	}
	if err := os.Rename(tmp, w.cfg.QueuePath); err != nil {
		return apperr.Wrap(apperr.KindBatch, "rename queue file", err)
	}
	return nil
}

func (w *Worker) loadQueue() error {
	if w.cfg.QueuePath == "" {
		return nil
	}
	f, err := os.Open(w.cfg.QueuePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindBatch, "open queue file", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip corrupt lines rather than fail the whole load
		}
		w.pending = append(w.pending, e)
	}
	return nil
}
