// Package memory implements the virtual working memory: a bounded
// in-memory buffer backed by the content-addressed page store, with
// lane-partitioned compaction, pluggable summary generation, and
// exact/semantic search over page summaries.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/page"
	"go.uber.org/zap"
)

// Mode selects how a compaction's summary text is produced.
type Mode int

const (
	ModeSync Mode = iota
	ModeAsyncBatch
	ModeFragmentation
)

// Params bounds the buffer and governs compaction.
type Params struct {
	WorkingBudget    int     // W, tokens
	PageSlotBudget   int     // P, tokens; default ~18000
	CharsPerToken    float64 // approximation ratio
	MinRecentPerLane int     // floor of original messages kept per lane
	HighRatio        float64 // compaction trigger
	LowRatio         float64 // compaction target
	FragmentWindows  int     // K, for ModeFragmentation
}

// DefaultParams returns the spec's documented defaults.
func DefaultParams() Params {
	return Params{
		WorkingBudget:    60000,
		PageSlotBudget:   18000,
		CharsPerToken:    4.0,
		MinRecentPerLane: 2,
		HighRatio:        0.9,
		LowRatio:         0.7,
		FragmentWindows:  3,
	}
}

// Summarizer produces summary text for a batch of evicted messages,
// blocking the caller (ModeSync).
type Summarizer interface {
	Summarize(ctx context.Context, lane page.Lane, messages []entity.Message) (string, error)
}

// BatchEnqueuer hands a pending page off to the batch summarizer (§4.H)
// instead of blocking (ModeAsyncBatch).
type BatchEnqueuer interface {
	Enqueue(pageID string, lane page.Lane, label string) error
}

// Memory is the virtual working memory for one session.
type Memory struct {
	mu     sync.Mutex
	params Params
	mode   Mode
	buffer []entity.Message

	pages      *page.Store
	summarizer Summarizer
	batch      BatchEnqueuer
	logger     *zap.Logger

	embedder *embedder
	refs     map[string]refState // explicit @@ref()@@ state, by page id

	rng *fragmentSampler
}

type refState struct {
	requestedAt time.Time
	released    bool
}

// New builds a Memory backed by pages, with the given compaction mode.
// summarizer may be nil unless mode == ModeSync; batch may be nil unless
// mode == ModeAsyncBatch.
func New(pages *page.Store, params Params, mode Mode, summarizer Summarizer, batch BatchEnqueuer, logger *zap.Logger) *Memory {
	return &Memory{
		params:     params,
		mode:       mode,
		pages:      pages,
		summarizer: summarizer,
		batch:      batch,
		logger:     logger.With(zap.String("component", "memory")),
		embedder:   newEmbedder(64),
		refs:       make(map[string]refState),
		rng:        newFragmentSampler(),
	}
}

// Add appends a canonical message, triggering synchronous compaction if
// the resulting usage crosses the high watermark.
func (m *Memory) Add(ctx context.Context, msg entity.Message) error {
	m.mu.Lock()
	m.buffer = append(m.buffer, msg)
	usage := m.usageLocked()
	needsCompaction := float64(usage) >= m.params.HighRatio*float64(m.params.WorkingBudget)
	m.mu.Unlock()

	if needsCompaction {
		return m.compact(ctx)
	}
	return nil
}

// Snapshot returns a shallow copy of the current buffer, safe for callers
// (e.g. session persistence) that must not observe concurrent mutation.
func (m *Memory) Snapshot() []entity.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.Message, len(m.buffer))
	copy(out, m.buffer)
	return out
}

// Usage returns the current estimated token footprint of the buffer.
func (m *Memory) Usage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Memory) usageLocked() int {
	total := 0
	for _, msg := range m.buffer {
		total += estimateTokens(msg, m.params.CharsPerToken)
	}
	return total
}

// estimateTokens applies the chars-per-token approximation to a message's
// content, reasoning trace, and tool-call argument payloads.
func estimateTokens(msg entity.Message, charsPerToken float64) int {
	n := len(msg.Content) + len(msg.Reasoning)
	for _, tc := range msg.ToolCalls {
		n += len(tc.Name) + len(tc.Args) + len(tc.ID)
	}
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return int(float64(n)/charsPerToken) + 1
}

// Ref marks a page as explicitly requested for next turn's auto-fill.
func (m *Memory) Ref(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[id] = refState{requestedAt: time.Now()}
}

// Unref releases a previously requested page.
func (m *Memory) Unref(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.refs[id]; ok {
		rs.released = true
		m.refs[id] = rs
	}
}

// SelectPages chooses which pages to load into this turn's system-prompt
// pipeline: explicit refs first (most recently requested first), then the
// remainder ranked by similarity to recentText plus max importance,
// greedily packed under the page-slot budget P.
func (m *Memory) SelectPages(recentText string) ([]page.Page, error) {
	all, err := m.pages.List()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	refs := make(map[string]refState, len(m.refs))
	for k, v := range m.refs {
		refs[k] = v
	}
	m.mu.Unlock()

	var explicit, rest []page.Page
	for _, p := range all {
		if rs, ok := refs[p.ID]; ok && !rs.released {
			explicit = append(explicit, p)
		} else {
			rest = append(rest, p)
		}
	}

	sort.Slice(explicit, func(i, j int) bool {
		return refs[explicit[i].ID].requestedAt.After(refs[explicit[j].ID].requestedAt)
	})

	queryVec := m.embedder.embed(recentText)
	type scoredPage struct {
		p     page.Page
		score float64
	}
	scored := make([]scoredPage, 0, len(rest))
	for _, p := range rest {
		sim := float64(cosineSimilarity(queryVec, m.embedder.embed(p.Summary)))
		scored = append(scored, scoredPage{p: p, score: sim + p.MaxImportance})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	budget := m.params.PageSlotBudget
	var selected []page.Page
	for _, p := range explicit {
		if p.TokenEstimate > budget {
			continue
		}
		selected = append(selected, p)
		budget -= p.TokenEstimate
	}
	for _, sp := range scored {
		if sp.p.TokenEstimate > budget {
			continue
		}
		selected = append(selected, sp.p)
		budget -= sp.p.TokenEstimate
	}

	return selected, nil
}

// SearchExact runs a substring/regex search over all page bodies,
// returning matching page ids and a short snippet.
func (m *Memory) SearchExact(pattern string) ([]Hit, error) {
	all, err := m.pages.List()
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// Not a valid regex: fall back to plain substring matching.
		var hits []Hit
		for _, p := range all {
			if idx := strings.Index(p.Body, pattern); idx >= 0 {
				hits = append(hits, Hit{PageID: p.ID, Snippet: snippet(p.Body, idx, len(pattern))})
			}
		}
		return hits, nil
	}

	var hits []Hit
	for _, p := range all {
		loc := re.FindStringIndex(p.Body)
		if loc == nil {
			continue
		}
		hits = append(hits, Hit{PageID: p.ID, Snippet: snippet(p.Body, loc[0], loc[1]-loc[0])})
	}
	return hits, nil
}

// SearchSemantic ranks pages by summary similarity to query and marks the
// matches as explicit refs so the next turn's auto-fill loads them.
func (m *Memory) SearchSemantic(query string, topK int) ([]Hit, error) {
	all, err := m.pages.List()
	if err != nil {
		return nil, err
	}
	queryVec := m.embedder.embed(query)

	type scored struct {
		p     page.Page
		score float32
	}
	scoredPages := make([]scored, 0, len(all))
	for _, p := range all {
		scoredPages = append(scoredPages, scored{p: p, score: cosineSimilarity(queryVec, m.embedder.embed(p.Summary))})
	}
	sort.Slice(scoredPages, func(i, j int) bool { return scoredPages[i].score > scoredPages[j].score })

	if topK <= 0 || topK > len(scoredPages) {
		topK = len(scoredPages)
	}

	hits := make([]Hit, 0, topK)
	for i := 0; i < topK; i++ {
		sp := scoredPages[i]
		hits = append(hits, Hit{PageID: sp.p.ID, Snippet: sp.p.Summary, Score: float64(sp.score)})
		m.Ref(sp.p.ID)
	}
	return hits, nil
}

// Hit is one search result.
type Hit struct {
	PageID  string
	Snippet string
	Score   float64
}

func snippet(body string, at, matchLen int) string {
	const radius = 60
	start := at - radius
	if start < 0 {
		start = 0
	}
	end := at + matchLen + radius
	if end > len(body) {
		end = len(body)
	}
	return body[start:end]
}

func pageLabel(lane page.Lane, now time.Time) string {
	return fmt.Sprintf("%s@%d", lane, now.UnixNano())
}
