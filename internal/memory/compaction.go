package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/page"
)

// fragmentSampler draws K random contiguous windows from a message slice
// for ModeFragmentation's "skim, don't summarize" path.
type fragmentSampler struct {
	r *rand.Rand
}

func newFragmentSampler() *fragmentSampler {
	return &fragmentSampler{r: rand.New(rand.NewSource(1))}
}

func roleToLane(r entity.Role) page.Lane {
	switch r {
	case entity.RoleUser:
		return page.LaneUser
	case entity.RoleAssistant:
		return page.LaneAssistant
	case entity.RoleTool:
		return page.LaneTool
	default:
		return page.LaneSystem
	}
}

// laneBucket accumulates the messages a single lane has evicted during one
// compaction pass, in original order.
type laneBucket struct {
	lane     page.Lane
	messages []entity.Message
}

// compact runs the 5-step eviction/page-creation algorithm: partition the
// buffer by lane (excluding system messages, which are never compacted),
// evict the oldest unpinned message from whichever non-system lane has the
// largest footprint above its recency floor, repeating until usage falls
// to the low watermark; then turn each lane's evicted run into one page
// with a generated summary, and splice a synthetic per-lane reference
// message back into the buffer in place of what was evicted.
func (m *Memory) compact(ctx context.Context) error {
	m.mu.Lock()

	type tracked struct {
		msg     entity.Message
		evicted bool
	}
	items := make([]tracked, len(m.buffer))
	for i, msg := range m.buffer {
		items[i] = tracked{msg: msg}
	}

	laneIndices := make(map[page.Lane][]int)
	for i, it := range items {
		if it.msg.Role == entity.RoleSystem {
			continue
		}
		lane := roleToLane(it.msg.Role)
		laneIndices[lane] = append(laneIndices[lane], i)
	}

	target := m.params.LowRatio * float64(m.params.WorkingBudget)
	usage := func() int {
		total := 0
		for _, it := range items {
			if it.evicted {
				continue
			}
			total += estimateTokens(it.msg, m.params.CharsPerToken)
		}
		return total
	}

	for float64(usage()) > target {
		// Pick the lane with the largest remaining (non-pinned, above-floor)
		// footprint; evict its oldest eligible message.
		bestFootprint := -1
		bestIdx := -1

		for _, idxs := range laneIndices {
			remaining := 0
			oldestEligible := -1
			kept := 0
			for _, idx := range idxs {
				it := items[idx]
				if it.evicted {
					continue
				}
				kept++
				remaining += estimateTokens(it.msg, m.params.CharsPerToken)
			}
			if kept <= m.params.MinRecentPerLane {
				continue
			}
			// Only messages older than the most-recent MinRecentPerLane are
			// eligible; within that evictable region, take the oldest
			// non-pinned one.
			evictableRegion := kept - m.params.MinRecentPerLane
			pos := 0
			for _, idx := range idxs {
				it := items[idx]
				if it.evicted {
					continue
				}
				if pos >= evictableRegion {
					break
				}
				pos++
				if it.msg.IsPinned() {
					continue
				}
				oldestEligible = idx
				break
			}
			if oldestEligible == -1 {
				continue
			}
			if remaining > bestFootprint {
				bestFootprint = remaining
				bestIdx = oldestEligible
			}
		}

		if bestIdx == -1 {
			// Nothing left eligible for eviction anywhere; give up rather
			// than loop forever under a floor that can't be satisfied.
			break
		}
		items[bestIdx].evicted = true
	}

	buckets := make(map[page.Lane]*laneBucket)
	keptOrder := make([]int, 0, len(items))
	for i, it := range items {
		if !it.evicted {
			keptOrder = append(keptOrder, i)
			continue
		}
		lane := roleToLane(it.msg.Role)
		b, ok := buckets[lane]
		if !ok {
			b = &laneBucket{lane: lane}
			buckets[lane] = b
		}
		b.messages = append(b.messages, it.msg)
	}

	if len(buckets) == 0 {
		m.mu.Unlock()
		return nil
	}

	mode := m.mode
	params := m.params
	pages := m.pages
	summarizer := m.summarizer
	batch := m.batch
	sampler := m.rng
	m.mu.Unlock()

	lanes := make([]page.Lane, 0, len(buckets))
	for lane := range buckets {
		lanes = append(lanes, lane)
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i] < lanes[j] })

	replacements := make(map[page.Lane]entity.Message, len(buckets))
	now := time.Now()

	for _, lane := range lanes {
		bucket := buckets[lane]
		body := renderBucketBody(bucket.messages)
		maxImportance := 0.0
		for _, msg := range bucket.messages {
			if msg.Importance != nil && *msg.Importance > maxImportance {
				maxImportance = *msg.Importance
			}
		}

		tokenEstimate := 0
		for _, msg := range bucket.messages {
			tokenEstimate += estimateTokens(msg, params.CharsPerToken)
		}

		pageID, err := pages.Create(pageLabel(lane, now), body, lane, len(bucket.messages), tokenEstimate, maxImportance)
		if err != nil {
			return err
		}

		summary, err := generateSummary(ctx, mode, lane, bucket.messages, summarizer, batch, sampler, pageID, params)
		if err != nil {
			return err
		}
		if summary != "" {
			if err := pages.UpdateSummary(pageID, summary); err != nil {
				return err
			}
		}

		replacements[lane] = entity.Message{
			Role:    syntheticRoleFor(lane),
			Content: fmt.Sprintf("%s @@ref(%s)@@", summary, pageID),
			From:    "VirtualMemory",
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newBuffer := make([]entity.Message, 0, len(keptOrder)+len(replacements))
	inserted := make(map[page.Lane]bool, len(replacements))
	for _, idx := range keptOrder {
		newBuffer = append(newBuffer, items[idx].msg)
	}
	for _, lane := range lanes {
		if inserted[lane] {
			continue
		}
		newBuffer = append(newBuffer, replacements[lane])
		inserted[lane] = true
	}
	m.buffer = newBuffer
	return nil
}

func syntheticRoleFor(lane page.Lane) entity.Role {
	switch lane {
	case page.LaneUser:
		return entity.RoleUser
	case page.LaneTool:
		return entity.RoleTool
	default:
		return entity.RoleAssistant
	}
}

func renderBucketBody(messages []entity.Message) string {
	out := ""
	for _, msg := range messages {
		out += fmt.Sprintf("[%s] %s\n", msg.Role, msg.Content)
		for _, tc := range msg.ToolCalls {
			out += fmt.Sprintf("  call %s(%s)\n", tc.Name, tc.Args)
		}
	}
	return out
}

// generateSummary dispatches to one of the three summary-generation modes.
// ModeSync blocks on summarizer.Summarize; ModeAsyncBatch enqueues a
// placeholder and returns immediately; ModeFragmentation samples K random
// windows instead of summarizing at all.
func generateSummary(ctx context.Context, mode Mode, lane page.Lane, messages []entity.Message, summarizer Summarizer, batch BatchEnqueuer, sampler *fragmentSampler, pageID string, params Params) (string, error) {
	switch mode {
	case ModeSync:
		if summarizer == nil {
			return fmt.Sprintf("[%d messages compacted]", len(messages)), nil
		}
		return summarizer.Summarize(ctx, lane, messages)

	case ModeAsyncBatch:
		if batch != nil {
			if err := batch.Enqueue(pageID, lane, pageLabel(lane, time.Now())); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("[Pending summary for %d messages]", len(messages)), nil

	case ModeFragmentation:
		return fragmentSummary(messages, sampler, params.FragmentWindows), nil

	default:
		return fmt.Sprintf("[%d messages compacted]", len(messages)), nil
	}
}

// fragmentSummary samples K random windows of consecutive messages and
// reports how much of the run they covered, rather than condensing the
// full run through an LLM call.
func fragmentSummary(messages []entity.Message, sampler *fragmentSampler, windows int) string {
	if windows <= 0 {
		windows = 3
	}
	n := len(messages)
	if n == 0 {
		return "[Fragmented: 0 fragments, 0 sampled from 0]"
	}
	windowSize := 2
	sampled := 0
	fragments := 0
	for f := 0; f < windows && windowSize <= n; f++ {
		start := sampler.r.Intn(n - windowSize + 1)
		sampled += windowSize
		fragments++
		_ = start
	}
	if sampled > n {
		sampled = n
	}
	return fmt.Sprintf("[Fragmented: %d fragments, %d sampled from %d]", fragments, sampled, n)
}
