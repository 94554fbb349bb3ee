// Package sensor implements the deja-vu and familiarity trackers: small,
// bounded structures the turn scheduler queries to populate the sensory
// section of the system prompt. Neither tracker ever blocks or vetoes
// execution — they only annotate.
package sensor

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
)

// DejaVuEntry is what the sensory buffer displays for a repeated call.
type DejaVuEntry struct {
	ToolName      string
	Count         int
	LastTurn      int
	ResultPreview string
}

// DejaVuTracker records {toolName, canonical-args-hash} -> count/lastTurn,
// FIFO-evicting past a bounded window so long sessions don't grow it
// unbounded.
type DejaVuTracker struct {
	mu        sync.Mutex
	window    int
	threshold int

	order   []string // insertion order of keys, for FIFO eviction
	entries map[string]*dejaVuState
}

type dejaVuState struct {
	toolName      string
	count         int
	lastTurn      int
	resultPreview string
}

// NewDejaVuTracker builds a tracker with the given FIFO window and
// repeat-warning threshold (defaults: 100, 2).
func NewDejaVuTracker(window, threshold int) *DejaVuTracker {
	if window <= 0 {
		window = 100
	}
	if threshold <= 0 {
		threshold = 2
	}
	return &DejaVuTracker{
		window:    window,
		threshold: threshold,
		entries:   make(map[string]*dejaVuState),
	}
}

// Key canonicalizes a tool call for deja-vu comparison: the tool name plus
// a hash of its (already-canonicalized, e.g. key-sorted JSON) argument
// string.
func Key(toolName, canonicalArgs string) string {
	sum := sha256.Sum256([]byte(canonicalArgs))
	return toolName + "|" + hex.EncodeToString(sum[:8])
}

// Record registers one tool invocation at the given turn, returning
// (warn, entry) where warn is true once count has reached the threshold.
func (d *DejaVuTracker) Record(toolName, canonicalArgs string, turn int, resultPreview string) (bool, DejaVuEntry) {
	key := Key(toolName, canonicalArgs)

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.entries[key]
	if !ok {
		st = &dejaVuState{toolName: toolName}
		d.entries[key] = st
		d.order = append(d.order, key)
		d.evictLocked()
	}
	st.count++
	st.lastTurn = turn
	st.resultPreview = resultPreview

	return st.count >= d.threshold, DejaVuEntry{
		ToolName:      st.toolName,
		Count:         st.count,
		LastTurn:      st.lastTurn,
		ResultPreview: st.resultPreview,
	}
}

func (d *DejaVuTracker) evictLocked() {
	for len(d.order) > d.window {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
	}
}

// Warnings returns every tracked entry currently at or above threshold,
// for sensory-buffer display.
func (d *DejaVuTracker) Warnings() []DejaVuEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []DejaVuEntry
	for _, key := range d.order {
		st := d.entries[key]
		if st.count >= d.threshold {
			out = append(out, DejaVuEntry{
				ToolName:      st.toolName,
				Count:         st.count,
				LastTurn:      st.lastTurn,
				ResultPreview: st.resultPreview,
			})
		}
	}
	return out
}

// FamiliarityTracker scores resources by recency-decayed access frequency:
// each access boosts a resource's score toward 1, each turn decays every
// score toward 0, and low scores are pruned.
type FamiliarityTracker struct {
	mu    sync.Mutex
	boost float64
	decay float64
	floor float64
	cap   int

	scores map[string]float64
}

// NewFamiliarityTracker builds a tracker with the spec's documented
// defaults (boost 0.4, decay 0.9, floor 0.05, cap 200).
func NewFamiliarityTracker() *FamiliarityTracker {
	return &FamiliarityTracker{
		boost:  0.4,
		decay:  0.9,
		floor:  0.05,
		cap:    200,
		scores: make(map[string]float64),
	}
}

// Access boosts a resource's score: score += (1 - score) * boost.
func (f *FamiliarityTracker) Access(resource string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	score := f.scores[resource]
	score += (1 - score) * f.boost
	f.scores[resource] = score
	f.enforceCapLocked()
}

// Tick decays every tracked score and prunes anything under the floor.
// Called once per turn.
func (f *FamiliarityTracker) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for k, v := range f.scores {
		v *= f.decay
		if v < f.floor {
			delete(f.scores, k)
			continue
		}
		f.scores[k] = v
	}
}

func (f *FamiliarityTracker) enforceCapLocked() {
	if len(f.scores) <= f.cap {
		return
	}
	type kv struct {
		key   string
		score float64
	}
	all := make([]kv, 0, len(f.scores))
	for k, v := range f.scores {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })
	for _, e := range all[:len(all)-f.cap] {
		delete(f.scores, e.key)
	}
}

// Top returns the n most-familiar resources, highest score first.
func (f *FamiliarityTracker) Top(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	type kv struct {
		key   string
		score float64
	}
	all := make([]kv, 0, len(f.scores))
	for k, v := range f.scores {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })

	if n > len(all) {
		n = len(all)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].key
	}
	return out
}
