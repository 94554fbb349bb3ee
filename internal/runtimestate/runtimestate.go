// Package runtimestate implements the session-scoped runtime singleton:
// sampling parameters, thinking budget, and the active model pin, all with
// clamped setters so a directive or API caller can never push the runtime
// into an invalid configuration.
package runtimestate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ngoclaw/gro/internal/apperr"
	"go.uber.org/zap"
)

// Snapshot is a diagnostics-friendly, immutable copy of the current state.
type Snapshot struct {
	ThinkingBudget float64 `json:"thinkingBudget"`
	Temperature    float64 `json:"temperature"`
	TopP           float64 `json:"topP"`
	TopK           int     `json:"topK"`
	ActiveModel    string  `json:"activeModel"`
	PendingModel   string  `json:"pendingModel,omitempty"`
	WorkingBudget  int     `json:"workingBudget"`
}

// learnedFacts is the on-disk shape for persisted `learn(...)` output.
type learnedFacts struct {
	Facts []string `json:"facts"`
}

// State is the resolved, mutable runtime configuration for one session. It
// does not persist across restarts, except for LearnedFacts (flushed to
// disk immediately on every Learn call). The base model pin is not written
// to disk either; the CLI supplies it again at each startup.
type State struct {
	mu sync.Mutex

	thinkingBudget float64
	temperature    float64
	topP           float64
	topK           int
	workingBudget  int

	baseModel    string // pinned via CLI; never changes mid-session
	activeModel  string // effective model this turn
	pendingModel string // set by model-change(); takes effect next turn

	learnedFactsPath string
	facts            []string

	logger *zap.Logger
}

// Defaults bundles the initial values a session starts from.
type Defaults struct {
	ThinkingBudget   float64
	Temperature      float64
	TopP             float64
	TopK             int
	WorkingBudget    int
	BaseModel        string
	LearnedFactsPath string
}

// New constructs a State, loading any previously learned facts from disk.
func New(d Defaults, logger *zap.Logger) *State {
	s := &State{
		thinkingBudget:   clamp(d.ThinkingBudget, 0, 1),
		temperature:      d.Temperature,
		topP:             d.TopP,
		topK:             d.TopK,
		workingBudget:    d.WorkingBudget,
		baseModel:        d.BaseModel,
		activeModel:      d.BaseModel,
		learnedFactsPath: d.LearnedFactsPath,
		logger:           logger.With(zap.String("component", "runtimestate")),
	}
	s.loadFacts()
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Snapshot returns the current state for diagnostics/sensory display.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ThinkingBudget: s.thinkingBudget,
		Temperature:    s.temperature,
		TopP:           s.topP,
		TopK:           s.topK,
		ActiveModel:    s.activeModel,
		PendingModel:   s.pendingModel,
		WorkingBudget:  s.workingBudget,
	}
}

// ThinkingBudget returns the current thinking budget in [0,1].
func (s *State) ThinkingBudget() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinkingBudget
}

// SetThinkingBudget sets the thinking budget directly, clamped to [0,1].
func (s *State) SetThinkingBudget(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 || v > 1 {
		s.logger.Warn("thinking budget out of range, clamping", zap.Float64("value", v))
	}
	s.thinkingBudget = clamp(v, 0, 1)
}

// AdjustThinking nudges the thinking budget by delta (±0.3 for think/relax),
// clamped to [0,1].
func (s *State) AdjustThinking(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinkingBudget = clamp(s.thinkingBudget+delta, 0, 1)
}

// Sampling returns the current temperature, top_p, top_k.
func (s *State) Sampling() (temperature, topP float64, topK int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperature, s.topP, s.topK
}

// SetTemperature clamps to [0,2], the widest range any of the three
// dialects accepts.
func (s *State) SetTemperature(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 || v > 2 {
		s.logger.Warn("temperature out of range, clamping", zap.Float64("value", v))
	}
	s.temperature = clamp(v, 0, 2)
}

// SetTopP clamps to [0,1].
func (s *State) SetTopP(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 || v > 1 {
		s.logger.Warn("top_p out of range, clamping", zap.Float64("value", v))
	}
	s.topP = clamp(v, 0, 1)
}

// SetTopK clamps to [0,500].
func (s *State) SetTopK(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 500 {
		s.logger.Warn("top_k out of range, clamping", zap.Int("value", v))
		v = 500
	}
	s.topK = v
}

// WorkingBudget returns the current working-memory token budget W.
func (s *State) WorkingBudget() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingBudget
}

// SetWorkingBudget adjusts W, e.g. from a `max-context('200k')` directive.
// Never allowed below a sane floor, since a too-small W would make
// compaction unable to satisfy its own minRecentPerLane floor.
func (s *State) SetWorkingBudget(tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	const floor = 4000
	if tokens < floor {
		s.logger.Warn("working budget below floor, clamping", zap.Int("value", tokens))
		tokens = floor
	}
	s.workingBudget = tokens
}

// ActiveModel returns the model this turn should use.
func (s *State) ActiveModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeModel
}

// RequestModelChange records a model switch that takes effect at the start
// of the next turn (§4.I's side-effect ordering: model switch applies
// last, and only from the following turn).
func (s *State) RequestModelChange(alias string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingModel = alias
}

// AdvanceTurn promotes any pending model switch to active. Called by the
// scheduler once per turn, before step 3 (effective model resolution).
func (s *State) AdvanceTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingModel != "" {
		s.activeModel = s.pendingModel
		s.pendingModel = ""
	}
}

// PinModel sets the session's base model, as supplied by the CLI at
// startup; it is not subject to directive-driven switching.
func (s *State) PinModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseModel = model
	s.activeModel = model
}

// BaseModel returns the CLI-pinned model. When it is set, the scheduler
// uses it in preference to the active model, so a directive-requested
// switch does not change the model actually called.
func (s *State) BaseModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseModel
}

// Learn appends a fact to the in-memory and on-disk learned-facts list,
// used to hot-patch the system prompt. Facts persist across restarts.
func (s *State) Learn(fact string) error {
	s.mu.Lock()
	s.facts = append(s.facts, fact)
	facts := append([]string(nil), s.facts...)
	path := s.learnedFactsPath
	s.mu.Unlock()

	if path == "" {
		return nil
	}
	return writeFactsAtomic(path, facts)
}

// Facts returns every learned fact, in the order they were recorded.
func (s *State) Facts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.facts...)
}

func (s *State) loadFacts() {
	if s.learnedFactsPath == "" {
		return
	}
	data, err := os.ReadFile(s.learnedFactsPath)
	if err != nil {
		return
	}
	var lf learnedFacts
	if err := json.Unmarshal(data, &lf); err != nil {
		s.logger.Warn("learned facts file corrupt, ignoring", zap.Error(err))
		return
	}
	s.facts = lf.Facts
}

func writeFactsAtomic(path string, facts []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Wrap(apperr.KindSession, "create learned-facts directory", err)
	}
	data, err := json.Marshal(learnedFacts{Facts: facts})
	if err != nil {
		return apperr.Wrap(apperr.KindSession, "marshal learned facts", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindSession, "write learned-facts temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.KindSession, "rename learned-facts file", err)
	}
	return nil
}
