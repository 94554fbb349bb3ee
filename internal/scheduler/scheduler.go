// Package scheduler implements the turn scheduler: the loop that
// alternates between driver completions and sequential tool dispatch,
// refreshes the sensory buffer each turn, enforces the persistent-mode
// cooperative contract and idle policy, and honors budget limits and
// cancellation. It generalizes the teacher's AgentLoop.Run/runLoop into a
// provider-agnostic, directive-aware, multi-turn driver.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ngoclaw/gro/internal/apperr"
	"github.com/ngoclaw/gro/internal/connrecovery"
	"github.com/ngoclaw/gro/internal/directive"
	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/llm"
	"github.com/ngoclaw/gro/internal/memory"
	"github.com/ngoclaw/gro/internal/runtimestate"
	"github.com/ngoclaw/gro/internal/sensor"
	"github.com/ngoclaw/gro/internal/tool"
	"go.uber.org/zap"
)

// Status is how a session ended.
type Status string

const (
	StatusComplete        Status = "complete"
	StatusBudgetExhausted Status = "budget_exhausted"
	StatusIdleTimeout     Status = "idle_timeout"
	StatusAborted         Status = "aborted"
	StatusError           Status = "error"
)

// Outcome is RunSession's final report.
type Outcome struct {
	Status     Status
	FinalText  string
	Turns      int
	SpentUsd   float64
}

// PersistentPolicy selects the persistent-mode cooperative contract.
type PersistentPolicy string

const (
	PolicyWorkFirst  PersistentPolicy = "work-first"
	PolicyListenOnly PersistentPolicy = "listen-only"
)

// Config bounds one session's scheduling behavior; all fields have the
// spec's documented defaults applied by New.
type Config struct {
	MaxToolRounds int // rounds within one turn before forcing turn end

	Persistent       bool
	PersistentPolicy PersistentPolicy
	MaxIdleNudges    int

	// TierModels maps a thinking-budget tier to the model id to request,
	// realizing "map the thinking budget to a tier across the preferred
	// provider list" (§4.L step 3). Tiers above MaxTier are never used.
	TierModels map[llm.EffortLabel]string
	MaxTier    llm.EffortLabel // "" = no ceiling

	Rates       Rates
	MaxBudgetUsd float64

	ConnRecovery connrecovery.Options
}

// DefaultConfig returns the spec's documented scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolRounds:    25,
		PersistentPolicy: PolicyWorkFirst,
		MaxIdleNudges:    3,
	}
}

// OnDelta, when set, receives every streamed chunk as it arrives — the
// live-preview hook spec step 5 describes. It runs on its own goroutine
// behind a 16-chunk buffer, and each completion call waits for it to
// finish the call's chunks before returning.
type OnDeltaFunc func(turn int, chunk llm.StreamChunk)

// Scheduler drives one session's turns.
type Scheduler struct {
	cfg    Config
	driver llm.Driver
	tools  tool.Registry
	mem    *memory.Memory
	rt     *runtimestate.State
	dejavu *sensor.DejaVuTracker
	famil  *sensor.FamiliarityTracker
	cost   *CostMeter
	sm     *StateMachine
	logger *zap.Logger

	OnDelta OnDeltaFunc

	// persistent-mode bookkeeping
	idleStreak     int
	lastToolName   string
	sameToolStreak int
	sleeping       bool

	// continueInjections counts synthetic "(continue)" turns RepairHistory
	// has injected so far this session; forwarded as each call's
	// PriorContinueInjections so the loop-breaking ceiling in
	// internal/llm's history repair holds across turns, not just within
	// one driver call.
	continueInjections int
}

// New builds a scheduler from its wired dependencies.
func New(cfg Config, driver llm.Driver, tools tool.Registry, mem *memory.Memory, rt *runtimestate.State, dejavu *sensor.DejaVuTracker, famil *sensor.FamiliarityTracker, logger *zap.Logger) *Scheduler {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 25
	}
	if cfg.MaxIdleNudges <= 0 {
		cfg.MaxIdleNudges = 3
	}
	if cfg.PersistentPolicy == "" {
		cfg.PersistentPolicy = PolicyWorkFirst
	}
	return &Scheduler{
		cfg:    cfg,
		driver: driver,
		tools:  tools,
		mem:    mem,
		rt:     rt,
		dejavu: dejavu,
		famil:  famil,
		cost:   NewCostMeter(cfg.Rates, cfg.MaxBudgetUsd),
		sm:     NewStateMachine(),
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// StateMachine exposes the scheduler's state machine for UI wiring.
func (s *Scheduler) StateMachine() *StateMachine { return s.sm }

// RunSession drives turns until a terminal status is reached: Complete on
// the first turn that produces a final response when not running
// persistently, or BudgetExhausted / IdleTimeout / Aborted / Error at any
// point.
func (s *Scheduler) RunSession(ctx context.Context, systemPrompt string) Outcome {
	turn := 0
	var lastText string

	for {
		turn++
		s.sm.SetTurn(turn)
		s.famil.Tick()

		if s.cost.WouldExceed() {
			return Outcome{Status: StatusBudgetExhausted, FinalText: lastText, Turns: turn - 1, SpentUsd: s.cost.Spent()}
		}
		if ctx.Err() != nil {
			s.sm.Transition(StateAborted)
			return Outcome{Status: StatusAborted, FinalText: lastText, Turns: turn - 1, SpentUsd: s.cost.Spent()}
		}

		text, hadToolCalls, sawRest, err := s.runTurn(ctx, systemPrompt, turn)
		lastText = text
		if err != nil {
			if err == ErrBudgetExhausted {
				s.sm.Transition(StateComplete)
				return Outcome{Status: StatusBudgetExhausted, FinalText: lastText, Turns: turn, SpentUsd: s.cost.Spent()}
			}
			if err == connrecovery.ErrAborted || ctx.Err() != nil {
				s.sm.Transition(StateAborted)
				return Outcome{Status: StatusAborted, FinalText: lastText, Turns: turn, SpentUsd: s.cost.Spent()}
			}
			s.sm.RecordError(err)
			s.sm.Transition(StateError)
			return Outcome{Status: StatusError, FinalText: lastText, Turns: turn, SpentUsd: s.cost.Spent()}
		}

		if !s.cfg.Persistent {
			s.sm.Transition(StateComplete)
			return Outcome{Status: StatusComplete, FinalText: lastText, Turns: turn, SpentUsd: s.cost.Spent()}
		}

		// Persistent mode: idle policy and cooperative-contract bookkeeping.
		// A live sleep/listening state suppresses the idle counter even on
		// turns that don't re-emit the marker, matching "suppresses these
		// checks until the model emits a non-listen tool or explicit wake".
		if sawRest || hadToolCalls || s.sleeping {
			s.idleStreak = 0
		} else {
			s.idleStreak++
			if s.idleStreak >= s.cfg.MaxIdleNudges {
				return Outcome{Status: StatusIdleTimeout, FinalText: lastText, Turns: turn, SpentUsd: s.cost.Spent()}
			}
		}
	}
}

// runTurn executes one turn: one or more rounds of completion + sequential
// tool dispatch, ending when the model produces a final response (no tool
// calls) or MaxToolRounds is reached. It returns the last response text,
// whether any tool calls were produced this turn, and whether the model
// entered/remained in a sleep-or-listening state (which suppresses idle
// nudging).
func (s *Scheduler) runTurn(ctx context.Context, systemPrompt string, turn int) (text string, hadToolCalls bool, sawRestMarker bool, err error) {
	s.rt.AdvanceTurn() // step: promote any pending model-change directive

	round := 0
	for {
		round++
		if round > s.cfg.MaxToolRounds {
			break
		}

		messages := s.assembleRequest(systemPrompt)

		model := s.effectiveModel()
		s.sm.SetModel(model)
		temperature, topP, topK := s.rt.Sampling()
		opts := llm.Options{
			Model:                   model,
			Tools:                   s.tools.Definitions(),
			Temperature:             &temperature,
			TopP:                    &topP,
			TopK:                    &topK,
			ThinkingBudget:          s.rt.ThinkingBudget(),
			PriorContinueInjections: s.continueInjections,
		}

		s.sm.Transition(StateStreaming)
		var out *llm.Output
		callErr := connrecovery.Do(ctx, s.cfg.ConnRecovery, nil, func(ctx context.Context) error {
			var deltaCh chan llm.StreamChunk
			if s.OnDelta != nil {
				deltaCh = make(chan llm.StreamChunk, 16)
				done := make(chan struct{})
				go func() {
					defer close(done)
					for chunk := range deltaCh {
						s.OnDelta(turn, chunk)
					}
				}()
				defer func() { close(deltaCh); <-done }()
			}
			o, e := s.driver.Chat(ctx, messages, opts, deltaCh)
			if e != nil {
				return e
			}
			out = o
			return nil
		})
		if callErr != nil {
			return text, hadToolCalls, sawRestMarker, callErr
		}

		if err := s.cost.Add(out.Usage); err != nil {
			return out.Text, hadToolCalls, sawRestMarker, err
		}
		s.sm.AddTokens(out.Usage.Total())
		if out.ContinueInjected {
			s.continueInjections++
		}

		// Step 6: directive pass on the finished text.
		directives, cleaned := directive.Parse(out.Text)
		sawMarker := s.applyDirectives(directives)
		sawRestMarker = sawRestMarker || sawMarker
		text = cleaned

		assistantMsg := entity.Message{
			Role:      entity.RoleAssistant,
			Content:   cleaned,
			Reasoning: out.Reasoning,
			ToolCalls: out.ToolCalls,
		}
		if err := s.mem.Add(ctx, assistantMsg); err != nil {
			return text, hadToolCalls, sawRestMarker, err
		}

		if len(out.ToolCalls) == 0 {
			s.sm.Transition(StateIdle)
			s.applyPersistentNudges(ctx, false, "")
			return text, hadToolCalls, sawRestMarker, nil
		}

		hadToolCalls = true
		s.sm.Transition(StateToolExec)
		if err := s.dispatchToolsSequentially(ctx, turn, out.ToolCalls); err != nil {
			return text, hadToolCalls, sawRestMarker, err
		}
		s.applyPersistentNudges(ctx, true, s.lastToolName)

		if round >= s.cfg.MaxToolRounds {
			break
		}
	}
	return text, hadToolCalls, sawRestMarker, nil
}

// dispatchToolsSequentially executes each tool call in the order the model
// emitted them — never in parallel, per the scheduler's sequential-dispatch
// invariant — appending one tool-role message per call and updating the
// deja-vu and familiarity trackers.
func (s *Scheduler) dispatchToolsSequentially(ctx context.Context, turn int, calls []entity.ToolCall) error {
	for _, call := range calls {
		canonical := canonicalizeArgs(call.Args)
		preview := ""

		handler, ok := s.tools.Get(call.Name)
		var output string
		if !ok {
			output = fmt.Sprintf("[tool %q is not registered]", call.Name)
		} else {
			res, execErr := handler.Execute(ctx, call.Args)
			if execErr != nil {
				output = apperr.Wrap(apperr.KindTool, "tool execution failed", execErr).Error()
			} else {
				output = res.Output
			}
		}
		preview = snippet(output, 200)

		warn, _ := s.dejavu.Record(call.Name, canonical, turn, preview)
		if warn {
			s.logger.Info("deja-vu: repeated tool call", zap.String("tool", call.Name))
		}
		s.famil.Access(call.Name)
		s.sm.RecordToolExec()

		s.trackFairness(call.Name)

		resultMsg := entity.Message{
			Role:       entity.RoleTool,
			Content:    output,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		}
		if err := s.mem.Add(ctx, resultMsg); err != nil {
			return err
		}
	}
	return nil
}

// trackFairness maintains the "same tool N times consecutively without
// other tools" streak the work-first nudge reads.
func (s *Scheduler) trackFairness(toolName string) {
	if s.sleeping && !isListenTool(toolName) {
		s.sleeping = false // auto-wake: a non-listen tool call resumes normal nudging
	}
	if toolName == s.lastToolName {
		s.sameToolStreak++
	} else {
		s.lastToolName = toolName
		s.sameToolStreak = 1
	}
}

// isListenTool reports whether name follows the "*_listen" naming
// convention the persistent-mode cooperative contract reserves for
// idle-check tools.
func isListenTool(name string) bool {
	return strings.HasSuffix(name, "_listen")
}

// applyPersistentNudges injects the cooperative-contract system messages
// spec's persistent mode describes, when running persistently and not
// currently suppressed by a sleep/listening marker.
func (s *Scheduler) applyPersistentNudges(ctx context.Context, producedToolCalls bool, lastToolName string) {
	if !s.cfg.Persistent || s.sleeping {
		return
	}
	if !producedToolCalls {
		_ = s.mem.Add(ctx, entity.Message{
			Role: entity.RoleSystem,
			From: "Scheduler",
			Content: "Alternate short idle checks with real work; do not spam the listen tool.",
		})
		return
	}
	if s.sameToolStreak >= 3 {
		_ = s.mem.Add(ctx, entity.Message{
			Role: entity.RoleSystem,
			From: "Scheduler",
			Content: fmt.Sprintf("You called %s %d times without doing work; do a work slice now.", lastToolName, s.sameToolStreak),
		})
	}
}

// assembleRequest builds the full message list for one completion call:
// base system prompt, an auto-filled-pages system block, a sensory-buffer
// system block, then the working-memory buffer — mirroring the cache-hint
// stability ordering of §4.E.5 (static system < loaded pages < sensory).
func (s *Scheduler) assembleRequest(systemPrompt string) []entity.Message {
	buffer := s.mem.Snapshot()

	var recentText string
	for i := len(buffer) - 1; i >= 0 && i >= len(buffer)-4; i-- {
		recentText += buffer[i].Content + "\n"
	}

	pages, err := s.mem.SelectPages(recentText)
	if err != nil {
		s.logger.Warn("page auto-fill failed", zap.Error(err))
	}

	out := make([]entity.Message, 0, len(buffer)+3)
	if systemPrompt != "" {
		out = append(out, entity.Message{Role: entity.RoleSystem, Content: systemPrompt})
	}
	if len(pages) > 0 {
		var b strings.Builder
		for _, p := range pages {
			fmt.Fprintf(&b, "[page %s] %s\n%s\n\n", p.ID, p.Label, p.Summary)
		}
		out = append(out, entity.Message{Role: entity.RoleSystem, From: "VirtualMemory", Content: b.String()})
	}
	out = append(out, entity.Message{Role: entity.RoleSystem, From: "SensoryMemory", Content: s.sensoryBuffer()})
	out = append(out, buffer...)
	return out
}

// sensoryBuffer renders the time, familiarity, and deja-vu sections of the
// system prompt (step 1: "refresh sensory buffers").
func (s *Scheduler) sensoryBuffer() string {
	var b strings.Builder
	fmt.Fprintf(&b, "time: %s\n", time.Now().UTC().Format(time.RFC3339))

	top := s.famil.Top(5)
	if len(top) > 0 {
		fmt.Fprintf(&b, "familiar resources: %s\n", strings.Join(top, ", "))
	}

	warnings := s.dejavu.Warnings()
	if len(warnings) > 0 {
		sort.Slice(warnings, func(i, j int) bool { return warnings[i].Count > warnings[j].Count })
		for _, w := range warnings {
			fmt.Fprintf(&b, "deja-vu: %s called %d times, last at turn %d, prior result: %s\n",
				w.ToolName, w.Count, w.LastTurn, w.ResultPreview)
		}
	}
	return b.String()
}

// effectiveModel resolves step 3: an explicit session pin wins outright;
// otherwise the thinking budget is mapped to a tier (optionally capped by
// MaxTier) and that tier's configured model is used.
func (s *Scheduler) effectiveModel() string {
	if pinned := s.rt.BaseModel(); pinned != "" {
		return pinned
	}
	if m := s.rt.ActiveModel(); m != "" {
		return m
	}
	tier := tierForBudget(s.rt.ThinkingBudget())
	tier = capTier(tier, s.cfg.MaxTier)
	if model, ok := s.cfg.TierModels[tier]; ok {
		return model
	}
	return ""
}

var tierOrder = []llm.EffortLabel{llm.EffortLow, llm.EffortMedium, llm.EffortHigh, llm.EffortMax}

// tierForBudget maps a [0,1] thinking budget to a model tier. This mirrors
// llm.ResolveThinking's effort cut points, but resolves a model choice
// rather than a provider-call thinking plan — a deliberately separate,
// smaller mapping rather than reusing that unexported helper.
func tierForBudget(budget float64) llm.EffortLabel {
	switch {
	case budget >= 0.85:
		return llm.EffortMax
	case budget >= 0.6:
		return llm.EffortHigh
	case budget >= 0.3:
		return llm.EffortMedium
	default:
		return llm.EffortLow
	}
}

// capTier clamps tier to at most ceiling, when a ceiling is configured.
func capTier(tier, ceiling llm.EffortLabel) llm.EffortLabel {
	if ceiling == "" {
		return tier
	}
	tierIdx, ceilIdx := -1, -1
	for i, t := range tierOrder {
		if t == tier {
			tierIdx = i
		}
		if t == ceiling {
			ceilIdx = i
		}
	}
	if tierIdx < 0 || ceilIdx < 0 || tierIdx <= ceilIdx {
		return tier
	}
	return ceiling
}

// applyDirectives executes side effects in the fixed order §4.I requires —
// learn, then memory-mode swap, then thinking, then sampling, then model
// switch — and reports whether a sleep/listening/wake marker was present,
// which suppresses the persistent-mode idle counters.
func (s *Scheduler) applyDirectives(directives []directive.Directive) (sawRestMarker bool) {
	byKind := func(k directive.Kind) []directive.Directive {
		var out []directive.Directive
		for _, d := range directives {
			if d.Kind == k {
				out = append(out, d)
			}
		}
		return out
	}

	for _, d := range byKind(directive.KindLearn) {
		if len(d.Args) > 0 {
			if err := s.rt.Learn(d.Args[0]); err != nil {
				s.logger.Warn("learn directive failed", zap.Error(err))
			}
		}
	}

	// Memory-mode swap (ctrl:memory=...) is applied by whatever owns the
	// Memory's mode selection; the scheduler only observes it here since
	// Memory itself is constructed with a fixed mode per session.

	for _, d := range directives {
		switch d.Kind {
		case directive.KindThinkingUp:
			s.rt.AdjustThinking(0.3)
		case directive.KindThinkingDown:
			s.rt.AdjustThinking(-0.3)
		case directive.KindThinkingSet:
			if len(d.Args) > 0 {
				if v, ok := directive.ParseFloat(d.Args[0]); ok {
					s.rt.SetThinkingBudget(v)
				}
			}
		}
	}

	for _, d := range byKind(directive.KindTemperature) {
		if len(d.Args) > 0 {
			if v, ok := directive.ParseFloat(d.Args[0]); ok {
				s.rt.SetTemperature(v)
			}
		}
	}
	for _, d := range byKind(directive.KindTopP) {
		if len(d.Args) > 0 {
			if v, ok := directive.ParseFloat(d.Args[0]); ok {
				s.rt.SetTopP(v)
			}
		}
	}
	for _, d := range byKind(directive.KindTopK) {
		if len(d.Args) > 0 {
			if v, err := strconv.Atoi(d.Args[0]); err == nil {
				s.rt.SetTopK(v)
			}
		}
	}

	for _, d := range byKind(directive.KindRef) {
		for _, id := range d.Args {
			s.mem.Ref(id)
		}
	}
	for _, d := range byKind(directive.KindUnref) {
		for _, id := range d.Args {
			s.mem.Unref(id)
		}
	}

	for _, d := range directives {
		switch d.Kind {
		case directive.KindSleep, directive.KindListening:
			s.sleeping = true
			sawRestMarker = true
		case directive.KindWake:
			s.sleeping = false
			sawRestMarker = true
		}
	}

	// Model switch applies last, and only takes effect at the next turn's
	// AdvanceTurn call (§4.I side-effect ordering).
	for _, d := range byKind(directive.KindModelChange) {
		if len(d.Args) > 0 {
			s.rt.RequestModelChange(d.Args[0])
		}
	}

	return sawRestMarker
}

// canonicalizeArgs re-marshals a tool call's raw JSON args with sorted
// keys so semantically identical calls hash identically regardless of
// the order the model emitted fields in.
func canonicalizeArgs(argsJSON string) string {
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		return argsJSON
	}
	out, err := json.Marshal(v)
	if err != nil {
		return argsJSON
	}
	return string(out)
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
