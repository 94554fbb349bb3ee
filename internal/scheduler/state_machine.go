package scheduler

import "sync"

// TurnState is the scheduler's coarse-grained state, mirrored to hooks for
// UI/TUI display. The transition table mirrors a ReAct loop's natural
// phases; Sleeping/Listening are gro-specific, carrying the §4.I
// sleep/listening/wake directive contract into the state machine instead
// of leaving it as ad-hoc scheduler-local bookkeeping.
type TurnState string

const (
	StateIdle       TurnState = "idle"
	StateStreaming  TurnState = "streaming"
	StateToolExec   TurnState = "tool_exec"
	StateCompacting TurnState = "compacting"
	StateRetrying   TurnState = "retrying"
	StateSleeping   TurnState = "sleeping"  // suppresses idle-policy nudges
	StateComplete   TurnState = "complete"
	StateError      TurnState = "error"
	StateAborted    TurnState = "aborted"
)

var validTransitions = map[TurnState][]TurnState{
	StateIdle:       {StateStreaming, StateSleeping, StateAborted},
	StateStreaming:  {StateToolExec, StateCompacting, StateRetrying, StateComplete, StateError, StateAborted},
	StateToolExec:   {StateIdle, StateStreaming, StateCompacting, StateError, StateAborted},
	StateCompacting: {StateStreaming, StateIdle, StateError},
	StateRetrying:   {StateStreaming, StateError, StateAborted},
	StateSleeping:   {StateIdle, StateStreaming, StateAborted},
	StateComplete:   {},
	StateError:      {StateIdle, StateRetrying},
	StateAborted:    {},
}

// StateSnapshot is the value handed to OnTransition listeners.
type StateSnapshot struct {
	State     TurnState
	Turn      int
	Step      int
	Tokens    int
	ToolExecs int
	Retries   int
	Model     string
	LastErr   string
}

// StateMachine tracks the scheduler's current phase and notifies listeners
// of every transition, generalizing the teacher's AgentState machine with
// a turn counter (gro runs many turns per session, not one run per
// invocation) and the sleep state §4.L's persistent-mode contract needs.
type StateMachine struct {
	mu        sync.Mutex
	snap      StateSnapshot
	listeners []func(from, to TurnState, snap StateSnapshot)
}

// NewStateMachine starts in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{snap: StateSnapshot{State: StateIdle}}
}

// OnTransition registers a listener invoked (synchronously, under no lock)
// after every successful transition.
func (m *StateMachine) OnTransition(fn func(from, to TurnState, snap StateSnapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Transition moves to `to` if the move is legal from the current state,
// returning false (and leaving state unchanged) otherwise.
func (m *StateMachine) Transition(to TurnState) bool {
	m.mu.Lock()
	from := m.snap.State
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return false
	}
	m.snap.State = to
	snap := m.snap
	listeners := append([]func(from, to TurnState, snap StateSnapshot){}, m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(from, to, snap)
	}
	return true
}

func (m *StateMachine) Snapshot() StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *StateMachine) SetTurn(turn int) {
	m.mu.Lock()
	m.snap.Turn = turn
	m.mu.Unlock()
}

func (m *StateMachine) SetStep(step int) {
	m.mu.Lock()
	m.snap.Step = step
	m.mu.Unlock()
}

func (m *StateMachine) AddTokens(n int) {
	m.mu.Lock()
	m.snap.Tokens += n
	m.mu.Unlock()
}

func (m *StateMachine) RecordToolExec() {
	m.mu.Lock()
	m.snap.ToolExecs++
	m.mu.Unlock()
}

func (m *StateMachine) RecordRetry() {
	m.mu.Lock()
	m.snap.Retries++
	m.mu.Unlock()
}

func (m *StateMachine) RecordError(err error) {
	m.mu.Lock()
	if err != nil {
		m.snap.LastErr = err.Error()
	}
	m.mu.Unlock()
}

func (m *StateMachine) SetModel(model string) {
	m.mu.Lock()
	m.snap.Model = model
	m.mu.Unlock()
}

// IsTerminal reports whether the current state ends the session.
func (m *StateMachine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.snap.State {
	case StateComplete, StateError, StateAborted:
		return true
	default:
		return false
	}
}
